package api

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	ws "github.com/vdavid/mailsync/internal/websocket"
)

// WebSocketHandler handles the /api/v1/ws endpoint for sync events and new-mail notices.
type WebSocketHandler struct {
	hub    *ws.Hub
	logger zerolog.Logger
}

func NewWebSocketHandler(hub *ws.Hub, logger zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, logger: logger}
}

var wsUpgrader = websocket.Upgrader{
	// The daemon is expected to run behind a reverse proxy in a trusted environment.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle upgrades the connection and subscribes it to ?account=<id>, or to every account when
// the parameter is missing. Authentication happens in the router middleware, which also accepts
// ?token= because browsers cannot set headers on WebSocket upgrades.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account")
	if accountID == "" {
		accountID = ws.AllAccounts
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("account", accountID).Msg("Failed to upgrade connection")
		return
	}

	client := h.hub.Register(accountID, conn)
	if client == nil {
		return
	}
	h.logger.Debug().Str("account", accountID).Msg("WebSocket connection established")

	go h.readLoop(accountID, client)
}

// readLoop reads until the connection is closed, then unregisters the client.
// Clients never send anything meaningful; reading is how disconnects are detected.
func (h *WebSocketHandler) readLoop(accountID string, client *ws.Client) {
	conn := client.Conn()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.hub.Unregister(accountID, client)
}
