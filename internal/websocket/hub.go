// Package websocket fans sync events and new-mail notices out to connected clients.
package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/syncer"
)

// AllAccounts subscribes a client to the events of every account.
const AllAccounts = "*"

const (
	writeTimeout = 10 * time.Second
	// sendBuffer is how many messages may wait for a client before it is dropped.
	sendBuffer = 16
)

// Client wraps a WebSocket connection. Messages are queued and written by the client's own
// goroutine.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	// gorilla connections allow one concurrent writer.
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

func (c *Client) write(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Hub manages active WebSocket connections per subscribed account.
// A subscription may hold several connections (e.g., multiple tabs).
type Hub struct {
	mu            sync.RWMutex
	clients       map[string]map[*Client]struct{} // account id or AllAccounts -> set of clients
	maxPerAccount int
	logger        zerolog.Logger
}

var _ syncer.Notifier = (*Hub)(nil)

// NewHub creates a new Hub with a per-subscription connection limit.
func NewHub(maxPerAccount int, logger zerolog.Logger) *Hub {
	if maxPerAccount <= 0 {
		maxPerAccount = 10
	}
	return &Hub{
		clients:       make(map[string]map[*Client]struct{}),
		maxPerAccount: maxPerAccount,
		logger:        logger.With().Str("component", "websocket").Logger(),
	}
}

// Register adds a WebSocket connection subscribed to accountID.
// If the limit is exceeded, the new connection is closed and nil is returned.
func (h *Hub) Register(accountID string, conn *websocket.Conn) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	subscribers, ok := h.clients[accountID]
	if !ok {
		subscribers = make(map[*Client]struct{})
		h.clients[accountID] = subscribers
	}

	if len(subscribers) >= h.maxPerAccount {
		h.logger.Warn().Str("account", accountID).Int("max", h.maxPerAccount).Msg("Too many connections, closing new one")
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"),
			time.Time{},
		)
		_ = conn.Close()
		return nil
	}

	client := &Client{conn: conn, send: make(chan []byte, sendBuffer)}
	subscribers[client] = struct{}{}
	go h.writePump(accountID, client)
	return client
}

// writePump writes queued messages until the client is unregistered.
func (h *Hub) writePump(accountID string, c *Client) {
	for msg := range c.send {
		if err := c.write(msg); err != nil {
			h.logger.Debug().Err(err).Str("account", accountID).Msg("Failed to write message, dropping client")
			h.Unregister(accountID, c)
			return
		}
	}
}

// Unregister removes a client and closes the connection.
func (h *Hub) Unregister(accountID string, client *Client) {
	if client == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if subscribers, ok := h.clients[accountID]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, accountID)
		}
	}
	client.closeOnce.Do(func() { close(client.send) })
	_ = client.conn.Close()
}

// Send queues msg for the subscribers of accountID and for those of every account. It never
// waits on a connection; a client whose queue is full is dropped.
func (h *Hub) Send(accountID string, msg []byte) {
	type target struct {
		key    string
		client *Client
	}
	var full []target

	// The read lock keeps Unregister from closing a queue while it is written to.
	h.mu.RLock()
	for _, key := range []string{accountID, AllAccounts} {
		for c := range h.clients[key] {
			select {
			case c.send <- msg:
			default:
				full = append(full, target{key: key, client: c})
			}
		}
	}
	h.mu.RUnlock()

	for _, t := range full {
		h.logger.Warn().Str("account", t.key).Msg("Client is not keeping up, dropping it")
		h.Unregister(t.key, t.client)
	}
}

// ActiveConnections returns the number of connections subscribed to accountID.
func (h *Hub) ActiveConnections(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients[accountID])
}

// NewMailMessage is the payload pushed for every new-mail notice.
type NewMailMessage struct {
	Type string `json:"type"`
	syncer.NewMailNotice
}

// NewMail pushes a new-mail notice to the account's subscribers.
func (h *Hub) NewMail(_ context.Context, notice syncer.NewMailNotice) {
	h.publish(notice.AccountID, NewMailMessage{Type: "new_mail", NewMailNotice: notice})
}

// Forward publishes scheduler events until events is closed or ctx is done.
func (h *Hub) Forward(ctx context.Context, events <-chan syncer.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			h.publish(e.AccountID, e)
		}
	}
}

func (h *Hub) publish(accountID string, payload any) {
	msg, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode message")
		return
	}
	h.Send(accountID, msg)
}
