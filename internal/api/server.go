// Package api exposes the sync daemon over HTTP: account status, sync control, queued
// mutations and a WebSocket event stream.
package api

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/auth"
	"github.com/vdavid/mailsync/internal/models"
	ws "github.com/vdavid/mailsync/internal/websocket"
)

// Store is the read side of the mail store the API serves.
type Store interface {
	ListAccounts(ctx context.Context) ([]models.Account, error)
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetAccountSyncStatus(ctx context.Context, accountID string) (*models.AccountSyncStatus, error)
	ListLabels(ctx context.Context, accountID string) ([]models.Label, error)
	GetThread(ctx context.Context, accountID, threadID string) (*models.Thread, error)
	MessagesForThread(ctx context.Context, accountID, threadID string) ([]models.Message, error)
}

// Scheduler controls the per-account sync workers.
type Scheduler interface {
	Add(accountID string)
	Remove(accountID string)
	Trigger(accountID string) bool
	Running() []string
}

// Enqueuer records local mutations for replay against the provider.
type Enqueuer interface {
	Enqueue(ctx context.Context, op models.PendingOperation) (*models.PendingOperation, error)
}

// Deps holds everything the handlers need.
type Deps struct {
	Store     Store
	Scheduler Scheduler
	Queue     Enqueuer
	Hub       *ws.Hub
	// Token is the shared bearer token. An empty token locks every /api route.
	Token  string
	Logger zerolog.Logger
}

// NewRouter wires the handlers. Only /healthz is reachable without the token.
func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger.With().Str("component", "api").Logger()

	accounts := NewAccountsHandler(deps.Store, deps.Scheduler, logger)
	threads := NewThreadHandler(deps.Store, logger)
	ops := NewOperationsHandler(deps.Store, deps.Queue, deps.Scheduler, logger)
	wsHandler := NewWebSocketHandler(deps.Hub, logger)

	api := http.NewServeMux()
	api.HandleFunc("GET /api/v1/accounts", accounts.List)
	api.HandleFunc("GET /api/v1/accounts/{id}", accounts.Get)
	api.HandleFunc("GET /api/v1/accounts/{id}/labels", accounts.Labels)
	api.HandleFunc("POST /api/v1/accounts/{id}/sync", accounts.Sync)
	api.HandleFunc("PUT /api/v1/accounts/{id}/worker", accounts.StartWorker)
	api.HandleFunc("DELETE /api/v1/accounts/{id}/worker", accounts.StopWorker)
	api.HandleFunc("GET /api/v1/accounts/{id}/threads/{threadID}", threads.Get)
	api.HandleFunc("POST /api/v1/accounts/{id}/operations", ops.Create)
	api.HandleFunc("GET /api/v1/ws", wsHandler.Handle)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/api/", auth.RequireToken(deps.Token, logger)(api))
	return mux
}
