package api

import (
	"errors"
	"net/http"
	"slices"

	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/models"
)

// AccountsHandler serves account status and sync control.
type AccountsHandler struct {
	store     Store
	scheduler Scheduler
	logger    zerolog.Logger
}

func NewAccountsHandler(store Store, scheduler Scheduler, logger zerolog.Logger) *AccountsHandler {
	return &AccountsHandler{store: store, scheduler: scheduler, logger: logger}
}

// AccountResponse is an account with its last sync outcome.
type AccountResponse struct {
	models.Account
	Status  *models.AccountSyncStatus `json:"sync_status"`
	Running bool                      `json:"worker_running"`
}

// List returns every enabled account.
func (h *AccountsHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	accounts, err := h.store.ListAccounts(ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list accounts")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	running := h.scheduler.Running()
	out := make([]AccountResponse, 0, len(accounts))
	for _, a := range accounts {
		status, err := h.store.GetAccountSyncStatus(ctx, a.ID)
		if err != nil {
			h.logger.Error().Err(err).Str("account", a.ID).Msg("Failed to get sync status")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		out = append(out, AccountResponse{Account: a, Status: status, Running: slices.Contains(running, a.ID)})
	}
	writeJSON(w, h.logger, http.StatusOK, out)
}

// Get returns one account.
func (h *AccountsHandler) Get(w http.ResponseWriter, r *http.Request) {
	account, ok := h.account(w, r)
	if !ok {
		return
	}
	status, err := h.store.GetAccountSyncStatus(r.Context(), account.ID)
	if err != nil {
		h.logger.Error().Err(err).Str("account", account.ID).Msg("Failed to get sync status")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, AccountResponse{
		Account: *account,
		Status:  status,
		Running: slices.Contains(h.scheduler.Running(), account.ID),
	})
}

// Labels returns the stored labels of an account with their counts.
func (h *AccountsHandler) Labels(w http.ResponseWriter, r *http.Request) {
	account, ok := h.account(w, r)
	if !ok {
		return
	}
	labels, err := h.store.ListLabels(r.Context(), account.ID)
	if err != nil {
		h.logger.Error().Err(err).Str("account", account.ID).Msg("Failed to list labels")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if labels == nil {
		labels = []models.Label{}
	}
	writeJSON(w, h.logger, http.StatusOK, labels)
}

// Sync asks the account's worker to run a pass now.
// Returns 202 when the request was queued and 409 when no worker runs for the account.
func (h *AccountsHandler) Sync(w http.ResponseWriter, r *http.Request) {
	account, ok := h.account(w, r)
	if !ok {
		return
	}
	if !h.scheduler.Trigger(account.ID) {
		http.Error(w, "No sync worker for account", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// StartWorker starts the periodic sync worker of an account. Starting a running worker is a no-op.
func (h *AccountsHandler) StartWorker(w http.ResponseWriter, r *http.Request) {
	account, ok := h.account(w, r)
	if !ok {
		return
	}
	if !account.Enabled {
		http.Error(w, "Account is disabled", http.StatusConflict)
		return
	}
	h.scheduler.Add(account.ID)
	w.WriteHeader(http.StatusNoContent)
}

// StopWorker stops the sync worker of an account.
func (h *AccountsHandler) StopWorker(w http.ResponseWriter, r *http.Request) {
	account, ok := h.account(w, r)
	if !ok {
		return
	}
	h.scheduler.Remove(account.ID)
	w.WriteHeader(http.StatusNoContent)
}

// account loads the account named by the {id} path value and writes the error response if it
// cannot.
func (h *AccountsHandler) account(w http.ResponseWriter, r *http.Request) (*models.Account, bool) {
	return loadAccount(w, r, h.store, h.logger)
}

func loadAccount(w http.ResponseWriter, r *http.Request, store Store, logger zerolog.Logger) (*models.Account, bool) {
	id := r.PathValue("id")
	account, err := store.GetAccount(r.Context(), id)
	if errors.Is(err, models.ErrAccountNotFound) {
		http.Error(w, "Account not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		logger.Error().Err(err).Str("account", id).Msg("Failed to get account")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return nil, false
	}
	return account, true
}
