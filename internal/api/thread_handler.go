package api

import (
	"net/http"

	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/models"
)

// ThreadHandler serves stored threads.
type ThreadHandler struct {
	store  Store
	logger zerolog.Logger
}

func NewThreadHandler(store Store, logger zerolog.Logger) *ThreadHandler {
	return &ThreadHandler{store: store, logger: logger}
}

// ThreadResponse is a thread with its messages, oldest first.
type ThreadResponse struct {
	models.Thread
	Messages []models.Message `json:"messages"`
}

// Get returns a thread and its messages.
func (h *ThreadHandler) Get(w http.ResponseWriter, r *http.Request) {
	account, ok := loadAccount(w, r, h.store, h.logger)
	if !ok {
		return
	}
	ctx := r.Context()
	threadID := r.PathValue("threadID")

	thread, err := h.store.GetThread(ctx, account.ID, threadID)
	if err != nil {
		h.logger.Error().Err(err).Str("thread", threadID).Msg("Failed to get thread")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if thread == nil {
		http.Error(w, "Thread not found", http.StatusNotFound)
		return
	}

	messages, err := h.store.MessagesForThread(ctx, account.ID, threadID)
	if err != nil {
		h.logger.Error().Err(err).Str("thread", threadID).Msg("Failed to get messages")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	writeJSON(w, h.logger, http.StatusOK, ThreadResponse{Thread: *thread, Messages: messages})
}
