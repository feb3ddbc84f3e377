package api

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/pending"
)

// OperationsHandler queues local mutations.
type OperationsHandler struct {
	store     Store
	queue     Enqueuer
	scheduler Scheduler
	logger    zerolog.Logger
}

func NewOperationsHandler(store Store, queue Enqueuer, scheduler Scheduler, logger zerolog.Logger) *OperationsHandler {
	return &OperationsHandler{store: store, queue: queue, scheduler: scheduler, logger: logger}
}

// OperationRequest is the body of POST /api/v1/accounts/{id}/operations.
type OperationRequest struct {
	ThreadID string         `json:"thread_id"`
	OpType   models.OpType  `json:"op_type"`
	Params   map[string]any `json:"params,omitempty"`
}

func (req *OperationRequest) validate() string {
	if strings.TrimSpace(req.ThreadID) == "" {
		return "thread_id is required"
	}
	if !req.OpType.Valid() {
		return "unknown op_type"
	}
	switch req.OpType {
	case models.OpMarkRead, models.OpStar, models.OpSpam:
		if _, ok := req.Params[pending.ParamValue].(bool); !ok {
			return "params." + pending.ParamValue + " must be a boolean"
		}
	case models.OpMove, models.OpAddLabel, models.OpRemoveLabel:
		if label, _ := req.Params[pending.ParamLabelID].(string); label == "" {
			return "params." + pending.ParamLabelID + " is required"
		}
	}
	return ""
}

// Create queues an operation and wakes the account's worker to replay it.
// Returns 202 with the queued operation, or 204 when it cancelled an operation already queued.
func (h *OperationsHandler) Create(w http.ResponseWriter, r *http.Request) {
	account, ok := loadAccount(w, r, h.store, h.logger)
	if !ok {
		return
	}

	var req OperationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.logger.Debug().Err(err).Msg("Failed to decode operation")
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if msg := req.validate(); msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	op, err := h.queue.Enqueue(r.Context(), models.PendingOperation{
		AccountID:  account.ID,
		ResourceID: req.ThreadID,
		OpType:     req.OpType,
		Params:     req.Params,
	})
	if err != nil {
		h.logger.Error().Err(err).Str("account", account.ID).Msg("Failed to queue operation")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.scheduler.Trigger(account.ID)
	if op == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, h.logger, http.StatusAccepted, op)
}
