package pending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
)

// DefaultMaxRetries is the number of failed attempts after which an operation is marked failed.
const DefaultMaxRetries = 5

// Store is the persistence the queue needs.
type Store interface {
	Lister
	ListDuePendingOperations(ctx context.Context, accountID string, now time.Time) ([]models.PendingOperation, error)
	SavePendingOperation(ctx context.Context, op *models.PendingOperation) error
	DeletePendingOperations(ctx context.Context, ids []string) error
}

// ExecuteFunc sends one operation to the server.
type ExecuteFunc func(ctx context.Context, op models.PendingOperation) error

// FlushResult counts what a Flush did.
type FlushResult struct {
	Succeeded int
	Retrying  int
	Failed    int
}

// Queue persists local mutations and replays them against the server with exponential backoff.
type Queue struct {
	store      Store
	logger     zerolog.Logger
	maxRetries int
	newBackOff func() backoff.BackOff
	now        func() time.Time
}

// NewQueue creates a queue with DefaultMaxRetries and a backoff starting at 30 seconds.
func NewQueue(store Store, logger zerolog.Logger) *Queue {
	return &Queue{
		store:      store,
		logger:     logger.With().Str("component", "pending").Logger(),
		maxRetries: DefaultMaxRetries,
		newBackOff: defaultBackOff,
		now:        time.Now,
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 30 * time.Second
	b.MaxInterval = time.Hour
	b.MaxElapsedTime = 0
	return b
}

// Enqueue records op and compacts it against the operations already queued for its resource.
// The returned operation is nil when op cancelled an earlier one.
func (q *Queue) Enqueue(ctx context.Context, op models.PendingOperation) (*models.PendingOperation, error) {
	now := q.now().UTC()
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}
	if op.NextRetryAt.IsZero() {
		op.NextRetryAt = now
	}
	op.Status = models.PendingQueued

	existing, err := q.store.ListPendingOperations(ctx, op.AccountID, []string{op.ResourceID})
	if err != nil {
		return nil, fmt.Errorf("failed to load queued operations: %w", err)
	}

	compacted := Compact(append(existing, op))

	keep := make(map[string]models.PendingOperation, len(compacted))
	for _, c := range compacted {
		keep[c.ID] = c
	}
	var removed []string
	for _, e := range existing {
		if _, ok := keep[e.ID]; !ok {
			removed = append(removed, e.ID)
		}
	}
	if err := q.store.DeletePendingOperations(ctx, removed); err != nil {
		return nil, fmt.Errorf("failed to drop compacted operations: %w", err)
	}

	saved, ok := keep[op.ID]
	if !ok {
		q.logger.Debug().Str("resource", op.ResourceID).Str("op", string(op.OpType)).
			Int("cancelled", len(removed)).Msg("Operation cancelled a queued one")
		return nil, nil
	}
	if err := q.store.SavePendingOperation(ctx, &saved); err != nil {
		return nil, fmt.Errorf("failed to save operation: %w", err)
	}
	return &saved, nil
}

// Flush executes the due operations of an account in creation order.
// A successful operation is deleted. A failed one is rescheduled, and marked failed after the
// retry limit or when the provider does not support it.
func (q *Queue) Flush(ctx context.Context, accountID string, execute ExecuteFunc) (FlushResult, error) {
	var result FlushResult

	due, err := q.store.ListDuePendingOperations(ctx, accountID, q.now())
	if err != nil {
		return result, fmt.Errorf("failed to load due operations: %w", err)
	}

	for i := range due {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		op := due[i]

		execErr := execute(ctx, op)
		if execErr == nil {
			if err := q.store.DeletePendingOperations(ctx, []string{op.ID}); err != nil {
				return result, fmt.Errorf("failed to delete completed operation: %w", err)
			}
			result.Succeeded++
			continue
		}

		op.RetryCount++
		op.LastError = execErr.Error()
		if op.RetryCount >= q.maxRetries || errors.Is(execErr, provider.ErrNotSupported) {
			op.Status = models.PendingFailed
			result.Failed++
			q.logger.Warn().Err(execErr).Str("account", accountID).Str("op", string(op.OpType)).
				Int("attempts", op.RetryCount).Msg("Giving up on pending operation")
		} else {
			op.NextRetryAt = q.now().Add(q.delay(op.RetryCount))
			result.Retrying++
			q.logger.Debug().Err(execErr).Str("account", accountID).Str("op", string(op.OpType)).
				Time("next_retry_at", op.NextRetryAt).Msg("Pending operation failed, will retry")
		}
		if err := q.store.SavePendingOperation(ctx, &op); err != nil {
			return result, fmt.Errorf("failed to reschedule operation: %w", err)
		}
	}

	return result, nil
}

// Discard removes operations, including failed ones, so their threads stop being blocked.
func (q *Queue) Discard(ctx context.Context, ids []string) error {
	return q.store.DeletePendingOperations(ctx, ids)
}

// delay returns the wait before attempt number attempts+1.
func (q *Queue) delay(attempts int) time.Duration {
	b := q.newBackOff()
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	if d == backoff.Stop {
		return time.Hour
	}
	return d
}
