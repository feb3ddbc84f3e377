// Package pending tracks local mutations that the server has not confirmed yet.
//
// While a thread has outstanding operations the sync engine must not overwrite its metadata
// with server state, or the user would see a change flicker back.
package pending

import (
	"context"
	"fmt"

	"github.com/vdavid/mailsync/internal/models"
)

// Lister reads queued operations. A nil resourceIDs lists every resource of the account.
type Lister interface {
	ListPendingOperations(ctx context.Context, accountID string, resourceIDs []string) ([]models.PendingOperation, error)
}

// Guard answers which threads currently have outstanding local operations.
type Guard struct {
	store Lister
}

// NewGuard creates a Guard backed by store.
func NewGuard(store Lister) *Guard {
	return &Guard{store: store}
}

// Blocked returns the subset of threadIDs that have pending or failed operations.
// Failed operations keep blocking until they are discarded.
func (g *Guard) Blocked(ctx context.Context, accountID string, threadIDs []string) (map[string]bool, error) {
	blocked := make(map[string]bool)
	if len(threadIDs) == 0 {
		return blocked, nil
	}

	ops, err := g.store.ListPendingOperations(ctx, accountID, threadIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending operations: %w", err)
	}
	for _, op := range ops {
		blocked[op.ResourceID] = true
	}
	return blocked, nil
}
