package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
)

const pendingColumns = `id, account_id, resource_id, op_type, params, status, retry_count, next_retry_at, last_error, created_at`

// ListPendingOperations returns the queued operations of an account in creation order.
// A nil resourceIDs returns operations for all resources.
func ListPendingOperations(ctx context.Context, pool *pgxpool.Pool, accountID string, resourceIDs []string) ([]models.PendingOperation, error) {
	var rows pgx.Rows
	var err error
	if resourceIDs == nil {
		rows, err = pool.Query(ctx, `
			SELECT `+pendingColumns+` FROM pending_operations
			WHERE account_id = $1
			ORDER BY created_at, id
		`, accountID)
	} else {
		rows, err = pool.Query(ctx, `
			SELECT `+pendingColumns+` FROM pending_operations
			WHERE account_id = $1 AND resource_id = ANY($2)
			ORDER BY created_at, id
		`, accountID, resourceIDs)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list pending operations: %w", err)
	}
	return collectPending(rows)
}

// ListDuePendingOperations returns queued (not failed) operations whose retry time has come.
func ListDuePendingOperations(ctx context.Context, pool *pgxpool.Pool, accountID string, now time.Time) ([]models.PendingOperation, error) {
	rows, err := pool.Query(ctx, `
		SELECT `+pendingColumns+` FROM pending_operations
		WHERE account_id = $1 AND status = $2 AND next_retry_at <= $3
		ORDER BY created_at, id
	`, accountID, string(models.PendingQueued), now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due pending operations: %w", err)
	}
	return collectPending(rows)
}

// SavePendingOperation inserts or updates a pending operation.
func SavePendingOperation(ctx context.Context, pool *pgxpool.Pool, op *models.PendingOperation) error {
	params := op.Params
	if params == nil {
		params = map[string]any{}
	}
	_, err := pool.Exec(ctx, `
		INSERT INTO pending_operations (`+pendingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			params = EXCLUDED.params,
			status = EXCLUDED.status,
			retry_count = EXCLUDED.retry_count,
			next_retry_at = EXCLUDED.next_retry_at,
			last_error = EXCLUDED.last_error
	`, op.ID, op.AccountID, op.ResourceID, string(op.OpType), params, string(op.Status),
		op.RetryCount, op.NextRetryAt, op.LastError, op.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save pending operation: %w", err)
	}
	return nil
}

// DeletePendingOperations removes operations by id.
func DeletePendingOperations(ctx context.Context, pool *pgxpool.Pool, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := pool.Exec(ctx, `DELETE FROM pending_operations WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("failed to delete pending operations: %w", err)
	}
	return nil
}

func collectPending(rows pgx.Rows) ([]models.PendingOperation, error) {
	defer rows.Close()

	var ops []models.PendingOperation
	for rows.Next() {
		var op models.PendingOperation
		var opType, status string
		if err := rows.Scan(
			&op.ID, &op.AccountID, &op.ResourceID, &opType, &op.Params, &status,
			&op.RetryCount, &op.NextRetryAt, &op.LastError, &op.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan pending operation: %w", err)
		}
		op.OpType = models.OpType(opType)
		op.Status = models.PendingStatus(status)
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending operations: %w", err)
	}
	return ops, nil
}
