package localdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	"github.com/vdavid/mailsync/internal/models"
)

type folderStateRow struct {
	AccountID     string        `db:"account_id"`
	FolderPath    string        `db:"folder_path"`
	UIDValidity   int64         `db:"uidvalidity"`
	LastSeenUID   int64         `db:"last_seen_uid"`
	HighestModSeq sql.NullInt64 `db:"highest_modseq"`
	LastSyncAt    int64         `db:"last_sync_at"`
}

func (r folderStateRow) toModel() models.FolderSyncState {
	state := models.FolderSyncState{
		AccountID:   r.AccountID,
		FolderPath:  r.FolderPath,
		UIDValidity: uint32(r.UIDValidity),
		LastSeenUID: uint32(r.LastSeenUID),
		LastSyncAt:  fromNanos(r.LastSyncAt),
	}
	if r.HighestModSeq.Valid {
		v := uint64(r.HighestModSeq.Int64)
		state.HighestModSeq = &v
	}
	return state
}

const folderStateColumns = `account_id, folder_path, uidvalidity, last_seen_uid, highest_modseq, last_sync_at`

// GetFolderSyncState returns the cursor of one folder, or nil if it was never synced.
func (s *Store) GetFolderSyncState(ctx context.Context, accountID, folder string) (*models.FolderSyncState, error) {
	var row folderStateRow
	err := s.db.GetContext(ctx, &row, `SELECT `+folderStateColumns+` FROM folder_sync_state WHERE account_id = ? AND folder_path = ?`, accountID, folder)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting folder sync state %s: %w", folder, err)
	}
	state := row.toModel()
	return &state, nil
}

// ListFolderSyncStates returns the cursors of all folders of an account.
func (s *Store) ListFolderSyncStates(ctx context.Context, accountID string) ([]models.FolderSyncState, error) {
	var rows []folderStateRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+folderStateColumns+` FROM folder_sync_state WHERE account_id = ? ORDER BY folder_path`, accountID); err != nil {
		return nil, fmt.Errorf("listing folder sync states: %w", err)
	}
	states := make([]models.FolderSyncState, 0, len(rows))
	for _, r := range rows {
		states = append(states, r.toModel())
	}
	return states, nil
}

// UpsertFolderSyncState writes a folder cursor.
// For an unchanged uidvalidity the stored last-seen UID never moves backwards.
func (s *Store) UpsertFolderSyncState(ctx context.Context, state *models.FolderSyncState) error {
	var modseq sql.NullInt64
	if state.HighestModSeq != nil {
		modseq = sql.NullInt64{Int64: int64(*state.HighestModSeq), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO folder_sync_state (`+folderStateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, folder_path) DO UPDATE SET
			last_seen_uid = CASE
				WHEN folder_sync_state.uidvalidity = excluded.uidvalidity
					THEN MAX(folder_sync_state.last_seen_uid, excluded.last_seen_uid)
				ELSE excluded.last_seen_uid
			END,
			uidvalidity = excluded.uidvalidity,
			highest_modseq = excluded.highest_modseq,
			last_sync_at = excluded.last_sync_at`,
		state.AccountID, state.FolderPath, int64(state.UIDValidity), int64(state.LastSeenUID), modseq, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upserting folder sync state %s: %w", state.FolderPath, err)
	}
	return nil
}

// DeleteFolderSyncState forgets a folder cursor.
func (s *Store) DeleteFolderSyncState(ctx context.Context, accountID, folder string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM folder_sync_state WHERE account_id = ? AND folder_path = ?`, accountID, folder); err != nil {
		return fmt.Errorf("deleting folder sync state %s: %w", folder, err)
	}
	return nil
}

// GetObjectSyncState returns the opaque cursor of an object type, or nil.
func (s *Store) GetObjectSyncState(ctx context.Context, accountID, objectType string) (*models.ObjectSyncState, error) {
	var (
		state     models.ObjectSyncState
		updatedAt int64
	)
	err := s.db.QueryRowxContext(ctx, `
		SELECT account_id, object_type, state, updated_at
		FROM object_sync_state WHERE account_id = ? AND object_type = ?`, accountID, objectType).
		Scan(&state.AccountID, &state.ObjectType, &state.State, &updatedAt)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting %s sync state: %w", objectType, err)
	}
	state.UpdatedAt = fromNanos(updatedAt)
	return &state, nil
}

// UpsertObjectSyncState replaces the opaque cursor of an object type.
func (s *Store) UpsertObjectSyncState(ctx context.Context, state *models.ObjectSyncState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO object_sync_state (account_id, object_type, state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (account_id, object_type) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at`,
		state.AccountID, state.ObjectType, state.State, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upserting %s sync state: %w", state.ObjectType, err)
	}
	return nil
}

// DeleteObjectSyncState forgets the cursor of an object type.
func (s *Store) DeleteObjectSyncState(ctx context.Context, accountID, objectType string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM object_sync_state WHERE account_id = ? AND object_type = ?`, accountID, objectType); err != nil {
		return fmt.Errorf("deleting %s sync state: %w", objectType, err)
	}
	return nil
}

// GetAccountSyncStatus returns the pass outcome of an account, or nil.
func (s *Store) GetAccountSyncStatus(ctx context.Context, accountID string) (*models.AccountSyncStatus, error) {
	var (
		status          models.AccountSyncStatus
		completed, last sql.NullInt64
	)
	err := s.db.QueryRowxContext(ctx, `
		SELECT account_id, initial_sync_completed_at, last_pass_at, last_error, last_stored, last_reported
		FROM account_sync_status WHERE account_id = ?`, accountID).
		Scan(&status.AccountID, &completed, &last, &status.LastError, &status.LastStored, &status.LastReported)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting sync status of %s: %w", accountID, err)
	}
	status.InitialSyncCompletedAt = fromNullNanos(completed)
	status.LastPassAt = fromNullNanos(last)
	return &status, nil
}

// UpsertAccountSyncStatus writes the pass outcome. A completion time, once set, is kept.
func (s *Store) UpsertAccountSyncStatus(ctx context.Context, status *models.AccountSyncStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO account_sync_status (
			account_id, initial_sync_completed_at, last_pass_at, last_error, last_stored, last_reported
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			initial_sync_completed_at = COALESCE(account_sync_status.initial_sync_completed_at, excluded.initial_sync_completed_at),
			last_pass_at = excluded.last_pass_at,
			last_error = excluded.last_error,
			last_stored = excluded.last_stored,
			last_reported = excluded.last_reported`,
		status.AccountID, nullNanos(status.InitialSyncCompletedAt), nullNanos(status.LastPassAt),
		status.LastError, status.LastStored, status.LastReported,
	)
	if err != nil {
		return fmt.Errorf("upserting sync status of %s: %w", status.AccountID, err)
	}
	return nil
}

const pendingColumns = `id, account_id, resource_id, op_type, params, status, retry_count, next_retry_at, last_error, created_at`

type pendingRow struct {
	ID          string `db:"id"`
	AccountID   string `db:"account_id"`
	ResourceID  string `db:"resource_id"`
	OpType      string `db:"op_type"`
	Params      string `db:"params"`
	Status      string `db:"status"`
	RetryCount  int    `db:"retry_count"`
	NextRetryAt int64  `db:"next_retry_at"`
	LastError   string `db:"last_error"`
	CreatedAt   int64  `db:"created_at"`
}

func (r pendingRow) toModel() (models.PendingOperation, error) {
	op := models.PendingOperation{
		ID:          r.ID,
		AccountID:   r.AccountID,
		ResourceID:  r.ResourceID,
		OpType:      models.OpType(r.OpType),
		Status:      models.PendingStatus(r.Status),
		RetryCount:  r.RetryCount,
		NextRetryAt: fromNanos(r.NextRetryAt),
		LastError:   r.LastError,
		CreatedAt:   fromNanos(r.CreatedAt),
		Params:      map[string]any{},
	}
	if r.Params != "" {
		if err := json.Unmarshal([]byte(r.Params), &op.Params); err != nil {
			return op, fmt.Errorf("unmarshaling params of %s: %w", r.ID, err)
		}
	}
	return op, nil
}

// ListPendingOperations returns the queued operations of an account in creation order.
// A nil resourceIDs returns operations for all resources.
func (s *Store) ListPendingOperations(ctx context.Context, accountID string, resourceIDs []string) ([]models.PendingOperation, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_operations WHERE account_id = ?`
	args := []any{accountID}
	if resourceIDs != nil {
		if len(resourceIDs) == 0 {
			return nil, nil
		}
		var err error
		query, args, err = sqlx.In(query+` AND resource_id IN (?)`, accountID, resourceIDs)
		if err != nil {
			return nil, fmt.Errorf("building pending lookup: %w", err)
		}
	}
	return s.selectPending(ctx, s.db.Rebind(query+` ORDER BY created_at, id`), args...)
}

// ListDuePendingOperations returns queued (not failed) operations whose retry time has come.
func (s *Store) ListDuePendingOperations(ctx context.Context, accountID string, now time.Time) ([]models.PendingOperation, error) {
	return s.selectPending(ctx, `
		SELECT `+pendingColumns+` FROM pending_operations
		WHERE account_id = ? AND status = ? AND next_retry_at <= ?
		ORDER BY created_at, id`, accountID, string(models.PendingQueued), now.UnixNano())
}

func (s *Store) selectPending(ctx context.Context, query string, args ...any) ([]models.PendingOperation, error) {
	var rows []pendingRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying pending operations: %w", err)
	}
	ops := make([]models.PendingOperation, 0, len(rows))
	for _, r := range rows {
		op, err := r.toModel()
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// SavePendingOperation inserts or updates a pending operation.
func (s *Store) SavePendingOperation(ctx context.Context, op *models.PendingOperation) error {
	params := op.Params
	if params == nil {
		params = map[string]any{}
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshaling params of %s: %w", op.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_operations (`+pendingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			params = excluded.params,
			status = excluded.status,
			retry_count = excluded.retry_count,
			next_retry_at = excluded.next_retry_at,
			last_error = excluded.last_error`,
		op.ID, op.AccountID, op.ResourceID, string(op.OpType), string(encoded), string(op.Status),
		op.RetryCount, toNanos(op.NextRetryAt), op.LastError, toNanos(op.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving pending operation %s: %w", op.ID, err)
	}
	return nil
}

// DeletePendingOperations removes operations by id.
func (s *Store) DeletePendingOperations(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM pending_operations WHERE id IN (?)`, ids)
	if err != nil {
		return fmt.Errorf("building pending delete: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("deleting pending operations: %w", err)
	}
	return nil
}
