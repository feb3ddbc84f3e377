package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
)

// GetFolderSyncState returns the cursor of one folder, or nil if the folder was never synced.
func GetFolderSyncState(ctx context.Context, pool *pgxpool.Pool, accountID, folder string) (*models.FolderSyncState, error) {
	row := pool.QueryRow(ctx, `
		SELECT account_id, folder_path, uidvalidity, last_seen_uid, highest_modseq, last_sync_at
		FROM folder_sync_state
		WHERE account_id = $1 AND folder_path = $2
	`, accountID, folder)

	state, err := scanFolderSyncState(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get folder sync state: %w", err)
	}
	return state, nil
}

// ListFolderSyncStates returns the cursors of all folders of an account.
func ListFolderSyncStates(ctx context.Context, pool *pgxpool.Pool, accountID string) ([]models.FolderSyncState, error) {
	rows, err := pool.Query(ctx, `
		SELECT account_id, folder_path, uidvalidity, last_seen_uid, highest_modseq, last_sync_at
		FROM folder_sync_state
		WHERE account_id = $1
		ORDER BY folder_path
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list folder sync states: %w", err)
	}
	defer rows.Close()

	var states []models.FolderSyncState
	for rows.Next() {
		state, err := scanFolderSyncState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan folder sync state: %w", err)
		}
		states = append(states, *state)
	}
	return states, rows.Err()
}

// SetFolderSyncState writes a folder cursor.
// For an unchanged uidvalidity the stored last-seen UID never moves backwards.
func SetFolderSyncState(ctx context.Context, pool *pgxpool.Pool, state *models.FolderSyncState) error {
	var modseq *int64
	if state.HighestModSeq != nil {
		v := int64(*state.HighestModSeq)
		modseq = &v
	}

	_, err := pool.Exec(ctx, `
		INSERT INTO folder_sync_state (account_id, folder_path, uidvalidity, last_seen_uid, highest_modseq, last_sync_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (account_id, folder_path) DO UPDATE SET
			last_seen_uid = CASE
				WHEN folder_sync_state.uidvalidity = EXCLUDED.uidvalidity
					THEN GREATEST(folder_sync_state.last_seen_uid, EXCLUDED.last_seen_uid)
				ELSE EXCLUDED.last_seen_uid
			END,
			uidvalidity = EXCLUDED.uidvalidity,
			highest_modseq = EXCLUDED.highest_modseq,
			last_sync_at = now()
	`, state.AccountID, state.FolderPath, int64(state.UIDValidity), int64(state.LastSeenUID), modseq)
	if err != nil {
		return fmt.Errorf("failed to set folder sync state: %w", err)
	}
	return nil
}

// DeleteFolderSyncState forgets a folder cursor.
func DeleteFolderSyncState(ctx context.Context, pool *pgxpool.Pool, accountID, folder string) error {
	_, err := pool.Exec(ctx, `DELETE FROM folder_sync_state WHERE account_id = $1 AND folder_path = $2`, accountID, folder)
	if err != nil {
		return fmt.Errorf("failed to delete folder sync state: %w", err)
	}
	return nil
}

// GetObjectSyncState returns the opaque cursor of an object type, or nil.
func GetObjectSyncState(ctx context.Context, pool *pgxpool.Pool, accountID, objectType string) (*models.ObjectSyncState, error) {
	var state models.ObjectSyncState
	err := pool.QueryRow(ctx, `
		SELECT account_id, object_type, state, updated_at
		FROM object_sync_state
		WHERE account_id = $1 AND object_type = $2
	`, accountID, objectType).Scan(&state.AccountID, &state.ObjectType, &state.State, &state.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get object sync state: %w", err)
	}
	return &state, nil
}

// SetObjectSyncState replaces the opaque cursor of an object type.
func SetObjectSyncState(ctx context.Context, pool *pgxpool.Pool, state *models.ObjectSyncState) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO object_sync_state (account_id, object_type, state, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (account_id, object_type) DO UPDATE SET
			state = EXCLUDED.state,
			updated_at = now()
	`, state.AccountID, state.ObjectType, state.State)
	if err != nil {
		return fmt.Errorf("failed to set object sync state: %w", err)
	}
	return nil
}

// DeleteObjectSyncState forgets the cursor of an object type.
func DeleteObjectSyncState(ctx context.Context, pool *pgxpool.Pool, accountID, objectType string) error {
	_, err := pool.Exec(ctx, `DELETE FROM object_sync_state WHERE account_id = $1 AND object_type = $2`, accountID, objectType)
	if err != nil {
		return fmt.Errorf("failed to delete object sync state: %w", err)
	}
	return nil
}

// GetAccountSyncStatus returns the pass outcome of an account, or nil.
func GetAccountSyncStatus(ctx context.Context, pool *pgxpool.Pool, accountID string) (*models.AccountSyncStatus, error) {
	var status models.AccountSyncStatus
	err := pool.QueryRow(ctx, `
		SELECT account_id, initial_sync_completed_at, last_pass_at, last_error, last_stored, last_reported
		FROM account_sync_status
		WHERE account_id = $1
	`, accountID).Scan(
		&status.AccountID,
		&status.InitialSyncCompletedAt,
		&status.LastPassAt,
		&status.LastError,
		&status.LastStored,
		&status.LastReported,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account sync status: %w", err)
	}
	return &status, nil
}

// SetAccountSyncStatus writes the pass outcome. A completion time, once set, is kept.
func SetAccountSyncStatus(ctx context.Context, pool *pgxpool.Pool, status *models.AccountSyncStatus) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO account_sync_status (
			account_id, initial_sync_completed_at, last_pass_at, last_error, last_stored, last_reported
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id) DO UPDATE SET
			initial_sync_completed_at = COALESCE(account_sync_status.initial_sync_completed_at, EXCLUDED.initial_sync_completed_at),
			last_pass_at = EXCLUDED.last_pass_at,
			last_error = EXCLUDED.last_error,
			last_stored = EXCLUDED.last_stored,
			last_reported = EXCLUDED.last_reported
	`, status.AccountID, status.InitialSyncCompletedAt, status.LastPassAt, status.LastError, status.LastStored, status.LastReported)
	if err != nil {
		return fmt.Errorf("failed to set account sync status: %w", err)
	}
	return nil
}

func scanFolderSyncState(row pgx.Row) (*models.FolderSyncState, error) {
	var state models.FolderSyncState
	var uidValidity, lastSeen int64
	var modseq *int64
	if err := row.Scan(&state.AccountID, &state.FolderPath, &uidValidity, &lastSeen, &modseq, &state.LastSyncAt); err != nil {
		return nil, err
	}
	state.UIDValidity = uint32(uidValidity)
	state.LastSeenUID = uint32(lastSeen)
	if modseq != nil {
		v := uint64(*modseq)
		state.HighestModSeq = &v
	}
	return &state, nil
}
