package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
)

// Store adapts the package functions to the sync engine's store interface.
// Lookups of missing rows return nil without an error.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store that uses the given database pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) ListAccounts(ctx context.Context) ([]models.Account, error) {
	return ListAccounts(ctx, s.pool)
}

func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	return GetAccount(ctx, s.pool, id)
}

func (s *Store) UpsertAccount(ctx context.Context, account *models.Account) error {
	return SaveAccount(ctx, s.pool, account)
}

func (s *Store) UpsertLabels(ctx context.Context, labels []models.Label) error {
	return SaveLabels(ctx, s.pool, labels)
}

func (s *Store) ListLabels(ctx context.Context, accountID string) ([]models.Label, error) {
	return GetLabels(ctx, s.pool, accountID)
}

func (s *Store) GetThread(ctx context.Context, accountID, threadID string) (*models.Thread, error) {
	thread, err := GetThread(ctx, s.pool, accountID, threadID)
	if errors.Is(err, ErrThreadNotFound) {
		return nil, nil
	}
	return thread, err
}

func (s *Store) UpsertThread(ctx context.Context, thread *models.Thread) error {
	return SaveThread(ctx, s.pool, thread)
}

func (s *Store) SetThreadLabels(ctx context.Context, accountID, threadID string, labelIDs []string) error {
	return SetThreadLabels(ctx, s.pool, accountID, threadID, labelIDs)
}

func (s *Store) DeleteThread(ctx context.Context, accountID, threadID string) error {
	return DeleteThread(ctx, s.pool, accountID, threadID)
}

func (s *Store) UpsertMessage(ctx context.Context, message *models.Message) error {
	return SaveMessage(ctx, s.pool, message)
}

func (s *Store) GetMessage(ctx context.Context, accountID, id string) (*models.Message, error) {
	msg, err := GetMessage(ctx, s.pool, accountID, id)
	if errors.Is(err, ErrMessageNotFound) {
		return nil, nil
	}
	return msg, err
}

func (s *Store) MessagesForThread(ctx context.Context, accountID, threadID string) ([]models.Message, error) {
	return GetMessagesForThread(ctx, s.pool, accountID, threadID)
}

func (s *Store) FindThreadIDByMessageIDs(ctx context.Context, accountID string, headers []string) (string, error) {
	return FindThreadIDByMessageIDs(ctx, s.pool, accountID, headers)
}

func (s *Store) FindThreadIDsReferencing(ctx context.Context, accountID string, headers []string) ([]string, error) {
	return FindThreadIDsReferencing(ctx, s.pool, accountID, headers)
}

func (s *Store) MoveThreadMessages(ctx context.Context, accountID, from, to string) error {
	return MoveThreadMessages(ctx, s.pool, accountID, from, to)
}

func (s *Store) MessageIDsInFolder(ctx context.Context, accountID, folder string) ([]string, error) {
	return MessageIDsInFolder(ctx, s.pool, accountID, folder)
}

func (s *Store) DeleteMessages(ctx context.Context, accountID string, ids []string) ([]string, error) {
	return DeleteMessages(ctx, s.pool, accountID, ids)
}

func (s *Store) GetFolderSyncState(ctx context.Context, accountID, folder string) (*models.FolderSyncState, error) {
	return GetFolderSyncState(ctx, s.pool, accountID, folder)
}

func (s *Store) ListFolderSyncStates(ctx context.Context, accountID string) ([]models.FolderSyncState, error) {
	return ListFolderSyncStates(ctx, s.pool, accountID)
}

func (s *Store) UpsertFolderSyncState(ctx context.Context, state *models.FolderSyncState) error {
	return SetFolderSyncState(ctx, s.pool, state)
}

func (s *Store) DeleteFolderSyncState(ctx context.Context, accountID, folder string) error {
	return DeleteFolderSyncState(ctx, s.pool, accountID, folder)
}

func (s *Store) GetObjectSyncState(ctx context.Context, accountID, objectType string) (*models.ObjectSyncState, error) {
	return GetObjectSyncState(ctx, s.pool, accountID, objectType)
}

func (s *Store) UpsertObjectSyncState(ctx context.Context, state *models.ObjectSyncState) error {
	return SetObjectSyncState(ctx, s.pool, state)
}

func (s *Store) DeleteObjectSyncState(ctx context.Context, accountID, objectType string) error {
	return DeleteObjectSyncState(ctx, s.pool, accountID, objectType)
}

func (s *Store) ListPendingOperations(ctx context.Context, accountID string, resourceIDs []string) ([]models.PendingOperation, error) {
	return ListPendingOperations(ctx, s.pool, accountID, resourceIDs)
}

func (s *Store) ListDuePendingOperations(ctx context.Context, accountID string, now time.Time) ([]models.PendingOperation, error) {
	return ListDuePendingOperations(ctx, s.pool, accountID, now)
}

func (s *Store) SavePendingOperation(ctx context.Context, op *models.PendingOperation) error {
	return SavePendingOperation(ctx, s.pool, op)
}

func (s *Store) DeletePendingOperations(ctx context.Context, ids []string) error {
	return DeletePendingOperations(ctx, s.pool, ids)
}

func (s *Store) GetAccountSyncStatus(ctx context.Context, accountID string) (*models.AccountSyncStatus, error) {
	return GetAccountSyncStatus(ctx, s.pool, accountID)
}

func (s *Store) UpsertAccountSyncStatus(ctx context.Context, status *models.AccountSyncStatus) error {
	return SetAccountSyncStatus(ctx, s.pool, status)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
