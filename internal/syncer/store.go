// Package syncer runs sync passes against provider adapters and schedules them per account.
package syncer

import (
	"context"

	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/pending"
	"github.com/vdavid/mailsync/internal/provider"
)

// Store is everything the sync engine reads and writes. Lookups of missing rows return nil
// without an error.
type Store interface {
	provider.StateStore
	pending.Store

	ListAccounts(ctx context.Context) ([]models.Account, error)
	GetAccount(ctx context.Context, id string) (*models.Account, error)

	UpsertLabels(ctx context.Context, labels []models.Label) error
	GetThread(ctx context.Context, accountID, threadID string) (*models.Thread, error)
	UpsertThread(ctx context.Context, thread *models.Thread) error
	DeleteThread(ctx context.Context, accountID, threadID string) error
	UpsertMessage(ctx context.Context, message *models.Message) error
	GetMessage(ctx context.Context, accountID, id string) (*models.Message, error)
	MessagesForThread(ctx context.Context, accountID, threadID string) ([]models.Message, error)
	FindThreadIDByMessageIDs(ctx context.Context, accountID string, headers []string) (string, error)
	FindThreadIDsReferencing(ctx context.Context, accountID string, headers []string) ([]string, error)
	MoveThreadMessages(ctx context.Context, accountID, from, to string) error
	MessageIDsInFolder(ctx context.Context, accountID, folder string) ([]string, error)
	DeleteMessages(ctx context.Context, accountID string, ids []string) ([]string, error)

	GetAccountSyncStatus(ctx context.Context, accountID string) (*models.AccountSyncStatus, error)
	UpsertAccountSyncStatus(ctx context.Context, status *models.AccountSyncStatus) error
}

// AdapterSource builds and caches one adapter per account.
type AdapterSource interface {
	Adapter(ctx context.Context, account *models.Account) (provider.Adapter, error)
	// Evict closes and forgets the cached adapter of an account.
	Evict(accountID string)
}

// NewMailNotice describes one newly arrived message worth telling the user about.
type NewMailNotice struct {
	AccountID     string `json:"account_id"`
	ThreadID      string `json:"thread_id"`
	MessageID     string `json:"message_id"`
	SenderName    string `json:"sender_name"`
	SenderAddress string `json:"sender_address"`
	Subject       string `json:"subject"`
}

// Notifier receives new-mail notices after the messages were stored.
type Notifier interface {
	NewMail(ctx context.Context, notice NewMailNotice)
}

// LabelChange adds or removes one label on a message before it is stored.
type LabelChange struct {
	LabelID string
	Remove  bool
}

// Filter inspects incoming messages and may change their labels.
type Filter interface {
	Apply(ctx context.Context, msg *models.Message) ([]LabelChange, error)
}
