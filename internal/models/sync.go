package models

import "time"

// FolderSyncState is the per-folder cursor of IMAP accounts.
type FolderSyncState struct {
	AccountID     string
	FolderPath    string
	UIDValidity   uint32
	LastSeenUID   uint32
	HighestModSeq *uint64
	LastSyncAt    time.Time
}

// Object types tracked with an opaque state token.
const (
	ObjectEmail   = "Email"
	ObjectMailbox = "Mailbox"
	ObjectThread  = "Thread"
	ObjectHistory = "history"
)

// ObjectSyncState holds an opaque cursor per object type (JMAP state tokens, Gmail history id).
type ObjectSyncState struct {
	AccountID  string
	ObjectType string
	State      string
	UpdatedAt  time.Time
}

// AccountSyncStatus records the outcome of the latest pass for an account.
// InitialSyncCompletedAt is only set once a pass stored messages or the server reported none.
type AccountSyncStatus struct {
	AccountID              string     `json:"account_id"`
	InitialSyncCompletedAt *time.Time `json:"initial_sync_completed_at"`
	LastPassAt             *time.Time `json:"last_pass_at"`
	LastError              string     `json:"last_error,omitempty"`
	LastStored             int        `json:"last_stored"`
	LastReported           int        `json:"last_reported"`
}

// OpType identifies a queued local mutation.
type OpType string

const (
	OpMarkRead        OpType = "mark_read"
	OpStar            OpType = "star"
	OpSpam            OpType = "spam"
	OpArchive         OpType = "archive"
	OpTrash           OpType = "trash"
	OpPermanentDelete OpType = "permanent_delete"
	OpMove            OpType = "move"
	OpAddLabel        OpType = "add_label"
	OpRemoveLabel     OpType = "remove_label"
)

// PendingStatus is the lifecycle state of a queued mutation.
type PendingStatus string

const (
	PendingQueued PendingStatus = "pending"
	PendingFailed PendingStatus = "failed"
)

// PendingOperation is a local mutation not yet confirmed by the server.
// ResourceID is the thread id the operation targets.
type PendingOperation struct {
	ID          string         `json:"id"`
	AccountID   string         `json:"account_id"`
	ResourceID  string         `json:"resource_id"`
	OpType      OpType         `json:"op_type"`
	Params      map[string]any `json:"params"`
	Status      PendingStatus  `json:"status"`
	RetryCount  int            `json:"retry_count"`
	NextRetryAt time.Time      `json:"next_retry_at"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Valid reports whether t is a known operation type.
func (t OpType) Valid() bool {
	switch t {
	case OpMarkRead, OpStar, OpSpam, OpArchive, OpTrash, OpPermanentDelete, OpMove, OpAddLabel, OpRemoveLabel:
		return true
	}
	return false
}
