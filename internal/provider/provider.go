// Package provider defines the contract every mail backend adapter implements.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/vdavid/mailsync/internal/models"
)

var (
	// ErrCursorInvalid means the stored cursor was rejected and a full sync is required.
	ErrCursorInvalid = errors.New("sync cursor rejected by server")
	// ErrEvicted is returned once an adapter has been closed. Closed adapters never reconnect.
	ErrEvicted = errors.New("adapter was closed")
	// ErrNotSupported is returned for operations a backend cannot perform.
	ErrNotSupported = errors.New("operation not supported by provider")
	// ErrMessageNotFound is returned when a message id does not resolve on the server.
	ErrMessageNotFound = errors.New("message not found")
	// ErrAttachmentNotFound is returned when a message has no part with the requested id.
	ErrAttachmentNotFound = errors.New("attachment not found")
)

// ThreadingMode tells the orchestrator where thread ids come from.
type ThreadingMode int

const (
	// ThreadingBuild groups messages with the reference-based thread builder.
	ThreadingBuild ThreadingMode = iota
	// ThreadingNative uses the thread ids assigned by the server.
	ThreadingNative
)

// Phase is the coarse step of a sync pass reported to progress callbacks.
type Phase string

const (
	PhaseFolders   Phase = "folders"
	PhaseMessages  Phase = "messages"
	PhaseThreading Phase = "threading"
	PhaseDone      Phase = "done"
)

// Progress is one progress report.
type Progress struct {
	Phase   Phase  `json:"phase"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Folder  string `json:"folder,omitempty"`
}

// ProgressFunc receives progress reports. It may be nil.
type ProgressFunc func(Progress)

// Report calls fn if it is set.
func (fn ProgressFunc) Report(p Progress) {
	if fn != nil {
		fn(p)
	}
}

// SyncResult is the output of one adapter pass.
//
// Adapters never write cursors directly. They return the cursor updates as Commit, which the
// orchestrator runs only after Messages were stored.
//
// InvalidatedFolders names IMAP folders whose UIDVALIDITY changed. Every stored message of such a
// folder is stale and must be dropped before Messages are stored.
type SyncResult struct {
	Messages           []models.Message
	Labels             []models.Label
	DeletedIDs         []string
	InvalidatedFolders []string
	Reported           int
	FolderErrors       map[string]error
	Commit             func(ctx context.Context) error
}

// AddFolderError records a failure that did not abort the rest of the pass.
func (r *SyncResult) AddFolderError(folder string, err error) {
	if r.FolderErrors == nil {
		r.FolderErrors = make(map[string]error)
	}
	r.FolderErrors[folder] = err
}

// Outgoing is a message to send or to save as a draft.
type Outgoing struct {
	From        string
	FromName    string
	To          []string
	CC          []string
	BCC         []string
	Subject     string
	TextBody    string
	HTMLBody    string
	InReplyTo   string
	References  []string
	Attachments []OutgoingAttachment
	Date        time.Time
}

// OutgoingAttachment is a file attached to an outgoing message.
type OutgoingAttachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Profile is the account identity reported by the server.
type Profile struct {
	Email         string
	DisplayName   string
	MessagesTotal int
}

// Adapter is implemented once per backend family.
//
// Mutations take the canonical thread id and the provider-qualified message ids they apply to.
type Adapter interface {
	Provider() models.Provider
	ThreadingMode() ThreadingMode

	ListFolders(ctx context.Context) ([]models.Label, error)
	InitialSync(ctx context.Context, daysBack int, onProgress ProgressFunc) (*SyncResult, error)
	DeltaSync(ctx context.Context, onProgress ProgressFunc) (*SyncResult, error)

	FetchMessage(ctx context.Context, messageID string) (*models.Message, error)
	FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
	FetchRawMessage(ctx context.Context, messageID string) ([]byte, error)

	Archive(ctx context.Context, threadID string, messageIDs []string) error
	Trash(ctx context.Context, threadID string, messageIDs []string) error
	PermanentDelete(ctx context.Context, threadID string, messageIDs []string) error
	MarkRead(ctx context.Context, threadID string, messageIDs []string, read bool) error
	Star(ctx context.Context, threadID string, messageIDs []string, starred bool) error
	Spam(ctx context.Context, threadID string, messageIDs []string, spam bool) error
	Move(ctx context.Context, threadID string, messageIDs []string, labelID string) error
	AddLabel(ctx context.Context, threadID string, messageIDs []string, labelID string) error
	RemoveLabel(ctx context.Context, threadID string, messageIDs []string, labelID string) error

	Send(ctx context.Context, msg *Outgoing) (string, error)
	CreateDraft(ctx context.Context, msg *Outgoing) (string, error)
	UpdateDraft(ctx context.Context, draftID string, msg *Outgoing) (string, error)
	DeleteDraft(ctx context.Context, draftID string) error

	TestConnection(ctx context.Context) error
	Profile(ctx context.Context) (*Profile, error)
	Close() error
}

// StateStore is the narrow cursor store handed to adapters.
// Get methods return nil and no error when nothing is stored.
type StateStore interface {
	GetFolderSyncState(ctx context.Context, accountID, folder string) (*models.FolderSyncState, error)
	ListFolderSyncStates(ctx context.Context, accountID string) ([]models.FolderSyncState, error)
	UpsertFolderSyncState(ctx context.Context, state *models.FolderSyncState) error
	DeleteFolderSyncState(ctx context.Context, accountID, folder string) error
	GetObjectSyncState(ctx context.Context, accountID, objectType string) (*models.ObjectSyncState, error)
	UpsertObjectSyncState(ctx context.Context, state *models.ObjectSyncState) error
	DeleteObjectSyncState(ctx context.Context, accountID, objectType string) error
}
