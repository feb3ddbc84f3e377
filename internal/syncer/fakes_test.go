package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/localdb"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
)

// fakeAdapter returns canned sync results and records mutations.
type fakeAdapter struct {
	mu       sync.Mutex
	provider models.Provider
	mode     provider.ThreadingMode

	initial []*provider.SyncResult
	delta   []*provider.SyncResult
	err     error

	initialCalls int
	deltaCalls   int
	commits      int
	mutationErr  error
	mutations    []string
	closed       bool
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{provider: models.ProviderIMAP, mode: provider.ThreadingBuild}
}

// result wraps msgs into a SyncResult whose Commit is counted by the adapter.
func (f *fakeAdapter) result(msgs ...models.Message) *provider.SyncResult {
	return &provider.SyncResult{
		Messages: msgs,
		Reported: len(msgs),
		Commit: func(context.Context) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.commits++
			return nil
		},
	}
}

func (f *fakeAdapter) next(queue *[]*provider.SyncResult) (*provider.SyncResult, error) {
	if f.err != nil {
		err := f.err
		f.err = nil
		return nil, err
	}
	if len(*queue) == 0 {
		return f.result(), nil
	}
	r := (*queue)[0]
	*queue = (*queue)[1:]
	return r, nil
}

func (f *fakeAdapter) Provider() models.Provider                           { return f.provider }
func (f *fakeAdapter) ThreadingMode() provider.ThreadingMode               { return f.mode }
func (f *fakeAdapter) ListFolders(context.Context) ([]models.Label, error) { return nil, nil }

func (f *fakeAdapter) InitialSync(context.Context, int, provider.ProgressFunc) (*provider.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initialCalls++
	return f.next(&f.initial)
}

func (f *fakeAdapter) DeltaSync(context.Context, provider.ProgressFunc) (*provider.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltaCalls++
	return f.next(&f.delta)
}

func (f *fakeAdapter) FetchMessage(context.Context, string) (*models.Message, error) {
	return nil, provider.ErrMessageNotFound
}
func (f *fakeAdapter) FetchAttachment(context.Context, string, string) ([]byte, error) {
	return nil, provider.ErrAttachmentNotFound
}
func (f *fakeAdapter) FetchRawMessage(context.Context, string) ([]byte, error) {
	return nil, provider.ErrMessageNotFound
}

func (f *fakeAdapter) mutate(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutations = append(f.mutations, name)
	return f.mutationErr
}

func (f *fakeAdapter) Archive(context.Context, string, []string) error { return f.mutate("archive") }
func (f *fakeAdapter) Trash(context.Context, string, []string) error   { return f.mutate("trash") }
func (f *fakeAdapter) PermanentDelete(context.Context, string, []string) error {
	return f.mutate("permanent_delete")
}
func (f *fakeAdapter) MarkRead(context.Context, string, []string, bool) error {
	return f.mutate("mark_read")
}
func (f *fakeAdapter) Star(context.Context, string, []string, bool) error { return f.mutate("star") }
func (f *fakeAdapter) Spam(context.Context, string, []string, bool) error { return f.mutate("spam") }
func (f *fakeAdapter) Move(context.Context, string, []string, string) error {
	return f.mutate("move")
}
func (f *fakeAdapter) AddLabel(context.Context, string, []string, string) error {
	return f.mutate("add_label")
}
func (f *fakeAdapter) RemoveLabel(context.Context, string, []string, string) error {
	return f.mutate("remove_label")
}

func (f *fakeAdapter) Send(context.Context, *provider.Outgoing) (string, error) {
	return "", provider.ErrNotSupported
}
func (f *fakeAdapter) CreateDraft(context.Context, *provider.Outgoing) (string, error) {
	return "", provider.ErrNotSupported
}
func (f *fakeAdapter) UpdateDraft(context.Context, string, *provider.Outgoing) (string, error) {
	return "", provider.ErrNotSupported
}
func (f *fakeAdapter) DeleteDraft(context.Context, string) error { return provider.ErrNotSupported }
func (f *fakeAdapter) TestConnection(context.Context) error      { return nil }
func (f *fakeAdapter) Profile(context.Context) (*provider.Profile, error) {
	return &provider.Profile{}, nil
}

func (f *fakeAdapter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fakeSource hands out one adapter for every account.
type fakeSource struct {
	mu      sync.Mutex
	adapter provider.Adapter
	err     error
	evicted []string
}

func (s *fakeSource) Adapter(context.Context, *models.Account) (provider.Adapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.adapter, nil
}

func (s *fakeSource) Evict(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evicted = append(s.evicted, accountID)
}

func (s *fakeSource) evictedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.evicted...)
}

// failingStore fails UpsertMessage for the listed ids.
type failingStore struct {
	*localdb.Store
	failIDs map[string]bool
}

func (s *failingStore) UpsertMessage(ctx context.Context, m *models.Message) error {
	if s.failIDs[m.ID] {
		return errors.New("disk full")
	}
	return s.Store.UpsertMessage(ctx, m)
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []NewMailNotice
}

func (n *recordingNotifier) NewMail(_ context.Context, notice NewMailNotice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

type filterFunc func(ctx context.Context, m *models.Message) ([]LabelChange, error)

func (f filterFunc) Apply(ctx context.Context, m *models.Message) ([]LabelChange, error) {
	return f(ctx, m)
}

func newTestStore(t *testing.T, accountIDs ...string) *localdb.Store {
	t.Helper()
	store, err := localdb.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	for _, id := range accountIDs {
		require.NoError(t, store.UpsertAccount(context.Background(), &models.Account{
			ID: id, Email: id + "@example.com", Provider: models.ProviderIMAP, Enabled: true,
		}))
	}
	return store
}

var base = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func message(id, header, subject string, minutes int) models.Message {
	return models.Message{
		ID:              id,
		MessageIDHeader: header,
		Subject:         subject,
		Snippet:         "snippet of " + id,
		FromAddress:     "sender@example.com",
		FromName:        "Sender",
		SentAt:          base.Add(time.Duration(minutes) * time.Minute),
		ReceivedAt:      base.Add(time.Duration(minutes) * time.Minute),
		LabelIDs:        []string{"INBOX", "UNREAD"},
	}
}

func reply(m models.Message, parent string, refs ...string) models.Message {
	m.InReplyTo = []string{parent}
	m.References = refs
	return m
}
