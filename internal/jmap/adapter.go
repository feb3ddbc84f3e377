// Package jmap syncs and mutates mail on JMAP servers (RFC 8620, RFC 8621).
package jmap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/vdavid/mailsync/internal/breaker"
	"github.com/vdavid/mailsync/internal/ids"
	"github.com/vdavid/mailsync/internal/labels"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
)

const (
	// DefaultDaysBack bounds a full email refetch after the server dropped our state.
	DefaultDaysBack = 30

	queryPageSize = 256
	getBatchSize  = 50
	maxChanges    = 500
)

var mailUsing = []string{CapCore, CapMail}

// Config describes one JMAP account.
type Config struct {
	AccountID   string
	Email       string
	DisplayName string
	SessionURL  string
	Username    string
	// Secret is the password, or the access token when Bearer is set.
	Secret     string
	Bearer     bool
	HTTPClient *http.Client
	DaysBack   int
}

type mailbox struct {
	Mailbox
	path    string
	mapping labels.Mapping
}

// Adapter implements provider.Adapter for JMAP accounts.
type Adapter struct {
	cfg    Config
	client *Client
	state  provider.StateStore
	cb     *gobreaker.CircuitBreaker
	logger zerolog.Logger
	now    func() time.Time
	closed atomic.Bool

	mu        sync.Mutex
	mailboxes map[string]mailbox
}

var _ provider.Adapter = (*Adapter)(nil)

func NewAdapter(cfg Config, state provider.StateStore, logger zerolog.Logger) *Adapter {
	if cfg.DaysBack <= 0 {
		cfg.DaysBack = DefaultDaysBack
	}
	auth := BasicAuth(cfg.Username, cfg.Secret)
	if cfg.Bearer {
		auth = BearerAuth(cfg.Secret)
	}
	logger = logger.With().Str("account", cfg.AccountID).Str("provider", string(models.ProviderJMAP)).Logger()
	return &Adapter{
		cfg:    cfg,
		client: NewClient(cfg.SessionURL, cfg.HTTPClient, auth),
		state:  state,
		cb:     breaker.New("jmap-"+cfg.AccountID, logger, isClientError),
		logger: logger,
		now:    time.Now,
	}
}

func isClientError(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 400 && statusErr.Code < 500
	}
	var methodErr *MethodError
	return errors.As(err, &methodErr)
}

func (a *Adapter) Provider() models.Provider {
	return models.ProviderJMAP
}

// ThreadingMode is ThreadingNative: every email carries a server thread id.
func (a *Adapter) ThreadingMode() provider.ThreadingMode {
	return provider.ThreadingNative
}

// call sends one request through the circuit breaker.
func (a *Adapter) call(ctx context.Context, using []string, calls ...Invocation) ([]Response, error) {
	if a.closed.Load() {
		return nil, provider.ErrEvicted
	}
	var out []Response
	err := breaker.Do(a.cb, func() error {
		var err error
		out, err = a.client.Call(ctx, using, calls...)
		return err
	})
	return out, err
}

// single sends one method call and decodes its response into out.
func (a *Adapter) single(ctx context.Context, using []string, name string, args map[string]any, out any) error {
	accountID, err := a.accountID(ctx)
	if err != nil {
		return err
	}
	args["accountId"] = accountID
	responses, err := a.call(ctx, using, Invocation{Name: name, Args: args, CallID: "0"})
	if err != nil {
		return err
	}
	return decode(responses, "0", name, out)
}

func (a *Adapter) accountID(ctx context.Context) (string, error) {
	if a.closed.Load() {
		return "", provider.ErrEvicted
	}
	s, err := a.client.Session(ctx)
	if err != nil {
		return "", err
	}
	return s.MailAccountID()
}

func (a *Adapter) ListFolders(ctx context.Context) ([]models.Label, error) {
	out, _, err := a.loadMailboxes(ctx)
	return out, err
}

// loadMailboxes fetches every mailbox, refreshes the cache and returns the labels and the
// Mailbox state.
func (a *Adapter) loadMailboxes(ctx context.Context) ([]models.Label, string, error) {
	var resp getResponse[Mailbox]
	err := a.single(ctx, mailUsing, "Mailbox/get", map[string]any{"ids": nil}, &resp)
	if err != nil {
		return nil, "", fmt.Errorf("failed to get mailboxes: %w", err)
	}

	byID := make(map[string]Mailbox, len(resp.List))
	for _, m := range resp.List {
		byID[m.ID] = m
	}
	boxes := make(map[string]mailbox, len(resp.List))
	for _, m := range resp.List {
		path := mailboxPath(byID, m)
		boxes[m.ID] = mailbox{
			Mailbox: m,
			path:    path,
			mapping: labels.MapFolder(labels.Folder{
				Path:       path,
				Name:       m.Name,
				Delimiter:  "/",
				Attributes: labels.FromJMAPRole(m.Role),
				Total:      m.TotalEmails,
				Unseen:     m.UnreadEmails,
			}),
		}
	}

	a.mu.Lock()
	a.mailboxes = boxes
	a.mu.Unlock()

	seen := make(map[string]bool)
	out := make([]models.Label, 0, len(boxes))
	for _, id := range sortedMailboxIDs(boxes) {
		b := boxes[id]
		if seen[b.mapping.LabelID] {
			continue
		}
		seen[b.mapping.LabelID] = true
		out = append(out, labels.ToLabel(a.cfg.AccountID, b.mapping, b.TotalEmails, b.UnreadEmails))
	}
	return out, resp.State, nil
}

// mailboxPath joins the names from the top-level ancestor down, guarding against parent cycles.
func mailboxPath(byID map[string]Mailbox, m Mailbox) string {
	path := m.Name
	seen := map[string]bool{m.ID: true}
	for parent := m.ParentID; parent != ""; {
		p, ok := byID[parent]
		if !ok || seen[parent] {
			break
		}
		seen[parent] = true
		path = p.Name + "/" + path
		parent = p.ParentID
	}
	return path
}

// sortedMailboxIDs orders role mailboxes first so a role wins a label id over a name alias.
func sortedMailboxIDs(boxes map[string]mailbox) []string {
	out := make([]string, 0, len(boxes))
	for id := range boxes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		bi, bj := boxes[out[i]], boxes[out[j]]
		if (bi.Role != "") != (bj.Role != "") {
			return bi.Role != ""
		}
		if bi.path != bj.path {
			return bi.path < bj.path
		}
		return out[i] < out[j]
	})
	return out
}

func (a *Adapter) cachedMailboxes(ctx context.Context) (map[string]mailbox, error) {
	a.mu.Lock()
	boxes := a.mailboxes
	a.mu.Unlock()
	if boxes != nil {
		return boxes, nil
	}
	if _, _, err := a.loadMailboxes(ctx); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mailboxes, nil
}

// mailboxFor resolves a canonical label id to a mailbox id.
func (a *Adapter) mailboxFor(ctx context.Context, labelID string) (string, error) {
	boxes, err := a.cachedMailboxes(ctx)
	if err != nil {
		return "", err
	}
	for _, id := range sortedMailboxIDs(boxes) {
		if boxes[id].mapping.LabelID == labelID {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: no mailbox for label %s", provider.ErrNotSupported, labelID)
}

func (a *Adapter) messageID(native string) string {
	return ids.Native(models.ProviderJMAP, a.cfg.AccountID, native)
}

// nativeIDs extracts the JMAP email ids from our message ids.
func (a *Adapter) nativeIDs(messageIDs []string) ([]string, error) {
	out := make([]string, 0, len(messageIDs))
	for _, id := range messageIDs {
		native, err := a.nativeID(id)
		if err != nil {
			return nil, err
		}
		out = append(out, native)
	}
	return out, nil
}

func (a *Adapter) nativeID(id string) (string, error) {
	p, err := ids.Parse(id)
	if err != nil {
		return "", err
	}
	if p.Provider != models.ProviderJMAP || p.AccountID != a.cfg.AccountID {
		return "", fmt.Errorf("%w: %s does not belong to jmap account %s", ids.ErrMalformed, id, a.cfg.AccountID)
	}
	return p.NativeID, nil
}

func (a *Adapter) TestConnection(ctx context.Context) error {
	if a.closed.Load() {
		return provider.ErrEvicted
	}
	return breaker.Do(a.cb, func() error {
		_, err := a.client.RefreshSession(ctx)
		return err
	})
}

// Profile reports the session user and the number of emails in the inbox.
func (a *Adapter) Profile(ctx context.Context) (*provider.Profile, error) {
	if _, _, err := a.loadMailboxes(ctx); err != nil {
		return nil, err
	}
	s, err := a.client.Session(ctx)
	if err != nil {
		return nil, err
	}
	profile := &provider.Profile{Email: a.cfg.Email, DisplayName: a.cfg.DisplayName}
	if profile.Email == "" {
		profile.Email = s.Username
	}
	boxes, err := a.cachedMailboxes(ctx)
	if err != nil {
		return nil, err
	}
	for _, b := range boxes {
		if b.mapping.LabelID == labels.Inbox {
			profile.MessagesTotal = b.TotalEmails
		}
	}
	return profile, nil
}

// Close marks the adapter as evicted.
func (a *Adapter) Close() error {
	a.closed.Store(true)
	return nil
}
