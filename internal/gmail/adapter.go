// Package gmail syncs and mutates mail through the Gmail REST API.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/vdavid/mailsync/internal/breaker"
	"github.com/vdavid/mailsync/internal/ids"
	"github.com/vdavid/mailsync/internal/labels"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	me = "me"

	// DefaultConcurrency bounds parallel message fetches.
	DefaultConcurrency = 10
	fetchTimeout       = 30 * time.Second
	listPageSize       = 500
)

// Scopes are the OAuth scopes the adapter needs.
var Scopes = []string{gmailapi.GmailModifyScope, gmailapi.GmailComposeScope}

// Endpoint is the Google OAuth2 endpoint.
var Endpoint = oauth2.Endpoint{
	AuthURL:   "https://accounts.google.com/o/oauth2/auth",
	TokenURL:  "https://oauth2.googleapis.com/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

// Config describes one Gmail account.
type Config struct {
	AccountID   string
	Email       string
	DisplayName string

	// TokenSource authenticates requests. It is ignored when HTTPClient is set.
	TokenSource oauth2.TokenSource
	// HTTPClient and BaseURL point the adapter at another server, e.g. in tests.
	HTTPClient *http.Client
	BaseURL    string

	Concurrency int
}

// Adapter implements provider.Adapter for Gmail accounts.
type Adapter struct {
	cfg    Config
	svc    *gmailapi.Service
	state  provider.StateStore
	cb     *gobreaker.CircuitBreaker
	logger zerolog.Logger
	now    func() time.Time
	closed atomic.Bool
}

var _ provider.Adapter = (*Adapter)(nil)

// NewAdapter creates the API client for cfg.
func NewAdapter(ctx context.Context, cfg Config, state provider.StateStore, logger zerolog.Logger) (*Adapter, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	var opts []option.ClientOption
	switch {
	case cfg.HTTPClient != nil:
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	case cfg.TokenSource != nil:
		opts = append(opts, option.WithTokenSource(cfg.TokenSource))
	default:
		return nil, fmt.Errorf("gmail account %s has no credentials", cfg.AccountID)
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(cfg.BaseURL))
	}

	svc, err := gmailapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}

	logger = logger.With().Str("account", cfg.AccountID).Str("provider", string(models.ProviderGmail)).Logger()
	return &Adapter{
		cfg:    cfg,
		svc:    svc,
		state:  state,
		cb:     breaker.New("gmail-"+cfg.AccountID, logger, isClientError),
		logger: logger,
		now:    time.Now,
	}, nil
}

func (a *Adapter) Provider() models.Provider {
	return models.ProviderGmail
}

// ThreadingMode is ThreadingNative: Gmail assigns thread ids itself.
func (a *Adapter) ThreadingMode() provider.ThreadingMode {
	return provider.ThreadingNative
}

// call runs fn through the circuit breaker.
func (a *Adapter) call(fn func() error) error {
	if a.closed.Load() {
		return provider.ErrEvicted
	}
	return breaker.Do(a.cb, fn)
}

func isClientError(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

func (a *Adapter) ListFolders(ctx context.Context) ([]models.Label, error) {
	var resp *gmailapi.ListLabelsResponse
	err := a.call(func() error {
		var err error
		resp, err = a.svc.Users.Labels.List(me).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list labels: %w", err)
	}

	out := make([]models.Label, 0, len(resp.Labels)+1)
	for _, l := range resp.Labels {
		m := labels.MapGmailLabel(l.Id, l.Name, l.Type)
		out = append(out, labels.ToLabel(a.cfg.AccountID, m, int(l.MessagesTotal), int(l.MessagesUnread)))
	}
	// Archive has no Gmail label; it is derived from the absence of INBOX.
	out = append(out, labels.ToLabel(a.cfg.AccountID, labels.Mapping{LabelID: labels.Archive, Name: "Archive", Type: models.LabelSystem}, 0, 0))
	return out, nil
}

// nativeIDs extracts the Gmail message ids from our message ids.
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
	if p.Provider != models.ProviderGmail || p.AccountID != a.cfg.AccountID {
		return "", fmt.Errorf("%w: %s does not belong to gmail account %s", ids.ErrMalformed, id, a.cfg.AccountID)
	}
	return p.NativeID, nil
}

func (a *Adapter) TestConnection(ctx context.Context) error {
	_, err := a.Profile(ctx)
	return err
}

func (a *Adapter) Profile(ctx context.Context) (*provider.Profile, error) {
	p, err := a.profile(ctx)
	if err != nil {
		return nil, err
	}
	return &provider.Profile{
		Email:         p.EmailAddress,
		DisplayName:   a.cfg.DisplayName,
		MessagesTotal: int(p.MessagesTotal),
	}, nil
}

func (a *Adapter) profile(ctx context.Context) (*gmailapi.Profile, error) {
	var p *gmailapi.Profile
	err := a.call(func() error {
		var err error
		p, err = a.svc.Users.GetProfile(me).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get gmail profile: %w", err)
	}
	return p, nil
}

// Close marks the adapter as evicted. The HTTP client holds no per-account connections.
func (a *Adapter) Close() error {
	a.closed.Store(true)
	return nil
}
