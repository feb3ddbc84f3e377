// Package adapters builds provider adapters from stored accounts.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/gmail"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/jmap"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	"golang.org/x/oauth2"
)

// ErrMissingCredentials is returned when an account has no usable secret for its provider.
var ErrMissingCredentials = errors.New("account has no credentials")

// Decryptor turns stored ciphertext back into secrets.
type Decryptor interface {
	Decrypt(ciphertext []byte) (string, error)
	DecryptToken(ciphertext []byte) (*oauth2.Token, error)
}

// Listener is implemented by adapters that can push change notifications.
type Listener interface {
	Listen(ctx context.Context, onChange func())
}

// Options holds what every adapter shares.
type Options struct {
	Pool      *imap.Pool
	State     provider.StateStore
	Decryptor Decryptor
	// OAuth is the Gmail client configuration. Gmail accounts fail to build without it.
	OAuth         *oauth2.Config
	HTTPClient    *http.Client
	DaysBack      int
	IMAPBatchSize int
	// PlainIMAP disables TLS on every IMAP and SMTP connection. Test servers only.
	PlainIMAP bool
}

type entry struct {
	adapter   provider.Adapter
	updatedAt time.Time
}

// Factory implements syncer.AdapterSource. Adapters are cached per account and rebuilt when the
// account row changes.
type Factory struct {
	opts   Options
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]entry
}

func NewFactory(opts Options, logger zerolog.Logger) *Factory {
	return &Factory{
		opts:   opts,
		logger: logger.With().Str("component", "adapters").Logger(),
		cache:  make(map[string]entry),
	}
}

// Adapter returns the cached adapter for account, building it on first use.
func (f *Factory) Adapter(ctx context.Context, account *models.Account) (provider.Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if e, ok := f.cache[account.ID]; ok {
		if e.updatedAt.Equal(account.UpdatedAt) {
			return e.adapter, nil
		}
		f.logger.Info().Str("account", account.ID).Msg("Account changed, rebuilding adapter")
		_ = e.adapter.Close()
		delete(f.cache, account.ID)
	}

	a, err := f.build(ctx, account)
	if err != nil {
		return nil, err
	}
	f.cache[account.ID] = entry{adapter: a, updatedAt: account.UpdatedAt}
	return a, nil
}

// Evict closes and forgets the adapter of an account. The next Adapter call builds a new one.
func (f *Factory) Evict(accountID string) {
	f.mu.Lock()
	e, ok := f.cache[accountID]
	delete(f.cache, accountID)
	f.mu.Unlock()
	if !ok {
		return
	}
	if err := e.adapter.Close(); err != nil {
		f.logger.Warn().Err(err).Str("account", accountID).Msg("Failed to close adapter")
	}
}

// Close closes every cached adapter.
func (f *Factory) Close() {
	f.mu.Lock()
	cached := f.cache
	f.cache = make(map[string]entry)
	f.mu.Unlock()
	for id, e := range cached {
		if err := e.adapter.Close(); err != nil {
			f.logger.Warn().Err(err).Str("account", id).Msg("Failed to close adapter")
		}
	}
}

func (f *Factory) build(ctx context.Context, account *models.Account) (provider.Adapter, error) {
	daysBack := account.SyncDaysBack
	if daysBack <= 0 {
		daysBack = f.opts.DaysBack
	}

	switch account.Provider {
	case models.ProviderIMAP:
		secret, err := f.secret(account.EncryptedSecret)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", account.ID, err)
		}
		return imap.NewAdapter(imap.Config{
			AccountID:   account.ID,
			Email:       account.Email,
			DisplayName: account.DisplayName,
			IMAP:        f.settings(account, account.IMAPHost, account.IMAPPort, 993, account.IMAPSecurity, secret),
			SMTP:        f.settings(account, account.SMTPHost, account.SMTPPort, 587, account.SMTPSecurity, secret),
			BatchSize:   f.opts.IMAPBatchSize,
			DaysBack:    daysBack,
		}, f.opts.Pool, f.opts.State, f.logger), nil

	case models.ProviderGmail:
		if f.opts.OAuth == nil {
			return nil, fmt.Errorf("account %s: gmail client is not configured", account.ID)
		}
		if len(account.EncryptedOAuthToken) == 0 {
			return nil, fmt.Errorf("account %s: %w", account.ID, ErrMissingCredentials)
		}
		token, err := f.opts.Decryptor.DecryptToken(account.EncryptedOAuthToken)
		if err != nil {
			return nil, fmt.Errorf("account %s: invalid oauth token: %w", account.ID, err)
		}
		// The token source outlives this call, so it must not inherit ctx.
		refreshCtx := context.Background()
		if f.opts.HTTPClient != nil {
			refreshCtx = context.WithValue(refreshCtx, oauth2.HTTPClient, f.opts.HTTPClient)
		}
		return gmail.NewAdapter(ctx, gmail.Config{
			AccountID:   account.ID,
			Email:       account.Email,
			DisplayName: account.DisplayName,
			TokenSource: f.opts.OAuth.TokenSource(refreshCtx, token),
		}, f.opts.State, f.logger)

	case models.ProviderJMAP:
		secret, err := f.secret(account.EncryptedSecret)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", account.ID, err)
		}
		if account.JMAPSessionURL == "" {
			return nil, fmt.Errorf("account %s: jmap session url is required", account.ID)
		}
		username := account.Username
		if username == "" {
			username = account.Email
		}
		return jmap.NewAdapter(jmap.Config{
			AccountID:   account.ID,
			Email:       account.Email,
			DisplayName: account.DisplayName,
			SessionURL:  account.JMAPSessionURL,
			Username:    username,
			Secret:      secret,
			Bearer:      account.UsesOAuth(),
			HTTPClient:  f.opts.HTTPClient,
			DaysBack:    daysBack,
		}, f.opts.State, f.logger), nil
	}
	return nil, fmt.Errorf("account %s: unknown provider %q", account.ID, account.Provider)
}

func (f *Factory) secret(ciphertext []byte) (string, error) {
	if len(ciphertext) == 0 {
		return "", ErrMissingCredentials
	}
	secret, err := f.opts.Decryptor.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credentials: %w", err)
	}
	return secret, nil
}

func (f *Factory) settings(account *models.Account, host string, port, defaultPort int, security, secret string) imap.Settings {
	if port == 0 {
		port = defaultPort
	}
	sec := imap.ParseSecurity(security)
	if f.opts.PlainIMAP {
		sec = imap.SecurityNone
	}
	username := account.Username
	if username == "" {
		username = account.Email
	}
	return imap.Settings{
		Host:     host,
		Port:     port,
		Security: sec,
		Username: username,
		Secret:   secret,
		OAuth:    account.UsesOAuth(),
	}
}
