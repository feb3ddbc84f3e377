package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
)

// Security selects how the connection to a mail server is protected.
type Security string

const (
	SecurityTLS      Security = "tls"
	SecurityStartTLS Security = "starttls"
	SecurityNone     Security = "none"
)

// ParseSecurity maps a stored account setting to a Security. Unknown values mean TLS.
func ParseSecurity(s string) Security {
	switch Security(s) {
	case SecurityStartTLS, SecurityNone:
		return Security(s)
	}
	return SecurityTLS
}

// Settings are the connection parameters of one IMAP or SMTP endpoint.
type Settings struct {
	Host     string
	Port     int
	Security Security
	Username string
	// Secret is the password, or the access token when OAuth is set.
	Secret    string
	OAuth     bool
	TLSConfig *tls.Config
}

func (s Settings) addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s Settings) tlsConfig() *tls.Config {
	if s.TLSConfig != nil {
		return s.TLSConfig
	}
	return &tls.Config{ServerName: s.Host}
}

// errAuth marks credential failures, which are never retried.
var errAuth = errors.New("authentication failed")

// clientRole indicates the purpose of a client.
type clientRole int

const (
	// roleWorker indicates a worker client. There can be multiple worker clients per account.
	roleWorker clientRole = iota
	// roleListener indicates a listener client. There can be only one listener client per account.
	roleListener
)

// threadSafeClient wraps an IMAP client with a mutex for thread-safe access.
// Each client has its own mutex to allow concurrent access to different clients
// while serializing access to the same client.
type threadSafeClient struct {
	client   *client.Client
	mu       sync.Mutex
	lastUsed time.Time
	role     clientRole
}

func (c *threadSafeClient) Lock() {
	c.mu.Lock()
}

func (c *threadSafeClient) Unlock() {
	c.mu.Unlock()
}

func (c *threadSafeClient) TryLock() bool {
	return c.mu.TryLock()
}

// GetClient returns the underlying IMAP client. Caller must hold the lock.
func (c *threadSafeClient) GetClient() *client.Client {
	return c.client
}

func (c *threadSafeClient) UpdateLastUsed() {
	c.lastUsed = time.Now()
}

func (c *threadSafeClient) GetLastUsed() time.Time {
	return c.lastUsed
}

// ConnectToIMAP dials the server with a 5-second timeout and sets up the requested security.
func ConnectToIMAP(s Settings) (*client.Client, error) {
	dialer := &net.Dialer{
		Timeout: 5 * time.Second,
	}

	if s.Security == SecurityTLS {
		c, err := client.DialWithDialerTLS(dialer, s.addr(), s.tlsConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to dial with TLS: %w", err)
		}
		return c, nil
	}

	c, err := client.DialWithDialer(dialer, s.addr())
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	if s.Security == SecurityStartTLS {
		if err := c.StartTLS(s.tlsConfig()); err != nil {
			_ = c.Logout()
			return nil, fmt.Errorf("failed to start TLS: %w", err)
		}
	}
	return c, nil
}

// Login authenticates with LOGIN, or with OAUTHBEARER for OAuth accounts.
func Login(c *client.Client, s Settings) error {
	var err error
	if s.OAuth {
		host, _, _ := net.SplitHostPort(s.addr())
		err = c.Authenticate(sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: s.Username,
			Token:    s.Secret,
			Host:     host,
			Port:     s.Port,
		}))
	} else {
		err = c.Login(s.Username, s.Secret)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", errAuth, err)
	}
	return nil
}

// dialAndLogin connects and authenticates, retrying transient failures with exponential backoff.
// Authentication failures end the retries at once.
func dialAndLogin(ctx context.Context, s Settings, b backoff.BackOff) (*client.Client, error) {
	var c *client.Client
	op := func() error {
		conn, err := ConnectToIMAP(s)
		if err != nil {
			return err
		}
		if err := Login(conn, s); err != nil {
			_ = conn.Logout()
			return backoff.Permanent(err)
		}
		c = conn
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return c, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	return backoff.WithMaxRetries(b, 3)
}
