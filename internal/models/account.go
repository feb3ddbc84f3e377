package models

import (
	"errors"
	"time"
)

// ErrAccountNotFound is returned by stores when an account id is unknown.
var ErrAccountNotFound = errors.New("account not found")

// Provider selects the adapter used for an account.
type Provider string

const (
	ProviderIMAP  Provider = "imap"
	ProviderGmail Provider = "gmail"
	ProviderJMAP  Provider = "jmap"
)

// Account holds connection settings and encrypted credentials for one mailbox.
type Account struct {
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	DisplayName string   `json:"display_name"`
	Provider    Provider `json:"provider"`
	Enabled     bool     `json:"enabled"`

	IMAPHost     string `json:"imap_host,omitempty"`
	IMAPPort     int    `json:"imap_port,omitempty"`
	IMAPSecurity string `json:"imap_security,omitempty"` // tls, starttls or none
	SMTPHost     string `json:"smtp_host,omitempty"`
	SMTPPort     int    `json:"smtp_port,omitempty"`
	SMTPSecurity string `json:"smtp_security,omitempty"`
	Username     string `json:"username,omitempty"`
	AuthMethod   string `json:"auth_method,omitempty"` // password or oauth2

	// EncryptedSecret is the password, OAuth access token or JMAP bearer token.
	EncryptedSecret []byte `json:"-"`
	// EncryptedOAuthToken is a JSON oauth2.Token used by Gmail accounts.
	EncryptedOAuthToken []byte `json:"-"`

	JMAPSessionURL string `json:"jmap_session_url,omitempty"`
	SyncDaysBack   int    `json:"sync_days_back"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UsesOAuth reports whether the account authenticates with a bearer token.
func (a *Account) UsesOAuth() bool {
	return a.AuthMethod == "oauth2"
}
