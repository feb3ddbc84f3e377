package localdb

import (
	"context"
	"fmt"
	"time"

	"github.com/vdavid/mailsync/internal/models"
)

// ErrAccountNotFound is returned when an account id is unknown.
var ErrAccountNotFound = models.ErrAccountNotFound

const accountColumns = `
	id, email, display_name, provider, enabled,
	imap_host, imap_port, imap_security,
	smtp_host, smtp_port, smtp_security,
	username, auth_method, encrypted_secret, encrypted_oauth_token,
	jmap_session_url, sync_days_back, created_at, updated_at`

// accountRow mirrors the accounts table.
type accountRow struct {
	ID                  string `db:"id"`
	Email               string `db:"email"`
	DisplayName         string `db:"display_name"`
	Provider            string `db:"provider"`
	Enabled             bool   `db:"enabled"`
	IMAPHost            string `db:"imap_host"`
	IMAPPort            int    `db:"imap_port"`
	IMAPSecurity        string `db:"imap_security"`
	SMTPHost            string `db:"smtp_host"`
	SMTPPort            int    `db:"smtp_port"`
	SMTPSecurity        string `db:"smtp_security"`
	Username            string `db:"username"`
	AuthMethod          string `db:"auth_method"`
	EncryptedSecret     []byte `db:"encrypted_secret"`
	EncryptedOAuthToken []byte `db:"encrypted_oauth_token"`
	JMAPSessionURL      string `db:"jmap_session_url"`
	SyncDaysBack        int    `db:"sync_days_back"`
	CreatedAt           int64  `db:"created_at"`
	UpdatedAt           int64  `db:"updated_at"`
}

func (r accountRow) toModel() models.Account {
	return models.Account{
		ID:                  r.ID,
		Email:               r.Email,
		DisplayName:         r.DisplayName,
		Provider:            models.Provider(r.Provider),
		Enabled:             r.Enabled,
		IMAPHost:            r.IMAPHost,
		IMAPPort:            r.IMAPPort,
		IMAPSecurity:        r.IMAPSecurity,
		SMTPHost:            r.SMTPHost,
		SMTPPort:            r.SMTPPort,
		SMTPSecurity:        r.SMTPSecurity,
		Username:            r.Username,
		AuthMethod:          r.AuthMethod,
		EncryptedSecret:     r.EncryptedSecret,
		EncryptedOAuthToken: r.EncryptedOAuthToken,
		JMAPSessionURL:      r.JMAPSessionURL,
		SyncDaysBack:        r.SyncDaysBack,
		CreatedAt:           fromNanos(r.CreatedAt),
		UpdatedAt:           fromNanos(r.UpdatedAt),
	}
}

// UpsertAccount inserts or updates an account. A nil secret keeps the stored one.
func (s *Store) UpsertAccount(ctx context.Context, a *models.Account) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			email = excluded.email,
			display_name = excluded.display_name,
			provider = excluded.provider,
			enabled = excluded.enabled,
			imap_host = excluded.imap_host,
			imap_port = excluded.imap_port,
			imap_security = excluded.imap_security,
			smtp_host = excluded.smtp_host,
			smtp_port = excluded.smtp_port,
			smtp_security = excluded.smtp_security,
			username = excluded.username,
			auth_method = excluded.auth_method,
			encrypted_secret = COALESCE(excluded.encrypted_secret, accounts.encrypted_secret),
			encrypted_oauth_token = COALESCE(excluded.encrypted_oauth_token, accounts.encrypted_oauth_token),
			jmap_session_url = excluded.jmap_session_url,
			sync_days_back = excluded.sync_days_back,
			updated_at = excluded.updated_at`,
		a.ID, a.Email, a.DisplayName, string(a.Provider), boolToInt(a.Enabled),
		a.IMAPHost, a.IMAPPort, a.IMAPSecurity,
		a.SMTPHost, a.SMTPPort, a.SMTPSecurity,
		a.Username, a.AuthMethod, a.EncryptedSecret, a.EncryptedOAuthToken,
		a.JMAPSessionURL, a.SyncDaysBack, now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upserting account %s: %w", a.ID, err)
	}
	a.UpdatedAt = now
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	return nil
}

// GetAccount returns one account or ErrAccountNotFound.
func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	if isNoRows(err) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting account %s: %w", id, err)
	}
	a := row.toModel()
	return &a, nil
}

// ListAccounts returns all enabled accounts.
func (s *Store) ListAccounts(ctx context.Context) ([]models.Account, error) {
	var rows []accountRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+accountColumns+` FROM accounts WHERE enabled = 1 ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	accounts := make([]models.Account, 0, len(rows))
	for _, r := range rows {
		accounts = append(accounts, r.toModel())
	}
	return accounts, nil
}
