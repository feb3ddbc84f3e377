package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
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

// SaveAccount inserts or updates an account.
func SaveAccount(ctx context.Context, pool *pgxpool.Pool, a *models.Account) error {
	err := pool.QueryRow(ctx, `
		INSERT INTO accounts (
			id, email, display_name, provider, enabled,
			imap_host, imap_port, imap_security,
			smtp_host, smtp_port, smtp_security,
			username, auth_method, encrypted_secret, encrypted_oauth_token,
			jmap_session_url, sync_days_back
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			display_name = EXCLUDED.display_name,
			provider = EXCLUDED.provider,
			enabled = EXCLUDED.enabled,
			imap_host = EXCLUDED.imap_host,
			imap_port = EXCLUDED.imap_port,
			imap_security = EXCLUDED.imap_security,
			smtp_host = EXCLUDED.smtp_host,
			smtp_port = EXCLUDED.smtp_port,
			smtp_security = EXCLUDED.smtp_security,
			username = EXCLUDED.username,
			auth_method = EXCLUDED.auth_method,
			encrypted_secret = COALESCE(EXCLUDED.encrypted_secret, accounts.encrypted_secret),
			encrypted_oauth_token = COALESCE(EXCLUDED.encrypted_oauth_token, accounts.encrypted_oauth_token),
			jmap_session_url = EXCLUDED.jmap_session_url,
			sync_days_back = EXCLUDED.sync_days_back,
			updated_at = now()
		RETURNING created_at, updated_at
	`,
		a.ID, a.Email, a.DisplayName, string(a.Provider), a.Enabled,
		a.IMAPHost, a.IMAPPort, a.IMAPSecurity,
		a.SMTPHost, a.SMTPPort, a.SMTPSecurity,
		a.Username, a.AuthMethod, a.EncryptedSecret, a.EncryptedOAuthToken,
		a.JMAPSessionURL, a.SyncDaysBack,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// GetAccount returns one account.
func GetAccount(ctx context.Context, pool *pgxpool.Pool, id string) (*models.Account, error) {
	row := pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

// ListAccounts returns all enabled accounts.
func ListAccounts(ctx context.Context, pool *pgxpool.Pool) ([]models.Account, error) {
	rows, err := pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE enabled ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}
	return accounts, nil
}

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	var provider string
	err := row.Scan(
		&a.ID, &a.Email, &a.DisplayName, &provider, &a.Enabled,
		&a.IMAPHost, &a.IMAPPort, &a.IMAPSecurity,
		&a.SMTPHost, &a.SMTPPort, &a.SMTPSecurity,
		&a.Username, &a.AuthMethod, &a.EncryptedSecret, &a.EncryptedOAuthToken,
		&a.JMAPSessionURL, &a.SyncDaysBack, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Provider = models.Provider(provider)
	return &a, nil
}
