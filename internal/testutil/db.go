package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// NewTestDB starts a throwaway Postgres container and returns a pool connected to it.
// The schema is not applied; callers run their own migrations. The container is terminated
// when the test finishes.
func NewTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("mailsync_test"),
		postgres.WithUsername("mailsync"),
		postgres.WithPassword("mailsync"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start Postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to create connection pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// SeedAccount inserts a minimal IMAP account row so that rows referencing it can be written.
func SeedAccount(t *testing.T, pool *pgxpool.Pool, accountID string) {
	t.Helper()

	_, err := pool.Exec(context.Background(), `
		INSERT INTO accounts (id, email, provider, imap_host, username)
		VALUES ($1, $2, 'imap', 'localhost', $2)
		ON CONFLICT (id) DO NOTHING
	`, accountID, accountID+"@example.com")
	if err != nil {
		t.Fatalf("Failed to seed account %s: %v", accountID, err)
	}
}
