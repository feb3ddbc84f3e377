package db

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/testutil"
)

// newTestPool starts a Postgres container and applies the schema.
func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	pool := testutil.NewTestDB(t)
	require.NoError(t, Migrate(context.Background(), pool))
	return pool
}

func TestConfigurePool(t *testing.T) {
	poolConfig, err := pgxpool.ParseConfig("postgres://u:p@localhost:5432/db?sslmode=disable")
	require.NoError(t, err)

	ConfigurePool(poolConfig)

	assert.Equal(t, int32(25), poolConfig.MaxConns)
	assert.Equal(t, int32(2), poolConfig.MinConns)
	assert.Equal(t, time.Hour, poolConfig.MaxConnLifetime)
}

func TestNewConnectionUnreachable(t *testing.T) {
	cfg := &config.Config{
		DBHost:     "invalid-host-that-does-not-exist",
		DBPort:     "5432",
		DBUsername: "invalid",
		DBPassword: "invalid",
		DBName:     "invalid",
		DBSSLMode:  "disable",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewConnection(ctx, cfg)
	assert.Error(t, err)
}

func TestMigrateIsIdempotent(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()

	require.NoError(t, Migrate(ctx, pool))

	var applied int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM schema_migrations`).Scan(&applied))
	assert.Equal(t, 2, applied)

	var tables int
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT count(*) FROM information_schema.tables
		WHERE table_name IN ('accounts', 'threads', 'messages', 'pending_operations')`).Scan(&tables))
	assert.Equal(t, 4, tables)
}
