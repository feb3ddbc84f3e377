package config

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("MAILSYNC_ENV", "production")
	t.Setenv("MAILSYNC_ENCRYPTION_KEY_BASE64", "dGVzdC1rZXktMTIzNDU2Nzg5MDEyMzQ1Njc4OTAxMjM=")
	t.Setenv("MAILSYNC_DB_PASSWORD", "test-password")
}

func TestNewConfig(t *testing.T) {
	t.Run("reads values and defaults", func(t *testing.T) {
		setRequiredEnv(t)
		t.Setenv("MAILSYNC_DB_HOST", "db")
		t.Setenv("MAILSYNC_DB_NAME", "testdb")
		t.Setenv("PORT", "3000")
		t.Setenv("MAILSYNC_SYNC_INTERVAL", "2m")
		t.Setenv("MAILSYNC_IMAP_BATCH_SIZE", "25")

		config, err := NewConfig()
		require.NoError(t, err)

		assert.Equal(t, "production", config.Environment)
		assert.Equal(t, StorePostgres, config.Store)
		assert.Equal(t, "db", config.DBHost)
		assert.Equal(t, "5432", config.DBPort)
		assert.Equal(t, "mailsync", config.DBUsername)
		assert.Equal(t, "testdb", config.DBName)
		assert.Equal(t, "3000", config.Port)
		assert.Equal(t, 2*time.Minute, config.SyncInterval)
		assert.Equal(t, 30, config.SyncDaysBack)
		assert.Equal(t, 25, config.IMAPBatchSize)
		assert.Equal(t, 3, config.IMAPMaxWorkers)
		assert.True(t, config.IMAPUseTLS)
	})

	t.Run("rejects bad numbers", func(t *testing.T) {
		setRequiredEnv(t)
		t.Setenv("MAILSYNC_SYNC_DAYS_BACK", "many")

		_, err := NewConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "MAILSYNC_SYNC_DAYS_BACK")
	})

	t.Run("rejects bad interval", func(t *testing.T) {
		setRequiredEnv(t)
		t.Setenv("MAILSYNC_SYNC_INTERVAL", "soon")

		_, err := NewConfig()
		require.Error(t, err)
	})

	t.Run("test mode disables TLS", func(t *testing.T) {
		setRequiredEnv(t)
		t.Setenv("MAILSYNC_TEST_MODE", "true")

		config, err := NewConfig()
		require.NoError(t, err)
		assert.False(t, config.IMAPUseTLS)
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			EncryptionKeyBase64: "key",
			Store:               StorePostgres,
			DBPassword:          "pw",
			SyncInterval:        time.Minute,
			IMAPBatchSize:       50,
			IMAPMaxWorkers:      3,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid postgres", func(*Config) {}, ""},
		{"missing key", func(c *Config) { c.EncryptionKeyBase64 = "" }, "MAILSYNC_ENCRYPTION_KEY_BASE64"},
		{"missing db password", func(c *Config) { c.DBPassword = "" }, "MAILSYNC_DB_PASSWORD"},
		{"sqlite needs no db password", func(c *Config) { c.Store = StoreSQLite; c.SQLitePath = "x.db"; c.DBPassword = "" }, ""},
		{"sqlite needs a path", func(c *Config) { c.Store = StoreSQLite; c.SQLitePath = "" }, "MAILSYNC_SQLITE_PATH"},
		{"unknown store", func(c *Config) { c.Store = "mysql" }, "MAILSYNC_STORE"},
		{"interval too short", func(c *Config) { c.SyncInterval = time.Millisecond }, "MAILSYNC_SYNC_INTERVAL"},
		{"zero batch size", func(c *Config) { c.IMAPBatchSize = 0 }, "MAILSYNC_IMAP_BATCH_SIZE"},
		{"zero workers", func(c *Config) { c.IMAPMaxWorkers = 0 }, "MAILSYNC_IMAP_MAX_WORKERS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGetDatabaseURL(t *testing.T) {
	c := &Config{
		DBUsername: "user",
		DBPassword: "p@ss",
		DBHost:     "localhost",
		DBPort:     "5432",
		DBName:     "mailsync",
		DBSSLMode:  "disable",
	}

	parsed, err := url.Parse(c.GetDatabaseURL())
	require.NoError(t, err)
	assert.Equal(t, "postgres", parsed.Scheme)
	assert.Equal(t, "localhost:5432", parsed.Host)
	assert.Equal(t, "disable", parsed.Query().Get("sslmode"))
	assert.True(t, strings.HasSuffix(parsed.Path, "/mailsync"))
}
