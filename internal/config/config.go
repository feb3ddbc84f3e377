package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Store kinds.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

type Config struct {
	Environment         string
	EncryptionKeyBase64 string
	LogLevel            string

	Store      string
	SQLitePath string
	DBHost     string
	DBPort     string
	DBUsername string
	DBPassword string
	DBName     string
	DBSSLMode  string

	Port     string
	APIToken string
	RedisURL string

	SyncInterval   time.Duration
	SyncDaysBack   int
	IMAPBatchSize  int
	IMAPMaxWorkers int
	IMAPUseTLS     bool

	GmailClientID     string
	GmailClientSecret string
}

func NewConfig() (*Config, error) {
	env := os.Getenv("MAILSYNC_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	interval, err := time.ParseDuration(getEnvOrDefault("MAILSYNC_SYNC_INTERVAL", "60s"))
	if err != nil {
		return nil, fmt.Errorf("invalid MAILSYNC_SYNC_INTERVAL: %w", err)
	}
	daysBack, err := getIntOrDefault("MAILSYNC_SYNC_DAYS_BACK", 30)
	if err != nil {
		return nil, err
	}
	batchSize, err := getIntOrDefault("MAILSYNC_IMAP_BATCH_SIZE", 50)
	if err != nil {
		return nil, err
	}
	maxWorkers, err := getIntOrDefault("MAILSYNC_IMAP_MAX_WORKERS", 3)
	if err != nil {
		return nil, err
	}

	config := &Config{
		Environment:         env,
		EncryptionKeyBase64: os.Getenv("MAILSYNC_ENCRYPTION_KEY_BASE64"),
		LogLevel:            getEnvOrDefault("MAILSYNC_LOG_LEVEL", "info"),
		Store:               getEnvOrDefault("MAILSYNC_STORE", StorePostgres),
		SQLitePath:          getEnvOrDefault("MAILSYNC_SQLITE_PATH", "mailsync.db"),
		DBHost:              getEnvOrDefault("MAILSYNC_DB_HOST", "localhost"),
		DBPort:              getEnvOrDefault("MAILSYNC_DB_PORT", "5432"),
		DBUsername:          getEnvOrDefault("MAILSYNC_DB_USER", "mailsync"),
		DBPassword:          os.Getenv("MAILSYNC_DB_PASSWORD"),
		DBName:              getEnvOrDefault("MAILSYNC_DB_NAME", "mailsync"),
		DBSSLMode:           getEnvOrDefault("MAILSYNC_DB_SSLMODE", "disable"),
		Port:                getEnvOrDefault("PORT", "8080"),
		APIToken:            os.Getenv("MAILSYNC_API_TOKEN"),
		RedisURL:            os.Getenv("MAILSYNC_REDIS_URL"),
		SyncInterval:        interval,
		SyncDaysBack:        daysBack,
		IMAPBatchSize:       batchSize,
		IMAPMaxWorkers:      maxWorkers,
		IMAPUseTLS:          os.Getenv("MAILSYNC_TEST_MODE") != "true",
		GmailClientID:       os.Getenv("MAILSYNC_GMAIL_CLIENT_ID"),
		GmailClientSecret:   os.Getenv("MAILSYNC_GMAIL_CLIENT_SECRET"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("MAILSYNC_ENCRYPTION_KEY_BASE64 is required")
	}

	switch c.Store {
	case StorePostgres:
		if c.DBPassword == "" {
			return fmt.Errorf("MAILSYNC_DB_PASSWORD is required")
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("MAILSYNC_SQLITE_PATH is required")
		}
	default:
		return fmt.Errorf("MAILSYNC_STORE must be %q or %q, got %q", StorePostgres, StoreSQLite, c.Store)
	}

	if c.SyncInterval < time.Second {
		return fmt.Errorf("MAILSYNC_SYNC_INTERVAL must be at least 1s")
	}

	if c.IMAPBatchSize <= 0 {
		return fmt.Errorf("MAILSYNC_IMAP_BATCH_SIZE must be positive")
	}

	if c.IMAPMaxWorkers <= 0 {
		return fmt.Errorf("MAILSYNC_IMAP_MAX_WORKERS must be positive")
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUsername,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
