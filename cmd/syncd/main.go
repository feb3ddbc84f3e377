// Command syncd runs the mail sync daemon: one sync worker per account, the pending-operation
// replay and the HTTP API with its WebSocket event stream.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/adapters"
	"github.com/vdavid/mailsync/internal/api"
	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/gmail"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/lease"
	"github.com/vdavid/mailsync/internal/localdb"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/syncer"
	ws "github.com/vdavid/mailsync/internal/websocket"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

// store is what both the sync engine and the API need from persistence.
type store interface {
	syncer.Store
	api.Store
	Close() error
}

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Environment, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Daemon stopped")
	}
	logger.Info().Msg("Daemon stopped")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close store")
		}
	}()
	logger.Info().Str("store", cfg.Store).Msg("Store opened")

	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		return fmt.Errorf("failed to create encryptor: %w", err)
	}

	imapPool := imap.NewPool(cfg.IMAPMaxWorkers, logger)
	defer imapPool.Close()

	factory := adapters.NewFactory(adapters.Options{
		Pool:          imapPool,
		State:         st,
		Decryptor:     encryptor,
		OAuth:         oauthConfig(cfg),
		DaysBack:      cfg.SyncDaysBack,
		IMAPBatchSize: cfg.IMAPBatchSize,
		PlainIMAP:     !cfg.IMAPUseTLS,
	}, logger)
	defer factory.Close()

	hub := ws.NewHub(10, logger)
	orchestrator := syncer.NewOrchestrator(st, factory, logger,
		syncer.WithNotifier(hub),
		syncer.WithDaysBack(cfg.SyncDaysBack),
	)

	locker, err := newLocker(ctx, cfg)
	if err != nil {
		return err
	}
	if closer, ok := locker.(interface{ Close() error }); ok {
		defer func() { _ = closer.Close() }()
	}
	scheduler := syncer.NewScheduler(orchestrator, st, cfg.SyncInterval, logger,
		syncer.WithLease(locker, syncer.DefaultLeaseTTL))

	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: api.NewRouter(api.Deps{
			Store:     st,
			Scheduler: scheduler,
			Queue:     orchestrator.Queue(),
			Hub:       hub,
			Token:     cfg.APIToken,
			Logger:    logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := scheduler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		<-ctx.Done()
		scheduler.Stop()
		return nil
	})

	g.Go(func() error {
		hub.Forward(ctx, scheduler.Events())
		return nil
	})

	g.Go(func() error {
		startListeners(ctx, st, factory, scheduler, logger)
		return nil
	})

	g.Go(func() error {
		logger.Info().Str("address", server.Addr).Str("environment", cfg.Environment).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openStore connects to Postgres or opens the SQLite file, depending on MAILSYNC_STORE.
// Both apply pending schema migrations.
func openStore(ctx context.Context, cfg *config.Config) (store, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		s, err := localdb.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, nil
	case config.StorePostgres:
		pool, err := db.NewConnection(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		return db.NewStore(pool), nil
	}
	return nil, fmt.Errorf("unknown store %q", cfg.Store)
}

// oauthConfig returns the Gmail client configuration, or nil when no client is configured.
func oauthConfig(cfg *config.Config) *oauth2.Config {
	if cfg.GmailClientID == "" {
		return nil
	}
	return &oauth2.Config{
		ClientID:     cfg.GmailClientID,
		ClientSecret: cfg.GmailClientSecret,
		Endpoint:     gmail.Endpoint,
		Scopes:       gmail.Scopes,
	}
}

// newLocker uses Redis when configured so several daemons can share one database.
func newLocker(ctx context.Context, cfg *config.Config) (lease.Locker, error) {
	if cfg.RedisURL == "" {
		return lease.NewMemory(), nil
	}
	r, err := lease.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return r, nil
}
