package imap

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/emersion/go-imap/client"
	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/provider"
)

const (
	// workerIdleTimeout is the maximum time a worker connection can be idle before being closed.
	workerIdleTimeout = 10 * time.Minute
	// healthCheckThreshold is the idle time after which we perform a health check before reuse.
	healthCheckThreshold = 1 * time.Minute
)

// Pool manages IMAP connections per account.
// Supports two types of connections:
// - Worker connections: up to maxWorkers per account for sync passes and mutations
// - Listener connections: 1 dedicated connection per account for IDLE
//
// Each connection is wrapped with a mutex. Different connections are used concurrently, access
// to the same connection is serialized. An evicted account cannot open new connections until it
// is admitted again.
type Pool struct {
	workerSets    map[string]*workerClientSet  // accountID -> worker client set
	listeners     map[string]*threadSafeClient // accountID -> listener connection
	evicted       map[string]bool
	mu            sync.RWMutex
	maxWorkers    int
	logger        zerolog.Logger
	newBackOff    func() backoff.BackOff
	cleanupCtx    context.Context
	cleanupCancel context.CancelFunc
}

// NewPool creates a connection pool with at most maxWorkers worker connections per account.
func NewPool(maxWorkers int, logger zerolog.Logger) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		workerSets:    make(map[string]*workerClientSet),
		listeners:     make(map[string]*threadSafeClient),
		evicted:       make(map[string]bool),
		maxWorkers:    maxWorkers,
		logger:        logger.With().Str("component", "imap_pool").Logger(),
		newBackOff:    defaultBackOff,
		cleanupCtx:    ctx,
		cleanupCancel: cancel,
	}
	p.startCleanupGoroutine()
	return p
}

// Acquire returns a logged-in worker client for the account and a release function that must be
// called when the caller is done with it.
func (p *Pool) Acquire(ctx context.Context, accountID string, s Settings) (*client.Client, func(), error) {
	if p.isEvicted(accountID) {
		return nil, nil, provider.ErrEvicted
	}
	tsClient, release, err := p.getWorkerConnection(ctx, accountID, s)
	if err != nil {
		return nil, nil, err
	}
	return tsClient.GetClient(), release, nil
}

// Evict closes every connection of the account and refuses new ones.
func (p *Pool) Evict(accountID string) {
	p.mu.Lock()
	p.evicted[accountID] = true
	p.mu.Unlock()
	p.RemoveClient(accountID)
}

// Admit lifts an eviction, e.g. when an account is added again.
func (p *Pool) Admit(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.evicted, accountID)
}

func (p *Pool) isEvicted(accountID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.evicted[accountID]
}

// RemoveClient removes all connections (worker and listener) for an account from the pool.
func (p *Pool) RemoveClient(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if set, exists := p.workerSets[accountID]; exists {
		set.close(p.logger)
		delete(p.workerSets, accountID)
	}

	if listener, exists := p.listeners[accountID]; exists {
		// The listener is usually held by a running IDLE loop.
		_ = listener.GetClient().Terminate()
		delete(p.listeners, accountID)
	}
}

// Close closes all connections in the pool and stops the cleanup goroutine.
func (p *Pool) Close() {
	p.cleanupCancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	for accountID, set := range p.workerSets {
		set.close(p.logger)
		delete(p.workerSets, accountID)
	}

	for accountID, listener := range p.listeners {
		if err := listener.GetClient().Terminate(); err != nil {
			p.logger.Debug().Err(err).Str("account", accountID).Msg("Failed to close listener connection")
		}
		delete(p.listeners, accountID)
	}
}
