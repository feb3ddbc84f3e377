package imap

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap"
	"github.com/vdavid/mailsync/internal/provider"
)

// getOrCreateWorkerSet gets or creates a worker client set for an account.
// Thread-safe: uses double-check locking pattern.
func (p *Pool) getOrCreateWorkerSet(accountID string) *workerClientSet {
	p.mu.RLock()
	set, exists := p.workerSets[accountID]
	p.mu.RUnlock()

	if exists {
		return set
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if set, exists := p.workerSets[accountID]; exists {
		return set
	}

	set = &workerClientSet{
		clients:   make([]*threadSafeClient, 0),
		semaphore: make(chan struct{}, p.maxWorkers),
	}
	p.workerSets[accountID] = set
	return set
}

// getWorkerConnection gets or creates a worker client for an account.
// Returns a locked client and a release function that must be called when done.
func (p *Pool) getWorkerConnection(ctx context.Context, accountID string, s Settings) (*threadSafeClient, func(), error) {
	set := p.getOrCreateWorkerSet(accountID)

	if tsClient, release := set.acquire(); tsClient != nil {
		if p.isReusable(tsClient) {
			tsClient.UpdateLastUsed()
			return tsClient, release, nil
		}
		tsClient.Unlock()
		release()
		set.remove(tsClient)
	}

	select {
	case set.semaphore <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	releaseSlot := func() { <-set.semaphore }

	// Another goroutine might have added a client while we were waiting.
	set.mu.Lock()
	for _, existing := range set.clients {
		if existing.TryLock() {
			if isLoggedIn(existing) {
				existing.UpdateLastUsed()
				set.mu.Unlock()
				return existing, func() {
					existing.Unlock()
					releaseSlot()
				}, nil
			}
			existing.Unlock()
		}
	}
	set.mu.Unlock()

	c, err := dialAndLogin(ctx, s, p.newBackOff())
	if err != nil {
		releaseSlot()
		return nil, nil, fmt.Errorf("failed to connect: %w", err)
	}

	// The account may have been evicted while we were dialing.
	if p.isEvicted(accountID) {
		_ = c.Logout()
		releaseSlot()
		return nil, nil, provider.ErrEvicted
	}

	tsClient := &threadSafeClient{
		client:   c,
		lastUsed: time.Now(),
		role:     roleWorker,
	}
	tsClient.Lock()
	set.addClient(tsClient)

	p.logger.Debug().Str("account", accountID).Msg("Opened IMAP worker connection")
	return tsClient, func() {
		tsClient.Unlock()
		releaseSlot()
	}, nil
}

// isReusable checks a locked client's state and, when it has been idle for a while, its health.
func (p *Pool) isReusable(c *threadSafeClient) bool {
	if !isLoggedIn(c) {
		return false
	}
	if time.Since(c.GetLastUsed()) > healthCheckThreshold {
		return c.GetClient().Noop() == nil
	}
	return true
}

func isLoggedIn(c *threadSafeClient) bool {
	state := c.GetClient().State()
	return state == imap.AuthenticatedState || state == imap.SelectedState
}
