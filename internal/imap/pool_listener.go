package imap

import (
	"context"
	"fmt"
	"time"

	"github.com/vdavid/mailsync/internal/provider"
)

// getListenerConnection gets or creates the IDLE connection of an account.
// Returns a locked connection that must be unlocked by the caller.
func (p *Pool) getListenerConnection(ctx context.Context, accountID string, s Settings) (*threadSafeClient, error) {
	if p.isEvicted(accountID) {
		return nil, provider.ErrEvicted
	}

	p.mu.RLock()
	listener, exists := p.listeners[accountID]
	p.mu.RUnlock()

	if exists {
		listener.Lock()
		if isLoggedIn(listener) {
			return listener, nil
		}
		listener.Unlock()
		p.RemoveListenerConnection(accountID)
	}

	c, err := dialAndLogin(ctx, s, p.newBackOff())
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	listener = &threadSafeClient{
		client:   c,
		lastUsed: time.Now(),
		role:     roleListener,
	}
	listener.Lock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.evicted[accountID] {
		_ = c.Logout()
		return nil, provider.ErrEvicted
	}
	if existing, exists := p.listeners[accountID]; exists && existing != listener {
		_ = existing.GetClient().Terminate()
	}
	p.listeners[accountID] = listener
	return listener, nil
}

// RemoveListenerConnection drops the IDLE connection of an account.
func (p *Pool) RemoveListenerConnection(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if listener, exists := p.listeners[accountID]; exists {
		_ = listener.GetClient().Terminate()
		delete(p.listeners, accountID)
	}
}
