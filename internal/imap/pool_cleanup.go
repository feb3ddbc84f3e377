package imap

import (
	"time"
)

// startCleanupGoroutine periodically closes idle connections until the pool is closed.
func (p *Pool) startCleanupGoroutine() {
	ticker := time.NewTicker(1 * time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-p.cleanupCtx.Done():
				return
			case <-ticker.C:
				p.cleanupIdleConnections(time.Now())
			}
		}
	}()
}

// cleanupIdleConnections removes idle worker connections unused for longer than workerIdleTimeout.
// Connections in use are skipped.
func (p *Pool) cleanupIdleConnections(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for accountID, set := range p.workerSets {
		set.mu.Lock()
		kept := set.clients[:0]
		for _, c := range set.clients {
			if c.TryLock() {
				if now.Sub(c.GetLastUsed()) > workerIdleTimeout {
					_ = c.GetClient().Logout()
					c.Unlock()
					continue
				}
				c.Unlock()
			}
			kept = append(kept, c)
		}
		set.clients = kept
		empty := len(set.clients) == 0 && len(set.semaphore) == 0
		set.mu.Unlock()

		if empty {
			delete(p.workerSets, accountID)
			p.logger.Debug().Str("account", accountID).Msg("Closed idle IMAP worker connections")
		}
	}
}
