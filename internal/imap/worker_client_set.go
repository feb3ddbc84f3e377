package imap

import (
	"sync"

	"github.com/rs/zerolog"
)

// workerClientSet manages multiple worker clients for a single account.
// The semaphore limits concurrent connections to the pool's maxWorkers.
type workerClientSet struct {
	clients   []*threadSafeClient
	semaphore chan struct{}
	mu        sync.Mutex
}

// acquire gets an idle client from the set, blocking while the set is at capacity.
// Returns the client (locked) and a release function that must be called when done.
// If no client is idle, returns nil and the caller should create a new one.
func (s *workerClientSet) acquire() (*threadSafeClient, func()) {
	s.semaphore <- struct{}{}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.clients {
		if c.TryLock() {
			c.UpdateLastUsed()
			return c, func() {
				c.Unlock()
				<-s.semaphore
			}
		}
	}

	<-s.semaphore
	return nil, func() {}
}

func (s *workerClientSet) addClient(c *threadSafeClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients = append(s.clients, c)
}

// remove drops c from the set and logs it out. It reports whether c was present.
func (s *workerClientSet) remove(c *threadSafeClient) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.clients {
		if existing == c {
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			_ = c.GetClient().Logout()
			return true
		}
	}
	return false
}

// close logs out idle clients and drops the connection of clients in use, which makes their
// current command fail.
func (s *workerClientSet) close(logger zerolog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.clients {
		if c.TryLock() {
			if err := c.GetClient().Logout(); err != nil {
				logger.Debug().Err(err).Msg("Failed to logout worker client")
			}
			c.Unlock()
		} else {
			_ = c.GetClient().Terminate()
		}
	}
	s.clients = nil
}
