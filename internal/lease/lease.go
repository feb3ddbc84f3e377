// Package lease keeps two daemons from syncing the same account at the same time.
package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker hands out time-bounded exclusive leases on keys.
type Locker interface {
	// TryAcquire takes the lease on key for ttl. ok is false when someone else holds it.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// AccountKey is the lease key for syncing one account.
func AccountKey(accountID string) string {
	return "mailsync:sync:" + accountID
}

// releaseScript deletes the key only when it still holds our token, so an expired lease that
// another daemon took over is left alone.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// Redis is a Locker shared between processes through SET NX.
type Redis struct {
	client *redis.Client
}

// NewRedis parses url, connects and pings the server.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("failed to release lease %s: %w", key, err)
		}
		return nil
	}
	return release, true, nil
}

// Close closes the redis connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Memory is an in-process Locker for single-daemon deployments.
type Memory struct {
	mu   sync.Mutex
	held map[string]memoryLease
	now  func() time.Time
}

type memoryLease struct {
	token   string
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{held: make(map[string]memoryLease), now: time.Now}
}

func (m *Memory) TryAcquire(_ context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if l, ok := m.held[key]; ok && now.Before(l.expires) {
		return nil, false, nil
	}
	token := uuid.NewString()
	m.held[key] = memoryLease{token: token, expires: now.Add(ttl)}

	release := func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if l, ok := m.held[key]; ok && l.token == token {
			delete(m.held, key)
		}
		return nil
	}
	return release, true, nil
}
