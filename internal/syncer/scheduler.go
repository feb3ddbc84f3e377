package syncer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/lease"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
)

// Syncer runs one pass for an account. *Orchestrator implements it.
type Syncer interface {
	SyncAccount(ctx context.Context, account *models.Account, onProgress provider.ProgressFunc) (*PassResult, error)
	Evict(accountID string)
}

// AccountSource loads account rows.
type AccountSource interface {
	ListAccounts(ctx context.Context) ([]models.Account, error)
	GetAccount(ctx context.Context, id string) (*models.Account, error)
}

// EventType tells scheduler events apart.
type EventType string

const (
	EventProgress      EventType = "sync_progress"
	EventPassCompleted EventType = "sync_completed"
	EventPassFailed    EventType = "sync_failed"
)

// Event reports what a worker is doing.
type Event struct {
	Type      EventType          `json:"type"`
	AccountID string             `json:"account_id"`
	Progress  *provider.Progress `json:"progress,omitempty"`
	Stored    int                `json:"stored,omitempty"`
	Reported  int                `json:"reported,omitempty"`
	Error     string             `json:"error,omitempty"`
	At        time.Time          `json:"at"`
}

// DefaultLeaseTTL bounds how long a crashed daemon can keep an account locked.
const DefaultLeaseTTL = 10 * time.Minute

// Scheduler runs one worker goroutine per account. Each worker syncs on a fixed interval and on
// demand; passes of one account never overlap, passes of different accounts run concurrently.
type Scheduler struct {
	syncer   Syncer
	accounts AccountSource
	interval time.Duration
	locker   lease.Locker
	leaseTTL time.Duration
	events   chan Event
	logger   zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	workers map[string]*worker
}

type worker struct {
	cancel  context.CancelFunc
	trigger chan struct{}
	done    chan struct{}
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithLease makes every pass take a lease on the account first. Passes that cannot get it are
// skipped.
func WithLease(locker lease.Locker, ttl time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.locker = locker
		if ttl > 0 {
			s.leaseTTL = ttl
		}
	}
}

// WithEventBuffer sets the capacity of the events channel. Events are dropped when it is full.
func WithEventBuffer(n int) SchedulerOption {
	return func(s *Scheduler) { s.events = make(chan Event, n) }
}

func NewScheduler(syncer Syncer, accounts AccountSource, interval time.Duration, logger zerolog.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		syncer:   syncer,
		accounts: accounts,
		interval: interval,
		leaseTTL: DefaultLeaseTTL,
		events:   make(chan Event, 256),
		logger:   logger.With().Str("component", "scheduler").Logger(),
		ctx:      context.Background(),
		workers:  make(map[string]*worker),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Events returns the channel workers publish to.
func (s *Scheduler) Events() <-chan Event {
	return s.events
}

// Start starts a worker for every enabled account. Workers stop when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	accounts, err := s.accounts.ListAccounts(ctx)
	if err != nil {
		return err
	}
	for _, a := range accounts {
		if a.Enabled {
			s.Add(a.ID)
		}
	}
	s.logger.Info().Int("accounts", len(s.Running())).Dur("interval", s.interval).Msg("Scheduler started")
	return nil
}

// Add starts the worker of an account. It does nothing if the worker already runs.
func (s *Scheduler) Add(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workers[accountID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	w := &worker{
		cancel:  cancel,
		trigger: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	s.workers[accountID] = w
	go s.run(ctx, accountID, w)
}

// Trigger asks the worker of an account for an immediate pass. Requests made while a pass is
// queued collapse into one. It reports whether the account has a worker.
func (s *Scheduler) Trigger(accountID string) bool {
	s.mu.Lock()
	w, ok := s.workers[accountID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case w.trigger <- struct{}{}:
	default:
	}
	return true
}

// Remove stops the worker of an account, waits for its pass to end and evicts the adapter.
// No pass for the account starts afterwards unless Add is called again.
func (s *Scheduler) Remove(accountID string) {
	s.mu.Lock()
	w, ok := s.workers[accountID]
	delete(s.workers, accountID)
	s.mu.Unlock()

	if ok {
		w.cancel()
		<-w.done
	}
	s.syncer.Evict(accountID)
}

// Stop stops every worker and waits for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	workers := s.workers
	s.workers = make(map[string]*worker)
	s.mu.Unlock()

	for _, w := range workers {
		w.cancel()
	}
	for id, w := range workers {
		<-w.done
		s.syncer.Evict(id)
	}
}

// Running lists the accounts that have a worker.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Scheduler) run(ctx context.Context, accountID string, w *worker) {
	defer close(w.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.pass(ctx, accountID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.trigger:
		}
		if ctx.Err() != nil {
			return
		}
		s.pass(ctx, accountID)
	}
}

func (s *Scheduler) pass(ctx context.Context, accountID string) {
	log := s.logger.With().Str("account", accountID).Logger()

	account, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		log.Warn().Err(err).Msg("Could not load account, skipping pass")
		return
	}
	if !account.Enabled {
		log.Debug().Msg("Account disabled, skipping pass")
		return
	}

	if s.locker != nil {
		release, ok, err := s.locker.TryAcquire(ctx, lease.AccountKey(accountID), s.leaseTTL)
		if err != nil {
			log.Warn().Err(err).Msg("Could not take sync lease, skipping pass")
			return
		}
		if !ok {
			log.Debug().Msg("Account is synced elsewhere, skipping pass")
			return
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				log.Warn().Err(err).Msg("Failed to release sync lease")
			}
		}()
	}

	result, err := s.syncer.SyncAccount(ctx, account, func(p provider.Progress) {
		s.emit(Event{Type: EventProgress, AccountID: accountID, Progress: &p})
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Msg("Sync pass failed")
		s.emit(Event{Type: EventPassFailed, AccountID: accountID, Error: err.Error()})
		return
	}
	s.emit(Event{Type: EventPassCompleted, AccountID: accountID, Stored: result.Stored, Reported: result.Reported})
}

func (s *Scheduler) emit(e Event) {
	e.At = time.Now().UTC()
	select {
	case s.events <- e:
	default:
		s.logger.Debug().Str("account", e.AccountID).Str("type", string(e.Type)).Msg("Event buffer full, dropping event")
	}
}
