package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/pending"
	"github.com/vdavid/mailsync/internal/provider"
)

// DefaultDaysBack bounds the initial sync window when neither the account nor the daemon set one.
const DefaultDaysBack = 30

// PassResult summarizes one sync pass of an account.
type PassResult struct {
	AccountID    string
	Initial      bool
	Stored       int
	Reported     int
	Deleted      int
	Threads      int
	Skipped      int
	Flushed      pending.FlushResult
	FolderErrors map[string]error
	Completed    bool
}

// Orchestrator runs single sync passes. Passes of one account must not overlap; the Scheduler
// guarantees that.
type Orchestrator struct {
	store    Store
	adapters AdapterSource
	queue    *pending.Queue
	guard    *pending.Guard
	notifier Notifier
	filter   Filter
	daysBack int
	logger   zerolog.Logger
	now      func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithNotifier sends new-mail notices to n.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithFilter runs f over every incoming message before it is stored.
func WithFilter(f Filter) Option {
	return func(o *Orchestrator) { o.filter = f }
}

// WithDaysBack sets the initial sync window for accounts that do not set their own.
func WithDaysBack(days int) Option {
	return func(o *Orchestrator) {
		if days > 0 {
			o.daysBack = days
		}
	}
}

func NewOrchestrator(store Store, adapters AdapterSource, logger zerolog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		adapters: adapters,
		queue:    pending.NewQueue(store, logger),
		guard:    pending.NewGuard(store),
		daysBack: DefaultDaysBack,
		logger:   logger.With().Str("component", "syncer").Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Queue returns the pending-operation queue the orchestrator flushes before every pass.
func (o *Orchestrator) Queue() *pending.Queue {
	return o.queue
}

// Evict drops the cached adapter of an account.
func (o *Orchestrator) Evict(accountID string) {
	o.adapters.Evict(accountID)
}

// SyncAccount runs one pass: it replays queued local operations, fetches changes from the
// server, stores them and only then advances the adapter's cursors.
//
// The pass is initial until an earlier initial pass completed. A delta pass whose cursor was
// rejected falls back to an initial pass.
func (o *Orchestrator) SyncAccount(ctx context.Context, account *models.Account, onProgress provider.ProgressFunc) (*PassResult, error) {
	log := logging.ForAccount(o.logger, account.ID)

	adapter, err := o.adapters.Adapter(ctx, account)
	if err != nil {
		return nil, o.fail(ctx, account.ID, fmt.Errorf("failed to build adapter: %w", err))
	}

	status, err := o.store.GetAccountSyncStatus(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync status: %w", err)
	}
	pass := &PassResult{
		AccountID: account.ID,
		Initial:   status == nil || status.InitialSyncCompletedAt == nil,
	}

	pass.Flushed, err = o.queue.Flush(ctx, account.ID, o.executor(adapter))
	if err != nil {
		log.Warn().Err(err).Msg("Replaying pending operations failed")
	}

	result, err := o.fetch(ctx, adapter, account, pass, onProgress)
	if err != nil {
		return nil, o.fail(ctx, account.ID, err)
	}
	pass.Reported = result.Reported
	pass.FolderErrors = result.FolderErrors

	storeErr := o.persist(ctx, adapter, account.ID, result, pass, onProgress)
	if storeErr == nil && result.Commit != nil {
		if err := result.Commit(ctx); err != nil {
			storeErr = fmt.Errorf("failed to advance sync state: %w", err)
		}
	}

	pass.Completed = storeErr == nil && len(result.FolderErrors) == 0 &&
		(pass.Stored > 0 || pass.Reported == 0)
	if err := o.record(ctx, pass, storeErr); err != nil {
		log.Error().Err(err).Msg("Failed to record sync status")
	}
	onProgress.Report(provider.Progress{Phase: provider.PhaseDone, Current: pass.Stored, Total: pass.Reported})

	if storeErr != nil {
		return pass, storeErr
	}
	log.Info().
		Bool("initial", pass.Initial).
		Int("stored", pass.Stored).
		Int("reported", pass.Reported).
		Int("deleted", pass.Deleted).
		Int("threads", pass.Threads).
		Int("skipped", pass.Skipped).
		Int("folder_errors", len(pass.FolderErrors)).
		Msg("Sync pass finished")
	return pass, nil
}

func (o *Orchestrator) fetch(ctx context.Context, adapter provider.Adapter, account *models.Account, pass *PassResult, onProgress provider.ProgressFunc) (*provider.SyncResult, error) {
	daysBack := o.daysBack
	if account.SyncDaysBack > 0 {
		daysBack = account.SyncDaysBack
	}

	if !pass.Initial {
		result, err := adapter.DeltaSync(ctx, onProgress)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, provider.ErrCursorInvalid) {
			return nil, fmt.Errorf("delta sync failed: %w", err)
		}
		o.logger.Warn().Str("account", account.ID).Err(err).Msg("Sync cursor rejected, running a full sync")
		pass.Initial = true
	}

	result, err := adapter.InitialSync(ctx, daysBack, onProgress)
	if err != nil {
		return nil, fmt.Errorf("initial sync failed: %w", err)
	}
	return result, nil
}

// persist stores one adapter result. It returns the first store failure; later messages are
// still attempted so that one bad row does not hold back the rest.
func (o *Orchestrator) persist(ctx context.Context, adapter provider.Adapter, accountID string, result *provider.SyncResult, pass *PassResult, onProgress provider.ProgressFunc) error {
	log := logging.ForAccount(o.logger, accountID)

	if len(result.Labels) > 0 {
		for i := range result.Labels {
			result.Labels[i].AccountID = accountID
		}
		if err := o.store.UpsertLabels(ctx, result.Labels); err != nil {
			return fmt.Errorf("failed to store labels: %w", err)
		}
	}

	touched := make(map[string]bool)

	stale, err := o.staleIDs(ctx, accountID, result)
	if err != nil {
		return err
	}
	if len(stale) > 0 {
		affected, err := o.store.DeleteMessages(ctx, accountID, stale)
		if err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
		pass.Deleted = len(stale)
		for _, id := range affected {
			touched[id] = true
		}
	}

	msgs := result.Messages
	for i := range msgs {
		msgs[i].AccountID = accountID
		if o.filter != nil {
			o.applyFilter(ctx, &msgs[i])
		}
	}

	onProgress.Report(provider.Progress{Phase: provider.PhaseThreading, Total: len(msgs)})
	previous, err := o.assignThreads(ctx, adapter, accountID, msgs)
	if err != nil {
		return err
	}
	for _, id := range previous {
		touched[id] = true
	}
	for _, m := range msgs {
		touched[m.ThreadID] = true
	}

	threadIDs := sortedKeys(touched)
	blocked, err := o.guard.Blocked(ctx, accountID, threadIDs)
	if err != nil {
		return err
	}

	var firstErr error
	stored := make([]models.Message, 0, len(msgs))
	for i := range msgs {
		if err := o.store.UpsertMessage(ctx, &msgs[i]); err != nil {
			log.Error().Err(err).Str("message", msgs[i].ID).Msg("Failed to store message")
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to store message %s: %w", msgs[i].ID, err)
			}
			continue
		}
		stored = append(stored, msgs[i])
	}
	pass.Stored = len(stored)

	for _, threadID := range threadIDs {
		skipped, err := o.refreshThread(ctx, accountID, threadID, blocked[threadID])
		if err != nil {
			log.Error().Err(err).Str("thread", threadID).Msg("Failed to refresh thread")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if skipped {
			pass.Skipped++
			continue
		}
		pass.Threads++
	}

	o.notify(ctx, stored)
	return firstErr
}

// staleIDs lists the stored messages that the result says are gone: explicit deletions plus
// every message of an invalidated folder.
func (o *Orchestrator) staleIDs(ctx context.Context, accountID string, result *provider.SyncResult) ([]string, error) {
	ids := append([]string(nil), result.DeletedIDs...)
	for _, folder := range result.InvalidatedFolders {
		inFolder, err := o.store.MessageIDsInFolder(ctx, accountID, folder)
		if err != nil {
			return nil, fmt.Errorf("failed to list messages of %s: %w", folder, err)
		}
		ids = append(ids, inFolder...)
	}
	return ids, nil
}

// refreshThread recomputes a thread row from its stored messages. A thread left without messages
// is deleted. Existing threads with outstanding local operations keep their metadata.
func (o *Orchestrator) refreshThread(ctx context.Context, accountID, threadID string, blocked bool) (skipped bool, err error) {
	if blocked {
		existing, err := o.store.GetThread(ctx, accountID, threadID)
		if err != nil {
			return false, fmt.Errorf("failed to load thread %s: %w", threadID, err)
		}
		if existing != nil {
			return true, nil
		}
	}

	msgs, err := o.store.MessagesForThread(ctx, accountID, threadID)
	if err != nil {
		return false, fmt.Errorf("failed to load messages of thread %s: %w", threadID, err)
	}
	if len(msgs) == 0 {
		if err := o.store.DeleteThread(ctx, accountID, threadID); err != nil {
			return false, fmt.Errorf("failed to delete empty thread %s: %w", threadID, err)
		}
		return false, nil
	}
	if err := o.store.UpsertThread(ctx, Aggregate(accountID, threadID, msgs)); err != nil {
		return false, fmt.Errorf("failed to store thread %s: %w", threadID, err)
	}
	return false, nil
}

func (o *Orchestrator) notify(ctx context.Context, stored []models.Message) {
	if o.notifier == nil {
		return
	}
	for _, m := range stored {
		if !m.Notify {
			continue
		}
		o.notifier.NewMail(ctx, NewMailNotice{
			AccountID:     m.AccountID,
			ThreadID:      m.ThreadID,
			MessageID:     m.ID,
			SenderName:    m.FromName,
			SenderAddress: m.FromAddress,
			Subject:       m.Subject,
		})
	}
}

// executor replays one queued operation against every message of its thread.
func (o *Orchestrator) executor(adapter provider.Adapter) pending.ExecuteFunc {
	return func(ctx context.Context, op models.PendingOperation) error {
		msgs, err := o.store.MessagesForThread(ctx, op.AccountID, op.ResourceID)
		if err != nil {
			return fmt.Errorf("failed to load thread %s: %w", op.ResourceID, err)
		}
		if len(msgs) == 0 {
			return nil
		}
		ids := make([]string, len(msgs))
		for i, m := range msgs {
			ids[i] = m.ID
		}
		return pending.Apply(ctx, adapter, op, ids)
	}
}

// record writes the pass outcome. err is the store failure of the pass, if any.
func (o *Orchestrator) record(ctx context.Context, pass *PassResult, err error) error {
	now := o.now().UTC()
	status := &models.AccountSyncStatus{
		AccountID:    pass.AccountID,
		LastPassAt:   &now,
		LastStored:   pass.Stored,
		LastReported: pass.Reported,
	}
	if pass.Initial && pass.Completed {
		status.InitialSyncCompletedAt = &now
	}
	switch {
	case err != nil:
		status.LastError = err.Error()
	case len(pass.FolderErrors) > 0:
		status.LastError = folderErrorSummary(pass.FolderErrors)
	}
	return o.store.UpsertAccountSyncStatus(ctx, status)
}

// fail records a pass that aborted before anything was stored and returns err.
func (o *Orchestrator) fail(ctx context.Context, accountID string, err error) error {
	now := o.now().UTC()
	status := &models.AccountSyncStatus{AccountID: accountID, LastPassAt: &now, LastError: err.Error()}
	if recErr := o.store.UpsertAccountSyncStatus(ctx, status); recErr != nil {
		o.logger.Error().Err(recErr).Str("account", accountID).Msg("Failed to record sync failure")
	}
	return err
}

func folderErrorSummary(errs map[string]error) string {
	folders := make([]string, 0, len(errs))
	for f := range errs {
		folders = append(folders, f)
	}
	sort.Strings(folders)
	return fmt.Sprintf("%d folder(s) failed, first %s: %v", len(folders), folders[0], errs[folders[0]])
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		if k != "" {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
