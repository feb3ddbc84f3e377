package gmail

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/vdavid/mailsync/internal/ids"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	"golang.org/x/sync/errgroup"
	gmailapi "google.golang.org/api/gmail/v1"
)

const (
	formatFull     = "full"
	formatMetadata = "metadata"
	formatRaw      = "raw"
)

// InitialSync lists every message received after the cutoff and fetches them in parallel.
// The history id is read before listing so changes made meanwhile are picked up by the next
// delta pass.
func (a *Adapter) InitialSync(ctx context.Context, daysBack int, onProgress provider.ProgressFunc) (*provider.SyncResult, error) {
	profile, err := a.profile(ctx)
	if err != nil {
		return nil, err
	}
	folders, err := a.ListFolders(ctx)
	if err != nil {
		return nil, err
	}
	onProgress.Report(provider.Progress{Phase: provider.PhaseFolders, Current: len(folders), Total: len(folders)})

	query := ""
	if daysBack > 0 {
		query = "after:" + a.now().AddDate(0, 0, -daysBack).Format("2006/01/02")
	}
	nativeIDs, err := a.listMessageIDs(ctx, query)
	if err != nil {
		return nil, err
	}
	a.logger.Info().Int("count", len(nativeIDs)).Str("query", query).Msg("Listed messages for initial sync")

	fetched, err := a.fetchAll(ctx, nativeIDs, formatFull, onProgress)
	if err != nil {
		return nil, err
	}

	result := &provider.SyncResult{
		Labels:   folders,
		Messages: fetched.messages,
		Reported: len(nativeIDs),
		Commit:   a.commitHistory(profile.HistoryId),
	}
	if fetched.failed > 0 {
		result.AddFolderError("messages", fmt.Errorf("%d of %d messages failed: %w", fetched.failed, len(nativeIDs), fetched.err))
	}
	return result, nil
}

func (a *Adapter) listMessageIDs(ctx context.Context, query string) ([]string, error) {
	var out []string
	pageToken := ""
	for {
		var resp *gmailapi.ListMessagesResponse
		err := a.call(func() error {
			call := a.svc.Users.Messages.List(me).MaxResults(listPageSize).Context(ctx)
			if query != "" {
				call = call.Q(query)
			}
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var err error
			resp, err = call.Do()
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list messages: %w", err)
		}
		for _, m := range resp.Messages {
			out = append(out, m.Id)
		}
		if resp.NextPageToken == "" {
			return out, nil
		}
		pageToken = resp.NextPageToken
	}
}

// DeltaSync replays the mailbox history since the stored history id.
// A history id the server no longer knows yields provider.ErrCursorInvalid.
func (a *Adapter) DeltaSync(ctx context.Context, onProgress provider.ProgressFunc) (*provider.SyncResult, error) {
	cursor, err := a.state.GetObjectSyncState(ctx, a.cfg.AccountID, models.ObjectHistory)
	if err != nil {
		return nil, fmt.Errorf("failed to load history cursor: %w", err)
	}
	if cursor == nil {
		return nil, provider.ErrCursorInvalid
	}
	start, err := strconv.ParseUint(cursor.State, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: history id %q", provider.ErrCursorInvalid, cursor.State)
	}

	folders, err := a.ListFolders(ctx)
	if err != nil {
		return nil, err
	}
	onProgress.Report(provider.Progress{Phase: provider.PhaseFolders, Current: len(folders), Total: len(folders)})

	changes, err := a.history(ctx, start)
	if err != nil {
		return nil, err
	}

	added, err := a.fetchAll(ctx, changes.added, formatFull, onProgress)
	if err != nil {
		return nil, err
	}
	// Label-only changes do not need bodies; the store keeps the ones it has.
	relabelled, err := a.fetchAll(ctx, changes.relabelled, formatMetadata, onProgress)
	if err != nil {
		return nil, err
	}

	result := &provider.SyncResult{
		Labels:   folders,
		Reported: len(changes.added) + len(changes.relabelled),
	}
	for _, m := range added.messages {
		m.Notify = isNewInboxMail(m.LabelIDs, m.IsRead)
		result.Messages = append(result.Messages, m)
	}
	result.Messages = append(result.Messages, relabelled.messages...)

	deleted := append(changes.deleted, added.missing...)
	deleted = append(deleted, relabelled.missing...)
	for _, native := range deleted {
		result.DeletedIDs = append(result.DeletedIDs, ids.Native(models.ProviderGmail, a.cfg.AccountID, native))
	}

	// Advancing past messages we could not fetch would lose them; the next pass replays them.
	if failed := added.failed + relabelled.failed; failed > 0 {
		result.AddFolderError("messages", fmt.Errorf("%d messages failed: %w", failed, errors.Join(added.err, relabelled.err)))
		return result, nil
	}
	if changes.latest > start {
		result.Commit = a.commitHistory(changes.latest)
	}
	return result, nil
}

func isNewInboxMail(labelIDs []string, read bool) bool {
	if read || !slices.Contains(labelIDs, "INBOX") {
		return false
	}
	return !slices.Contains(labelIDs, "SENT") && !slices.Contains(labelIDs, "DRAFT")
}

type historyChanges struct {
	added      []string
	relabelled []string
	deleted    []string
	latest     uint64
}

// history walks every history page since start and reduces the records to the final state of
// each message: a message deleted after being added is only reported as deleted.
func (a *Adapter) history(ctx context.Context, start uint64) (*historyChanges, error) {
	added := make(map[string]bool)
	relabelled := make(map[string]bool)
	deleted := make(map[string]bool)
	var order []string
	see := func(id string) {
		if !added[id] && !relabelled[id] && !deleted[id] {
			order = append(order, id)
		}
	}

	changes := &historyChanges{latest: start}
	pageToken := ""
	for {
		var resp *gmailapi.ListHistoryResponse
		err := a.call(func() error {
			call := a.svc.Users.History.List(me).StartHistoryId(start).Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var err error
			resp, err = call.Do()
			return err
		})
		if err != nil {
			if isNotFound(err) {
				a.logger.Warn().Uint64("history_id", start).Msg("History id expired, full sync required")
				return nil, fmt.Errorf("%w: %v", provider.ErrCursorInvalid, err)
			}
			return nil, fmt.Errorf("failed to list history: %w", err)
		}

		for _, h := range resp.History {
			for _, m := range h.MessagesAdded {
				if m.Message == nil {
					continue
				}
				see(m.Message.Id)
				added[m.Message.Id] = true
				delete(deleted, m.Message.Id)
			}
			for _, m := range h.LabelsAdded {
				if m.Message != nil && !deleted[m.Message.Id] {
					see(m.Message.Id)
					relabelled[m.Message.Id] = true
				}
			}
			for _, m := range h.LabelsRemoved {
				if m.Message != nil && !deleted[m.Message.Id] {
					see(m.Message.Id)
					relabelled[m.Message.Id] = true
				}
			}
			for _, m := range h.MessagesDeleted {
				if m.Message == nil {
					continue
				}
				see(m.Message.Id)
				deleted[m.Message.Id] = true
				delete(added, m.Message.Id)
				delete(relabelled, m.Message.Id)
			}
		}
		if resp.HistoryId > changes.latest {
			changes.latest = resp.HistoryId
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	for _, id := range order {
		switch {
		case deleted[id]:
			changes.deleted = append(changes.deleted, id)
		case added[id]:
			changes.added = append(changes.added, id)
		case relabelled[id]:
			changes.relabelled = append(changes.relabelled, id)
		}
	}
	return changes, nil
}

type fetchResult struct {
	messages []models.Message
	// missing holds ids the server no longer has.
	missing []string
	failed  int
	err     error
}

// fetchAll gets messages with bounded parallelism. Failures are counted rather than aborting the
// batch; only cancellation of ctx is returned as an error.
func (a *Adapter) fetchAll(ctx context.Context, nativeIDs []string, format string, onProgress provider.ProgressFunc) (*fetchResult, error) {
	out := &fetchResult{}
	if len(nativeIDs) == 0 {
		return out, nil
	}

	msgs := make([]*models.Message, len(nativeIDs))
	var mu sync.Mutex
	done := 0

	var g errgroup.Group
	g.SetLimit(a.cfg.Concurrency)
	for i, native := range nativeIDs {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			msg, err := a.getMessage(ctx, native, format)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				msgs[i] = a.convert(msg)
			case isNotFound(err):
				out.missing = append(out.missing, native)
			default:
				a.logger.Warn().Err(err).Str("message", native).Msg("Failed to fetch message")
				out.failed++
				if out.err == nil {
					out.err = err
				}
			}
			done++
			onProgress.Report(provider.Progress{Phase: provider.PhaseMessages, Current: done, Total: len(nativeIDs)})
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, m := range msgs {
		if m != nil {
			out.messages = append(out.messages, *m)
		}
	}
	return out, nil
}

func (a *Adapter) getMessage(ctx context.Context, native, format string) (*gmailapi.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	var msg *gmailapi.Message
	err := a.call(func() error {
		var err error
		msg, err = a.svc.Users.Messages.Get(me, native).Format(format).Context(ctx).Do()
		return err
	})
	return msg, err
}

func (a *Adapter) commitHistory(historyID uint64) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return a.state.UpsertObjectSyncState(ctx, &models.ObjectSyncState{
			AccountID:  a.cfg.AccountID,
			ObjectType: models.ObjectHistory,
			State:      strconv.FormatUint(historyID, 10),
			UpdatedAt:  time.Now(),
		})
	}
}
