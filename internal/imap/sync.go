package imap

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/vdavid/mailsync/internal/labels"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
)

// folderPass is the outcome of syncing one folder.
type folderPass struct {
	path        string
	state       models.FolderSyncState
	messages    []models.Message
	reported    int
	invalidated bool
}

// InitialSync fetches every syncable folder from scratch. Messages dated before the days-back
// window are skipped, but the folder cursor still covers every UID in the folder.
func (a *Adapter) InitialSync(ctx context.Context, daysBack int, onProgress provider.ProgressFunc) (*provider.SyncResult, error) {
	result := &provider.SyncResult{}
	var passes []folderPass

	err := a.withClient(ctx, func(c *client.Client) error {
		onProgress.Report(provider.Progress{Phase: provider.PhaseFolders})
		folders, err := ListFolders(c)
		if err != nil {
			return err
		}
		a.rememberFolders(folders)
		result.Labels = a.toLabels(folders)

		syncable := syncableFolders(folders)
		cutoff := a.cutoff(daysBack)
		for i, f := range syncable {
			if err := ctx.Err(); err != nil {
				return err
			}
			onProgress.Report(provider.Progress{Phase: provider.PhaseMessages, Current: i, Total: len(syncable), Folder: f.Path})

			pass, err := a.syncFolderFull(c, f, cutoff)
			if err != nil {
				a.logger.Warn().Err(err).Str("folder", f.Path).Msg("Folder sync failed")
				result.AddFolderError(f.Path, err)
				continue
			}
			passes = append(passes, pass)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.finish(result, passes, nil)
	return result, nil
}

// DeltaSync fetches messages that arrived since the stored folder cursors.
//
// Known folders are checked with one STATUS per folder without selecting them. If that batched
// check fails the folders are checked one at a time with SELECT. Folders without a cursor get an
// initial sync, folders whose UIDVALIDITY changed are rescanned, and cursors of folders that no
// longer exist are dropped.
func (a *Adapter) DeltaSync(ctx context.Context, onProgress provider.ProgressFunc) (*provider.SyncResult, error) {
	stored, err := a.state.ListFolderSyncStates(ctx, a.cfg.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load folder cursors: %w", err)
	}
	cursors := make(map[string]models.FolderSyncState, len(stored))
	for _, s := range stored {
		cursors[s.FolderPath] = s
	}

	result := &provider.SyncResult{}
	var passes []folderPass
	var removed []string

	err = a.withClient(ctx, func(c *client.Client) error {
		onProgress.Report(provider.Progress{Phase: provider.PhaseFolders})
		folders, err := ListFolders(c)
		if err != nil {
			return err
		}
		a.rememberFolders(folders)
		result.Labels = a.toLabels(folders)

		syncable := syncableFolders(folders)
		var known, unseen []labels.Folder
		present := make(map[string]bool, len(syncable))
		for _, f := range syncable {
			present[f.Path] = true
			if _, ok := cursors[f.Path]; ok {
				known = append(known, f)
			} else {
				unseen = append(unseen, f)
			}
		}
		for path := range cursors {
			if !present[path] {
				removed = append(removed, path)
			}
		}

		statuses, err := a.checkFolders(c, known)
		if err != nil {
			a.logger.Warn().Err(err).Msg("Batched folder check failed, checking folders one at a time")
			statuses = nil
		}

		total := len(known) + len(unseen)
		for i, f := range known {
			if err := ctx.Err(); err != nil {
				return err
			}
			onProgress.Report(provider.Progress{Phase: provider.PhaseMessages, Current: i, Total: total, Folder: f.Path})

			pass, err := a.syncFolderDelta(c, f, cursors[f.Path], statuses[f.Path])
			if err != nil {
				a.logger.Warn().Err(err).Str("folder", f.Path).Msg("Folder delta failed")
				result.AddFolderError(f.Path, err)
				continue
			}
			passes = append(passes, pass)
		}

		cutoff := a.cutoff(a.cfg.DaysBack)
		for i, f := range unseen {
			if err := ctx.Err(); err != nil {
				return err
			}
			onProgress.Report(provider.Progress{Phase: provider.PhaseMessages, Current: len(known) + i, Total: total, Folder: f.Path})

			pass, err := a.syncFolderFull(c, f, cutoff)
			if err != nil {
				a.logger.Warn().Err(err).Str("folder", f.Path).Msg("New folder sync failed")
				result.AddFolderError(f.Path, err)
				continue
			}
			passes = append(passes, pass)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.finish(result, passes, removed)
	return result, nil
}

// finish fills the result from the folder passes and attaches the cursor commit.
func (a *Adapter) finish(result *provider.SyncResult, passes []folderPass, removed []string) {
	var msgs []models.Message
	for _, p := range passes {
		msgs = append(msgs, p.messages...)
		result.Reported += p.reported
		if p.invalidated {
			result.InvalidatedFolders = append(result.InvalidatedFolders, p.path)
		}
	}
	result.InvalidatedFolders = append(result.InvalidatedFolders, removed...)
	result.Messages = provider.DedupeByMessageID(msgs)

	result.Commit = func(ctx context.Context) error {
		for _, p := range passes {
			state := p.state
			if err := a.state.UpsertFolderSyncState(ctx, &state); err != nil {
				return fmt.Errorf("failed to save cursor of %s: %w", p.path, err)
			}
		}
		for _, path := range removed {
			if err := a.state.DeleteFolderSyncState(ctx, a.cfg.AccountID, path); err != nil {
				return fmt.Errorf("failed to drop cursor of %s: %w", path, err)
			}
		}
		return nil
	}
}

// syncFolderFull selects the folder and fetches every message inside the window.
func (a *Adapter) syncFolderFull(c *client.Client, f labels.Folder, cutoff time.Time) (folderPass, error) {
	status, err := c.Select(f.Path, true)
	if err != nil {
		return folderPass{}, fmt.Errorf("failed to select: %w", err)
	}

	all, err := SearchAllUIDs(c)
	if err != nil {
		return folderPass{}, err
	}

	var candidates []uint32
	if len(all) > 0 {
		// SINCE compares dates only, so widen by a day and filter on the parsed date below.
		var since time.Time
		if !cutoff.IsZero() {
			since = cutoff.AddDate(0, 0, -1)
		}
		candidates, err = SearchSince(c, since)
		if err != nil {
			return folderPass{}, err
		}
	}

	msgs, reported, err := a.fetchAndParse(c, f, candidates, cutoff, false)
	if err != nil {
		return folderPass{}, err
	}

	return folderPass{
		path: f.Path,
		state: models.FolderSyncState{
			AccountID:   a.cfg.AccountID,
			FolderPath:  f.Path,
			UIDValidity: status.UidValidity,
			LastSeenUID: maxUID(all),
			LastSyncAt:  a.now(),
		},
		messages: msgs,
		reported: reported,
	}, nil
}

// syncFolderDelta fetches messages above the cursor. status comes from the batched check and is
// nil when the folder has to be selected first.
func (a *Adapter) syncFolderDelta(c *client.Client, f labels.Folder, cursor models.FolderSyncState, status *imap.MailboxStatus) (folderPass, error) {
	selected := false
	if status == nil {
		var err error
		status, err = c.Select(f.Path, true)
		if err != nil {
			return folderPass{}, fmt.Errorf("failed to select: %w", err)
		}
		selected = true
	}

	if status.UidValidity != cursor.UIDValidity {
		a.logger.Info().
			Str("folder", f.Path).
			Uint32("old_uidvalidity", cursor.UIDValidity).
			Uint32("new_uidvalidity", status.UidValidity).
			Msg("UIDVALIDITY changed, rescanning folder")
		pass, err := a.syncFolderFull(c, f, a.cutoff(a.cfg.DaysBack))
		pass.invalidated = true
		return pass, err
	}

	next := cursor
	next.LastSyncAt = a.now()
	pass := folderPass{path: f.Path, state: next}

	if status.UidNext != 0 && status.UidNext <= cursor.LastSeenUID+1 {
		return pass, nil
	}

	if !selected {
		if _, err := c.Select(f.Path, true); err != nil {
			return folderPass{}, fmt.Errorf("failed to select: %w", err)
		}
	}
	uids, err := SearchNewUIDs(c, cursor.LastSeenUID)
	if err != nil {
		return folderPass{}, err
	}
	if len(uids) == 0 {
		return pass, nil
	}

	msgs, reported, err := a.fetchAndParse(c, f, uids, time.Time{}, true)
	if err != nil {
		return folderPass{}, err
	}
	pass.messages = msgs
	pass.reported = reported
	pass.state.LastSeenUID = max(cursor.LastSeenUID, maxUID(uids))
	return pass, nil
}

// fetchAndParse fetches uids in batches and parses them. Messages that fail to parse are logged
// and skipped but still counted as reported, so a pass in which every message failed to parse
// stores nothing while reporting messages and is not marked complete.
func (a *Adapter) fetchAndParse(c *client.Client, f labels.Folder, uids []uint32, cutoff time.Time, notify bool) ([]models.Message, int, error) {
	mapping := labels.MapFolder(f)
	logger := a.logger.With().Str("folder", f.Path).Logger()

	var out []models.Message
	reported := 0
	for _, batch := range batches(uids, a.cfg.BatchSize) {
		fetched, err := FetchMessages(c, batch)
		if err != nil {
			return nil, 0, err
		}
		for _, raw := range fetched {
			msg, err := ParseMessage(raw, a.cfg.AccountID, mapping, logger)
			if err != nil {
				logger.Warn().Err(err).Uint32("uid", raw.Uid).Msg("Skipping unparseable message")
				reported++
				continue
			}
			if !cutoff.IsZero() && msg.SentAt.Before(cutoff) {
				continue
			}
			msg.Notify = notify && mapping.LabelID == labels.Inbox && !msg.IsRead
			out = append(out, *msg)
			reported++
		}
	}
	return out, reported, nil
}

// batchStatus asks for UIDVALIDITY and UIDNEXT of every folder. Any failure fails the batch.
func batchStatus(c *client.Client, folders []labels.Folder) (map[string]*imap.MailboxStatus, error) {
	out := make(map[string]*imap.MailboxStatus, len(folders))
	for _, f := range folders {
		status, err := c.Status(f.Path, []imap.StatusItem{imap.StatusUidValidity, imap.StatusUidNext})
		if err != nil {
			return nil, fmt.Errorf("status of %s: %w", f.Path, err)
		}
		out[f.Path] = status
	}
	return out, nil
}

func syncableFolders(folders []labels.Folder) []labels.Folder {
	out := make([]labels.Folder, 0, len(folders))
	for _, f := range folders {
		if labels.IsSyncable(f) {
			out = append(out, f)
		}
	}
	return out
}

func (a *Adapter) cutoff(daysBack int) time.Time {
	if daysBack <= 0 {
		return time.Time{}
	}
	return a.now().AddDate(0, 0, -daysBack)
}
