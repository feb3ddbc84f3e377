package jmap

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/goccy/go-json"
	"github.com/vdavid/mailsync/internal/labels"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
)

var trackedObjects = []string{models.ObjectMailbox, models.ObjectEmail, models.ObjectThread}

// InitialSync fetches every email received in the last daysBack days. Object states are read
// before the emails so nothing that changes meanwhile is missed by the next delta pass.
func (a *Adapter) InitialSync(ctx context.Context, daysBack int, onProgress provider.ProgressFunc) (*provider.SyncResult, error) {
	folders, mailboxState, err := a.loadMailboxes(ctx)
	if err != nil {
		return nil, err
	}
	onProgress.Report(provider.Progress{Phase: provider.PhaseFolders, Current: len(folders), Total: len(folders)})

	next := map[string]string{models.ObjectMailbox: mailboxState}
	for _, objectType := range []string{models.ObjectEmail, models.ObjectThread} {
		state, err := a.currentState(ctx, objectType)
		if err != nil {
			return nil, err
		}
		next[objectType] = state
	}

	emailIDs, err := a.queryEmailIDs(ctx, daysBack)
	if err != nil {
		return nil, err
	}
	msgs, _, err := a.getEmails(ctx, emailIDs, onProgress)
	if err != nil {
		return nil, err
	}
	a.logger.Info().Int("count", len(emailIDs)).Msg("Fetched emails for initial sync")

	return &provider.SyncResult{
		Labels:   folders,
		Messages: msgs,
		Reported: len(emailIDs),
		Commit:   a.commitStates(next),
	}, nil
}

// DeltaSync applies the changes since the stored per-type states. A state the server can no
// longer calculate changes from invalidates only its own object type, which is fetched again
// in full. A missing Email state yields provider.ErrCursorInvalid.
func (a *Adapter) DeltaSync(ctx context.Context, onProgress provider.ProgressFunc) (*provider.SyncResult, error) {
	states, err := a.loadStates(ctx)
	if err != nil {
		return nil, err
	}
	if states[models.ObjectEmail] == "" {
		return nil, provider.ErrCursorInvalid
	}

	result := &provider.SyncResult{}
	next := make(map[string]string, len(trackedObjects))

	folders, mailboxState, err := a.mailboxDelta(ctx, states[models.ObjectMailbox])
	if err != nil {
		return nil, err
	}
	result.Labels = folders
	next[models.ObjectMailbox] = mailboxState
	onProgress.Report(provider.Progress{Phase: provider.PhaseFolders, Current: len(folders), Total: len(folders)})

	emails, err := a.changes(ctx, models.ObjectEmail, states[models.ObjectEmail])
	switch {
	case isMethodError(err, ErrTypeCannotCalculateChanges):
		a.logger.Warn().Str("state", states[models.ObjectEmail]).Msg("Email state expired, refetching emails")
		if err := a.refetchEmails(ctx, result, next, onProgress); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if err := a.applyEmailChanges(ctx, emails, result, onProgress); err != nil {
			return nil, err
		}
		next[models.ObjectEmail] = emails.newState
	}

	threads, err := a.changes(ctx, models.ObjectThread, states[models.ObjectThread])
	switch {
	case err == nil:
		next[models.ObjectThread] = threads.newState
	case states[models.ObjectThread] == "" || isMethodError(err, ErrTypeCannotCalculateChanges):
		state, err := a.currentState(ctx, models.ObjectThread)
		if err != nil {
			return nil, err
		}
		next[models.ObjectThread] = state
	default:
		return nil, err
	}

	result.Commit = a.commitStates(next)
	return result, nil
}

func (a *Adapter) applyEmailChanges(ctx context.Context, c *changeSet, result *provider.SyncResult, onProgress provider.ProgressFunc) error {
	fetch := append(slices.Clone(c.created), c.updated...)
	msgs, notFound, err := a.getEmails(ctx, fetch, onProgress)
	if err != nil {
		return err
	}
	created := make(map[string]bool, len(c.created))
	for _, id := range c.created {
		created[a.messageID(id)] = true
	}
	for i := range msgs {
		msgs[i].Notify = created[msgs[i].ID] && isNewInboxMail(&msgs[i])
	}

	result.Messages = msgs
	result.Reported = len(fetch)
	for _, id := range append(slices.Clone(c.destroyed), notFound...) {
		result.DeletedIDs = append(result.DeletedIDs, a.messageID(id))
	}
	return nil
}

// refetchEmails replaces an expired Email state by a full fetch within the configured window.
// Emails destroyed while the state was expired are not detected.
func (a *Adapter) refetchEmails(ctx context.Context, result *provider.SyncResult, next map[string]string, onProgress provider.ProgressFunc) error {
	state, err := a.currentState(ctx, models.ObjectEmail)
	if err != nil {
		return err
	}
	emailIDs, err := a.queryEmailIDs(ctx, a.cfg.DaysBack)
	if err != nil {
		return err
	}
	msgs, _, err := a.getEmails(ctx, emailIDs, onProgress)
	if err != nil {
		return err
	}
	result.Messages = msgs
	result.Reported = len(emailIDs)
	next[models.ObjectEmail] = state
	return nil
}

// mailboxDelta reloads the mailboxes when they changed, when the state expired or when nothing
// is cached yet. Otherwise the cached labels are still current.
func (a *Adapter) mailboxDelta(ctx context.Context, since string) ([]models.Label, string, error) {
	if since != "" {
		c, err := a.changes(ctx, models.ObjectMailbox, since)
		switch {
		case err == nil:
			a.mu.Lock()
			cached := a.mailboxes != nil
			a.mu.Unlock()
			if cached && c.empty() {
				return a.cachedLabels(), c.newState, nil
			}
		case isMethodError(err, ErrTypeCannotCalculateChanges):
			a.logger.Warn().Str("state", since).Msg("Mailbox state expired, refetching mailboxes")
		default:
			return nil, "", err
		}
	}
	return a.loadMailboxes(ctx)
}

func (a *Adapter) cachedLabels() []models.Label {
	a.mu.Lock()
	boxes := a.mailboxes
	a.mu.Unlock()

	seen := make(map[string]bool)
	out := make([]models.Label, 0, len(boxes))
	for _, id := range sortedMailboxIDs(boxes) {
		b := boxes[id]
		if seen[b.mapping.LabelID] {
			continue
		}
		seen[b.mapping.LabelID] = true
		out = append(out, labels.ToLabel(a.cfg.AccountID, b.mapping, b.TotalEmails, b.UnreadEmails))
	}
	return out
}

func isNewInboxMail(m *models.Message) bool {
	if m.IsRead || m.IsDraft || !slices.Contains(m.LabelIDs, labels.Inbox) {
		return false
	}
	return !slices.Contains(m.LabelIDs, labels.Sent)
}

type changeSet struct {
	created   []string
	updated   []string
	destroyed []string
	newState  string
}

func (c *changeSet) empty() bool {
	return len(c.created)+len(c.updated)+len(c.destroyed) == 0
}

// changes pages through <objectType>/changes. An id destroyed after being created or updated
// is only reported as destroyed.
func (a *Adapter) changes(ctx context.Context, objectType, since string) (*changeSet, error) {
	if since == "" {
		return nil, fmt.Errorf("no %s state", objectType)
	}
	status := make(map[string]string)
	var order []string
	mark := func(ids []string, kind string) {
		for _, id := range ids {
			prev, seen := status[id]
			if !seen {
				order = append(order, id)
			}
			switch {
			case kind == "destroyed":
				status[id] = kind
			case prev == "created" || prev == "destroyed":
			default:
				status[id] = kind
			}
		}
	}

	state := since
	for {
		var resp changesResponse
		err := a.single(ctx, mailUsing, objectType+"/changes", map[string]any{
			"sinceState": state,
			"maxChanges": maxChanges,
		}, &resp)
		if err != nil {
			return nil, err
		}
		mark(resp.Created, "created")
		mark(resp.Updated, "updated")
		mark(resp.Destroyed, "destroyed")
		state = resp.NewState
		if !resp.HasMoreChanges || resp.NewState == resp.OldState {
			break
		}
	}

	out := &changeSet{newState: state}
	for _, id := range order {
		switch status[id] {
		case "created":
			out.created = append(out.created, id)
		case "updated":
			out.updated = append(out.updated, id)
		case "destroyed":
			out.destroyed = append(out.destroyed, id)
		}
	}
	return out, nil
}

// currentState reads the state of an object type with an empty /get.
func (a *Adapter) currentState(ctx context.Context, objectType string) (string, error) {
	var resp getResponse[json.RawMessage]
	if err := a.single(ctx, mailUsing, objectType+"/get", map[string]any{"ids": []string{}}, &resp); err != nil {
		return "", fmt.Errorf("failed to read %s state: %w", objectType, err)
	}
	return resp.State, nil
}

func (a *Adapter) queryEmailIDs(ctx context.Context, daysBack int) ([]string, error) {
	var filter map[string]any
	if daysBack > 0 {
		filter = map[string]any{"after": a.now().AddDate(0, 0, -daysBack).UTC().Format(time.RFC3339)}
	}

	var out []string
	for position := 0; ; {
		var resp queryResponse
		err := a.single(ctx, mailUsing, "Email/query", map[string]any{
			"filter":         filter,
			"sort":           []map[string]any{{"property": "receivedAt", "isAscending": false}},
			"position":       position,
			"limit":          queryPageSize,
			"calculateTotal": true,
		}, &resp)
		if err != nil {
			return nil, fmt.Errorf("failed to query emails: %w", err)
		}
		out = append(out, resp.IDs...)
		position += len(resp.IDs)
		if len(resp.IDs) == 0 || position >= resp.Total {
			return out, nil
		}
	}
}

// getEmails fetches full emails in batches and returns the ids the server did not find.
func (a *Adapter) getEmails(ctx context.Context, emailIDs []string, onProgress provider.ProgressFunc) ([]models.Message, []string, error) {
	if len(emailIDs) == 0 {
		return nil, nil, nil
	}
	boxes, err := a.cachedMailboxes(ctx)
	if err != nil {
		return nil, nil, err
	}

	out := make([]models.Message, 0, len(emailIDs))
	var notFound []string
	for start := 0; start < len(emailIDs); start += getBatchSize {
		batch := emailIDs[start:min(start+getBatchSize, len(emailIDs))]
		var resp getResponse[Email]
		err := a.single(ctx, mailUsing, "Email/get", map[string]any{
			"ids":                 batch,
			"properties":          emailProperties,
			"bodyProperties":      []string{"partId", "blobId", "size", "name", "type", "disposition", "cid"},
			"fetchTextBodyValues": true,
			"fetchHTMLBodyValues": true,
		}, &resp)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get emails: %w", err)
		}
		for i := range resp.List {
			out = append(out, a.convert(&resp.List[i], boxes))
		}
		notFound = append(notFound, resp.NotFound...)
		onProgress.Report(provider.Progress{Phase: provider.PhaseMessages, Current: start + len(batch), Total: len(emailIDs)})
	}
	return out, notFound, nil
}

func (a *Adapter) loadStates(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string, len(trackedObjects))
	for _, objectType := range trackedObjects {
		s, err := a.state.GetObjectSyncState(ctx, a.cfg.AccountID, objectType)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s state: %w", objectType, err)
		}
		if s != nil {
			out[objectType] = s.State
		}
	}
	return out, nil
}

func (a *Adapter) commitStates(states map[string]string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		for _, objectType := range trackedObjects {
			state := states[objectType]
			if state == "" {
				continue
			}
			err := a.state.UpsertObjectSyncState(ctx, &models.ObjectSyncState{
				AccountID:  a.cfg.AccountID,
				ObjectType: objectType,
				State:      state,
				UpdatedAt:  time.Now(),
			})
			if err != nil {
				return fmt.Errorf("failed to save %s state: %w", objectType, err)
			}
		}
		return nil
	}
}
