package jmap

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/vdavid/mailsync/internal/labels"
)

func (a *Adapter) MarkRead(ctx context.Context, _ string, messageIDs []string, read bool) error {
	return a.patchAll(ctx, messageIDs, map[string]any{"keywords/" + KeywordSeen: flag(read)})
}

func (a *Adapter) Star(ctx context.Context, _ string, messageIDs []string, starred bool) error {
	return a.patchAll(ctx, messageIDs, map[string]any{"keywords/" + KeywordFlagged: flag(starred)})
}

// Archive moves the emails from the inbox to the archive mailbox. Servers without an archive
// role mailbox return provider.ErrNotSupported.
func (a *Adapter) Archive(ctx context.Context, _ string, messageIDs []string) error {
	archive, err := a.mailboxFor(ctx, labels.Archive)
	if err != nil {
		return err
	}
	patch := map[string]any{"mailboxIds/" + archive: true}
	if inbox, err := a.mailboxFor(ctx, labels.Inbox); err == nil {
		patch["mailboxIds/"+inbox] = nil
	}
	return a.patchAll(ctx, messageIDs, patch)
}

func (a *Adapter) Trash(ctx context.Context, _ string, messageIDs []string) error {
	return a.moveTo(ctx, messageIDs, labels.Trash)
}

func (a *Adapter) Spam(ctx context.Context, _ string, messageIDs []string, spam bool) error {
	if spam {
		return a.moveTo(ctx, messageIDs, labels.Spam)
	}
	return a.moveTo(ctx, messageIDs, labels.Inbox)
}

// PermanentDelete destroys the emails. Emails that are already gone are skipped.
func (a *Adapter) PermanentDelete(ctx context.Context, _ string, messageIDs []string) error {
	natives, err := a.nativeIDs(messageIDs)
	if err != nil {
		return err
	}
	if len(natives) == 0 {
		return nil
	}
	var resp setResponse
	if err := a.single(ctx, mailUsing, "Email/set", map[string]any{"destroy": natives}, &resp); err != nil {
		return fmt.Errorf("failed to destroy emails: %w", err)
	}
	return setErrors("destroy", resp.NotDestroyed)
}

// Move replaces every mailbox of the emails with the one labelID maps to.
func (a *Adapter) Move(ctx context.Context, threadID string, messageIDs []string, labelID string) error {
	if labelID == labels.Archive {
		return a.Archive(ctx, threadID, messageIDs)
	}
	return a.moveTo(ctx, messageIDs, labelID)
}

func (a *Adapter) AddLabel(ctx context.Context, threadID string, messageIDs []string, labelID string) error {
	switch labelID {
	case labels.Archive:
		return a.Archive(ctx, threadID, messageIDs)
	case labels.Starred:
		return a.Star(ctx, threadID, messageIDs, true)
	case labels.Unread:
		return a.MarkRead(ctx, threadID, messageIDs, false)
	}
	target, err := a.mailboxFor(ctx, labelID)
	if err != nil {
		return err
	}
	return a.patchAll(ctx, messageIDs, map[string]any{"mailboxIds/" + target: true})
}

// RemoveLabel takes the emails out of a mailbox. The server rejects removing the last one.
func (a *Adapter) RemoveLabel(ctx context.Context, threadID string, messageIDs []string, labelID string) error {
	switch labelID {
	case labels.Starred:
		return a.Star(ctx, threadID, messageIDs, false)
	case labels.Unread:
		return a.MarkRead(ctx, threadID, messageIDs, true)
	}
	target, err := a.mailboxFor(ctx, labelID)
	if err != nil {
		return err
	}
	return a.patchAll(ctx, messageIDs, map[string]any{"mailboxIds/" + target: nil})
}

func (a *Adapter) moveTo(ctx context.Context, messageIDs []string, labelID string) error {
	target, err := a.mailboxFor(ctx, labelID)
	if err != nil {
		return err
	}
	return a.patchAll(ctx, messageIDs, map[string]any{"mailboxIds": map[string]bool{target: true}})
}

// patchAll applies the same patch to every email in one Email/set. Emails that no longer exist
// are skipped.
func (a *Adapter) patchAll(ctx context.Context, messageIDs []string, patch map[string]any) error {
	natives, err := a.nativeIDs(messageIDs)
	if err != nil {
		return err
	}
	if len(natives) == 0 {
		return nil
	}
	update := make(map[string]any, len(natives))
	for _, id := range natives {
		update[id] = patch
	}
	var resp setResponse
	if err := a.single(ctx, mailUsing, "Email/set", map[string]any{"update": update}, &resp); err != nil {
		return fmt.Errorf("failed to update emails: %w", err)
	}
	return setErrors("update", resp.NotUpdated)
}

// flag turns a boolean into a keyword patch value: true sets it, null removes it.
func flag(on bool) any {
	if on {
		return true
	}
	return nil
}

func setErrors(op string, failed map[string]SetError) error {
	var msgs []string
	for id, e := range failed {
		if e.Type == ErrTypeNotFound {
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s: %s", id, e.Type))
	}
	if len(msgs) == 0 {
		return nil
	}
	sort.Strings(msgs)
	return fmt.Errorf("failed to %s emails: %s", op, strings.Join(msgs, ", "))
}
