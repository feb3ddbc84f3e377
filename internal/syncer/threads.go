package syncer

import (
	"context"
	"fmt"
	"strings"

	"github.com/vdavid/mailsync/internal/ids"
	"github.com/vdavid/mailsync/internal/labels"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	"github.com/vdavid/mailsync/internal/threading"
)

// assignThreads sets ThreadID on every message and returns the threads that lost stored messages
// to another thread during the assignment.
//
// Messages that carry a server thread id use it. The rest are grouped by the thread builder and
// each group is merged into the local threads: an already stored message keeps its thread, then
// a thread with the computed id wins, then the thread of any stored message the group refers to.
// Only when none of those exist is the computed id used for a new thread. Stored threads whose
// messages reply to the group are then moved into it, so a reply stored before its parent ends up
// where in-order arrival would have put it.
func (o *Orchestrator) assignThreads(ctx context.Context, adapter provider.Adapter, accountID string, msgs []models.Message) ([]string, error) {
	prior := make(map[string]string, len(msgs))
	for i := range msgs {
		existing, err := o.store.GetMessage(ctx, accountID, msgs[i].ID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up message %s: %w", msgs[i].ID, err)
		}
		if existing != nil && existing.ThreadID != "" {
			prior[msgs[i].ID] = existing.ThreadID
		}
	}

	native := adapter.ThreadingMode() == provider.ThreadingNative
	var build []int
	for i := range msgs {
		if native && msgs[i].NativeThreadID != "" {
			msgs[i].ThreadID = ids.NativeThread(adapter.Provider(), accountID, msgs[i].NativeThreadID)
			continue
		}
		build = append(build, i)
	}

	// thread id -> the thread it was merged into during this pass
	merged := make(map[string]string)
	if len(build) > 0 {
		items := make([]threading.Threadable, len(build))
		byLocal := make(map[string]int, len(build))
		for n, i := range build {
			items[n] = Threadable(msgs[i])
			byLocal[msgs[i].ID] = i
		}

		for _, group := range threading.Build(items) {
			members := make([]*models.Message, 0, len(group.MessageIDs))
			for _, local := range group.MessageIDs {
				members = append(members, &msgs[byLocal[local]])
			}
			threadID, err := o.resolveThread(ctx, accountID, group, members, prior, merged)
			if err != nil {
				return nil, err
			}
			if err := o.adoptReplies(ctx, accountID, threadID, group, members, merged); err != nil {
				return nil, err
			}
			for _, m := range members {
				m.ThreadID = threadID
			}
		}
	}

	var previous []string
	for i := range msgs {
		if old, ok := prior[msgs[i].ID]; ok && old != msgs[i].ThreadID {
			previous = append(previous, old)
		}
	}
	for from := range merged {
		previous = append(previous, from)
	}
	return previous, nil
}

func (o *Orchestrator) resolveThread(ctx context.Context, accountID string, group threading.ThreadGroup, members []*models.Message, prior, merged map[string]string) (string, error) {
	for _, m := range members {
		if threadID, ok := prior[m.ID]; ok {
			return follow(merged, threadID), nil
		}
	}

	computed := follow(merged, group.ThreadID)
	thread, err := o.store.GetThread(ctx, accountID, computed)
	if err != nil {
		return "", fmt.Errorf("failed to look up thread %s: %w", computed, err)
	}
	if thread != nil {
		return computed, nil
	}

	adopted, err := o.store.FindThreadIDByMessageIDs(ctx, accountID, referencedIDs(group, members))
	if err != nil {
		return "", fmt.Errorf("failed to look up referenced messages: %w", err)
	}
	if adopted != "" {
		return follow(merged, adopted), nil
	}
	return computed, nil
}

// adoptReplies moves every stored thread holding a reply to one of the group's messages into
// threadID. Threads with outstanding local operations stay where they are.
func (o *Orchestrator) adoptReplies(ctx context.Context, accountID, threadID string, group threading.ThreadGroup, members []*models.Message, merged map[string]string) error {
	found, err := o.store.FindThreadIDsReferencing(ctx, accountID, ownIDs(group, members))
	if err != nil {
		return fmt.Errorf("failed to look up stored replies: %w", err)
	}

	var candidates []string
	seen := make(map[string]bool)
	for _, id := range found {
		from := follow(merged, id)
		if from == threadID || seen[from] {
			continue
		}
		seen[from] = true
		candidates = append(candidates, from)
	}
	if len(candidates) == 0 {
		return nil
	}

	blocked, err := o.guard.Blocked(ctx, accountID, candidates)
	if err != nil {
		return err
	}
	for _, from := range candidates {
		if blocked[from] {
			continue
		}
		if err := o.store.MoveThreadMessages(ctx, accountID, from, threadID); err != nil {
			return err
		}
		merged[from] = threadID
		o.logger.Debug().Str("account", accountID).Str("from", from).Str("to", threadID).Msg("Merged stored replies into thread")
	}
	return nil
}

// follow resolves a thread id through the merges made earlier in the pass.
func follow(merged map[string]string, threadID string) string {
	for i := 0; i < len(merged); i++ {
		next, ok := merged[threadID]
		if !ok || next == threadID {
			break
		}
		threadID = next
	}
	return threadID
}

func synthetic(id string) bool {
	return strings.HasPrefix(id, "local:") || strings.HasPrefix(id, "dup:")
}

// ownIDs collects the group's real root and the Message-IDs of its messages.
func ownIDs(group threading.ThreadGroup, members []*models.Message) []string {
	var headers []string
	if !synthetic(group.RootID) {
		headers = append(headers, group.RootID)
	}
	for _, m := range members {
		headers = append(headers, m.MessageIDHeader)
	}
	return dedupe(threading.NormalizeMessageIDs(headers))
}

// referencedIDs collects the root and every Message-ID the group's messages carry or refer to.
func referencedIDs(group threading.ThreadGroup, members []*models.Message) []string {
	var headers []string
	if !synthetic(group.RootID) {
		headers = append(headers, group.RootID)
	}
	for _, m := range members {
		headers = append(headers, m.MessageIDHeader)
		headers = append(headers, m.InReplyTo...)
		headers = append(headers, m.References...)
	}
	return dedupe(threading.NormalizeMessageIDs(headers))
}

func dedupe(list []string) []string {
	seen := make(map[string]bool, len(list))
	out := list[:0]
	for _, v := range list {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// Threadable projects a message onto the fields the thread builder reads.
func Threadable(m models.Message) threading.Threadable {
	date := m.SentAt
	if date.IsZero() {
		date = m.ReceivedAt
	}
	return threading.Threadable{
		LocalID:    m.ID,
		MessageID:  m.MessageIDHeader,
		InReplyTo:  m.InReplyTo,
		References: m.References,
		Subject:    m.Subject,
		Date:       date,
	}
}

// Aggregate computes a thread row from its messages, which must be ordered oldest first.
func Aggregate(accountID, threadID string, msgs []models.Message) *models.Thread {
	t := &models.Thread{
		ID:           threadID,
		AccountID:    accountID,
		MessageCount: len(msgs),
		IsRead:       true,
	}
	labelSets := make([][]string, 0, len(msgs))
	for _, m := range msgs {
		if t.Subject == "" {
			t.Subject = m.Subject
		}
		date := m.SentAt
		if date.IsZero() {
			date = m.ReceivedAt
		}
		if !date.Before(t.LastMessageAt) {
			t.LastMessageAt = date
			t.Snippet = m.Snippet
		}
		t.IsRead = t.IsRead && m.IsRead
		t.IsStarred = t.IsStarred || m.IsStarred
		t.HasAttachments = t.HasAttachments || m.HasAttachments()
		labelSets = append(labelSets, m.LabelIDs)
	}
	t.LabelIDs = labels.Merge(labelSets...)
	return t
}

// applyFilter runs the filter hook. A failing filter leaves the message unchanged.
func (o *Orchestrator) applyFilter(ctx context.Context, m *models.Message) {
	changes, err := o.filter.Apply(ctx, m)
	if err != nil {
		o.logger.Warn().Err(err).Str("account", m.AccountID).Str("message", m.ID).Msg("Message filter failed")
		return
	}
	for _, c := range changes {
		if c.Remove {
			m.LabelIDs = without(m.LabelIDs, c.LabelID)
		} else {
			m.LabelIDs = labels.Merge(m.LabelIDs, []string{c.LabelID})
		}
		switch c.LabelID {
		case labels.Unread:
			m.IsRead = c.Remove
		case labels.Starred:
			m.IsStarred = !c.Remove
		}
	}
}

func without(list []string, drop string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != drop {
			out = append(out, v)
		}
	}
	return out
}
