package gmail

import (
	"context"
	"fmt"

	"github.com/vdavid/mailsync/internal/labels"
	gmailapi "google.golang.org/api/gmail/v1"
)

func (a *Adapter) MarkRead(ctx context.Context, _ string, messageIDs []string, read bool) error {
	if read {
		return a.modify(ctx, messageIDs, nil, []string{"UNREAD"})
	}
	return a.modify(ctx, messageIDs, []string{"UNREAD"}, nil)
}

func (a *Adapter) Star(ctx context.Context, _ string, messageIDs []string, starred bool) error {
	if starred {
		return a.modify(ctx, messageIDs, []string{"STARRED"}, nil)
	}
	return a.modify(ctx, messageIDs, nil, []string{"STARRED"})
}

// Archive removes INBOX. Gmail has no archive label.
func (a *Adapter) Archive(ctx context.Context, _ string, messageIDs []string) error {
	return a.modify(ctx, messageIDs, nil, []string{"INBOX"})
}

func (a *Adapter) Spam(ctx context.Context, _ string, messageIDs []string, spam bool) error {
	if spam {
		return a.modify(ctx, messageIDs, []string{"SPAM"}, []string{"INBOX"})
	}
	return a.modify(ctx, messageIDs, []string{"INBOX"}, []string{"SPAM"})
}

func (a *Adapter) Trash(ctx context.Context, _ string, messageIDs []string) error {
	natives, err := a.nativeIDs(messageIDs)
	if err != nil {
		return err
	}
	for _, native := range natives {
		err := a.call(func() error {
			_, err := a.svc.Users.Messages.Trash(me, native).Context(ctx).Do()
			return err
		})
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to trash message %s: %w", native, err)
		}
	}
	return nil
}

// PermanentDelete skips messages that are already gone.
func (a *Adapter) PermanentDelete(ctx context.Context, _ string, messageIDs []string) error {
	natives, err := a.nativeIDs(messageIDs)
	if err != nil {
		return err
	}
	for _, native := range natives {
		err := a.call(func() error {
			return a.svc.Users.Messages.Delete(me, native).Context(ctx).Do()
		})
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to delete message %s: %w", native, err)
		}
	}
	return nil
}

// Move files the messages under labelID and takes them out of the inbox.
func (a *Adapter) Move(ctx context.Context, threadID string, messageIDs []string, labelID string) error {
	switch labelID {
	case labels.Archive:
		return a.Archive(ctx, threadID, messageIDs)
	case labels.Trash:
		return a.Trash(ctx, threadID, messageIDs)
	case labels.Spam:
		return a.Spam(ctx, threadID, messageIDs, true)
	case labels.Inbox:
		return a.modify(ctx, messageIDs, []string{"INBOX"}, []string{"SPAM", "TRASH"})
	}
	return a.modify(ctx, messageIDs, []string{labels.GmailLabelID(labelID)}, []string{"INBOX"})
}

func (a *Adapter) AddLabel(ctx context.Context, threadID string, messageIDs []string, labelID string) error {
	if labelID == labels.Archive {
		return a.Archive(ctx, threadID, messageIDs)
	}
	return a.modify(ctx, messageIDs, []string{labels.GmailLabelID(labelID)}, nil)
}

func (a *Adapter) RemoveLabel(ctx context.Context, _ string, messageIDs []string, labelID string) error {
	if labelID == labels.Archive {
		return a.modify(ctx, messageIDs, []string{"INBOX"}, nil)
	}
	return a.modify(ctx, messageIDs, nil, []string{labels.GmailLabelID(labelID)})
}

// modify changes the labels of all messages in one request.
func (a *Adapter) modify(ctx context.Context, messageIDs []string, add, remove []string) error {
	natives, err := a.nativeIDs(messageIDs)
	if err != nil {
		return err
	}
	if len(natives) == 0 {
		return nil
	}
	err = a.call(func() error {
		return a.svc.Users.Messages.BatchModify(me, &gmailapi.BatchModifyMessagesRequest{
			Ids:            natives,
			AddLabelIds:    add,
			RemoveLabelIds: remove,
		}).Context(ctx).Do()
	})
	if err != nil {
		return fmt.Errorf("failed to modify labels: %w", err)
	}
	return nil
}
