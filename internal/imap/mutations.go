package imap

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/vdavid/mailsync/internal/labels"
)

func (a *Adapter) MarkRead(ctx context.Context, _ string, messageIDs []string, read bool) error {
	return a.storeFlag(ctx, messageIDs, imap.SeenFlag, read)
}

func (a *Adapter) Star(ctx context.Context, _ string, messageIDs []string, starred bool) error {
	return a.storeFlag(ctx, messageIDs, imap.FlaggedFlag, starred)
}

// Archive moves messages to the archive folder.
func (a *Adapter) Archive(ctx context.Context, _ string, messageIDs []string) error {
	dest, err := a.folderFor(ctx, labels.Archive)
	if err != nil {
		return err
	}
	return a.moveTo(ctx, messageIDs, dest)
}

// Trash moves messages to the trash folder. Messages already in the trash are deleted for good.
func (a *Adapter) Trash(ctx context.Context, _ string, messageIDs []string) error {
	trash, err := a.folderFor(ctx, labels.Trash)
	if err != nil {
		return err
	}
	byFolder, err := a.uidsByFolder(messageIDs)
	if err != nil {
		return err
	}
	for folder, uids := range byFolder {
		if folder == trash {
			err = a.withFolder(ctx, folder, false, func(c *client.Client) error {
				return expungeUIDs(c, uids)
			})
		} else {
			err = a.withFolder(ctx, folder, false, func(c *client.Client) error {
				return moveUIDs(c, uids, trash)
			})
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) PermanentDelete(ctx context.Context, _ string, messageIDs []string) error {
	byFolder, err := a.uidsByFolder(messageIDs)
	if err != nil {
		return err
	}
	for folder, uids := range byFolder {
		err := a.withFolder(ctx, folder, false, func(c *client.Client) error {
			return expungeUIDs(c, uids)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Spam moves messages to the junk folder, or back to INBOX when spam is false.
func (a *Adapter) Spam(ctx context.Context, _ string, messageIDs []string, spam bool) error {
	dest := "INBOX"
	if spam {
		var err error
		dest, err = a.folderFor(ctx, labels.Spam)
		if err != nil {
			return err
		}
	}
	return a.moveTo(ctx, messageIDs, dest)
}

func (a *Adapter) Move(ctx context.Context, _ string, messageIDs []string, labelID string) error {
	dest, err := a.folderFor(ctx, labelID)
	if err != nil {
		return err
	}
	return a.moveTo(ctx, messageIDs, dest)
}

// AddLabel copies messages into the label's folder. STARRED and UNREAD map to flags.
func (a *Adapter) AddLabel(ctx context.Context, threadID string, messageIDs []string, labelID string) error {
	switch labelID {
	case labels.Starred:
		return a.Star(ctx, threadID, messageIDs, true)
	case labels.Unread:
		return a.MarkRead(ctx, threadID, messageIDs, false)
	}

	dest, err := a.folderFor(ctx, labelID)
	if err != nil {
		return err
	}
	byFolder, err := a.uidsByFolder(messageIDs)
	if err != nil {
		return err
	}
	for folder, uids := range byFolder {
		if folder == dest {
			continue
		}
		err := a.withFolder(ctx, folder, true, func(c *client.Client) error {
			if err := c.UidCopy(uidSet(uids), dest); err != nil {
				return fmt.Errorf("failed to copy to %s: %w", dest, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// RemoveLabel deletes the copies that live in the label's folder. Removing INBOX archives.
func (a *Adapter) RemoveLabel(ctx context.Context, threadID string, messageIDs []string, labelID string) error {
	switch labelID {
	case labels.Starred:
		return a.Star(ctx, threadID, messageIDs, false)
	case labels.Unread:
		return a.MarkRead(ctx, threadID, messageIDs, true)
	case labels.Inbox:
		inInbox := make([]string, 0, len(messageIDs))
		for _, id := range messageIDs {
			if p, err := a.parseID(id); err == nil && p.Folder == "INBOX" {
				inInbox = append(inInbox, id)
			}
		}
		if len(inInbox) == 0 {
			return nil
		}
		return a.Archive(ctx, threadID, inInbox)
	}

	folder, err := a.folderFor(ctx, labelID)
	if err != nil {
		return err
	}
	byFolder, err := a.uidsByFolder(messageIDs)
	if err != nil {
		return err
	}
	uids, ok := byFolder[folder]
	if !ok {
		return nil
	}
	return a.withFolder(ctx, folder, false, func(c *client.Client) error {
		return expungeUIDs(c, uids)
	})
}

func (a *Adapter) storeFlag(ctx context.Context, messageIDs []string, flag string, add bool) error {
	byFolder, err := a.uidsByFolder(messageIDs)
	if err != nil {
		return err
	}
	op := imap.RemoveFlags
	if add {
		op = imap.AddFlags
	}
	for folder, uids := range byFolder {
		err := a.withFolder(ctx, folder, false, func(c *client.Client) error {
			if err := c.UidStore(uidSet(uids), imap.FormatFlagsOp(op, true), []interface{}{flag}, nil); err != nil {
				return fmt.Errorf("failed to store %s: %w", flag, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// moveTo moves messages into dest, skipping those already there.
func (a *Adapter) moveTo(ctx context.Context, messageIDs []string, dest string) error {
	byFolder, err := a.uidsByFolder(messageIDs)
	if err != nil {
		return err
	}
	for folder, uids := range byFolder {
		if folder == dest {
			continue
		}
		err := a.withFolder(ctx, folder, false, func(c *client.Client) error {
			return moveUIDs(c, uids, dest)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// moveUIDs uses MOVE when the server has it and COPY, \Deleted and EXPUNGE otherwise.
func moveUIDs(c *client.Client, uids []uint32, dest string) error {
	if ok, err := c.Support("MOVE"); err == nil && ok {
		if err := c.UidMove(uidSet(uids), dest); err != nil {
			return fmt.Errorf("failed to move to %s: %w", dest, err)
		}
		return nil
	}

	if err := c.UidCopy(uidSet(uids), dest); err != nil {
		return fmt.Errorf("failed to copy to %s: %w", dest, err)
	}
	return expungeUIDs(c, uids)
}

// expungeUIDs flags messages \Deleted and expunges the selected folder.
func expungeUIDs(c *client.Client, uids []uint32) error {
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.UidStore(uidSet(uids), item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return fmt.Errorf("failed to flag deleted: %w", err)
	}
	if err := c.Expunge(nil); err != nil {
		return fmt.Errorf("failed to expunge: %w", err)
	}
	return nil
}

func uidSet(uids []uint32) *imap.SeqSet {
	set := new(imap.SeqSet)
	set.AddNum(uids...)
	return set
}
