package imap

import (
	"bytes"
	"context"
	"fmt"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/vdavid/mailsync/internal/ids"
	"github.com/vdavid/mailsync/internal/labels"
	"github.com/vdavid/mailsync/internal/provider"
)

// CreateDraft appends msg to the Drafts folder and returns the new message id.
func (a *Adapter) CreateDraft(ctx context.Context, msg *provider.Outgoing) (string, error) {
	rendered, err := provider.BuildMIME(a.withSender(msg))
	if err != nil {
		return "", err
	}
	return a.appendTo(ctx, labels.Draft, rendered.Raw, []string{imap.DraftFlag, imap.SeenFlag})
}

// UpdateDraft replaces a draft. IMAP messages are immutable, so the new version gets a new id.
func (a *Adapter) UpdateDraft(ctx context.Context, draftID string, msg *provider.Outgoing) (string, error) {
	if _, err := a.parseID(draftID); err != nil {
		return "", err
	}
	newID, err := a.CreateDraft(ctx, msg)
	if err != nil {
		return "", err
	}
	if err := a.DeleteDraft(ctx, draftID); err != nil {
		return "", fmt.Errorf("new draft %s saved but old one not removed: %w", newID, err)
	}
	return newID, nil
}

func (a *Adapter) DeleteDraft(ctx context.Context, draftID string) error {
	p, err := a.parseID(draftID)
	if err != nil {
		return err
	}
	return a.withFolder(ctx, p.Folder, false, func(c *client.Client) error {
		return expungeUIDs(c, []uint32{p.UID})
	})
}

// appendTo appends raw to the folder of labelID and returns the id the message most likely got.
// The id is derived from UIDNEXT read just before the append.
func (a *Adapter) appendTo(ctx context.Context, labelID string, raw []byte, flags []string) (string, error) {
	folder, err := a.folderFor(ctx, labelID)
	if err != nil {
		return "", err
	}

	var uid uint32
	err = a.withClient(ctx, func(c *client.Client) error {
		status, err := c.Status(folder, []imap.StatusItem{imap.StatusUidNext})
		if err != nil {
			return fmt.Errorf("failed to read status of %s: %w", folder, err)
		}
		if err := c.Append(folder, flags, a.now(), bytes.NewBuffer(raw)); err != nil {
			return fmt.Errorf("failed to append to %s: %w", folder, err)
		}
		uid = status.UidNext
		return nil
	})
	if err != nil {
		return "", err
	}
	return ids.IMAPMessage(a.cfg.AccountID, folder, uid), nil
}
