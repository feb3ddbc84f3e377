package imap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-imap/client"
	"github.com/jhillyerd/enmime"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
)

func (a *Adapter) FetchMessage(ctx context.Context, messageID string) (*models.Message, error) {
	p, err := a.parseID(messageID)
	if err != nil {
		return nil, err
	}
	mapping := a.mappingFor(ctx, p.Folder)

	var msg *models.Message
	err = a.withFolder(ctx, p.Folder, true, func(c *client.Client) error {
		fetched, err := FetchMessages(c, []uint32{p.UID})
		if err != nil {
			return err
		}
		for _, m := range fetched {
			if m.Uid == p.UID {
				msg, err = ParseMessage(m, a.cfg.AccountID, mapping, a.logger)
				return err
			}
		}
		return fmt.Errorf("%w: %s", provider.ErrMessageNotFound, messageID)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (a *Adapter) FetchRawMessage(ctx context.Context, messageID string) ([]byte, error) {
	p, err := a.parseID(messageID)
	if err != nil {
		return nil, err
	}

	var raw []byte
	err = a.withFolder(ctx, p.Folder, true, func(c *client.Client) error {
		var err error
		raw, _, err = FetchRaw(c, p.UID)
		if errors.Is(err, errUIDNotFound) {
			return fmt.Errorf("%w: %s", provider.ErrMessageNotFound, messageID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// FetchAttachment re-fetches the message and returns the decoded part with the given part id.
// attachmentID may be a bare part id or an attachment id of the form "<message id>/<part id>".
func (a *Adapter) FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	raw, err := a.FetchRawMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	partID := strings.TrimPrefix(attachmentID, messageID+"/")

	envelope, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	for _, parts := range [][]*enmime.Part{envelope.Attachments, envelope.Inlines, envelope.OtherParts} {
		for _, part := range parts {
			if part.PartID == partID {
				return part.Content, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: part %s of %s", provider.ErrAttachmentNotFound, partID, messageID)
}
