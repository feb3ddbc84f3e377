package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/vdavid/mailsync/internal/ids"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	gmailapi "google.golang.org/api/gmail/v1"
)

func (a *Adapter) FetchMessage(ctx context.Context, messageID string) (*models.Message, error) {
	native, err := a.nativeID(messageID)
	if err != nil {
		return nil, err
	}
	msg, err := a.getMessage(ctx, native, formatFull)
	if err != nil {
		return nil, a.fetchError(native, err)
	}
	return a.convert(msg), nil
}

func (a *Adapter) FetchRawMessage(ctx context.Context, messageID string) ([]byte, error) {
	native, err := a.nativeID(messageID)
	if err != nil {
		return nil, err
	}
	msg, err := a.getMessage(ctx, native, formatRaw)
	if err != nil {
		return nil, a.fetchError(native, err)
	}
	raw, err := decode(msg.Raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode raw message %s: %w", native, err)
	}
	return raw, nil
}

// FetchAttachment returns the bytes of the part attachmentID names. Small parts are inlined in
// the message body; larger ones are fetched by their attachment id.
func (a *Adapter) FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	native, err := a.nativeID(messageID)
	if err != nil {
		return nil, err
	}
	partID := strings.TrimPrefix(attachmentID, messageID+"/")

	msg, err := a.getMessage(ctx, native, formatFull)
	if err != nil {
		return nil, a.fetchError(native, err)
	}
	part := findPart(msg.Payload, partID)
	if part == nil || part.Body == nil {
		return nil, fmt.Errorf("%w: part %s of %s", provider.ErrAttachmentNotFound, partID, messageID)
	}
	if part.Body.AttachmentId == "" {
		return decode(part.Body.Data)
	}

	var body *gmailapi.MessagePartBody
	err = a.call(func() error {
		var err error
		body, err = a.svc.Users.Messages.Attachments.Get(me, native, part.Body.AttachmentId).Context(ctx).Do()
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: part %s of %s", provider.ErrAttachmentNotFound, partID, messageID)
		}
		return nil, fmt.Errorf("failed to fetch attachment %s: %w", partID, err)
	}
	return decode(body.Data)
}

func (a *Adapter) fetchError(native string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%w: %s", provider.ErrMessageNotFound, native)
	}
	return fmt.Errorf("failed to fetch message %s: %w", native, err)
}

// Send submits msg through the API, which also files it under SENT. It returns the RFC
// Message-ID.
func (a *Adapter) Send(ctx context.Context, msg *provider.Outgoing) (string, error) {
	raw, rendered, err := a.render(msg)
	if err != nil {
		return "", err
	}
	err = a.call(func() error {
		_, err := a.svc.Users.Messages.Send(me, &gmailapi.Message{Raw: raw}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return rendered.MessageID, nil
}

// CreateDraft returns the draft id in message id form. Draft ids are stable across updates.
func (a *Adapter) CreateDraft(ctx context.Context, msg *provider.Outgoing) (string, error) {
	raw, _, err := a.render(msg)
	if err != nil {
		return "", err
	}
	var draft *gmailapi.Draft
	err = a.call(func() error {
		var err error
		draft, err = a.svc.Users.Drafts.Create(me, &gmailapi.Draft{Message: &gmailapi.Message{Raw: raw}}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to create draft: %w", err)
	}
	return ids.Native(models.ProviderGmail, a.cfg.AccountID, draft.Id), nil
}

func (a *Adapter) UpdateDraft(ctx context.Context, draftID string, msg *provider.Outgoing) (string, error) {
	native, err := a.nativeID(draftID)
	if err != nil {
		return "", err
	}
	raw, _, err := a.render(msg)
	if err != nil {
		return "", err
	}
	err = a.call(func() error {
		_, err := a.svc.Users.Drafts.Update(me, native, &gmailapi.Draft{Id: native, Message: &gmailapi.Message{Raw: raw}}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to update draft %s: %w", native, err)
	}
	return draftID, nil
}

func (a *Adapter) DeleteDraft(ctx context.Context, draftID string) error {
	native, err := a.nativeID(draftID)
	if err != nil {
		return err
	}
	err = a.call(func() error {
		return a.svc.Users.Drafts.Delete(me, native).Context(ctx).Do()
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete draft %s: %w", native, err)
	}
	return nil
}

// render builds the MIME message in the base64url form the API expects. Gmail takes the
// recipients from the headers, so BCC is written back in; the server strips it on delivery.
func (a *Adapter) render(msg *provider.Outgoing) (string, *provider.Rendered, error) {
	out := *msg
	if out.From == "" {
		out.From = a.cfg.Email
	}
	if out.FromName == "" {
		out.FromName = a.cfg.DisplayName
	}
	rendered, err := provider.BuildMIME(&out)
	if err != nil {
		return "", nil, err
	}
	raw := rendered.Raw
	var bcc []string
	for _, b := range out.BCC {
		if strings.TrimSpace(b) != "" {
			bcc = append(bcc, b)
		}
	}
	if len(bcc) > 0 {
		raw = append([]byte("Bcc: "+strings.Join(bcc, ", ")+"\r\n"), raw...)
	}
	return base64.URLEncoding.EncodeToString(raw), rendered, nil
}
