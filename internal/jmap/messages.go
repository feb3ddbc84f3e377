package jmap

import (
	"context"
	"fmt"
	"strings"

	"github.com/vdavid/mailsync/internal/breaker"
	"github.com/vdavid/mailsync/internal/labels"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
)

var submissionUsing = []string{CapCore, CapMail, CapSubmission}

func (a *Adapter) FetchMessage(ctx context.Context, messageID string) (*models.Message, error) {
	native, err := a.nativeID(messageID)
	if err != nil {
		return nil, err
	}
	msgs, notFound, err := a.getEmails(ctx, []string{native}, nil)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 || len(notFound) > 0 {
		return nil, fmt.Errorf("%w: %s", provider.ErrMessageNotFound, native)
	}
	return &msgs[0], nil
}

// FetchRawMessage downloads the RFC 5322 blob of the email.
func (a *Adapter) FetchRawMessage(ctx context.Context, messageID string) ([]byte, error) {
	native, err := a.nativeID(messageID)
	if err != nil {
		return nil, err
	}
	e, err := a.getOne(ctx, native, []string{"id", "blobId"})
	if err != nil {
		return nil, err
	}
	return a.download(ctx, e.BlobID, "message/rfc822", native+".eml")
}

func (a *Adapter) FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	native, err := a.nativeID(messageID)
	if err != nil {
		return nil, err
	}
	partID := strings.TrimPrefix(attachmentID, messageID+"/")
	e, err := a.getOne(ctx, native, []string{"id", "attachments"})
	if err != nil {
		return nil, err
	}
	for _, p := range e.Attachments {
		if p.PartID == partID && p.BlobID != "" {
			return a.download(ctx, p.BlobID, p.Type, p.Name)
		}
	}
	return nil, fmt.Errorf("%w: part %s of %s", provider.ErrAttachmentNotFound, partID, messageID)
}

func (a *Adapter) getOne(ctx context.Context, native string, properties []string) (*Email, error) {
	var resp getResponse[Email]
	err := a.single(ctx, mailUsing, "Email/get", map[string]any{
		"ids":            []string{native},
		"properties":     properties,
		"bodyProperties": []string{"partId", "blobId", "size", "name", "type", "disposition", "cid"},
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("failed to get email %s: %w", native, err)
	}
	if len(resp.List) == 0 {
		return nil, fmt.Errorf("%w: %s", provider.ErrMessageNotFound, native)
	}
	return &resp.List[0], nil
}

func (a *Adapter) download(ctx context.Context, blobID, mimeType, name string) ([]byte, error) {
	accountID, err := a.accountID(ctx)
	if err != nil {
		return nil, err
	}
	var out []byte
	err = breaker.Do(a.cb, func() error {
		var err error
		out, err = a.client.Download(ctx, accountID, blobID, mimeType, name)
		return err
	})
	return out, err
}

// Send stores the message in Drafts and submits it in the same request. On success the server
// moves it to Sent and clears the draft keyword. BCC recipients go only to the envelope.
func (a *Adapter) Send(ctx context.Context, msg *provider.Outgoing) (string, error) {
	out, rendered, err := a.prepare(msg)
	if err != nil {
		return "", err
	}
	drafts, err := a.mailboxFor(ctx, labels.Draft)
	if err != nil {
		return "", err
	}
	identityID, err := a.identity(ctx, rendered.From)
	if err != nil {
		return "", err
	}
	email, err := a.emailObject(ctx, out, rendered.MessageID, drafts, false)
	if err != nil {
		return "", err
	}

	onSuccess := map[string]any{
		"mailboxIds/" + drafts:     nil,
		"keywords/" + KeywordDraft: nil,
	}
	if sent, err := a.mailboxFor(ctx, labels.Sent); err == nil {
		onSuccess["mailboxIds/"+sent] = true
	}
	rcptTo := make([]map[string]string, 0, len(rendered.Recipients))
	for _, r := range rendered.Recipients {
		rcptTo = append(rcptTo, map[string]string{"email": r})
	}

	accountID, err := a.accountID(ctx)
	if err != nil {
		return "", err
	}
	responses, err := a.call(ctx, submissionUsing,
		Invocation{Name: "Email/set", CallID: "0", Args: map[string]any{
			"accountId": accountID,
			"create":    map[string]any{"draft": email},
		}},
		Invocation{Name: "EmailSubmission/set", CallID: "1", Args: map[string]any{
			"accountId": accountID,
			"create": map[string]any{"send": map[string]any{
				"identityId": identityID,
				"emailId":    "#draft",
				"envelope": map[string]any{
					"mailFrom": map[string]string{"email": rendered.From},
					"rcptTo":   rcptTo,
				},
			}},
			"onSuccessUpdateEmail": map[string]any{"#send": onSuccess},
		}},
	)
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}

	var created setResponse
	if err := decode(responses, "0", "Email/set", &created); err != nil {
		return "", fmt.Errorf("failed to store message: %w", err)
	}
	if e, ok := created.NotCreated["draft"]; ok {
		return "", fmt.Errorf("failed to store message: %s %s", e.Type, e.Description)
	}
	var submitted setResponse
	if err := decode(responses, "1", "EmailSubmission/set", &submitted); err != nil {
		return "", fmt.Errorf("failed to submit message: %w", err)
	}
	if e, ok := submitted.NotCreated["send"]; ok {
		return "", fmt.Errorf("failed to submit message: %s %s", e.Type, e.Description)
	}
	return rendered.MessageID, nil
}

// identity picks the sending identity whose address matches from, or the first one.
func (a *Adapter) identity(ctx context.Context, from string) (string, error) {
	var resp getResponse[Identity]
	if err := a.single(ctx, submissionUsing, "Identity/get", map[string]any{"ids": nil}, &resp); err != nil {
		return "", fmt.Errorf("failed to get identities: %w", err)
	}
	if len(resp.List) == 0 {
		return "", fmt.Errorf("%w: account has no sending identity", provider.ErrNotSupported)
	}
	for _, id := range resp.List {
		if strings.EqualFold(id.Email, from) {
			return id.ID, nil
		}
	}
	return resp.List[0].ID, nil
}

// CreateDraft stores msg in Drafts and returns the new email id in message id form.
func (a *Adapter) CreateDraft(ctx context.Context, msg *provider.Outgoing) (string, error) {
	return a.saveDraft(ctx, "", msg)
}

// UpdateDraft replaces the draft. Emails are immutable, so the returned id differs from draftID.
func (a *Adapter) UpdateDraft(ctx context.Context, draftID string, msg *provider.Outgoing) (string, error) {
	native, err := a.nativeID(draftID)
	if err != nil {
		return "", err
	}
	return a.saveDraft(ctx, native, msg)
}

func (a *Adapter) DeleteDraft(ctx context.Context, draftID string) error {
	return a.PermanentDelete(ctx, "", []string{draftID})
}

func (a *Adapter) saveDraft(ctx context.Context, replaces string, msg *provider.Outgoing) (string, error) {
	out, rendered, err := a.prepare(msg)
	if err != nil {
		return "", err
	}
	drafts, err := a.mailboxFor(ctx, labels.Draft)
	if err != nil {
		return "", err
	}
	email, err := a.emailObject(ctx, out, rendered.MessageID, drafts, true)
	if err != nil {
		return "", err
	}

	args := map[string]any{"create": map[string]any{"draft": email}}
	if replaces != "" {
		args["destroy"] = []string{replaces}
	}
	var resp setResponse
	if err := a.single(ctx, mailUsing, "Email/set", args, &resp); err != nil {
		return "", fmt.Errorf("failed to save draft: %w", err)
	}
	if e, ok := resp.NotCreated["draft"]; ok {
		return "", fmt.Errorf("failed to save draft: %s %s", e.Type, e.Description)
	}
	id, _ := resp.Created["draft"]["id"].(string)
	if id == "" {
		return "", fmt.Errorf("server did not return the draft id")
	}
	if err := setErrors("destroy", resp.NotDestroyed); err != nil {
		a.logger.Warn().Err(err).Str("draft", replaces).Msg("Failed to destroy replaced draft")
	}
	return a.messageID(id), nil
}

// prepare fills the sender from the account and validates msg by rendering it.
func (a *Adapter) prepare(msg *provider.Outgoing) (*provider.Outgoing, *provider.Rendered, error) {
	out := *msg
	if out.From == "" {
		out.From = a.cfg.Email
	}
	if out.FromName == "" {
		out.FromName = a.cfg.DisplayName
	}
	rendered, err := provider.BuildMIME(&out)
	if err != nil {
		return nil, nil, err
	}
	return &out, rendered, nil
}

// emailObject builds an Email/set create object. Attachments are uploaded first. Drafts keep
// their BCC list; sent mail carries it only in the envelope.
func (a *Adapter) emailObject(ctx context.Context, msg *provider.Outgoing, messageID, mailboxID string, draft bool) (map[string]any, error) {
	to, err := toAddresses(msg.To)
	if err != nil {
		return nil, err
	}
	cc, err := toAddresses(msg.CC)
	if err != nil {
		return nil, err
	}

	keywords := map[string]bool{KeywordSeen: true, KeywordDraft: true}
	email := map[string]any{
		"mailboxIds": map[string]bool{mailboxID: true},
		"keywords":   keywords,
		"from":       []EmailAddress{{Name: msg.FromName, Email: msg.From}},
		"to":         to,
		"cc":         cc,
		"subject":    msg.Subject,
		"messageId":  []string{strings.Trim(messageID, "<>")},
	}
	if draft {
		bcc, err := toAddresses(msg.BCC)
		if err != nil {
			return nil, err
		}
		email["bcc"] = bcc
	}
	if !msg.Date.IsZero() {
		email["sentAt"] = msg.Date
	}
	if msg.InReplyTo != "" {
		email["inReplyTo"] = []string{strings.Trim(msg.InReplyTo, "<>")}
	}
	if len(msg.References) > 0 {
		refs := make([]string, 0, len(msg.References))
		for _, r := range msg.References {
			refs = append(refs, strings.Trim(r, "<>"))
		}
		email["references"] = refs
	}

	values := map[string]BodyValue{}
	if msg.TextBody != "" || msg.HTMLBody == "" {
		values["text"] = BodyValue{Value: msg.TextBody}
		email["textBody"] = []BodyPart{{PartID: "text", Type: "text/plain"}}
	}
	if msg.HTMLBody != "" {
		values["html"] = BodyValue{Value: msg.HTMLBody}
		email["htmlBody"] = []BodyPart{{PartID: "html", Type: "text/html"}}
	}
	email["bodyValues"] = values

	if len(msg.Attachments) > 0 {
		accountID, err := a.accountID(ctx)
		if err != nil {
			return nil, err
		}
		parts := make([]BodyPart, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			ct := att.ContentType
			if ct == "" {
				ct = "application/octet-stream"
			}
			var blobID string
			err := breaker.Do(a.cb, func() error {
				var err error
				blobID, err = a.client.Upload(ctx, accountID, ct, att.Data)
				return err
			})
			if err != nil {
				return nil, fmt.Errorf("failed to upload %s: %w", att.Filename, err)
			}
			parts = append(parts, BodyPart{BlobID: blobID, Type: ct, Name: att.Filename, Disposition: "attachment"})
		}
		email["attachments"] = parts
	}
	return email, nil
}
