package jmap

import (
	"net/mail"
	"strings"

	"github.com/vdavid/mailsync/internal/labels"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	"github.com/vdavid/mailsync/internal/threading"
)

// convert maps an email to our model. Label ids come from the mailbox cache; mailboxes the
// cache does not know yet are skipped.
func (a *Adapter) convert(e *Email, boxes map[string]mailbox) models.Message {
	id := a.messageID(e.ID)
	read := e.Keywords[KeywordSeen]
	starred := e.Keywords[KeywordFlagged]
	draft := e.Keywords[KeywordDraft]

	var labelSets [][]string
	labelSets = append(labelSets, labels.MessageLabels(labels.Mapping{}, read, starred, draft))
	for mailboxID, in := range e.MailboxIDs {
		if b, ok := boxes[mailboxID]; in && ok {
			labelSets = append(labelSets, []string{b.mapping.LabelID})
		}
	}

	out := models.Message{
		ID:                  id,
		AccountID:           a.cfg.AccountID,
		NativeThreadID:      e.ThreadID,
		InReplyTo:           normalizeAll(e.InReplyTo),
		References:          normalizeAll(e.References),
		Subject:             e.Subject,
		Snippet:             e.Preview,
		ToAddresses:         formatAddresses(e.To),
		CCAddresses:         formatAddresses(e.CC),
		BCCAddresses:        formatAddresses(e.BCC),
		ReceivedAt:          e.ReceivedAt,
		SentAt:              e.ReceivedAt,
		IsRead:              read,
		IsStarred:           starred,
		IsDraft:             draft,
		RawSize:             e.Size,
		LabelIDs:            labels.Merge(labelSets...),
		ListUnsubscribe:     strings.TrimSpace(e.ListUnsubscribe),
		ListUnsubscribePost: strings.TrimSpace(e.ListUnsubscribePost),
		AuthResults:         strings.TrimSpace(e.AuthResults),
	}
	if len(e.MessageID) > 0 {
		out.MessageIDHeader = threading.NormalizeMessageID(e.MessageID[0])
	}
	if e.SentAt != nil {
		out.SentAt = *e.SentAt
	}
	if len(e.From) > 0 {
		out.FromAddress = e.From[0].Email
		out.FromName = e.From[0].Name
	}
	if replyTo := formatAddresses(e.ReplyTo); len(replyTo) > 0 {
		out.ReplyTo = replyTo[0]
	}

	if e.BodyValues != nil {
		text := joinBodies(e.TextBody, e.BodyValues, "text/plain")
		html := joinBodies(e.HTMLBody, e.BodyValues, "text/html")
		out.BodyText = &text
		out.BodyHTML = &html
		if out.Snippet == "" {
			out.Snippet = provider.Snippet(text)
		}
	}

	for _, p := range e.Attachments {
		out.Attachments = append(out.Attachments, models.Attachment{
			ID:         id + "/" + p.PartID,
			MessageID:  id,
			PartID:     p.PartID,
			ProviderID: p.BlobID,
			Filename:   p.Name,
			MimeType:   p.Type,
			SizeBytes:  p.Size,
			IsInline:   p.Disposition == "inline" && p.CID != "",
			ContentID:  p.CID,
		})
	}
	return out
}

// joinBodies concatenates the fetched values of the body parts of one type.
func joinBodies(parts []BodyPart, values map[string]BodyValue, mimeType string) string {
	var b strings.Builder
	for _, p := range parts {
		if p.Type != "" && !strings.EqualFold(p.Type, mimeType) {
			continue
		}
		if v, ok := values[p.PartID]; ok {
			b.WriteString(v.Value)
		}
	}
	return b.String()
}

func formatAddresses(list []EmailAddress) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		if s := provider.FormatAddress(&mail.Address{Name: a.Name, Address: a.Email}); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func normalizeAll(list []string) []string {
	out := make([]string, 0, len(list))
	for _, id := range list {
		if n := threading.NormalizeMessageID(id); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// toAddresses is the reverse of formatAddresses for outgoing mail.
func toAddresses(list []string) ([]EmailAddress, error) {
	out := make([]EmailAddress, 0, len(list))
	for _, s := range list {
		if strings.TrimSpace(s) == "" {
			continue
		}
		addr, err := mail.ParseAddress(s)
		if err != nil {
			return nil, err
		}
		out = append(out, EmailAddress{Name: addr.Name, Email: addr.Address})
	}
	return out, nil
}
