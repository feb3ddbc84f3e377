package gmail

import (
	"encoding/base64"
	"net/mail"
	"slices"
	"strings"
	"time"

	"github.com/vdavid/mailsync/internal/ids"
	"github.com/vdavid/mailsync/internal/labels"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	"github.com/vdavid/mailsync/internal/threading"
	gmailapi "google.golang.org/api/gmail/v1"
)

// convert maps an API message to our model. Messages fetched without a payload body keep
// BodyText and BodyHTML nil so stored bodies survive.
func (a *Adapter) convert(msg *gmailapi.Message) *models.Message {
	id := ids.Native(models.ProviderGmail, a.cfg.AccountID, msg.Id)
	labelIDs := labels.GmailLabelIDs(msg.LabelIds)

	out := &models.Message{
		ID:             id,
		AccountID:      a.cfg.AccountID,
		NativeThreadID: msg.ThreadId,
		Snippet:        msg.Snippet,
		RawSize:        msg.SizeEstimate,
		LabelIDs:       labelIDs,
		IsRead:         !slices.Contains(msg.LabelIds, "UNREAD"),
		IsStarred:      slices.Contains(msg.LabelIds, "STARRED"),
		IsDraft:        slices.Contains(msg.LabelIds, "DRAFT"),
	}
	if msg.InternalDate > 0 {
		out.ReceivedAt = time.UnixMilli(msg.InternalDate).UTC()
	}

	if msg.Payload == nil {
		out.SentAt = out.ReceivedAt
		return out
	}

	h := headers(msg.Payload.Headers)
	out.MessageIDHeader = threading.NormalizeMessageID(h.get("Message-ID"))
	out.InReplyTo = threading.ParseReferences(h.get("In-Reply-To"))
	out.References = threading.ParseReferences(h.get("References"))
	out.Subject = h.get("Subject")
	out.ListUnsubscribe = h.get("List-Unsubscribe")
	out.ListUnsubscribePost = h.get("List-Unsubscribe-Post")
	out.AuthResults = h.get("Authentication-Results")

	if from, err := mail.ParseAddress(h.get("From")); err == nil {
		out.FromAddress = from.Address
		out.FromName = from.Name
	} else if raw := h.get("From"); raw != "" {
		out.FromAddress = raw
	}
	out.ToAddresses = provider.ParseAddressList(h.get("To"))
	out.CCAddresses = provider.ParseAddressList(h.get("Cc"))
	out.BCCAddresses = provider.ParseAddressList(h.get("Bcc"))
	if replyTo := provider.ParseAddressList(h.get("Reply-To")); len(replyTo) > 0 {
		out.ReplyTo = replyTo[0]
	}

	out.SentAt = out.ReceivedAt
	if date := h.get("Date"); date != "" {
		if t, err := mail.ParseDate(date); err == nil {
			out.SentAt = t
		} else {
			a.logger.Warn().Str("message", id).Str("date", date).Msg("Unparseable Date header, using internal date")
		}
	}
	if out.ReceivedAt.IsZero() {
		out.ReceivedAt = out.SentAt
	}

	var text, html strings.Builder
	hasBody := false
	walkParts(msg.Payload, func(p *gmailapi.MessagePart) {
		if p.Filename != "" {
			out.Attachments = append(out.Attachments, toAttachment(id, p))
			return
		}
		if p.Body == nil || p.Body.Data == "" {
			return
		}
		data, err := decode(p.Body.Data)
		if err != nil {
			a.logger.Warn().Err(err).Str("message", id).Str("part", p.PartId).Msg("Failed to decode body part")
			return
		}
		switch {
		case strings.HasPrefix(p.MimeType, "text/plain"):
			text.Write(data)
			hasBody = true
		case strings.HasPrefix(p.MimeType, "text/html"):
			html.Write(data)
			hasBody = true
		}
	})
	if hasBody {
		plain, rich := text.String(), html.String()
		out.BodyText = &plain
		out.BodyHTML = &rich
		if out.Snippet == "" {
			out.Snippet = provider.Snippet(plain)
		}
	}

	return out
}

// walkParts visits p and every nested part depth first.
func walkParts(p *gmailapi.MessagePart, visit func(*gmailapi.MessagePart)) {
	if p == nil {
		return
	}
	visit(p)
	for _, child := range p.Parts {
		walkParts(child, visit)
	}
}

func findPart(p *gmailapi.MessagePart, partID string) *gmailapi.MessagePart {
	var found *gmailapi.MessagePart
	walkParts(p, func(part *gmailapi.MessagePart) {
		if found == nil && part.PartId == partID {
			found = part
		}
	})
	return found
}

func toAttachment(messageID string, p *gmailapi.MessagePart) models.Attachment {
	h := headers(p.Headers)
	contentID := strings.Trim(h.get("Content-ID"), "<>")
	att := models.Attachment{
		ID:        messageID + "/" + p.PartId,
		MessageID: messageID,
		PartID:    p.PartId,
		Filename:  p.Filename,
		MimeType:  p.MimeType,
		IsInline:  contentID != "" && strings.HasPrefix(strings.ToLower(h.get("Content-Disposition")), "inline"),
		ContentID: contentID,
	}
	if p.Body != nil {
		att.ProviderID = p.Body.AttachmentId
		att.SizeBytes = p.Body.Size
	}
	return att
}

type headerList []*gmailapi.MessagePartHeader

func headers(h []*gmailapi.MessagePartHeader) headerList {
	return headerList(h)
}

// get returns the first value of the header, matched case-insensitively.
func (h headerList) get(name string) string {
	for _, header := range h {
		if strings.EqualFold(header.Name, name) {
			return header.Value
		}
	}
	return ""
}

// decode reads the base64url data of a body or raw message. The API omits padding on some
// responses.
func decode(data string) ([]byte, error) {
	if out, err := base64.URLEncoding.DecodeString(data); err == nil {
		return out, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
}
