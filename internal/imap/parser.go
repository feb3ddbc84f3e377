package imap

import (
	"bytes"
	"fmt"
	"io"
	"net/mail"
	"time"

	"github.com/emersion/go-imap"
	"github.com/jhillyerd/enmime"
	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/ids"
	"github.com/vdavid/mailsync/internal/labels"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	"github.com/vdavid/mailsync/internal/threading"
)

// ParseMessage converts a fetched IMAP message to our Message model.
// A missing or unparseable Date header falls back to the internal date, then to now. A missing
// Message-ID is logged; the thread builder then keys the message by its local id.
func ParseMessage(imapMsg *imap.Message, accountID string, folder labels.Mapping, logger zerolog.Logger) (*models.Message, error) {
	if imapMsg == nil {
		return nil, fmt.Errorf("imap message is nil")
	}

	body := imapMsg.GetBody(fullSection)
	if body == nil {
		return nil, fmt.Errorf("message %d has no body", imapMsg.Uid)
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read message %d: %w", imapMsg.Uid, err)
	}
	envelope, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message %d: %w", imapMsg.Uid, err)
	}

	isRead, isStarred, isDraft := false, false, false
	for _, flag := range imapMsg.Flags {
		switch flag {
		case imap.SeenFlag:
			isRead = true
		case imap.FlaggedFlag:
			isStarred = true
		case imap.DraftFlag:
			isDraft = true
		}
	}

	id := ids.IMAPMessage(accountID, folder.Path, imapMsg.Uid)
	msg := &models.Message{
		ID:                  id,
		AccountID:           accountID,
		MessageIDHeader:     threading.NormalizeMessageID(envelope.GetHeader("Message-ID")),
		InReplyTo:           threading.ParseReferences(envelope.GetHeader("In-Reply-To")),
		References:          threading.ParseReferences(envelope.GetHeader("References")),
		Subject:             envelope.GetHeader("Subject"),
		IsRead:              isRead,
		IsStarred:           isStarred,
		IsDraft:             isDraft,
		RawSize:             int64(imapMsg.Size),
		LabelIDs:            labels.MessageLabels(folder, isRead, isStarred, isDraft),
		ListUnsubscribe:     envelope.GetHeader("List-Unsubscribe"),
		ListUnsubscribePost: envelope.GetHeader("List-Unsubscribe-Post"),
		AuthResults:         envelope.GetHeader("Authentication-Results"),
		IMAPUID:             imapMsg.Uid,
		IMAPFolder:          folder.Path,
	}
	if msg.MessageIDHeader == "" {
		logger.Warn().Str("message", id).Msg("Missing Message-ID header, threading by local id")
	}

	if from := addressList(envelope, "From"); len(from) > 0 {
		msg.FromAddress = from[0].Address
		msg.FromName = from[0].Name
	}
	msg.ToAddresses = provider.FormatAddressList(addressList(envelope, "To"))
	msg.CCAddresses = provider.FormatAddressList(addressList(envelope, "Cc"))
	msg.BCCAddresses = provider.FormatAddressList(addressList(envelope, "Bcc"))
	if replyTo := addressList(envelope, "Reply-To"); len(replyTo) > 0 {
		msg.ReplyTo = provider.FormatAddress(replyTo[0])
	}

	msg.SentAt = messageDate(envelope.GetHeader("Date"), imapMsg.InternalDate, logger.With().Str("message", id).Logger())
	msg.ReceivedAt = imapMsg.InternalDate
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = msg.SentAt
	}

	text, html := envelope.Text, envelope.HTML
	msg.BodyText = &text
	msg.BodyHTML = &html
	msg.Snippet = provider.Snippet(text)

	for _, part := range envelope.Attachments {
		msg.Attachments = append(msg.Attachments, toAttachment(id, part, false))
	}
	for _, part := range envelope.Inlines {
		msg.Attachments = append(msg.Attachments, toAttachment(id, part, true))
	}

	return msg, nil
}

func toAttachment(messageID string, part *enmime.Part, inline bool) models.Attachment {
	return models.Attachment{
		ID:        messageID + "/" + part.PartID,
		MessageID: messageID,
		PartID:    part.PartID,
		Filename:  part.FileName,
		MimeType:  part.ContentType,
		SizeBytes: int64(len(part.Content)),
		IsInline:  inline,
		ContentID: part.ContentID,
	}
}

func messageDate(header string, internal time.Time, logger zerolog.Logger) time.Time {
	if header != "" {
		if t, err := mail.ParseDate(header); err == nil {
			return t
		}
	}
	if !internal.IsZero() {
		logger.Warn().Str("date", header).Msg("Unparseable Date header, using internal date")
		return internal
	}
	logger.Warn().Str("date", header).Msg("Unparseable Date header and no internal date, using now")
	return time.Now()
}

func addressList(envelope *enmime.Envelope, header string) []*mail.Address {
	list, err := envelope.AddressList(header)
	if err != nil {
		return nil
	}
	return list
}
