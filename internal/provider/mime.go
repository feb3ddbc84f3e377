package provider

import (
	"bytes"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"
)

// ErrNoRecipients is returned when an outgoing message has no To, CC or BCC address.
var ErrNoRecipients = errors.New("message has no recipients")

const noSubject = "(no subject)"

// Rendered is an outgoing message encoded for the wire.
type Rendered struct {
	Raw        []byte
	MessageID  string
	From       string
	Recipients []string
}

// BuildMIME encodes msg with a fresh Message-ID. BCC recipients are returned in Recipients but
// are not written to the headers.
func BuildMIME(msg *Outgoing) (*Rendered, error) {
	from, err := mail.ParseAddress(msg.From)
	if err != nil {
		return nil, fmt.Errorf("invalid from address %q: %w", msg.From, err)
	}
	if msg.FromName != "" {
		from.Name = msg.FromName
	}

	to, err := parseAddresses(msg.To)
	if err != nil {
		return nil, err
	}
	cc, err := parseAddresses(msg.CC)
	if err != nil {
		return nil, err
	}
	bcc, err := parseAddresses(msg.BCC)
	if err != nil {
		return nil, err
	}
	if len(to)+len(cc)+len(bcc) == 0 {
		return nil, ErrNoRecipients
	}

	subject := msg.Subject
	if strings.TrimSpace(subject) == "" {
		subject = noSubject
	}
	date := msg.Date
	if date.IsZero() {
		date = time.Now()
	}
	messageID := NewMessageID(from.Address)

	b := enmime.Builder().
		From(from.Name, from.Address).
		Subject(subject).
		Date(date).
		Header("Message-ID", messageID)
	if len(to) > 0 {
		b = b.ToAddrs(to)
	}
	if len(cc) > 0 {
		b = b.CCAddrs(cc)
	}
	if len(bcc) > 0 {
		b = b.BCCAddrs(bcc)
	}
	if msg.InReplyTo != "" {
		b = b.Header("In-Reply-To", msg.InReplyTo)
	}
	if len(msg.References) > 0 {
		b = b.Header("References", strings.Join(msg.References, " "))
	}
	if msg.TextBody != "" || msg.HTMLBody == "" {
		b = b.Text([]byte(msg.TextBody))
	}
	if msg.HTMLBody != "" {
		b = b.HTML([]byte(msg.HTMLBody))
	}
	for _, a := range msg.Attachments {
		ct := a.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		b = b.AddAttachment(a.Data, ct, a.Filename)
	}

	part, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build message: %w", err)
	}
	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	recipients := make([]string, 0, len(to)+len(cc)+len(bcc))
	for _, list := range [][]mail.Address{to, cc, bcc} {
		for _, a := range list {
			recipients = append(recipients, a.Address)
		}
	}

	return &Rendered{
		Raw:        buf.Bytes(),
		MessageID:  messageID,
		From:       from.Address,
		Recipients: recipients,
	}, nil
}

func parseAddresses(list []string) ([]mail.Address, error) {
	out := make([]mail.Address, 0, len(list))
	for _, s := range list {
		if strings.TrimSpace(s) == "" {
			continue
		}
		a, err := mail.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", s, err)
		}
		out = append(out, *a)
	}
	return out, nil
}

// NewMessageID returns a fresh bracketed Message-ID in the domain of fromAddress.
func NewMessageID(fromAddress string) string {
	domain := "localhost"
	if i := strings.LastIndex(fromAddress, "@"); i >= 0 && i < len(fromAddress)-1 {
		domain = fromAddress[i+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}
