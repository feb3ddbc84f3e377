package models

import "time"

// Message is the provider-neutral form of one email.
// ID is provider-qualified (see package ids). BodyHTML and BodyText are nil when the body was
// not fetched; a nil body never overwrites a stored one.
type Message struct {
	ID                  string       `json:"id"`
	AccountID           string       `json:"account_id"`
	ThreadID            string       `json:"thread_id"`
	NativeThreadID      string       `json:"native_thread_id,omitempty"`
	MessageIDHeader     string       `json:"message_id_header"`
	InReplyTo           []string     `json:"in_reply_to,omitempty"`
	References          []string     `json:"references,omitempty"`
	FromAddress         string       `json:"from_address"`
	FromName            string       `json:"from_name"`
	ToAddresses         []string     `json:"to_addresses"`
	CCAddresses         []string     `json:"cc_addresses"`
	BCCAddresses        []string     `json:"bcc_addresses"`
	ReplyTo             string       `json:"reply_to,omitempty"`
	Subject             string       `json:"subject"`
	Snippet             string       `json:"snippet"`
	BodyHTML            *string      `json:"body_html,omitempty"`
	BodyText            *string      `json:"body_text,omitempty"`
	SentAt              time.Time    `json:"sent_at"`
	ReceivedAt          time.Time    `json:"received_at"`
	IsRead              bool         `json:"is_read"`
	IsStarred           bool         `json:"is_starred"`
	IsDraft             bool         `json:"is_draft"`
	RawSize             int64        `json:"raw_size"`
	LabelIDs            []string     `json:"label_ids"`
	Attachments         []Attachment `json:"attachments,omitempty"`
	ListUnsubscribe     string       `json:"list_unsubscribe,omitempty"`
	ListUnsubscribePost string       `json:"list_unsubscribe_post,omitempty"`
	AuthResults         string       `json:"auth_results,omitempty"`
	IMAPUID             uint32       `json:"imap_uid,omitempty"`
	IMAPFolder          string       `json:"imap_folder,omitempty"`

	// Notify is set by adapters for newly arrived unread inbox mail. It is not persisted.
	Notify bool `json:"-"`
}

// HasAttachments reports whether any attachment is not inline.
func (m *Message) HasAttachments() bool {
	for _, a := range m.Attachments {
		if !a.IsInline {
			return true
		}
	}
	return false
}

// Attachment describes one MIME part. Bytes are fetched on demand.
type Attachment struct {
	ID         string `json:"id"`
	MessageID  string `json:"message_id"`
	PartID     string `json:"part_id"`
	ProviderID string `json:"provider_id,omitempty"`
	Filename   string `json:"filename"`
	MimeType   string `json:"mime_type"`
	SizeBytes  int64  `json:"size_bytes"`
	IsInline   bool   `json:"is_inline"`
	ContentID  string `json:"content_id,omitempty"`
}

// Thread is the persisted conversation row. Aggregates are recomputed from its messages.
type Thread struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"account_id"`
	Subject        string    `json:"subject"`
	Snippet        string    `json:"snippet"`
	LastMessageAt  time.Time `json:"last_message_at"`
	MessageCount   int       `json:"message_count"`
	IsRead         bool      `json:"is_read"`
	IsStarred      bool      `json:"is_starred"`
	HasAttachments bool      `json:"has_attachments"`
	LabelIDs       []string  `json:"label_ids"`
}

// LabelType separates fixed system labels from user folders/labels.
type LabelType string

const (
	LabelSystem LabelType = "system"
	LabelUser   LabelType = "user"
)

// Label is the canonical tag that unifies IMAP folders, JMAP mailboxes and Gmail labels.
type Label struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	Name        string    `json:"name"`
	Type        LabelType `json:"type"`
	Path        string    `json:"path,omitempty"`
	UnreadCount int       `json:"unread_count"`
	TotalCount  int       `json:"total_count"`
}
