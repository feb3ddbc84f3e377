package jmap

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Capabilities used by the adapter.
const (
	CapCore       = "urn:ietf:params:jmap:core"
	CapMail       = "urn:ietf:params:jmap:mail"
	CapSubmission = "urn:ietf:params:jmap:submission"
)

// Session is the JMAP session resource.
type Session struct {
	Username        string            `json:"username"`
	APIURL          string            `json:"apiUrl"`
	DownloadURL     string            `json:"downloadUrl"`
	UploadURL       string            `json:"uploadUrl"`
	PrimaryAccounts map[string]string `json:"primaryAccounts"`
	State           string            `json:"state"`
}

// MailAccountID returns the primary account for mail.
func (s *Session) MailAccountID() (string, error) {
	id := s.PrimaryAccounts[CapMail]
	if id == "" {
		return "", fmt.Errorf("session has no primary mail account")
	}
	return id, nil
}

// Invocation is one method call or response: [name, arguments, call id] on the wire.
type Invocation struct {
	Name   string
	Args   any
	CallID string
}

func (i Invocation) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{i.Name, i.Args, i.CallID})
}

// Response is a method response with undecoded arguments.
type Response struct {
	Name   string
	Args   json.RawMessage
	CallID string
}

func (r *Response) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 3 {
		return fmt.Errorf("invocation has %d elements, want 3", len(parts))
	}
	if err := json.Unmarshal(parts[0], &r.Name); err != nil {
		return err
	}
	r.Args = parts[1]
	return json.Unmarshal(parts[2], &r.CallID)
}

type request struct {
	Using       []string     `json:"using"`
	MethodCalls []Invocation `json:"methodCalls"`
}

type response struct {
	MethodResponses []Response `json:"methodResponses"`
	SessionState    string     `json:"sessionState"`
}

// MethodError is a method-level error response.
type MethodError struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

func (e *MethodError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("jmap method error %s: %s", e.Type, e.Description)
	}
	return "jmap method error " + e.Type
}

// Method error types the adapter reacts to.
const (
	ErrTypeCannotCalculateChanges = "cannotCalculateChanges"
	ErrTypeNotFound               = "notFound"
)

// SetError describes one failed create, update or destroy.
type SetError struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// ResultReference points an argument at the result of an earlier call in the same request.
type ResultReference struct {
	ResultOf string `json:"resultOf"`
	Name     string `json:"name"`
	Path     string `json:"path"`
}

type Mailbox struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ParentID     string `json:"parentId,omitempty"`
	Role         string `json:"role,omitempty"`
	TotalEmails  int    `json:"totalEmails"`
	UnreadEmails int    `json:"unreadEmails"`
}

type EmailAddress struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

type BodyPart struct {
	PartID      string `json:"partId,omitempty"`
	BlobID      string `json:"blobId,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Name        string `json:"name,omitempty"`
	Type        string `json:"type,omitempty"`
	Disposition string `json:"disposition,omitempty"`
	CID         string `json:"cid,omitempty"`
}

type BodyValue struct {
	Value       string `json:"value"`
	IsTruncated bool   `json:"isTruncated,omitempty"`
}

type Email struct {
	ID          string               `json:"id"`
	BlobID      string               `json:"blobId"`
	ThreadID    string               `json:"threadId"`
	MailboxIDs  map[string]bool      `json:"mailboxIds"`
	Keywords    map[string]bool      `json:"keywords"`
	Size        int64                `json:"size"`
	ReceivedAt  time.Time            `json:"receivedAt"`
	MessageID   []string             `json:"messageId"`
	InReplyTo   []string             `json:"inReplyTo"`
	References  []string             `json:"references"`
	From        []EmailAddress       `json:"from"`
	To          []EmailAddress       `json:"to"`
	CC          []EmailAddress       `json:"cc"`
	BCC         []EmailAddress       `json:"bcc"`
	ReplyTo     []EmailAddress       `json:"replyTo"`
	Subject     string               `json:"subject"`
	SentAt      *time.Time           `json:"sentAt"`
	Preview     string               `json:"preview"`
	TextBody    []BodyPart           `json:"textBody"`
	HTMLBody    []BodyPart           `json:"htmlBody"`
	Attachments []BodyPart           `json:"attachments"`
	BodyValues  map[string]BodyValue `json:"bodyValues"`

	ListUnsubscribe     string `json:"header:List-Unsubscribe:asText"`
	ListUnsubscribePost string `json:"header:List-Unsubscribe-Post:asText"`
	AuthResults         string `json:"header:Authentication-Results:asText"`
}

// Keywords with a fixed meaning.
const (
	KeywordSeen    = "$seen"
	KeywordFlagged = "$flagged"
	KeywordDraft   = "$draft"
)

// emailProperties are requested for every fetched email.
var emailProperties = []string{
	"id", "blobId", "threadId", "mailboxIds", "keywords", "size", "receivedAt",
	"messageId", "inReplyTo", "references", "from", "to", "cc", "bcc", "replyTo",
	"subject", "sentAt", "preview", "textBody", "htmlBody", "attachments", "bodyValues",
	"header:List-Unsubscribe:asText", "header:List-Unsubscribe-Post:asText",
	"header:Authentication-Results:asText",
}

type getResponse[T any] struct {
	AccountID string   `json:"accountId"`
	State     string   `json:"state"`
	List      []T      `json:"list"`
	NotFound  []string `json:"notFound"`
}

type changesResponse struct {
	OldState       string   `json:"oldState"`
	NewState       string   `json:"newState"`
	HasMoreChanges bool     `json:"hasMoreChanges"`
	Created        []string `json:"created"`
	Updated        []string `json:"updated"`
	Destroyed      []string `json:"destroyed"`
}

type queryResponse struct {
	QueryState string   `json:"queryState"`
	IDs        []string `json:"ids"`
	Position   int      `json:"position"`
	Total      int      `json:"total"`
}

type setResponse struct {
	NewState     string                    `json:"newState"`
	Created      map[string]map[string]any `json:"created"`
	Updated      map[string]any            `json:"updated"`
	Destroyed    []string                  `json:"destroyed"`
	NotCreated   map[string]SetError       `json:"notCreated"`
	NotUpdated   map[string]SetError       `json:"notUpdated"`
	NotDestroyed map[string]SetError       `json:"notDestroyed"`
}

type Identity struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}
