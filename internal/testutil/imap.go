package testutil

import (
	"bytes"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
)

// Credentials of the default user created by the in-memory backend.
const (
	IMAPUsername = "username"
	IMAPPassword = "password"
)

// TestIMAPServer is an in-memory IMAP server on a random local port.
// INBOX already holds one seen message created by the backend.
type TestIMAPServer struct {
	Address string
	Backend *memory.Backend
	server  *server.Server
}

// NewTestIMAPServer starts a server that is shut down when the test ends.
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	be := memory.New()
	s := server.New(be)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	go func() {
		_ = s.Serve(listener)
	}()
	t.Cleanup(func() { _ = s.Close() })

	return &TestIMAPServer{Address: listener.Addr().String(), Backend: be, server: s}
}

// Host and Port split Address for account settings.
func (s *TestIMAPServer) Host() string {
	host, _, _ := net.SplitHostPort(s.Address)
	return host
}

func (s *TestIMAPServer) Port() int {
	_, port, _ := net.SplitHostPort(s.Address)
	var n int
	_, _ = fmt.Sscanf(port, "%d", &n)
	return n
}

// Connect opens a logged-in client that is closed when the test ends.
func (s *TestIMAPServer) Connect(t *testing.T) *imapclient.Client {
	t.Helper()

	c, err := imapclient.Dial(s.Address)
	if err != nil {
		t.Fatalf("Failed to connect to test server: %v", err)
	}
	if err := c.Login(IMAPUsername, IMAPPassword); err != nil {
		_ = c.Logout()
		t.Fatalf("Failed to login: %v", err)
	}
	t.Cleanup(func() { _ = c.Logout() })
	return c
}

// CreateMailbox creates a folder for the default user.
func (s *TestIMAPServer) CreateMailbox(t *testing.T, name string) {
	t.Helper()

	if err := s.Connect(t).Create(name); err != nil {
		t.Fatalf("Failed to create mailbox %s: %v", name, err)
	}
}

// TestMessage describes a message appended by AddMessage.
type TestMessage struct {
	MessageID  string
	InReplyTo  string
	References string
	Subject    string
	From       string
	To         string
	Date       time.Time
	Body       string
	Flags      []string
}

// Raw renders the message as RFC 5322 text.
func (m TestMessage) Raw() []byte {
	var b strings.Builder
	if m.MessageID != "" {
		fmt.Fprintf(&b, "Message-ID: %s\r\n", m.MessageID)
	}
	if m.InReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", m.InReplyTo)
	}
	if m.References != "" {
		fmt.Fprintf(&b, "References: %s\r\n", m.References)
	}
	if !m.Date.IsZero() {
		fmt.Fprintf(&b, "Date: %s\r\n", m.Date.Format(time.RFC1123Z))
	}
	from := m.From
	if from == "" {
		from = "Sender <sender@example.com>"
	}
	to := m.To
	if to == "" {
		to = "username@example.com"
	}
	body := m.Body
	if body == "" {
		body = "Test message body."
	}
	fmt.Fprintf(&b, "From: %s\r\nTo: %s\r\nSubject: %s\r\n", from, to, m.Subject)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
	return []byte(b.String())
}

// AddMessage appends m to folder and returns its UID.
func (s *TestIMAPServer) AddMessage(t *testing.T, folder string, m TestMessage) uint32 {
	t.Helper()
	return s.AppendRaw(t, folder, m.Flags, m.Raw())
}

// AppendRaw appends a raw message to folder and returns its UID.
func (s *TestIMAPServer) AppendRaw(t *testing.T, folder string, flags []string, raw []byte) uint32 {
	t.Helper()

	c := s.Connect(t)
	status, err := c.Status(folder, []imap.StatusItem{imap.StatusUidNext})
	if err != nil {
		t.Fatalf("Failed to read status of %s: %v", folder, err)
	}
	if err := c.Append(folder, flags, time.Now(), bytes.NewBuffer(raw)); err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}
	return status.UidNext
}

// UIDs lists the UIDs currently in folder.
func (s *TestIMAPServer) UIDs(t *testing.T, folder string) []uint32 {
	t.Helper()

	c := s.Connect(t)
	if _, err := c.Select(folder, true); err != nil {
		t.Fatalf("Failed to select %s: %v", folder, err)
	}
	uids, err := c.UidSearch(imap.NewSearchCriteria())
	if err != nil {
		t.Fatalf("Failed to search %s: %v", folder, err)
	}
	return uids
}

// Flags returns the flags of one message.
func (s *TestIMAPServer) Flags(t *testing.T, folder string, uid uint32) []string {
	t.Helper()

	c := s.Connect(t)
	if _, err := c.Select(folder, true); err != nil {
		t.Fatalf("Failed to select %s: %v", folder, err)
	}
	set := new(imap.SeqSet)
	set.AddNum(uid)
	ch := make(chan *imap.Message, 1)
	if err := c.UidFetch(set, []imap.FetchItem{imap.FetchFlags, imap.FetchUid}, ch); err != nil {
		t.Fatalf("Failed to fetch flags: %v", err)
	}
	for msg := range ch {
		return msg.Flags
	}
	return nil
}
