package testutil

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Credentials accepted by TestSMTPServer.
const (
	SMTPUsername = "test-user"
	SMTPPassword = "test-pass"
)

// ReceivedMessage is one message accepted by the test SMTP server.
type ReceivedMessage struct {
	From string
	To   []string
	Data []byte
}

// MemoryBackend is an in-memory SMTP backend that records every delivered message.
type MemoryBackend struct {
	mu       sync.Mutex
	messages []ReceivedMessage
}

// NewSession implements smtp.Backend.
func (b *MemoryBackend) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &memorySession{backend: b}, nil
}

// Messages returns a copy of the received messages.
func (b *MemoryBackend) Messages() []ReceivedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ReceivedMessage(nil), b.messages...)
}

type memorySession struct {
	backend *MemoryBackend
	authed  bool
	from    string
	to      []string
}

var errAuthRequired = errors.New("authentication required")

func (s *memorySession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *memorySession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != SMTPUsername || password != SMTPPassword {
			return errors.New("invalid credentials")
		}
		s.authed = true
		return nil
	}), nil
}

func (s *memorySession) Mail(from string, _ *smtp.MailOptions) error {
	if !s.authed {
		return errAuthRequired
	}
	s.from = from
	return nil
}

func (s *memorySession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *memorySession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.messages = append(s.backend.messages, ReceivedMessage{From: s.from, To: s.to, Data: data})
	return nil
}

func (s *memorySession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *memorySession) Logout() error {
	return nil
}

// TestSMTPServer is a plain-text SMTP server on a random local port.
type TestSMTPServer struct {
	Address string
	Backend *MemoryBackend
	server  *smtp.Server
}

// NewTestSMTPServer starts a server that is shut down when the test ends.
// It only accepts SMTPUsername and SMTPPassword.
func NewTestSMTPServer(t *testing.T) *TestSMTPServer {
	t.Helper()

	be := &MemoryBackend{}
	s := smtp.NewServer(be)
	s.AllowInsecureAuth = true
	s.Domain = "localhost"

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	go func() {
		_ = s.Serve(listener)
	}()
	t.Cleanup(func() { _ = s.Close() })

	return &TestSMTPServer{Address: listener.Addr().String(), Backend: be, server: s}
}

// Messages returns all messages received by the server.
func (s *TestSMTPServer) Messages() []ReceivedMessage {
	return s.Backend.Messages()
}
