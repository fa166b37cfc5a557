// Package deliverytest provides an in-process SMTP server standing in for a
// remote mail exchanger.
package deliverytest

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
)

// Message is one accepted transaction
type Message struct {
	From string
	To   []string
	Data []byte
}

// Server is a mock remote MX listening on 127.0.0.1
type Server struct {
	Addr string
	Port int

	srv *smtp.Server

	mu       sync.Mutex
	messages []Message
	rcptHook func(to string) error
	delay    time.Duration

	active    atomic.Int32
	maxActive atomic.Int32
}

// NewServer starts a server that is closed when the test ends
func NewServer(tb testing.TB) *Server {
	tb.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("failed to listen: %v", err)
	}

	s := &Server{
		Addr: l.Addr().String(),
		Port: l.Addr().(*net.TCPAddr).Port,
	}
	s.srv = smtp.NewServer(&backend{server: s})
	s.srv.Domain = "mx.test"
	s.srv.ReadTimeout = 10 * time.Second
	s.srv.WriteTimeout = 10 * time.Second
	s.srv.AllowInsecureAuth = true

	go func() { _ = s.srv.Serve(l) }()
	tb.Cleanup(func() { _ = s.srv.Close() })
	return s
}

// OnRcpt installs a hook deciding the reply to RCPT TO; a nil error accepts
func (s *Server) OnRcpt(fn func(to string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rcptHook = fn
}

// SetDelay delays every DATA reply
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Received returns a copy of every accepted message
func (s *Server) Received() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Count returns the number of accepted messages
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// MaxConcurrent returns the highest number of simultaneous transactions seen
func (s *Server) MaxConcurrent() int {
	return int(s.maxActive.Load())
}

type backend struct {
	server *Server
}

func (b *backend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &session{server: b.server}, nil
}

type session struct {
	server *Server
	from   string
	to     []string
	opened bool
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	if s.opened {
		s.server.active.Add(-1)
		s.opened = false
	}
	return nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	if !s.opened {
		s.opened = true
		n := s.server.active.Add(1)
		for {
			max := s.server.maxActive.Load()
			if n <= max || s.server.maxActive.CompareAndSwap(max, n) {
				break
			}
		}
	}
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.server.mu.Lock()
	hook := s.server.rcptHook
	s.server.mu.Unlock()

	if hook != nil {
		if err := hook(to); err != nil {
			return err
		}
	}
	s.to = append(s.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.server.mu.Lock()
	delay := s.server.delay
	s.server.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	s.server.mu.Lock()
	s.server.messages = append(s.server.messages, Message{
		From: s.from,
		To:   append([]string(nil), s.to...),
		Data: data,
	})
	s.server.mu.Unlock()
	return nil
}
