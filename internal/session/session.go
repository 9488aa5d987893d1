package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gluk-w/claworc/shellkeeper/internal/profiles"
	"github.com/gluk-w/claworc/shellkeeper/internal/protocol"
	"github.com/gluk-w/claworc/shellkeeper/internal/transport"
)

// Transport is the session's connection to the backend. *transport.Manager
// implements it.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	Status() transport.Status
	OnStatus(cb transport.StatusCallback) func()
	OnIdentity(hook transport.IdentityHook)
	OnMessage(t protocol.MessageType, h transport.Handler) func()
	OnOutput(h transport.OutputHandler) func()
	Send(env protocol.Envelope) error
	SendInput(data []byte) error
	Request(ctx context.Context, env protocol.Envelope) (protocol.Envelope, error)
	SessionID() string
}

// SubManager is a per-session component torn down with the session.
type SubManager interface {
	Close() error
}

type namedSub struct {
	name string
	sub  SubManager
}

// Session is one client-side shell session.
type Session struct {
	seq       uint64
	profile   profiles.Summary
	createdAt time.Time
	transport Transport

	mu       sync.Mutex
	id       string
	marked   bool
	resuming bool
	pending  [][]byte
	view     io.Writer
	subs     []namedSub
	cleanups []func() error
	closed   bool
}

func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) setID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
}

func (s *Session) Profile() profiles.Summary { return s.profile }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) Transport() Transport { return s.transport }

// MarkedForSuspend reports the local view of the suspend mark.
func (s *Session) MarkedForSuspend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marked
}

func (s *Session) SetMarkedForSuspend(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = v
}

// IsResuming is true from the start of a resume until the last replayed
// chunk arrived.
func (s *Session) IsResuming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resuming
}

func (s *Session) SetResuming(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resuming = v
}

// WriteOutput writes data to the attached view, or queues it until a view
// is attached.
func (s *Session) WriteOutput(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.view == nil {
		s.pending = append(s.pending, append([]byte(nil), data...))
		return nil
	}
	_, err := s.view.Write(data)
	return err
}

// AttachView flushes queued output to view in arrival order and then routes
// all further output to it.
func (s *Session) AttachView(view io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	for len(s.pending) > 0 {
		if _, err := view.Write(s.pending[0]); err != nil {
			return fmt.Errorf("flush pending output: %w", err)
		}
		s.pending = s.pending[1:]
	}
	s.pending = nil
	s.view = view
	return nil
}

// Snapshot returns the visible text of the attached view, or "" when the
// view cannot produce one.
func (s *Session) Snapshot(rows int) string {
	s.mu.Lock()
	view := s.view
	s.mu.Unlock()
	if v, ok := view.(interface{ Snapshot(rows int) string }); ok {
		return v.Snapshot(rows)
	}
	return ""
}

// PendingOutput returns the number of queued output chunks.
func (s *Session) PendingOutput() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// AddSubManager registers a component closed with the session. Components
// are closed in reverse order of registration.
func (s *Session) AddSubManager(name string, sub SubManager) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.subs = append(s.subs, namedSub{name: name, sub: sub})
	return nil
}

// OnCleanup registers fn to run once when the session closes.
func (s *Session) OnCleanup(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.cleanups = append(s.cleanups, fn)
	return nil
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) teardown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs, cleanups := s.subs, s.cleanups
	s.subs, s.cleanups = nil, nil
	s.view, s.pending = nil, nil
	s.mu.Unlock()

	var errs []error
	for i := len(subs) - 1; i >= 0; i-- {
		errs = append(errs, isolate(subs[i].name, subs[i].sub.Close))
	}
	errs = append(errs, isolate("transport", func() error {
		s.transport.Disconnect()
		return nil
	}))
	for i, fn := range cleanups {
		errs = append(errs, isolate(fmt.Sprintf("cleanup %d", i+1), fn))
	}
	return errors.Join(errs...)
}

func isolate(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", name, r)
		}
	}()
	if e := fn(); e != nil {
		return fmt.Errorf("%s: %w", name, e)
	}
	return nil
}
