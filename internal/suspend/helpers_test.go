package suspend

import (
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gluk-w/claworc/shellkeeper/internal/protocol"
	"github.com/stretchr/testify/require"
)

// fakeShell is a Shell whose output is driven by the test.
type fakeShell struct {
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	pending   []byte

	mu      sync.Mutex
	input   strings.Builder
	resized []uint16
	closes  int
}

func newFakeShell() *fakeShell {
	return &fakeShell{out: make(chan []byte), closed: make(chan struct{})}
}

// Emit blocks until the relay has picked the data up.
func (s *fakeShell) Emit(data string) {
	select {
	case s.out <- []byte(data):
	case <-s.closed:
	}
}

func (s *fakeShell) Read(p []byte) (int, error) {
	if len(s.pending) == 0 {
		select {
		case d := <-s.out:
			s.pending = d
		case <-s.closed:
			return 0, io.EOF
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *fakeShell) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.input.Write(p)
	return len(p), nil
}

func (s *fakeShell) Resize(cols, rows uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resized = append(s.resized, cols, rows)
	return nil
}

func (s *fakeShell) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	s.die()
	return nil
}

// die simulates the process exiting on its own.
func (s *fakeShell) die() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *fakeShell) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// fakeSink records everything in arrival order.
type fakeSink struct {
	mu     sync.Mutex
	events []string
	chunks []protocol.OutputCachedChunk
	msgs   []protocol.Envelope
	exited string
}

func (s *fakeSink) SendOutput(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "live:"+string(data))
	return nil
}

func (s *fakeSink) SendMessage(env protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, env)
	if env.Type == protocol.TypeOutputCachedChunk {
		chunk, err := protocol.Decode[protocol.OutputCachedChunk](env)
		if err != nil {
			return err
		}
		s.chunks = append(s.chunks, chunk)
		s.events = append(s.events, "chunk:"+string(chunk.Data))
	}
	return nil
}

func (s *fakeSink) ShellExited(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exited = reason
}

func (s *fakeSink) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func (s *fakeSink) Chunks() []protocol.OutputCachedChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.OutputCachedChunk(nil), s.chunks...)
}

func (s *fakeSink) Messages() []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Envelope(nil), s.msgs...)
}

func (s *fakeSink) Exited() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited
}

var errSinkGone = errors.New("sink gone")

// flakySink accepts failAfter replay messages and then fails every send,
// like a transport that drops mid-replay.
type flakySink struct {
	fakeSink
	failAfter int
	replayed  int
}

func (s *flakySink) SendReplay(env protocol.Envelope) error {
	s.mu.Lock()
	if s.replayed >= s.failAfter {
		s.mu.Unlock()
		return errSinkGone
	}
	s.replayed++
	s.mu.Unlock()
	return s.fakeSink.SendMessage(env)
}

func (s *flakySink) SendMessage(env protocol.Envelope) error {
	return errSinkGone
}

// manualClock hands out timers that only fire when the test says so.
type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (m *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{d: d, f: f}
	m.timers = append(m.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

// FireAll runs every timer callback, stopped or not. The watcher itself must
// ignore callbacks after Stop.
func (m *manualClock) FireAll() {
	m.mu.Lock()
	timers := append([]*manualTimer(nil), m.timers...)
	m.mu.Unlock()
	for _, t := range timers {
		t.f()
	}
}

func (m *manualClock) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func bufferedChunks(c *Coordinator, suspendID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[suspendID]
	if e == nil || e.proc == nil {
		return -1
	}
	e.proc.mu.Lock()
	defer e.proc.mu.Unlock()
	if e.proc.buffer == nil {
		return -1
	}
	return e.proc.buffer.Len()
}

func droppedBytes(c *Coordinator, suspendID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[suspendID]
	if e == nil || e.proc == nil {
		return -1
	}
	e.proc.mu.Lock()
	defer e.proc.mu.Unlock()
	if e.proc.buffer == nil {
		return -1
	}
	return e.proc.buffer.Dropped()
}

func waitBuffered(t *testing.T, c *Coordinator, suspendID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return bufferedChunks(c, suspendID) == n },
		2*time.Second, 5*time.Millisecond, "expected %d buffered chunks", n)
}

func waitEvents(t *testing.T, s *fakeSink, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.Events()) >= n },
		2*time.Second, 5*time.Millisecond, "expected %d sink events", n)
	return s.Events()
}
