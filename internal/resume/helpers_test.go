package resume_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gluk-w/claworc/shellkeeper/internal/profiles"
	"github.com/gluk-w/claworc/shellkeeper/internal/protocol"
	"github.com/gluk-w/claworc/shellkeeper/internal/resume"
	"github.com/gluk-w/claworc/shellkeeper/internal/session"
	"github.com/gluk-w/claworc/shellkeeper/internal/session/sessiontest"
	"github.com/stretchr/testify/require"
)

var webProfile = profiles.Summary{ID: "web", DisplayName: "Web Server", Type: profiles.TypeSSH}

var suspendedAt = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func hangingEntry(id string) protocol.SuspendedSessionEntry {
	return protocol.SuspendedSessionEntry{
		SuspendID:      id,
		ConnectionID:   "web",
		ConnectionName: "Web Server",
		SuspendedAt:    suspendedAt,
		BackendStatus:  protocol.StatusHanging,
	}
}

type notice struct {
	level, msg string
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notice
}

func (n *recordingNotifier) add(level, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice{level, msg})
}

func (n *recordingNotifier) Info(msg string)  { n.add("info", msg) }
func (n *recordingNotifier) Warn(msg string)  { n.add("warn", msg) }
func (n *recordingNotifier) Error(msg string) { n.add("error", msg) }

func (n *recordingNotifier) all(level string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, x := range n.notices {
		if x.level == level {
			out = append(out, x.msg)
		}
	}
	return out
}

// fakeAPI answers out-of-band operations from an in-memory entry list.
type fakeAPI struct {
	mu      sync.Mutex
	entries []protocol.SuspendedSessionEntry
	calls   []string
	refuse  string
}

func (a *fakeAPI) record(call string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, call)
}

func (a *fakeAPI) List(ctx context.Context) ([]protocol.SuspendedSessionEntry, error) {
	a.record("list")
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]protocol.SuspendedSessionEntry(nil), a.entries...), nil
}

func (a *fakeAPI) result(call, id string) (protocol.OperationResult, error) {
	a.record(call + " " + id)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.refuse != "" {
		return protocol.OperationResult{SuspendID: id, Error: a.refuse}, nil
	}
	return protocol.OperationResult{SuspendID: id, Success: true}, nil
}

func (a *fakeAPI) Terminate(ctx context.Context, id string) (protocol.OperationResult, error) {
	return a.result("terminate", id)
}

func (a *fakeAPI) Remove(ctx context.Context, id string) (protocol.OperationResult, error) {
	return a.result("remove", id)
}

func (a *fakeAPI) Rename(ctx context.Context, id, name string) (protocol.OperationResult, error) {
	return a.result("rename", id)
}

func (a *fakeAPI) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

type fixture struct {
	ctrl   *resume.Controller
	reg    *session.Registry
	dialer *sessiontest.Dialer
	notes  *recordingNotifier
	api    *fakeAPI
	sleeps int

	// onSleep runs on every connect poll.
	onSleep func()
}

func newFixture(t *testing.T, mutate ...func(*resume.Options)) *fixture {
	t.Helper()
	f := &fixture{
		dialer: &sessiontest.Dialer{},
		notes:  &recordingNotifier{},
		api:    &fakeAPI{entries: []protocol.SuspendedSessionEntry{hangingEntry("U1")}},
	}
	f.reg = session.NewRegistry(f.dialer.Dial)
	t.Cleanup(func() { f.reg.CloseAll() })

	opts := resume.Options{
		Registry:       f.reg,
		API:            f.api,
		Notifier:       f.notes,
		ConnectTimeout: 5 * time.Second,
		PollInterval:   100 * time.Millisecond,
		Sleep: func(ctx context.Context, d time.Duration) error {
			f.sleeps++
			if f.onSleep != nil {
				f.onSleep()
			}
			return ctx.Err()
		},
	}
	for _, m := range mutate {
		m(&opts)
	}
	f.ctrl = resume.New(opts)
	return f
}

// live opens a session through the controller and plays the backend's
// connected message for it.
func (f *fixture) live(t *testing.T, backendID string) (*session.Session, *sessiontest.Transport) {
	t.Helper()
	s, err := f.ctrl.Open(context.Background(), webProfile)
	require.NoError(t, err)
	tr := f.dialer.Last()
	require.NoError(t, tr.Identify(backendID, webProfile.ID))
	require.Equal(t, backendID, s.ID())
	return s, tr
}

func (f *fixture) refresh(t *testing.T) {
	t.Helper()
	require.NoError(t, f.ctrl.Refresh(context.Background()))
}

func lastSent(t *testing.T, tr *sessiontest.Transport) protocol.Envelope {
	t.Helper()
	sent := tr.Sent()
	require.NotEmpty(t, sent)
	return sent[len(sent)-1]
}

func reply(t protocol.MessageType, requestID string, payload protocol.Validator) protocol.Envelope {
	return protocol.MustEncode(t, requestID, payload)
}
