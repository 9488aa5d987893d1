package handlers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/claworc/shellkeeper/internal/audit"
	"github.com/gluk-w/claworc/shellkeeper/internal/database"
	"github.com/gluk-w/claworc/shellkeeper/internal/profiles"
	"github.com/gluk-w/claworc/shellkeeper/internal/protocol"
	"github.com/gluk-w/claworc/shellkeeper/internal/suspend"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const (
	testWait = 2 * time.Second
	testTick = 10 * time.Millisecond
)

const testProfiles = `
profiles:
  - id: web
    name: Web Server
    host: 10.0.0.5
    user: deploy
    password: hunter2
  - id: db
    name: Database
    host: 10.0.0.6
    user: postgres
    password: swordfish
`

// fakeShell is a suspend.Shell driven by the test through a pipe.
type fakeShell struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu     sync.Mutex
	input  bytes.Buffer
	closed bool
}

func newFakeShell() *fakeShell {
	pr, pw := io.Pipe()
	return &fakeShell{pr: pr, pw: pw}
}

func (s *fakeShell) Read(p []byte) (int, error) { return s.pr.Read(p) }

func (s *fakeShell) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input.Write(p)
}

func (s *fakeShell) Resize(cols, rows uint16) error { return nil }

func (s *fakeShell) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.pw.Close()
	return s.pr.Close()
}

// Emit blocks until the coordinator's relay has read data.
func (s *fakeShell) Emit(data string) {
	s.pw.Write([]byte(data))
}

// Exit simulates the shell process ending on its own.
func (s *fakeShell) Exit() {
	s.pw.Close()
}

func (s *fakeShell) Input() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input.String()
}

func (s *fakeShell) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type nopSink struct{}

func (nopSink) SendOutput([]byte) error { return nil }

func (nopSink) SendMessage(protocol.Envelope) error { return nil }

func (nopSink) ShellExited(string) {}

type testBackend struct {
	srv     *httptest.Server
	coord   *suspend.Coordinator
	auditor *audit.Auditor
	metrics *suspend.Metrics
	shells  chan *fakeShell
	token   string

	mu       sync.Mutex
	startErr error
}

func (b *testBackend) failStarts(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startErr = err
}

func newTestBackend(t *testing.T, token string, configure ...func(*suspend.Options)) *testBackend {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)

	catalog, err := profiles.Parse([]byte(testProfiles), t.TempDir())
	require.NoError(t, err)

	b := &testBackend{
		auditor: audit.NewAuditor(db, 0),
		metrics: suspend.NewMetrics(prometheus.NewRegistry()),
		shells:  make(chan *fakeShell, 8),
		token:   token,
	}
	opts := suspend.Options{
		Store:   suspend.NewGormStore(db),
		Auditor: b.auditor,
		Metrics: b.metrics,
	}
	for _, fn := range configure {
		fn(&opts)
	}
	b.coord = suspend.NewCoordinator(opts)
	t.Cleanup(b.coord.Close)

	var mu sync.Mutex
	seq := 0
	s := &Server{
		Coordinator: b.coord,
		Profiles:    catalog,
		Auditor:     b.auditor,
		DB:          db,
		Starter: StarterFunc(func(ctx context.Context, p profiles.Profile) (suspend.Shell, error) {
			b.mu.Lock()
			err := b.startErr
			b.mu.Unlock()
			if err != nil {
				return nil, err
			}
			sh := newFakeShell()
			b.shells <- sh
			return sh, nil
		}),
		NewSessionID: func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return "sess-" + strconv.Itoa(seq)
		},
	}
	b.srv = httptest.NewServer(s.Router(RouterOptions{APIToken: token}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *testBackend) nextShell(t *testing.T) *fakeShell {
	t.Helper()
	select {
	case sh := <-b.shells:
		return sh
	case <-time.After(5 * time.Second):
		t.Fatal("shell was not started")
		return nil
	}
}

// hangingEntry creates a suspended entry for connection "web" without a
// WebSocket.
func (b *testBackend) hangingEntry(t *testing.T, sessionID string) (string, *fakeShell) {
	t.Helper()
	sh := newFakeShell()
	require.NoError(t, b.coord.Attach(sessionID, "web", "Web Server", sh, nopSink{}))
	require.NoError(t, b.coord.Mark(sessionID, ""))
	id := b.coord.TransportLost(sessionID)
	require.NotEmpty(t, id)
	return id, sh
}

func (b *testBackend) request(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, b.srv.URL+path, r)
	require.NoError(t, err)
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (b *testBackend) dial(t *testing.T, query string) *wsClient {
	t.Helper()
	c, err := b.tryDial(query)
	require.NoError(t, err)
	t.Cleanup(func() { c.CloseNow() })
	return &wsClient{t: t, conn: c}
}

func (b *testBackend) tryDial(query string) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	opts := &websocket.DialOptions{}
	if b.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + b.token}}
	}
	url := "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws?" + query
	c, resp, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		if resp != nil {
			return nil, &dialError{status: resp.StatusCode, err: err}
		}
		return nil, err
	}
	return c, nil
}

type dialError struct {
	status int
	err    error
}

func (e *dialError) Error() string { return e.err.Error() }

func dialStatus(err error) int {
	var de *dialError
	if errors.As(err, &de) {
		return de.status
	}
	return 0
}

func (c *wsClient) read() (websocket.MessageType, []byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.conn.Read(ctx)
}

// next returns the next envelope, failing on binary frames.
func (c *wsClient) next() protocol.Envelope {
	c.t.Helper()
	typ, data, err := c.read()
	require.NoError(c.t, err)
	require.Equal(c.t, websocket.MessageText, typ, "unexpected binary frame %q", data)
	env, err := protocol.Unmarshal(data)
	require.NoError(c.t, err)
	return env
}

func (c *wsClient) output() string {
	c.t.Helper()
	typ, data, err := c.read()
	require.NoError(c.t, err)
	require.Equal(c.t, websocket.MessageBinary, typ, "unexpected text frame %s", data)
	return string(data)
}

func (c *wsClient) send(typ protocol.MessageType, requestID string, payload protocol.Validator) {
	c.t.Helper()
	env, err := protocol.Encode(typ, requestID, payload)
	require.NoError(c.t, err)
	raw, err := env.Marshal()
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.Write(context.Background(), websocket.MessageText, raw))
}

func (c *wsClient) connected() protocol.Connected {
	c.t.Helper()
	env := c.next()
	require.Equal(c.t, protocol.TypeConnected, env.Type)
	m, err := protocol.Decode[protocol.Connected](env)
	require.NoError(c.t, err)
	return m
}

func decode[T any, PT interface {
	*T
	protocol.Validator
}](t *testing.T, env protocol.Envelope, want protocol.MessageType) T {
	t.Helper()
	require.Equal(t, want, env.Type, "payload %s", env.Payload)
	m, err := protocol.Decode[T, PT](env)
	require.NoError(t, err)
	return m
}
