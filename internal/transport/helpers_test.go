package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/claworc/shellkeeper/internal/protocol"
	"github.com/stretchr/testify/require"
)

const (
	testWait = 2 * time.Second
	testTick = 5 * time.Millisecond
)

// fakeBackend accepts WebSocket connections and hands them to the test.
type fakeBackend struct {
	srv   *httptest.Server
	conns chan *serverConn
}

type serverConn struct {
	t   *testing.T
	ws  *websocket.Conn
	req *http.Request
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{conns: make(chan *serverConn, 4)}
	release := make(chan struct{})
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		b.conns <- &serverConn{t: t, ws: ws, req: r}
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		b.srv.Close()
	})
	return b
}

func (b *fakeBackend) manager(t *testing.T, mutate ...func(*Options)) *Manager {
	t.Helper()
	opts := Options{
		ServerURL:       b.srv.URL,
		ConnectionID:    "web",
		ClientSessionID: "client-1",
		RequestTimeout:  time.Second,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	m := New(opts)
	t.Cleanup(m.Disconnect)
	return m
}

func (b *fakeBackend) accept(t *testing.T) *serverConn {
	t.Helper()
	select {
	case c := <-b.conns:
		t.Cleanup(func() { c.ws.CloseNow() })
		return c
	case <-time.After(testWait):
		t.Fatal("no connection arrived")
		return nil
	}
}

// connect dials m and completes the connected handshake as sessionID.
func (b *fakeBackend) connect(t *testing.T, m *Manager, sessionID string) *serverConn {
	t.Helper()
	require.NoError(t, m.Connect(context.Background()))
	c := b.accept(t)
	c.send(protocol.TypeConnected, "", &protocol.Connected{SessionID: sessionID, ConnectionID: "web"})
	require.Eventually(t, func() bool { return m.Status() == StatusConnected }, testWait, testTick)
	return c
}

func (c *serverConn) send(t protocol.MessageType, requestID string, payload protocol.Validator) {
	c.t.Helper()
	env, err := protocol.Encode(t, requestID, payload)
	require.NoError(c.t, err)
	raw, err := env.Marshal()
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.Write(context.Background(), websocket.MessageText, raw))
}

func (c *serverConn) read() (websocket.MessageType, []byte) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	typ, data, err := c.ws.Read(ctx)
	require.NoError(c.t, err)
	return typ, data
}

func (c *serverConn) next() protocol.Envelope {
	c.t.Helper()
	typ, data := c.read()
	require.Equal(c.t, websocket.MessageText, typ)
	env, err := protocol.Unmarshal(data)
	require.NoError(c.t, err)
	return env
}

// recorder collects values delivered on the dispatcher.
type recorder[T any] struct {
	ch chan T
}

func newRecorder[T any]() *recorder[T] {
	return &recorder[T]{ch: make(chan T, 64)}
}

func (r *recorder[T]) add(v T) { r.ch <- v }

func (r *recorder[T]) next(t *testing.T) T {
	t.Helper()
	select {
	case v := <-r.ch:
		return v
	case <-time.After(testWait):
		t.Fatal("timed out waiting for callback")
		var zero T
		return zero
	}
}

func (r *recorder[T]) empty(t *testing.T) {
	t.Helper()
	select {
	case v := <-r.ch:
		t.Fatalf("unexpected callback %v", v)
	case <-time.After(50 * time.Millisecond):
	}
}
