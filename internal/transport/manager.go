package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/claworc/shellkeeper/internal/logging"
	"github.com/gluk-w/claworc/shellkeeper/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrNotConnected   = errors.New("transport is not connected")
	ErrAlreadyStarted = errors.New("transport already started")
	ErrQueueFull      = errors.New("transport send queue is full")
)

// Connection modes understood by the backend.
const (
	ModeNew    = "new"
	ModeResume = "resume"
)

const (
	defaultRequestTimeout = 10 * time.Second
	sendQueueSize         = 256
	writeTimeout          = 10 * time.Second
	readLimit             = 4 << 20
)

// RemoteError is a request the backend answered with an error message.
type RemoteError struct {
	Type    protocol.MessageType
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Type, e.Message)
}

// Options configures a Manager.
type Options struct {
	// ServerURL is the backend base URL, http(s) or ws(s).
	ServerURL       string
	Token           string
	TLSConfig       *tls.Config
	ConnectionID    string
	ClientSessionID string
	// Mode is ModeNew or ModeResume. Empty means ModeNew.
	Mode           string
	RequestTimeout time.Duration
	// HTTPClient overrides the client used for the WebSocket handshake.
	HTTPClient *http.Client
}

// Handler receives one protocol message.
type Handler func(env protocol.Envelope)

// OutputHandler receives live shell output.
type OutputHandler func(data []byte)

// IdentityHook inspects the backend's connected message. Returning an error
// refuses the connection.
type IdentityHook func(c protocol.Connected) error

type handlerEntry struct {
	id uint64
	fn Handler
}

type outputEntry struct {
	id uint64
	fn OutputHandler
}

type frame struct {
	typ  websocket.MessageType
	data []byte
}

// Manager owns the WebSocket of one client session.
type Manager struct {
	opts   Options
	log    zerolog.Logger
	state  *statusTracker
	events *eventQueue
	sendq  chan frame

	ctx        context.Context
	cancel     context.CancelFunc
	dispatched chan struct{}

	mu         sync.Mutex
	started    bool
	closed     bool
	conn       *websocket.Conn
	identity   *protocol.Connected
	onIdentity IdentityHook
	handlers   map[protocol.MessageType][]handlerEntry
	outputs    []outputEntry
	pending    map[string]chan protocol.Envelope
	nextID     uint64
	lastErr    error
}

// New returns an idle Manager.
func New(opts Options) *Manager {
	if opts.Mode == "" {
		opts.Mode = ModeNew
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.ClientSessionID == "" {
		opts.ClientSessionID = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts: opts,
		log: logging.For("transport").With().
			Str("client_session_id", opts.ClientSessionID).
			Str("connection_id", opts.ConnectionID).
			Logger(),
		state:      newStatusTracker(),
		events:     newEventQueue(),
		sendq:      make(chan frame, sendQueueSize),
		ctx:        ctx,
		cancel:     cancel,
		dispatched: make(chan struct{}),
		handlers:   make(map[protocol.MessageType][]handlerEntry),
		pending:    make(map[string]chan protocol.Envelope),
	}
}

// ClientSessionID returns the id this client proposed when dialing.
func (m *Manager) ClientSessionID() string { return m.opts.ClientSessionID }

// ConnectionID returns the profile this transport connects to.
func (m *Manager) ConnectionID() string { return m.opts.ConnectionID }

// Connect starts dialing in the background and returns immediately. ctx
// bounds the handshake only.
func (m *Manager) Connect(ctx context.Context) error {
	target, err := m.dialURL()
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	go m.dispatch()
	m.setStatus(StatusConnecting)

	dialCtx, cancel := context.WithCancel(ctx)
	context.AfterFunc(m.ctx, cancel)
	go func() {
		defer cancel()
		m.run(dialCtx, target)
	}()
	return nil
}

func (m *Manager) dialURL() (string, error) {
	u, err := url.Parse(m.opts.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	q := url.Values{}
	q.Set("connection_id", m.opts.ConnectionID)
	q.Set("mode", m.opts.Mode)
	q.Set("client_session_id", m.opts.ClientSessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (m *Manager) httpClient() *http.Client {
	if m.opts.HTTPClient != nil {
		return m.opts.HTTPClient
	}
	if m.opts.TLSConfig != nil {
		return &http.Client{Transport: &http.Transport{TLSClientConfig: m.opts.TLSConfig}}
	}
	return nil
}

func (m *Manager) run(dialCtx context.Context, target string) {
	opts := &websocket.DialOptions{HTTPClient: m.httpClient()}
	if m.opts.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + m.opts.Token}}
	}
	conn, resp, err := websocket.Dial(dialCtx, target, opts)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("dial %s: %w (HTTP %d)", m.opts.ServerURL, err, resp.StatusCode)
		} else {
			err = fmt.Errorf("dial %s: %w", m.opts.ServerURL, err)
		}
		m.ended(err)
		return
	}
	conn.SetReadLimit(readLimit)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.CloseNow()
		return
	}
	m.conn = conn
	m.mu.Unlock()

	go m.writeLoop(conn)
	m.readLoop(conn)
}

func (m *Manager) writeLoop(conn *websocket.Conn) {
	for {
		select {
		case <-m.ctx.Done():
			return
		case f := <-m.sendq:
			ctx, cancel := context.WithTimeout(m.ctx, writeTimeout)
			err := conn.Write(ctx, f.typ, f.data)
			cancel()
			if err != nil {
				m.log.Debug().Err(err).Msg("websocket write failed")
				conn.CloseNow()
				return
			}
		}
	}
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(context.Background())
		if err != nil {
			m.ended(err)
			return
		}
		switch typ {
		case websocket.MessageBinary:
			m.events.push(func() { m.deliverOutput(data) })
		case websocket.MessageText:
			env, err := protocol.Unmarshal(data)
			if err != nil {
				m.log.Warn().Err(err).Msg("dropping malformed message")
				continue
			}
			m.events.push(func() { m.route(env) })
		}
	}
}

// ended handles the connection going away without Disconnect.
func (m *Manager) ended(err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.lastErr = err
	conn := m.conn
	m.mu.Unlock()

	status := StatusError
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		status = StatusDisconnected
		m.log.Info().Msg("connection closed by server")
	default:
		m.log.Warn().Err(err).Msg("connection lost")
	}
	m.setStatus(status)
	m.cancel()
	if conn != nil {
		conn.CloseNow()
	}
}

// Disconnect closes the connection deliberately. It is safe to call more
// than once and before Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	conn := m.conn
	started := m.started
	m.mu.Unlock()

	if conn != nil {
		go conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	m.setStatus(StatusDisconnected)
	m.cancel()
	if !started {
		close(m.dispatched)
	}
	m.log.Debug().Msg("disconnected")
}

// Done is closed once the connection is over and every queued callback has
// run.
func (m *Manager) Done() <-chan struct{} {
	return m.dispatched
}

// Err returns the error that ended the connection, if it was not closed
// deliberately.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	return m.state.get()
}

// Transitions returns the recent status history.
func (m *Manager) Transitions() []Transition {
	return m.state.history()
}

// OnStatus registers cb for status changes and returns its unregister
// function.
func (m *Manager) OnStatus(cb StatusCallback) func() {
	return m.state.subscribe(cb)
}

func (m *Manager) setStatus(to Status) {
	from, cbs := m.state.set(to)
	if len(cbs) == 0 {
		return
	}
	m.events.push(func() {
		for _, cb := range cbs {
			m.safeRun(func() { cb(from, to) })
		}
	})
}

// Identity returns the backend's connected message, or false before it
// arrived.
func (m *Manager) Identity() (protocol.Connected, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil {
		return protocol.Connected{}, false
	}
	return *m.identity, true
}

// SessionID returns the backend-assigned session id, or "" before the
// connected message arrived.
func (m *Manager) SessionID() string {
	c, _ := m.Identity()
	return c.SessionID
}

// OnIdentity sets the hook run on the first connected message, before the
// status becomes connected.
func (m *Manager) OnIdentity(hook IdentityHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onIdentity = hook
}

// OnMessage registers h for messages of type t and returns its unregister
// function. Responses claimed by Request are not passed to handlers.
func (m *Manager) OnMessage(t protocol.MessageType, h Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.handlers[t] = append(m.handlers[t], handlerEntry{id: id, fn: h})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		list := m.handlers[t]
		for i, e := range list {
			if e.id == id {
				m.handlers[t] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// OnOutput registers h for live shell output and returns its unregister
// function.
func (m *Manager) OnOutput(h OutputHandler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.outputs = append(m.outputs, outputEntry{id: id, fn: h})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, e := range m.outputs {
			if e.id == id {
				m.outputs = append(m.outputs[:i:i], m.outputs[i+1:]...)
				return
			}
		}
	}
}

func (m *Manager) route(env protocol.Envelope) {
	if env.Type == protocol.TypeConnected {
		m.handleConnected(env)
	}
	if env.RequestID != "" {
		m.mu.Lock()
		ch, ok := m.pending[env.RequestID]
		delete(m.pending, env.RequestID)
		m.mu.Unlock()
		if ok {
			ch <- env
			return
		}
	}

	m.mu.Lock()
	list := append([]handlerEntry(nil), m.handlers[env.Type]...)
	m.mu.Unlock()
	if len(list) == 0 && env.Type == protocol.TypeError {
		if msg, err := protocol.Decode[protocol.ErrorMessage](env); err == nil {
			m.log.Warn().Str("message", msg.Message).Msg("backend reported an error")
		}
	}
	for _, h := range list {
		m.safeRun(func() { h.fn(env) })
	}
}

func (m *Manager) handleConnected(env protocol.Envelope) {
	c, err := protocol.Decode[protocol.Connected](env)
	if err != nil {
		m.log.Warn().Err(err).Msg("invalid connected message")
		return
	}
	m.mu.Lock()
	if m.identity != nil {
		m.mu.Unlock()
		return
	}
	m.identity = &c
	hook := m.onIdentity
	m.mu.Unlock()

	m.log.Info().Str("session_id", c.SessionID).Msg("connected")
	if hook != nil {
		var hookErr error
		m.safeRun(func() { hookErr = hook(c) })
		if hookErr != nil {
			m.log.Warn().Err(hookErr).Str("session_id", c.SessionID).Msg("identity refused, closing")
			m.fail(hookErr)
			return
		}
	}
	m.setStatus(StatusConnected)
}

// fail closes the connection and reports status error.
func (m *Manager) fail(err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.lastErr = err
	conn := m.conn
	m.mu.Unlock()

	if conn != nil {
		go conn.Close(websocket.StatusPolicyViolation, "identity refused")
	}
	m.setStatus(StatusError)
	m.cancel()
}

func (m *Manager) deliverOutput(data []byte) {
	m.mu.Lock()
	list := append([]outputEntry(nil), m.outputs...)
	m.mu.Unlock()
	for _, h := range list {
		m.safeRun(func() { h.fn(data) })
	}
}

func (m *Manager) dispatch() {
	defer close(m.dispatched)
	for {
		for _, fn := range m.events.takeAll() {
			m.safeRun(fn)
		}
		select {
		case <-m.events.signal:
		case <-m.ctx.Done():
			for _, fn := range m.events.takeAll() {
				m.safeRun(fn)
			}
			m.events.close()
			return
		}
	}
}

func (m *Manager) safeRun(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Msg("transport callback panicked")
		}
	}()
	fn()
}

func (m *Manager) enqueue(f frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.conn == nil {
		return ErrNotConnected
	}
	select {
	case m.sendq <- f:
		return nil
	default:
		return ErrQueueFull
	}
}

// Send queues env for the backend.
func (m *Manager) Send(env protocol.Envelope) error {
	raw, err := env.Marshal()
	if err != nil {
		return err
	}
	return m.enqueue(frame{typ: websocket.MessageText, data: raw})
}

// SendInput queues keystrokes for the shell.
func (m *Manager) SendInput(data []byte) error {
	return m.enqueue(frame{typ: websocket.MessageBinary, data: append([]byte(nil), data...)})
}

// Request sends env and waits for the message carrying the same request id.
// A request id is assigned when env has none. Without a deadline on ctx the
// configured request timeout applies. An error reply is returned as a
// *RemoteError.
func (m *Manager) Request(ctx context.Context, env protocol.Envelope) (protocol.Envelope, error) {
	if env.RequestID == "" {
		env.RequestID = uuid.NewString()
	}
	ch := make(chan protocol.Envelope, 1)
	m.mu.Lock()
	m.pending[env.RequestID] = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, env.RequestID)
		m.mu.Unlock()
	}()

	if err := m.Send(env); err != nil {
		return protocol.Envelope{}, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.RequestTimeout)
		defer cancel()
	}

	select {
	case resp := <-ch:
		return checkReply(env.Type, resp)
	case <-ctx.Done():
		return protocol.Envelope{}, fmt.Errorf("%s: %w", env.Type, ctx.Err())
	case <-m.ctx.Done():
		select {
		case resp := <-ch:
			return checkReply(env.Type, resp)
		default:
		}
		return protocol.Envelope{}, fmt.Errorf("%s: %w", env.Type, ErrNotConnected)
	}
}

func checkReply(sent protocol.MessageType, resp protocol.Envelope) (protocol.Envelope, error) {
	if resp.Type == protocol.TypeError {
		msg, _ := protocol.Decode[protocol.ErrorMessage](resp)
		return resp, &RemoteError{Type: sent, Message: msg.Message}
	}
	return resp, nil
}
