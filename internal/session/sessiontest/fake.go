// Package sessiontest provides an in-memory session transport for tests.
package sessiontest

import (
	"context"
	"sync"

	"github.com/gluk-w/claworc/shellkeeper/internal/profiles"
	"github.com/gluk-w/claworc/shellkeeper/internal/protocol"
	"github.com/gluk-w/claworc/shellkeeper/internal/session"
	"github.com/gluk-w/claworc/shellkeeper/internal/transport"
)

var _ session.Transport = (*Transport)(nil)

type handler struct {
	id uint64
	fn transport.Handler
}

// Transport is a session.Transport driven by the test. Handlers run
// synchronously on the goroutine that calls Deliver.
type Transport struct {
	ClientSessionID string
	Mode            string
	Profile         profiles.Summary

	// ConnectErr is returned by Connect when set.
	ConnectErr error
	// OnRequest answers Request. Without it Request fails with
	// transport.ErrNotConnected.
	OnRequest func(ctx context.Context, env protocol.Envelope) (protocol.Envelope, error)
	// OnDisconnect runs inside Disconnect.
	OnDisconnect func()

	mu          sync.Mutex
	status      transport.Status
	sessionID   string
	hook        transport.IdentityHook
	handlers    map[protocol.MessageType][]handler
	outputs     map[uint64]transport.OutputHandler
	statusCbs   map[uint64]transport.StatusCallback
	nextID      uint64
	sent        []protocol.Envelope
	input       [][]byte
	connects    int
	disconnects int
}

func NewTransport() *Transport {
	return &Transport{
		status:    transport.StatusDisconnected,
		handlers:  make(map[protocol.MessageType][]handler),
		outputs:   make(map[uint64]transport.OutputHandler),
		statusCbs: make(map[uint64]transport.StatusCallback),
	}
}

func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.connects++
	err := t.ConnectErr
	t.mu.Unlock()
	if err != nil {
		return err
	}
	t.SetStatus(transport.StatusConnecting)
	return nil
}

func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.disconnects++
	fn := t.OnDisconnect
	t.mu.Unlock()
	t.SetStatus(transport.StatusDisconnected)
	if fn != nil {
		fn()
	}
}

func (t *Transport) Status() transport.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// SetStatus changes the status and runs status callbacks.
func (t *Transport) SetStatus(s transport.Status) {
	t.mu.Lock()
	from := t.status
	t.status = s
	cbs := make([]transport.StatusCallback, 0, len(t.statusCbs))
	for _, cb := range t.statusCbs {
		cbs = append(cbs, cb)
	}
	t.mu.Unlock()
	if from == s {
		return
	}
	for _, cb := range cbs {
		cb(from, s)
	}
}

func (t *Transport) OnStatus(cb transport.StatusCallback) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.statusCbs[id] = cb
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.statusCbs, id)
	}
}

func (t *Transport) OnIdentity(hook transport.IdentityHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hook = hook
}

// Identify plays the backend's connected message. The status becomes
// connected when the identity hook accepts it, error otherwise.
func (t *Transport) Identify(sessionID, connectionID string) error {
	t.mu.Lock()
	hook := t.hook
	t.mu.Unlock()
	if hook != nil {
		if err := hook(protocol.Connected{SessionID: sessionID, ConnectionID: connectionID}); err != nil {
			t.SetStatus(transport.StatusError)
			return err
		}
	}
	t.mu.Lock()
	t.sessionID = sessionID
	t.mu.Unlock()
	t.SetStatus(transport.StatusConnected)
	return nil
}

func (t *Transport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

func (t *Transport) OnMessage(typ protocol.MessageType, h transport.Handler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.handlers[typ] = append(t.handlers[typ], handler{id: id, fn: h})
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		list := t.handlers[typ]
		for i, e := range list {
			if e.id == id {
				t.handlers[typ] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

func (t *Transport) OnOutput(h transport.OutputHandler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.outputs[id] = h
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.outputs, id)
	}
}

// Deliver runs the handlers registered for env's type.
func (t *Transport) Deliver(env protocol.Envelope) {
	t.mu.Lock()
	list := append([]handler(nil), t.handlers[env.Type]...)
	t.mu.Unlock()
	for _, h := range list {
		h.fn(env)
	}
}

// DeliverMessage encodes payload and delivers it.
func (t *Transport) DeliverMessage(typ protocol.MessageType, requestID string, payload protocol.Validator) {
	t.Deliver(protocol.MustEncode(typ, requestID, payload))
}

// DeliverOutput runs the output handlers.
func (t *Transport) DeliverOutput(data []byte) {
	t.mu.Lock()
	list := make([]transport.OutputHandler, 0, len(t.outputs))
	for _, h := range t.outputs {
		list = append(list, h)
	}
	t.mu.Unlock()
	for _, h := range list {
		h(data)
	}
}

func (t *Transport) Send(env protocol.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != transport.StatusConnected && t.status != transport.StatusConnecting {
		return transport.ErrNotConnected
	}
	t.sent = append(t.sent, env)
	return nil
}

func (t *Transport) SendInput(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != transport.StatusConnected {
		return transport.ErrNotConnected
	}
	t.input = append(t.input, append([]byte(nil), data...))
	return nil
}

func (t *Transport) Request(ctx context.Context, env protocol.Envelope) (protocol.Envelope, error) {
	t.mu.Lock()
	t.sent = append(t.sent, env)
	fn := t.OnRequest
	t.mu.Unlock()
	if fn == nil {
		return protocol.Envelope{}, transport.ErrNotConnected
	}
	return fn(ctx, env)
}

// Sent returns every envelope passed to Send or Request.
func (t *Transport) Sent() []protocol.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.Envelope(nil), t.sent...)
}

// Input returns every SendInput payload.
func (t *Transport) Input() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.input...)
}

func (t *Transport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

func (t *Transport) Disconnects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnects
}

// Dialer records every transport it creates.
type Dialer struct {
	// Prepare adjusts each transport before the registry uses it.
	Prepare func(t *Transport)

	mu         sync.Mutex
	transports []*Transport
}

func (d *Dialer) Dial(profile profiles.Summary, clientSessionID, mode string) session.Transport {
	t := NewTransport()
	t.ClientSessionID = clientSessionID
	t.Mode = mode
	t.Profile = profile
	if d.Prepare != nil {
		d.Prepare(t)
	}
	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t
}

// Last returns the most recently dialed transport.
func (d *Dialer) Last() *Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

func (d *Dialer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}
