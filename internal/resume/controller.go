package resume

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gluk-w/claworc/shellkeeper/internal/logging"
	"github.com/gluk-w/claworc/shellkeeper/internal/logutil"
	"github.com/gluk-w/claworc/shellkeeper/internal/profiles"
	"github.com/gluk-w/claworc/shellkeeper/internal/protocol"
	"github.com/gluk-w/claworc/shellkeeper/internal/session"
	"github.com/gluk-w/claworc/shellkeeper/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrEntryNotFound  = errors.New("suspended session not found")
	ErrNotResumable   = errors.New("suspended session is no longer running")
	ErrConnectTimeout = errors.New("could not reach server to resume")
	ErrNoBackend      = errors.New("no connected session and no API client")
)

// RejectedError is a refusal from the backend. Reason is the backend's
// message, unchanged.
type RejectedError struct {
	Op     string
	Reason string
}

func (e *RejectedError) Error() string { return e.Reason }

// Status is the client's view of a suspended entry.
type Status string

const (
	StatusHanging      Status = "hanging"
	StatusDisconnected Status = "disconnected_by_backend"
	StatusTerminated   Status = "terminated"
)

// Entry is a suspended session as the client last saw it.
type Entry struct {
	protocol.SuspendedSessionEntry
	Status Status
	// TerminatedReason is set when the backend terminated the entry on its own.
	TerminatedReason string
}

// API performs out-of-band operations over REST. *apiclient.Client
// implements it.
type API interface {
	List(ctx context.Context) ([]protocol.SuspendedSessionEntry, error)
	Terminate(ctx context.Context, suspendID string) (protocol.OperationResult, error)
	Remove(ctx context.Context, suspendID string) (protocol.OperationResult, error)
	Rename(ctx context.Context, suspendID, name string) (protocol.OperationResult, error)
}

// Options configures a Controller.
type Options struct {
	Registry *session.Registry
	// Catalog resolves connection ids when resuming. Without it the entry's
	// own connection name is used.
	Catalog profiles.Catalog
	// API serves out-of-band operations while no transport is connected.
	API      API
	Notifier Notifier

	ConnectTimeout time.Duration
	PollInterval   time.Duration
	// Sleep waits between connect polls.
	Sleep func(ctx context.Context, d time.Duration) error
	// SnapshotRows bounds the terminal snapshot sent with a mark.
	SnapshotRows int
}

type ackKind int

const (
	ackMark ackKind = iota
	ackUnmark
)

type pendingAck struct {
	session *session.Session
	seq     uint64
	kind    ackKind
}

// Controller drives suspend and resume for the sessions of one registry.
type Controller struct {
	reg            *session.Registry
	catalog        profiles.Catalog
	api            API
	notify         Notifier
	connectTimeout time.Duration
	poll           time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
	rows           int
	newRequestID   func() string
	log            zerolog.Logger

	mu        sync.Mutex
	entries   []Entry
	acks      map[string]pendingAck
	latest    map[*session.Session]uint64
	seq       uint64
	announced map[string]bool
}

// New returns a controller for opts.Registry.
func New(opts Options) *Controller {
	c := &Controller{
		reg:            opts.Registry,
		catalog:        opts.Catalog,
		api:            opts.API,
		notify:         opts.Notifier,
		connectTimeout: opts.ConnectTimeout,
		poll:           opts.PollInterval,
		sleep:          opts.Sleep,
		rows:           opts.SnapshotRows,
		newRequestID:   uuid.NewString,
		log:            logging.For("resume"),
		acks:           make(map[string]pendingAck),
		latest:         make(map[*session.Session]uint64),
		announced:      make(map[string]bool),
	}
	if c.notify == nil {
		c.notify = LogNotifier{Log: c.log}
	}
	if c.connectTimeout <= 0 {
		c.connectTimeout = 5 * time.Second
	}
	if c.poll <= 0 {
		c.poll = 100 * time.Millisecond
	}
	if c.sleep == nil {
		c.sleep = sleepCtx
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Open starts a new shell session for profile.
func (c *Controller) Open(ctx context.Context, profile profiles.Summary) (*session.Session, error) {
	return c.open(ctx, profile, session.OpenOptions{})
}

func (c *Controller) open(ctx context.Context, profile profiles.Summary, opts session.OpenOptions) (*session.Session, error) {
	opts.Setup = c.install
	return c.reg.Open(ctx, profile, opts)
}

// install registers the controller's handlers on a session's transport
// before it connects. They are removed when the session closes.
func (c *Controller) install(s *session.Session) error {
	t := s.Transport()
	unsubs := []func(){
		t.OnOutput(func(data []byte) { c.writeOutput(s, data) }),
		t.OnMessage(protocol.TypeMarkedForSuspendAck, func(env protocol.Envelope) { c.handleAck(s, env) }),
		t.OnMessage(protocol.TypeUnmarkedForSuspendAck, func(env protocol.Envelope) { c.handleAck(s, env) }),
		t.OnMessage(protocol.TypeOutputCachedChunk, func(env protocol.Envelope) { c.handleChunk(s, env) }),
		t.OnMessage(protocol.TypeAutoTerminated, c.handleAutoTerminated),
		t.OnMessage(protocol.TypeError, func(env protocol.Envelope) { c.handleError(s, env) }),
	}
	return s.OnCleanup(func() error {
		for _, unsub := range unsubs {
			unsub()
		}
		c.forget(s)
		return nil
	})
}

func (c *Controller) forget(s *session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.latest, s)
	for id, p := range c.acks {
		if p.session == s {
			delete(c.acks, id)
		}
	}
}

func (c *Controller) writeOutput(s *session.Session, data []byte) {
	if err := s.WriteOutput(data); err != nil && !errors.Is(err, session.ErrSessionClosed) {
		c.log.Warn().Err(err).Str("session_id", s.ID()).Msg("write output")
	}
}

// Mark asks the backend to keep the session's shell alive if its transport
// drops. The local flag is set immediately and rolled back if the backend
// refuses.
func (c *Controller) Mark(sessionID string) error {
	s, ok := c.reg.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrSessionNotFound, sessionID)
	}
	msg := &protocol.MarkForSuspend{
		SessionID:             s.ID(),
		InitialOutputSnapshot: protocol.TrimSnapshot(s.Snapshot(c.rows)),
	}
	prev := s.MarkedForSuspend()
	s.SetMarkedForSuspend(true)
	if err := c.sendTracked(s, ackMark, protocol.TypeMarkForSuspend, msg); err != nil {
		s.SetMarkedForSuspend(prev)
		return fmt.Errorf("mark for suspend: %w", err)
	}
	c.log.Info().Str("session_id", s.ID()).Int("snapshot_bytes", len(msg.InitialOutputSnapshot)).Msg("mark requested")
	return nil
}

// Unmark cancels a mark. The local flag changes only when the backend
// acknowledges it.
func (c *Controller) Unmark(sessionID string) error {
	s, ok := c.reg.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrSessionNotFound, sessionID)
	}
	if err := c.sendTracked(s, ackUnmark, protocol.TypeUnmarkForSuspend, &protocol.UnmarkForSuspend{SessionID: s.ID()}); err != nil {
		return fmt.Errorf("unmark for suspend: %w", err)
	}
	c.log.Info().Str("session_id", s.ID()).Msg("unmark requested")
	return nil
}

// sendTracked sends a mark or unmark and records it as the newest request
// of the session. Acks for older requests are dropped on arrival.
func (c *Controller) sendTracked(s *session.Session, kind ackKind, t protocol.MessageType, payload protocol.Validator) error {
	reqID := c.newRequestID()
	env, err := protocol.Encode(t, reqID, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.seq++
	seq := c.seq
	prevLatest, hadLatest := c.latest[s]
	c.latest[s] = seq
	c.acks[reqID] = pendingAck{session: s, seq: seq, kind: kind}
	c.mu.Unlock()

	if err := s.Transport().Send(env); err != nil {
		c.mu.Lock()
		delete(c.acks, reqID)
		if c.latest[s] == seq {
			if hadLatest {
				c.latest[s] = prevLatest
			} else {
				delete(c.latest, s)
			}
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// claimAck removes the pending record for reqID. stale is true when a newer
// request was sent for the same session after this one.
func (c *Controller) claimAck(s *session.Session, reqID string) (p pendingAck, ok, stale bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok = c.acks[reqID]
	if !ok || p.session != s {
		return pendingAck{}, false, false
	}
	delete(c.acks, reqID)
	return p, true, c.latest[s] != p.seq
}

func (c *Controller) handleAck(s *session.Session, env protocol.Envelope) {
	p, ok, stale := c.claimAck(s, env.RequestID)
	if !ok {
		c.log.Debug().Str("session_id", s.ID()).Str("type", string(env.Type)).Msg("unsolicited ack dropped")
		return
	}
	if stale {
		c.log.Debug().Str("session_id", s.ID()).Str("type", string(env.Type)).Msg("stale ack dropped")
		return
	}
	want := protocol.TypeMarkedForSuspendAck
	if p.kind == ackUnmark {
		want = protocol.TypeUnmarkedForSuspendAck
	}
	if env.Type != want {
		c.log.Warn().Str("session_id", s.ID()).Str("type", string(env.Type)).Str("expected", string(want)).Msg("ack type mismatch dropped")
		return
	}
	ack, err := protocol.Decode[protocol.SuspendAck](env)
	if err != nil {
		c.log.Warn().Err(err).Str("session_id", s.ID()).Msg("malformed ack dropped")
		return
	}
	c.applyAck(s, p.kind, ack.Success, ack.Error)
}

// handleError routes error replies to mark and unmark requests as failed
// acks. Other errors are shown to the user.
func (c *Controller) handleError(s *session.Session, env protocol.Envelope) {
	msg, err := protocol.Decode[protocol.ErrorMessage](env)
	if err != nil {
		c.log.Warn().Err(err).Str("session_id", s.ID()).Msg("malformed error message dropped")
		return
	}
	if env.RequestID != "" {
		if p, ok, stale := c.claimAck(s, env.RequestID); ok {
			if !stale {
				c.applyAck(s, p.kind, false, msg.Message)
			}
			return
		}
	}
	c.notify.Error(msg.Message)
}

func (c *Controller) applyAck(s *session.Session, kind ackKind, success bool, reason string) {
	switch {
	case kind == ackMark && success:
		s.SetMarkedForSuspend(true)
		c.log.Info().Str("session_id", s.ID()).Msg("session marked for suspend")
		c.notify.Info("Session will be kept alive if the connection drops")
	case kind == ackMark:
		s.SetMarkedForSuspend(false)
		c.notify.Error("Could not mark session for suspend: " + reason)
	case success:
		s.SetMarkedForSuspend(false)
		c.log.Info().Str("session_id", s.ID()).Msg("session unmarked for suspend")
		c.notify.Info("Session will end if the connection drops")
	default:
		c.notify.Error("Could not unmark session for suspend: " + reason)
	}
}

func (c *Controller) handleChunk(s *session.Session, env protocol.Envelope) {
	chunk, err := protocol.Decode[protocol.OutputCachedChunk](env)
	if err != nil {
		c.log.Warn().Err(err).Str("session_id", s.ID()).Msg("malformed replay chunk dropped")
		return
	}
	if target, ok := c.reg.Get(chunk.NewSessionID); !ok || target != s {
		c.log.Warn().Str("session_id", s.ID()).Str("target", chunk.NewSessionID).Msg("replay chunk for unknown session dropped")
		return
	}
	c.writeOutput(s, chunk.Data)
	if chunk.IsLastChunk {
		s.SetResuming(false)
		c.log.Debug().Str("session_id", s.ID()).Msg("replay complete")
	}
}

func (c *Controller) handleAutoTerminated(env protocol.Envelope) {
	m, err := protocol.Decode[protocol.AutoTerminated](env)
	if err != nil {
		c.log.Warn().Err(err).Msg("malformed auto-terminated notification dropped")
		return
	}

	c.mu.Lock()
	if c.announced[m.SuspendID] {
		c.mu.Unlock()
		return
	}
	c.announced[m.SuspendID] = true
	name := m.SuspendID
	for i := range c.entries {
		if c.entries[i].SuspendID == m.SuspendID {
			c.entries[i].Status = StatusTerminated
			c.entries[i].TerminatedReason = m.Reason
			name = c.entries[i].DisplayName()
		}
	}
	c.mu.Unlock()

	c.log.Info().Str("suspend_id", m.SuspendID).Str("reason", m.Reason).Msg("suspended session auto-terminated")
	c.notify.Warn(fmt.Sprintf("Suspended session %q was terminated by the server (%s)", name, describeReason(m.Reason)))
}

func describeReason(reason string) string {
	switch reason {
	case protocol.ReasonIdleTimeout:
		return "idle timeout"
	case protocol.ReasonShutdown:
		return "server shutdown"
	default:
		return reason
	}
}

// liveTransport returns the transport of the oldest connected session.
func (c *Controller) liveTransport() session.Transport {
	for _, s := range c.reg.List() {
		if t := s.Transport(); t.Status() == transport.StatusConnected {
			return t
		}
	}
	return nil
}

// Refresh replaces the local entry list with the backend's.
func (c *Controller) Refresh(ctx context.Context) error {
	var entries []protocol.SuspendedSessionEntry
	if t := c.liveTransport(); t != nil {
		env, err := protocol.Encode(protocol.TypeListSuspended, "", &protocol.ListSuspended{})
		if err != nil {
			return err
		}
		resp, err := t.Request(ctx, env)
		if err != nil {
			return fmt.Errorf("list suspended: %w", err)
		}
		if resp.Type != protocol.TypeSuspendedListResponse {
			return fmt.Errorf("list suspended: unexpected reply %s", resp.Type)
		}
		list, err := protocol.Decode[protocol.SuspendedList](resp)
		if err != nil {
			return fmt.Errorf("list suspended: %w", err)
		}
		entries = list.Entries
	} else if c.api != nil {
		var err error
		if entries, err = c.api.List(ctx); err != nil {
			return err
		}
	} else {
		return ErrNoBackend
	}

	next := make([]Entry, 0, len(entries))
	for _, e := range entries {
		next = append(next, Entry{SuspendedSessionEntry: e, Status: Status(e.BackendStatus)})
	}
	c.mu.Lock()
	c.entries = next
	c.mu.Unlock()
	c.log.Debug().Int("entries", len(next)).Msg("suspended list refreshed")
	return nil
}

// Entries returns a copy of the local entry list.
func (c *Controller) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry(nil), c.entries...)
}

func (c *Controller) entry(suspendID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.SuspendID == suspendID {
			return e, true
		}
	}
	return Entry{}, false
}

func (c *Controller) removeEntry(suspendID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.entries {
		if e.SuspendID == suspendID {
			c.entries = append(c.entries[:i:i], c.entries[i+1:]...)
			return
		}
	}
}

func (c *Controller) setCustomName(suspendID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.entries {
		if c.entries[i].SuspendID == suspendID {
			c.entries[i].CustomName = name
		}
	}
}

// Resume reattaches the suspended shell suspendID to a new session and
// returns the session's id. The replayed output is written to the session
// before Resume returns.
func (c *Controller) Resume(ctx context.Context, suspendID string) (string, error) {
	entry, ok := c.entry(suspendID)
	if !ok {
		c.notify.Error("Suspended session not found")
		return "", fmt.Errorf("%w: %s", ErrEntryNotFound, suspendID)
	}
	if entry.Status != StatusHanging {
		c.notify.Error(fmt.Sprintf("Suspended session %q is no longer running", entry.DisplayName()))
		return "", fmt.Errorf("%w: %s is %s", ErrNotResumable, suspendID, entry.Status)
	}
	profile, err := c.resolve(entry)
	if err != nil {
		c.notify.Error(err.Error())
		return "", err
	}
	log := c.log.With().Str("suspend_id", suspendID).Str("name", logutil.SanitizeForLog(entry.DisplayName())).Logger()

	s, err := c.open(ctx, profile, session.OpenOptions{Mode: transport.ModeResume, Resuming: true})
	if err != nil {
		c.notify.Error(ErrConnectTimeout.Error())
		return "", fmt.Errorf("open resume session: %w", err)
	}

	if err := c.awaitConnected(ctx, s); err != nil {
		c.discard(s)
		log.Warn().Err(err).Msg("resume transport never connected")
		c.notify.Error(ErrConnectTimeout.Error())
		return "", err
	}

	env, err := protocol.Encode(protocol.TypeResumeRequest, "", &protocol.ResumeRequest{
		SuspendID:    suspendID,
		NewSessionID: s.ID(),
	})
	if err != nil {
		c.discard(s)
		return "", fmt.Errorf("resume request: %w", err)
	}
	resp, err := s.Transport().Request(ctx, env)
	if err != nil {
		c.discard(s)
		var remote *transport.RemoteError
		if errors.As(err, &remote) {
			c.notify.Error(remote.Message)
			return "", &RejectedError{Op: "resume", Reason: remote.Message}
		}
		c.notify.Error(fmt.Sprintf("Resume failed: %v", err))
		return "", fmt.Errorf("resume request: %w", err)
	}
	n, err := protocol.Decode[protocol.ResumedNotification](resp)
	if err != nil {
		c.discard(s)
		c.notify.Error(fmt.Sprintf("Resume failed: %v", err))
		return "", fmt.Errorf("resume response: %w", err)
	}
	if !n.Success {
		c.discard(s)
		log.Info().Str("reason", n.Error).Msg("resume rejected")
		c.notify.Error(n.Error)
		return "", &RejectedError{Op: "resume", Reason: n.Error}
	}
	if n.NewSessionID != s.ID() {
		log.Warn().Str("session_id", s.ID()).Str("reported", n.NewSessionID).Msg("resume response names another session")
	}
	if s.Closed() {
		log.Warn().Str("session_id", s.ID()).Msg("session closed during resume")
		return "", fmt.Errorf("resume: %w", session.ErrSessionClosed)
	}

	c.removeEntry(suspendID)
	if err := c.reg.Activate(s.ID()); err != nil {
		log.Warn().Err(err).Msg("activate resumed session")
	}
	log.Info().Str("session_id", s.ID()).Msg("resumed")
	c.notify.Info(fmt.Sprintf("Resumed %q", entry.DisplayName()))
	return s.ID(), nil
}

func (c *Controller) resolve(e Entry) (profiles.Summary, error) {
	if c.catalog == nil {
		return profiles.Summary{ID: e.ConnectionID, DisplayName: e.ConnectionName, Type: profiles.TypeSSH}, nil
	}
	p, err := c.catalog.Resolve(e.ConnectionID)
	if err != nil {
		return profiles.Summary{}, fmt.Errorf("resolve connection %s: %w", e.ConnectionID, err)
	}
	return p.Summary(), nil
}

// awaitConnected polls the session's transport until it is connected, it
// fails, or the connect timeout elapses.
func (c *Controller) awaitConnected(ctx context.Context, s *session.Session) error {
	attempts := int(c.connectTimeout / c.poll)
	for i := 0; ; i++ {
		switch st := s.Transport().Status(); st {
		case transport.StatusConnected:
			return nil
		case transport.StatusError, transport.StatusDisconnected:
			return fmt.Errorf("%w: transport %s", ErrConnectTimeout, st)
		}
		if i >= attempts {
			return ErrConnectTimeout
		}
		if err := c.sleep(ctx, c.poll); err != nil {
			return fmt.Errorf("%w: %w", ErrConnectTimeout, err)
		}
	}
}

func (c *Controller) discard(s *session.Session) {
	if err := c.reg.Close(s.ID()); err != nil {
		c.log.Warn().Err(err).Str("session_id", s.ID()).Msg("discard resume session")
	}
}

type operation struct {
	name    string
	msg     protocol.MessageType
	payload protocol.Validator
	rest    func(ctx context.Context, api API) (protocol.OperationResult, error)
	applied func()
}

// Terminate kills a hanging shell.
func (c *Controller) Terminate(ctx context.Context, suspendID string) error {
	return c.run(ctx, suspendID, operation{
		name:    "terminate",
		msg:     protocol.TypeTerminate,
		payload: &protocol.SuspendTarget{SuspendID: suspendID},
		rest: func(ctx context.Context, api API) (protocol.OperationResult, error) {
			return api.Terminate(ctx, suspendID)
		},
		applied: func() { c.removeEntry(suspendID) },
	})
}

// Remove deletes an entry whose shell the backend lost.
func (c *Controller) Remove(ctx context.Context, suspendID string) error {
	return c.run(ctx, suspendID, operation{
		name:    "remove",
		msg:     protocol.TypeRemoveEntry,
		payload: &protocol.SuspendTarget{SuspendID: suspendID},
		rest: func(ctx context.Context, api API) (protocol.OperationResult, error) {
			return api.Remove(ctx, suspendID)
		},
		applied: func() { c.removeEntry(suspendID) },
	})
}

// Rename sets the custom name of an entry. An empty name clears it.
func (c *Controller) Rename(ctx context.Context, suspendID, name string) error {
	msg := &protocol.Rename{SuspendID: suspendID, Name: name}
	if err := msg.Validate(); err != nil {
		c.notify.Error(err.Error())
		return fmt.Errorf("rename: %w", err)
	}
	return c.run(ctx, suspendID, operation{
		name:    "rename",
		msg:     protocol.TypeRename,
		payload: msg,
		rest: func(ctx context.Context, api API) (protocol.OperationResult, error) {
			return api.Rename(ctx, suspendID, name)
		},
		applied: func() { c.setCustomName(suspendID, name) },
	})
}

func (c *Controller) run(ctx context.Context, suspendID string, op operation) error {
	result, err := c.exchange(ctx, suspendID, op)
	if err != nil {
		c.notify.Error(fmt.Sprintf("%s failed: %v", op.name, err))
		return fmt.Errorf("%s: %w", op.name, err)
	}
	if !result.Success {
		c.log.Info().Str("op", op.name).Str("suspend_id", suspendID).Str("reason", result.Error).Msg("operation rejected")
		c.notify.Error(result.Error)
		return &RejectedError{Op: op.name, Reason: result.Error}
	}
	op.applied()
	c.log.Info().Str("op", op.name).Str("suspend_id", suspendID).Msg("operation applied")
	return nil
}

// exchange sends op over the oldest connected transport, or over REST when
// no transport is connected.
func (c *Controller) exchange(ctx context.Context, suspendID string, op operation) (protocol.OperationResult, error) {
	t := c.liveTransport()
	if t == nil {
		if c.api == nil {
			return protocol.OperationResult{}, ErrNoBackend
		}
		return op.rest(ctx, c.api)
	}

	env, err := protocol.Encode(op.msg, "", op.payload)
	if err != nil {
		return protocol.OperationResult{}, err
	}
	resp, err := t.Request(ctx, env)
	var remote *transport.RemoteError
	if errors.As(err, &remote) {
		return protocol.OperationResult{SuspendID: suspendID, Error: remote.Message}, nil
	}
	if err != nil {
		return protocol.OperationResult{}, err
	}
	return protocol.Decode[protocol.OperationResult](resp)
}
