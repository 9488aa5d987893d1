package suspend

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/gluk-w/claworc/shellkeeper/internal/audit"
	"github.com/gluk-w/claworc/shellkeeper/internal/logging"
	"github.com/gluk-w/claworc/shellkeeper/internal/logutil"
	"github.com/gluk-w/claworc/shellkeeper/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrSessionNotFound = errors.New("session is not live")
	ErrSessionExists   = errors.New("session id is already attached")
	ErrEntryNotFound   = errors.New("suspended session not found")
	ErrNotHanging      = errors.New("suspended session is no longer running")
	ErrStillHanging    = errors.New("suspended session is still running; terminate it instead")
	ErrAlreadyAttached = errors.New("shell already has an attached transport")
	ErrClosed          = errors.New("coordinator is shut down")
)

const (
	defaultChunkSize = 32 * 1024
	defaultMaxBytes  = 8 << 20
)

// Shell is a running shell process.
type Shell interface {
	io.Reader
	io.Writer
	Resize(cols, rows uint16) error
	Close() error
}

// Notifier receives protocol messages that are not tied to one shell.
type Notifier interface {
	SendMessage(env protocol.Envelope) error
}

// Sink is the attached transport of a live session.
type Sink interface {
	Notifier
	// SendOutput delivers live shell output. data is not retained by the
	// caller after the call returns.
	SendOutput(data []byte) error
	// ShellExited tells the transport its shell is gone.
	ShellExited(reason string)
}

// Options configures a Coordinator. Zero values select defaults.
type Options struct {
	// IdleTimeout bounds how long an entry may hang. Zero disables the
	// watcher.
	IdleTimeout     time.Duration
	ReplayMaxBytes  int
	ReplayChunkSize int

	Store   EntryStore
	Auditor *audit.Auditor
	Metrics *Metrics

	AfterFunc AfterFunc
	Now       func() time.Time
	NewID     func() string
}

type process struct {
	shell          Shell
	connectionID   string
	connectionName string

	mu        sync.Mutex
	sessionID string // empty while detached
	suspendID string // set while suspended
	sink      Sink
	marked    bool
	snapshot  string
	buffer    *ReplayBuffer
	closed    bool
}

type entry struct {
	meta            protocol.SuspendedSessionEntry
	originSessionID string
	proc            *process // nil once the shell is gone
	watcher         *idleWatcher
}

// Coordinator owns every shell process on this backend and decides, when a
// transport goes away, whether its shell dies or hangs for a later resume.
type Coordinator struct {
	idleTimeout time.Duration
	maxBytes    int
	chunkSize   int
	store       EntryStore
	auditor     *audit.Auditor
	metrics     *Metrics
	afterFunc   AfterFunc
	now         func() time.Time
	newID       func() string
	log         zerolog.Logger

	mu      sync.Mutex
	live    map[string]*process
	entries map[string]*entry
	subs    map[uint64]Notifier
	nextSub uint64
	closed  bool

	relays sync.WaitGroup
}

// NewCoordinator returns a Coordinator with no sessions.
func NewCoordinator(opts Options) *Coordinator {
	c := &Coordinator{
		idleTimeout: opts.IdleTimeout,
		maxBytes:    opts.ReplayMaxBytes,
		chunkSize:   opts.ReplayChunkSize,
		store:       opts.Store,
		auditor:     opts.Auditor,
		metrics:     opts.Metrics,
		afterFunc:   opts.AfterFunc,
		now:         opts.Now,
		newID:       opts.NewID,
		log:         logging.For("suspend"),
		live:        make(map[string]*process),
		entries:     make(map[string]*entry),
		subs:        make(map[uint64]Notifier),
	}
	if c.maxBytes <= 0 {
		c.maxBytes = defaultMaxBytes
	}
	if c.chunkSize <= 0 {
		c.chunkSize = defaultChunkSize
	}
	if c.store == nil {
		c.store = nopStore{}
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	if c.afterFunc == nil {
		c.afterFunc = realAfterFunc
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	return c
}

// Attach registers a freshly started shell as the live session sessionID and
// starts relaying its output to sink.
func (c *Coordinator) Attach(sessionID, connectionID, connectionName string, shell Shell, sink Sink) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, exists := c.live[sessionID]; exists {
		return fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
	}

	p := &process{
		shell:          shell,
		connectionID:   connectionID,
		connectionName: connectionName,
		sessionID:      sessionID,
		sink:           sink,
	}
	c.live[sessionID] = p
	c.metrics.LiveSessions.Inc()

	c.relays.Add(1)
	go c.relay(p)

	c.log.Info().Str("session_id", sessionID).Str("connection_id", connectionID).Msg("shell attached")
	return nil
}

// relay reads shell output for the lifetime of the process, independent of
// any transport.
func (c *Coordinator) relay(p *process) {
	defer c.relays.Done()
	buf := make([]byte, c.chunkSize)
	for {
		n, err := p.shell.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.route(p, data)
		}
		if err != nil {
			c.shellEnded(p, err)
			return
		}
	}
}

func (c *Coordinator) route(p *process, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.closed:
	case p.sink != nil:
		if err := p.sink.SendOutput(data); err != nil {
			c.log.Debug().Err(err).Str("session_id", p.sessionID).Msg("output send failed")
		}
	case p.buffer != nil:
		before := p.buffer.Dropped()
		p.buffer.Append(data)
		evicted := p.buffer.Dropped() - before
		c.metrics.BufferedBytes.Add(float64(int64(len(data)) - evicted))
		if evicted > 0 {
			c.metrics.DroppedBytes.Add(float64(evicted))
		}
	}
}

func (c *Coordinator) shellEnded(p *process, readErr error) {
	c.mu.Lock()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		c.mu.Unlock()
		return
	}
	p.closed = true
	sink := p.sink
	p.sink = nil
	sessionID, suspendID := p.sessionID, p.suspendID
	if p.buffer != nil {
		c.metrics.BufferedBytes.Sub(float64(p.buffer.Size()))
		p.buffer = nil
	}
	p.mu.Unlock()

	if sessionID != "" && c.live[sessionID] == p {
		delete(c.live, sessionID)
		c.metrics.LiveSessions.Dec()
	}

	var lost *entry
	if e := c.entries[suspendID]; suspendID != "" && e != nil && e.proc == p {
		e.watcher.Stop()
		e.proc = nil
		now := c.now()
		e.meta.BackendStatus = protocol.StatusDisconnectedByBackend
		e.meta.DisconnectedAt = &now
		c.persist(e)
		c.metrics.HangingEntries.Dec()
		lost = e
	}
	c.mu.Unlock()

	p.shell.Close()

	reason := "shell exited"
	if readErr != nil && !errors.Is(readErr, io.EOF) {
		reason = fmt.Sprintf("shell exited: %v", readErr)
	}
	if sink != nil {
		sink.ShellExited(reason)
	}
	if lost != nil {
		c.log.Warn().Str("suspend_id", suspendID).Str("reason", reason).Msg("suspended shell lost")
		c.auditor.Log(audit.Entry{
			SuspendID:    suspendID,
			ConnectionID: p.connectionID,
			EventType:    audit.EventShellLost,
			Details:      reason,
		})
		return
	}
	c.log.Info().Str("session_id", sessionID).Str("reason", reason).Msg("shell ended")
}

// lockLive returns the live process for sessionID with its lock held.
func (c *Coordinator) lockLive(sessionID string) (*process, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.live[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	p.mu.Lock()
	return p, nil
}

// Input writes client keystrokes to the shell of a live session.
func (c *Coordinator) Input(sessionID string, data []byte) error {
	p, err := c.lockLive(sessionID)
	if err != nil {
		return err
	}
	shell := p.shell
	p.mu.Unlock()
	_, err = shell.Write(data)
	return err
}

// Resize changes the PTY size of a live session.
func (c *Coordinator) Resize(sessionID string, cols, rows uint16) error {
	p, err := c.lockLive(sessionID)
	if err != nil {
		return err
	}
	shell := p.shell
	p.mu.Unlock()
	return shell.Resize(cols, rows)
}

// Mark asks that the session's shell be kept alive if its transport is lost.
// Marking again replaces the snapshot.
func (c *Coordinator) Mark(sessionID, snapshot string) error {
	snapshot = protocol.TrimSnapshot(snapshot)
	p, err := c.lockLive(sessionID)
	if err != nil {
		return err
	}
	p.marked = true
	p.snapshot = snapshot
	connectionID := p.connectionID
	p.mu.Unlock()

	c.auditor.Log(audit.Entry{SessionID: sessionID, ConnectionID: connectionID, EventType: audit.EventMarked})
	return nil
}

// Unmark cancels a mark. It is only valid while the session is live;
// unmarking an unmarked session succeeds.
func (c *Coordinator) Unmark(sessionID string) error {
	p, err := c.lockLive(sessionID)
	if err != nil {
		return err
	}
	p.marked = false
	p.snapshot = ""
	connectionID := p.connectionID
	p.mu.Unlock()

	c.auditor.Log(audit.Entry{SessionID: sessionID, ConnectionID: connectionID, EventType: audit.EventUnmarked})
	return nil
}

// IsMarked reports whether a live session is marked.
func (c *Coordinator) IsMarked(sessionID string) bool {
	p, err := c.lockLive(sessionID)
	if err != nil {
		return false
	}
	defer p.mu.Unlock()
	return p.marked
}

// TransportLost detaches the session's transport. An unmarked shell is
// killed and "" is returned. A marked shell starts hanging under a new
// suspend id, which is returned.
func (c *Coordinator) TransportLost(sessionID string) string {
	c.mu.Lock()
	p, ok := c.live[sessionID]
	if !ok {
		c.mu.Unlock()
		return ""
	}
	delete(c.live, sessionID)
	c.metrics.LiveSessions.Dec()

	p.mu.Lock()
	p.sink = nil
	p.sessionID = ""
	if !p.marked || c.closed {
		p.closed = true
		p.mu.Unlock()
		c.mu.Unlock()
		p.shell.Close()
		c.log.Info().Str("session_id", sessionID).Msg("transport lost, shell closed")
		return ""
	}

	id := c.newSuspendID()
	p.suspendID = id
	p.marked = false
	p.buffer = NewReplayBuffer(c.maxBytes)
	e := &entry{
		meta: protocol.SuspendedSessionEntry{
			SuspendID:      id,
			ConnectionID:   p.connectionID,
			ConnectionName: p.connectionName,
			SuspendedAt:    c.now(),
			BackendStatus:  protocol.StatusHanging,
		},
		originSessionID: sessionID,
		proc:            p,
	}
	p.mu.Unlock()

	c.entries[id] = e
	if c.idleTimeout > 0 {
		e.watcher = startWatcher(c.afterFunc, c.idleTimeout, func(w *idleWatcher) {
			c.expire(id, w)
		})
	}
	c.metrics.HangingEntries.Inc()
	c.persist(e)
	c.mu.Unlock()

	c.log.Info().Str("session_id", sessionID).Str("suspend_id", id).Msg("transport lost, shell suspended")
	c.auditor.Log(audit.Entry{
		SuspendID:    id,
		SessionID:    sessionID,
		ConnectionID: e.meta.ConnectionID,
		EventType:    audit.EventSuspended,
	})
	return id
}

// newSuspendID returns an id not in use as a suspend id or a session id.
// Callers hold c.mu.
func (c *Coordinator) newSuspendID() string {
	for {
		id := c.newID()
		if _, used := c.entries[id]; used {
			continue
		}
		if _, used := c.live[id]; used {
			continue
		}
		return id
	}
}

func (c *Coordinator) expire(suspendID string, w *idleWatcher) {
	c.mu.Lock()
	e := c.entries[suspendID]
	if c.closed || e == nil || e.watcher != w || e.proc == nil {
		c.mu.Unlock()
		return
	}
	p := c.dropHanging(e)
	c.metrics.AutoTerminations.WithLabelValues(protocol.ReasonIdleTimeout).Inc()
	subs := c.subscribers()
	c.mu.Unlock()

	p.shell.Close()
	c.log.Warn().Str("suspend_id", suspendID).Dur("idle_timeout", c.idleTimeout).Msg("suspended shell idle too long, terminated")
	c.broadcast(subs, protocol.MustEncode(protocol.TypeAutoTerminated, "", &protocol.AutoTerminated{
		SuspendID: suspendID,
		Reason:    protocol.ReasonIdleTimeout,
	}))
	c.auditor.Log(audit.Entry{
		SuspendID:    suspendID,
		ConnectionID: e.meta.ConnectionID,
		EventType:    audit.EventAutoTerminated,
		Details:      protocol.ReasonIdleTimeout,
	})
}

// dropHanging removes a hanging entry and marks its process closed. The
// caller holds c.mu and closes the returned process's shell after unlocking.
func (c *Coordinator) dropHanging(e *entry) *process {
	id := e.meta.SuspendID
	e.watcher.Stop()
	delete(c.entries, id)
	c.forget(id)
	c.metrics.HangingEntries.Dec()

	p := e.proc
	e.proc = nil
	p.mu.Lock()
	p.closed = true
	if p.buffer != nil {
		c.metrics.BufferedBytes.Sub(float64(p.buffer.Size()))
		p.buffer = nil
	}
	p.mu.Unlock()
	return p
}

// Resume re-attaches the hanging shell behind suspendID to the session
// newSessionID. The snapshot taken at mark time and every buffered chunk are
// sent to sink as output-cached-chunk messages, the final one flagged
// isLastChunk, before any live output reaches sink.
//
// If the replay cannot be delivered the shell goes back to hanging under
// suspendID with all of its output buffered again, and the error is
// returned. The caller must not report the new session's transport as lost
// while Resume is running.
func (c *Coordinator) Resume(suspendID, newSessionID string, sink Sink) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	e, ok := c.entries[suspendID]
	if !ok {
		c.mu.Unlock()
		c.metrics.Resumes.WithLabelValues("not_found").Inc()
		return fmt.Errorf("%w: %s", ErrEntryNotFound, suspendID)
	}
	p := e.proc
	if e.meta.BackendStatus != protocol.StatusHanging || p == nil {
		c.mu.Unlock()
		c.metrics.Resumes.WithLabelValues("not_hanging").Inc()
		return fmt.Errorf("%w: %s", ErrNotHanging, suspendID)
	}
	if _, taken := c.live[newSessionID]; taken {
		c.mu.Unlock()
		c.metrics.Resumes.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%w: %s", ErrSessionExists, newSessionID)
	}

	p.mu.Lock()
	if p.sink != nil || p.closed {
		p.mu.Unlock()
		c.mu.Unlock()
		c.metrics.Resumes.WithLabelValues("rejected").Inc()
		return ErrAlreadyAttached
	}
	e.watcher.Stop()
	delete(c.entries, suspendID)
	c.live[newSessionID] = p
	c.metrics.HangingEntries.Dec()
	c.metrics.LiveSessions.Inc()

	p.sessionID = newSessionID
	p.suspendID = ""
	snapshot := p.snapshot
	p.snapshot = ""
	buf := p.buffer
	// Output produced while the replay is in flight lands here.
	p.buffer = NewReplayBuffer(c.maxBytes)
	p.mu.Unlock()
	c.mu.Unlock()

	chunks := buf.Drain()
	dropped := buf.Dropped()
	c.metrics.BufferedBytes.Sub(float64(sizeOf(chunks)))

	output := make([][]byte, 0, len(chunks))
	for _, ch := range chunks {
		output = append(output, ch.Data)
	}
	stream := &replayStream{sink: sink, sessionID: newSessionID, size: c.chunkSize}
	err := stream.write([]byte(snapshot))
	if err == nil && dropped > 0 {
		err = stream.write([]byte(fmt.Sprintf("\r\n[%s of output discarded while suspended]\r\n", units.BytesSize(float64(dropped)))))
	}
	for i := 0; err == nil && i < len(chunks); i++ {
		err = stream.write(chunks[i].Data)
	}

	// Drain what arrived during the replay until nothing is left, then
	// send the last chunk and attach sink under the process lock so live
	// output cannot overtake it.
	exited := false
	for err == nil {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			exited = true
			err = stream.finish()
			break
		}
		more := p.buffer.Drain()
		if len(more) == 0 {
			if err = stream.finish(); err == nil {
				p.buffer = nil
				p.sink = sink
			}
			p.mu.Unlock()
			break
		}
		p.mu.Unlock()
		c.metrics.BufferedBytes.Sub(float64(sizeOf(more)))
		for _, ch := range more {
			output = append(output, ch.Data)
		}
		for i := 0; err == nil && i < len(more); i++ {
			err = stream.write(more[i].Data)
		}
	}

	if err != nil {
		restored := c.restoreHanging(e, p, newSessionID, snapshot, output, dropped)
		c.metrics.Resumes.WithLabelValues("interrupted").Inc()
		c.log.Warn().Err(err).Str("suspend_id", suspendID).Str("session_id", newSessionID).
			Bool("restored", restored).Msg("replay interrupted")
		return fmt.Errorf("replay: %w", err)
	}

	c.mu.Lock()
	c.forget(suspendID)
	c.mu.Unlock()

	c.metrics.Resumes.WithLabelValues("success").Inc()
	ev := c.log.Info().Str("suspend_id", suspendID).Str("session_id", newSessionID).
		Int("chunks", len(output)).Int("messages", stream.sent)
	if dropped > 0 {
		ev = ev.Str("dropped", units.BytesSize(float64(dropped)))
	}
	ev.Msg("shell resumed")
	c.auditor.Log(audit.Entry{
		SuspendID:    suspendID,
		SessionID:    newSessionID,
		ConnectionID: e.meta.ConnectionID,
		EventType:    audit.EventResumed,
		Details:      fmt.Sprintf("origin=%s chunks=%d", e.originSessionID, len(output)),
	})
	if exited {
		sink.ShellExited("shell exited")
	}
	return nil
}

// restoreHanging returns a process whose replay failed to its suspended
// entry. Everything that was replayed is buffered again so the next resume
// starts from the beginning. It reports false when the shell is already gone.
func (c *Coordinator) restoreHanging(e *entry, p *process, sessionID, snapshot string, output [][]byte, dropped int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live[sessionID] == p {
		delete(c.live, sessionID)
		c.metrics.LiveSessions.Dec()
	}

	id := e.meta.SuspendID
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		if !c.closed {
			c.forget(id)
		}
		return false
	}
	buf := NewReplayBuffer(c.maxBytes)
	buf.dropped = dropped
	for _, data := range output {
		buf.Append(data)
	}
	if p.buffer != nil {
		late := p.buffer.Drain()
		c.metrics.BufferedBytes.Sub(float64(sizeOf(late)))
		for _, ch := range late {
			buf.Append(ch.Data)
		}
	}
	c.metrics.BufferedBytes.Add(float64(buf.Size()))
	p.sessionID = ""
	p.suspendID = id
	p.sink = nil
	p.snapshot = snapshot
	p.buffer = buf
	p.mu.Unlock()

	e.proc = p
	c.entries[id] = e
	if c.idleTimeout > 0 {
		e.watcher = startWatcher(c.afterFunc, c.idleTimeout, func(w *idleWatcher) {
			c.expire(id, w)
		})
	}
	c.metrics.HangingEntries.Inc()
	return true
}

func sizeOf(chunks []Chunk) int {
	n := 0
	for _, ch := range chunks {
		n += len(ch.Data)
	}
	return n
}

// ReplaySink is implemented by sinks that can wait for room while a resume
// replays buffered output. Sinks without it get SendMessage.
type ReplaySink interface {
	SendReplay(env protocol.Envelope) error
}

// replayStream packs replayed output into output-cached-chunk messages of at
// most size bytes, so the message count depends on the bytes buffered and
// not on how many reads produced them. The newest part is held back until
// finish so exactly one message carries IsLastChunk.
type replayStream struct {
	sink      Sink
	sessionID string
	size      int
	pending   []byte
	sent      int
}

func (r *replayStream) write(data []byte) error {
	for len(data) > 0 {
		if len(r.pending) == r.size {
			if err := r.emit(r.pending, false, true); err != nil {
				return err
			}
			r.pending = nil
		}
		n := min(len(data), r.size-len(r.pending))
		r.pending = append(r.pending, data[:n]...)
		data = data[n:]
	}
	return nil
}

// finish sends the held back part as the last chunk. It does not wait, as
// it runs under the process lock.
func (r *replayStream) finish() error {
	return r.emit(r.pending, true, false)
}

func (r *replayStream) emit(data []byte, last, wait bool) error {
	env := protocol.MustEncode(protocol.TypeOutputCachedChunk, "", &protocol.OutputCachedChunk{
		NewSessionID: r.sessionID,
		Data:         data,
		IsLastChunk:  last,
	})
	send := r.sink.SendMessage
	if rs, ok := r.sink.(ReplaySink); ok && wait {
		send = rs.SendReplay
	}
	if err := send(env); err != nil {
		return fmt.Errorf("send chunk %d: %w", r.sent+1, err)
	}
	r.sent++
	return nil
}

// Terminate kills a hanging shell and removes its entry.
func (c *Coordinator) Terminate(suspendID string) error {
	c.mu.Lock()
	e, ok := c.entries[suspendID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrEntryNotFound, suspendID)
	}
	if e.meta.BackendStatus != protocol.StatusHanging || e.proc == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotHanging, suspendID)
	}
	p := c.dropHanging(e)
	c.mu.Unlock()

	p.shell.Close()
	c.log.Info().Str("suspend_id", suspendID).Msg("suspended shell terminated")
	c.auditor.Log(audit.Entry{SuspendID: suspendID, ConnectionID: e.meta.ConnectionID, EventType: audit.EventTerminated})
	return nil
}

// Remove deletes an entry whose shell the backend already lost.
func (c *Coordinator) Remove(suspendID string) error {
	c.mu.Lock()
	e, ok := c.entries[suspendID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrEntryNotFound, suspendID)
	}
	if e.meta.BackendStatus != protocol.StatusDisconnectedByBackend {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStillHanging, suspendID)
	}
	delete(c.entries, suspendID)
	c.forget(suspendID)
	c.mu.Unlock()

	c.auditor.Log(audit.Entry{SuspendID: suspendID, ConnectionID: e.meta.ConnectionID, EventType: audit.EventRemoved})
	return nil
}

// Rename sets or clears the custom name of an entry.
func (c *Coordinator) Rename(suspendID, name string) error {
	if err := (&protocol.Rename{SuspendID: suspendID, Name: name}).Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	e, ok := c.entries[suspendID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrEntryNotFound, suspendID)
	}
	e.meta.CustomName = name
	c.persist(e)
	c.mu.Unlock()

	c.auditor.Log(audit.Entry{SuspendID: suspendID, EventType: audit.EventRenamed, Details: logutil.SanitizeForLog(name)})
	return nil
}

// List returns a snapshot of every entry ordered by suspension time.
func (c *Coordinator) List() []protocol.SuspendedSessionEntry {
	c.mu.Lock()
	out := make([]protocol.SuspendedSessionEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.meta)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].SuspendedAt.Equal(out[j].SuspendedAt) {
			return out[i].SuspendedAt.Before(out[j].SuspendedAt)
		}
		return out[i].SuspendID < out[j].SuspendID
	})
	return out
}

// Get returns one entry.
func (c *Coordinator) Get(suspendID string) (protocol.SuspendedSessionEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[suspendID]
	if !ok {
		return protocol.SuspendedSessionEntry{}, false
	}
	return e.meta, true
}

// Stats returns the number of live sessions and of entries.
func (c *Coordinator) Stats() (live, entries int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live), len(c.entries)
}

// Subscribe registers n for unsolicited notices such as auto-termination.
// The returned function unregisters it.
func (c *Coordinator) Subscribe(n Notifier) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = n
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// subscribers returns a copy of the subscriber set. Callers hold c.mu.
func (c *Coordinator) subscribers() []Notifier {
	out := make([]Notifier, 0, len(c.subs))
	for _, n := range c.subs {
		out = append(out, n)
	}
	return out
}

func (c *Coordinator) broadcast(subs []Notifier, env protocol.Envelope) {
	for _, n := range subs {
		if err := n.SendMessage(env); err != nil {
			c.log.Debug().Err(err).Str("type", string(env.Type)).Msg("notify subscriber failed")
		}
	}
}

// RecoverOrphans loads persisted entries at startup. Entries still recorded
// as hanging lost their shell with the previous process and are rewritten
// as disconnected_by_backend. Returns how many were rewritten.
func (c *Coordinator) RecoverOrphans() (int, error) {
	recs, err := c.store.LoadAll()
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	recovered := 0
	for _, rec := range recs {
		if _, exists := c.entries[rec.Entry.SuspendID]; exists {
			continue
		}
		e := &entry{meta: rec.Entry, originSessionID: rec.OriginSessionID}
		if e.meta.BackendStatus != protocol.StatusDisconnectedByBackend {
			now := c.now()
			e.meta.BackendStatus = protocol.StatusDisconnectedByBackend
			e.meta.DisconnectedAt = &now
			c.persist(e)
			recovered++
			c.auditor.Log(audit.Entry{
				SuspendID:    e.meta.SuspendID,
				ConnectionID: e.meta.ConnectionID,
				EventType:    audit.EventOrphanRecovered,
			})
		}
		c.entries[e.meta.SuspendID] = e
	}
	if len(recs) > 0 {
		c.log.Info().Int("entries", len(recs)).Int("orphaned", recovered).Msg("restored suspended entries")
	}
	return recovered, nil
}

// PruneStale removes disconnected entries whose shell was lost more than
// maxAge ago.
func (c *Coordinator) PruneStale(maxAge time.Duration) int {
	cutoff := c.now().Add(-maxAge)

	c.mu.Lock()
	var pruned []string
	for id, e := range c.entries {
		if e.meta.BackendStatus != protocol.StatusDisconnectedByBackend || e.meta.DisconnectedAt == nil {
			continue
		}
		if e.meta.DisconnectedAt.Before(cutoff) {
			delete(c.entries, id)
			c.forget(id)
			pruned = append(pruned, id)
		}
	}
	c.mu.Unlock()

	for _, id := range pruned {
		c.auditor.Log(audit.Entry{SuspendID: id, EventType: audit.EventRemoved, Details: "stale"})
	}
	if len(pruned) > 0 {
		c.log.Info().Int("count", len(pruned)).Msg("pruned stale entries")
	}
	return len(pruned)
}

// Close kills every shell. Hanging entries stay persisted and are recovered
// as disconnected on the next start.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true

	var procs []*process
	var sinks []Sink
	var hanging []string
	for _, p := range c.live {
		p.mu.Lock()
		p.closed = true
		if p.sink != nil {
			sinks = append(sinks, p.sink)
			p.sink = nil
		}
		p.mu.Unlock()
		procs = append(procs, p)
	}
	c.live = make(map[string]*process)
	for id, e := range c.entries {
		if e.proc == nil {
			continue
		}
		e.watcher.Stop()
		e.proc.mu.Lock()
		e.proc.closed = true
		e.proc.mu.Unlock()
		procs = append(procs, e.proc)
		hanging = append(hanging, id)
	}
	subs := c.subscribers()
	c.mu.Unlock()

	for _, p := range procs {
		p.shell.Close()
	}
	for _, s := range sinks {
		s.ShellExited("backend shutting down")
	}
	for _, id := range hanging {
		c.metrics.AutoTerminations.WithLabelValues(protocol.ReasonShutdown).Inc()
		c.broadcast(subs, protocol.MustEncode(protocol.TypeAutoTerminated, "", &protocol.AutoTerminated{
			SuspendID: id,
			Reason:    protocol.ReasonShutdown,
		}))
	}
	c.relays.Wait()
	c.log.Info().Int("shells", len(procs)).Msg("coordinator closed")
}

func (c *Coordinator) persist(e *entry) {
	if err := c.store.Save(Record{Entry: e.meta, OriginSessionID: e.originSessionID}); err != nil {
		c.log.Error().Err(err).Str("suspend_id", e.meta.SuspendID).Msg("persist entry failed")
	}
}

func (c *Coordinator) forget(suspendID string) {
	if err := c.store.Delete(suspendID); err != nil {
		c.log.Error().Err(err).Str("suspend_id", suspendID).Msg("delete entry failed")
	}
}
