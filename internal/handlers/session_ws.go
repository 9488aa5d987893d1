package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/claworc/shellkeeper/internal/logging"
	"github.com/gluk-w/claworc/shellkeeper/internal/profiles"
	"github.com/gluk-w/claworc/shellkeeper/internal/protocol"
	"github.com/gluk-w/claworc/shellkeeper/internal/suspend"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	modeNew    = "new"
	modeResume = "resume"

	wsReadLimit       = 1 << 20
	wsSendQueue       = 1024
	wsWriteTimeout    = 10 * time.Second
	wsFlushTimeout    = 5 * time.Second
	wsReplayTimeout   = 10 * time.Second
	shellStartTimeout = 30 * time.Second
)

var (
	errConnClosed   = errors.New("connection closed")
	errSlowConsumer = errors.New("send queue full")
)

var _ suspend.ReplaySink = (*wsConn)(nil)

type outFrame struct {
	typ    websocket.MessageType
	data   []byte
	close  bool
	code   websocket.StatusCode
	reason string

	// written is closed once the frame is on the wire.
	written chan struct{}
}

// wsConn is the backend end of one session transport. Live sends never
// block: frames queue for a single writer goroutine and the connection is
// dropped if the queue overflows. Replay sends wait for the writer instead.
type wsConn struct {
	ws           *websocket.Conn
	sessionID    string
	connectionID string
	out          chan outFrame
	done         chan struct{}
	ctx          context.Context
	cancel       context.CancelFunc
	log          zerolog.Logger
}

func newWSConn(parent context.Context, ws *websocket.Conn, sessionID, connectionID string, log zerolog.Logger) *wsConn {
	ctx, cancel := context.WithCancel(parent)
	return &wsConn{
		ws:           ws,
		sessionID:    sessionID,
		connectionID: connectionID,
		out:          make(chan outFrame, wsSendQueue),
		done:         make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		log:          log,
	}
}

func (c *wsConn) enqueue(f outFrame) error {
	if c.ctx.Err() != nil {
		return errConnClosed
	}
	select {
	case c.out <- f:
		return nil
	default:
		c.log.Warn().Msg("send queue full, dropping connection")
		c.cancel()
		return errSlowConsumer
	}
}

func (c *wsConn) writeLoop() {
	defer close(c.done)
	defer c.cancel()
	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.out:
			if f.close {
				c.ws.Close(f.code, f.reason)
				return
			}
			ctx, cancel := context.WithTimeout(c.ctx, wsWriteTimeout)
			err := c.ws.Write(ctx, f.typ, f.data)
			cancel()
			if err != nil {
				c.log.Debug().Err(err).Msg("websocket write failed")
				return
			}
			if f.written != nil {
				close(f.written)
			}
		}
	}
}

// closeWith queues a close frame behind any pending frames and waits for
// the writer to get there.
func (c *wsConn) closeWith(code websocket.StatusCode, reason string) {
	if len(reason) > 120 {
		reason = reason[:120]
	}
	if c.enqueue(outFrame{close: true, code: code, reason: reason}) != nil {
		return
	}
	select {
	case <-c.done:
	case <-time.After(wsFlushTimeout):
	}
}

func (c *wsConn) SendOutput(data []byte) error {
	return c.enqueue(outFrame{typ: websocket.MessageBinary, data: data})
}

func (c *wsConn) SendMessage(env protocol.Envelope) error {
	raw, err := env.Marshal()
	if err != nil {
		return err
	}
	return c.enqueue(outFrame{typ: websocket.MessageText, data: raw})
}

// SendReplay queues env and waits until it has been written, so a replay
// of any length never fills the live send queue.
func (c *wsConn) SendReplay(env protocol.Envelope) error {
	raw, err := env.Marshal()
	if err != nil {
		return err
	}
	if c.ctx.Err() != nil {
		return errConnClosed
	}
	f := outFrame{typ: websocket.MessageText, data: raw, written: make(chan struct{})}
	timer := time.NewTimer(wsReplayTimeout)
	defer timer.Stop()
	select {
	case c.out <- f:
	case <-c.ctx.Done():
		return errConnClosed
	case <-timer.C:
		c.log.Warn().Msg("replay stalled, dropping connection")
		c.cancel()
		return errSlowConsumer
	}
	select {
	case <-f.written:
		return nil
	case <-c.ctx.Done():
		return errConnClosed
	case <-timer.C:
		c.log.Warn().Msg("replay stalled, dropping connection")
		c.cancel()
		return errSlowConsumer
	}
}

func (c *wsConn) ShellExited(reason string) {
	c.sendError("", reason)
	go c.closeWith(websocket.StatusNormalClosure, reason)
}

func (c *wsConn) send(t protocol.MessageType, requestID string, payload protocol.Validator) {
	env, err := protocol.Encode(t, requestID, payload)
	if err != nil {
		c.log.Error().Err(err).Str("type", string(t)).Msg("encode message failed")
		return
	}
	if err := c.SendMessage(env); err != nil {
		c.log.Debug().Err(err).Str("type", string(t)).Msg("send message failed")
	}
}

func (c *wsConn) sendError(requestID, message string) {
	c.send(protocol.TypeError, requestID, &protocol.ErrorMessage{Message: message})
}

// SessionWS serves one session transport.
//
// Query parameters:
//
//	connection_id     - profile to open the shell against (required)
//	mode              - "new" starts a shell, "resume" waits for a resume-request
//	client_session_id - the client's provisional id, echoed in the connected message
//
// The backend assigns the session id and reports it in the connected
// message. Binary frames carry keystrokes and shell output; text frames carry
// protocol envelopes.
func (s *Server) SessionWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	connectionID := q.Get("connection_id")
	if connectionID == "" {
		writeError(w, http.StatusBadRequest, "connection_id is required")
		return
	}
	mode := q.Get("mode")
	if mode == "" {
		mode = modeNew
	}
	if mode != modeNew && mode != modeResume {
		writeError(w, http.StatusBadRequest, "Invalid mode")
		return
	}
	profile, err := s.Profiles.Resolve(connectionID)
	if err != nil {
		if errors.Is(err, profiles.ErrProfileNotFound) {
			writeError(w, http.StatusNotFound, "Connection profile not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to resolve connection profile")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		log := logging.For("session")
		log.Error().Err(err).Msg("websocket accept failed")
		return
	}
	ws.SetReadLimit(wsReadLimit)

	sessionID := s.newSessionID()
	log := logging.For("session").With().
		Str("session_id", sessionID).
		Str("connection_id", profile.ID).
		Str("mode", mode).
		Logger()
	conn := newWSConn(r.Context(), ws, sessionID, profile.ID, log)
	go conn.writeLoop()

	defer func() {
		conn.cancel()
		if id := s.Coordinator.TransportLost(sessionID); id != "" {
			log.Info().Str("suspend_id", id).Msg("transport closed, shell kept for resume")
		}
		ws.CloseNow()
	}()
	unsubscribe := s.Coordinator.Subscribe(conn)
	defer unsubscribe()

	connected := &protocol.Connected{
		SessionID:       sessionID,
		ClientSessionID: q.Get("client_session_id"),
		ConnectionID:    profile.ID,
		Resuming:        mode == modeResume,
	}

	if mode == modeNew {
		ctx, cancel := context.WithTimeout(conn.ctx, shellStartTimeout)
		shell, err := s.Starter.Start(ctx, profile)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("start shell failed")
			conn.sendError("", "Failed to start shell: "+err.Error())
			conn.closeWith(websocket.StatusInternalError, "shell start failed")
			return
		}
		conn.send(protocol.TypeConnected, "", connected)
		if err := s.Coordinator.Attach(sessionID, profile.ID, profile.Name(), shell, conn); err != nil {
			shell.Close()
			log.Error().Err(err).Msg("attach shell failed")
			conn.sendError("", err.Error())
			conn.closeWith(websocket.StatusInternalError, "attach failed")
			return
		}
		log.Info().Msg("session started")
	} else {
		conn.send(protocol.TypeConnected, "", connected)
		log.Info().Msg("session awaiting resume")
	}

	var limiter *rate.Limiter
	if s.MessageRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.MessageRateLimit), max(s.MessageRateBurst, 1))
	}

	for {
		typ, data, err := ws.Read(conn.ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				log.Debug().Msg("websocket closed by client")
			default:
				log.Debug().Err(err).Msg("websocket read ended")
			}
			return
		}
		if limiter != nil && !limiter.Allow() {
			if typ == websocket.MessageText {
				if env, err := protocol.Unmarshal(data); err == nil {
					conn.sendError(env.RequestID, "rate limit exceeded")
				}
			}
			continue
		}

		switch typ {
		case websocket.MessageBinary:
			if err := s.Coordinator.Input(sessionID, data); err != nil {
				log.Debug().Err(err).Msg("input dropped")
			}
		case websocket.MessageText:
			s.dispatch(conn, data)
		}
	}
}

func (s *Server) dispatch(conn *wsConn, data []byte) {
	env, err := protocol.Unmarshal(data)
	if err != nil {
		conn.sendError("", err.Error())
		return
	}

	switch env.Type {
	case protocol.TypeResize:
		m, err := protocol.Decode[protocol.Resize](env)
		if err != nil {
			conn.sendError(env.RequestID, err.Error())
			return
		}
		if err := s.Coordinator.Resize(conn.sessionID, m.Cols, m.Rows); err != nil {
			conn.log.Debug().Err(err).Msg("resize dropped")
		}

	case protocol.TypeMarkForSuspend:
		m, err := protocol.Decode[protocol.MarkForSuspend](env)
		if err != nil {
			conn.sendError(env.RequestID, err.Error())
			return
		}
		ack := &protocol.SuspendAck{SessionID: m.SessionID}
		if err := s.ownSession(conn, m.SessionID); err != nil {
			ack.Error = err.Error()
		} else if err := s.Coordinator.Mark(m.SessionID, m.InitialOutputSnapshot); err != nil {
			ack.Error = err.Error()
		} else {
			ack.Success = true
		}
		conn.send(protocol.TypeMarkedForSuspendAck, env.RequestID, ack)

	case protocol.TypeUnmarkForSuspend:
		m, err := protocol.Decode[protocol.UnmarkForSuspend](env)
		if err != nil {
			conn.sendError(env.RequestID, err.Error())
			return
		}
		ack := &protocol.SuspendAck{SessionID: m.SessionID}
		if err := s.ownSession(conn, m.SessionID); err != nil {
			ack.Error = err.Error()
		} else if err := s.Coordinator.Unmark(m.SessionID); err != nil {
			ack.Error = err.Error()
		} else {
			ack.Success = true
		}
		conn.send(protocol.TypeUnmarkedForSuspendAck, env.RequestID, ack)

	case protocol.TypeListSuspended:
		conn.send(protocol.TypeSuspendedListResponse, env.RequestID, &protocol.SuspendedList{Entries: s.Coordinator.List()})

	case protocol.TypeResumeRequest:
		s.resume(conn, env)

	case protocol.TypeTerminate, protocol.TypeRemoveEntry:
		m, err := protocol.Decode[protocol.SuspendTarget](env)
		if err != nil {
			conn.sendError(env.RequestID, err.Error())
			return
		}
		if env.Type == protocol.TypeTerminate {
			err = s.Coordinator.Terminate(m.SuspendID)
		} else {
			err = s.Coordinator.Remove(m.SuspendID)
		}
		conn.send(protocol.TypeOperationResult, env.RequestID, operationResult(m.SuspendID, err))

	case protocol.TypeRename:
		m, err := protocol.Decode[protocol.Rename](env)
		if err != nil {
			conn.sendError(env.RequestID, err.Error())
			return
		}
		conn.send(protocol.TypeOperationResult, env.RequestID, operationResult(m.SuspendID, s.Coordinator.Rename(m.SuspendID, m.Name)))

	default:
		conn.sendError(env.RequestID, "unexpected message type "+string(env.Type))
	}
}

// ownSession rejects requests naming a session other than the connection's.
func (s *Server) ownSession(conn *wsConn, sessionID string) error {
	if sessionID != conn.sessionID {
		return errors.New("session does not belong to this connection")
	}
	return nil
}

func (s *Server) resume(conn *wsConn, env protocol.Envelope) {
	m, err := protocol.Decode[protocol.ResumeRequest](env)
	if err != nil {
		conn.sendError(env.RequestID, err.Error())
		return
	}

	res := &protocol.ResumedNotification{SuspendID: m.SuspendID, NewSessionID: m.NewSessionID}
	entry, found := s.Coordinator.Get(m.SuspendID)
	switch {
	case m.NewSessionID != conn.sessionID:
		res.Error = "newSessionId does not match this connection"
	case found && entry.ConnectionID != conn.connectionID:
		res.Error = "suspended session belongs to connection " + entry.ConnectionID
	default:
		if err := s.Coordinator.Resume(m.SuspendID, conn.sessionID, conn); err != nil {
			res.Error = err.Error()
		} else {
			res.Success = true
		}
	}
	if res.Success {
		conn.log.Info().Str("suspend_id", m.SuspendID).Msg("session resumed")
	} else {
		conn.log.Info().Str("suspend_id", m.SuspendID).Str("error", res.Error).Msg("resume refused")
	}
	conn.send(protocol.TypeResumedNotification, env.RequestID, res)
}

func operationResult(suspendID string, err error) *protocol.OperationResult {
	if err != nil {
		return &protocol.OperationResult{SuspendID: suspendID, Error: err.Error()}
	}
	return &protocol.OperationResult{SuspendID: suspendID, Success: true}
}
