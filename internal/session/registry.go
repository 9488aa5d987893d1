package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gluk-w/claworc/shellkeeper/internal/logging"
	"github.com/gluk-w/claworc/shellkeeper/internal/profiles"
	"github.com/gluk-w/claworc/shellkeeper/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session is closed")
	ErrIDInUse         = errors.New("session id already in use")
	ErrProfileMismatch = errors.New("backend connection does not match the session profile")
)

// Dialer builds the transport of a new session. mode is transport.ModeNew or
// transport.ModeResume.
type Dialer func(profile profiles.Summary, clientSessionID, mode string) Transport

// OpenOptions configures Open.
type OpenOptions struct {
	// Mode is passed to the Dialer. Empty means a fresh shell.
	Mode string
	// Resuming marks the session as the target of a resume.
	Resuming bool
	// Setup runs after the session is registered and before its transport
	// connects, so handlers it installs see every message.
	Setup func(s *Session) error
}

type snapshot struct {
	sessions map[string]*Session
	active   string
}

// Registry holds the client's open sessions.
type Registry struct {
	dial  Dialer
	now   func() time.Time
	newID func() string
	log   zerolog.Logger

	state   atomic.Pointer[snapshot]
	writeMu sync.Mutex
	seq     atomic.Uint64
}

// NewRegistry returns an empty registry whose sessions connect through dial.
func NewRegistry(dial Dialer) *Registry {
	r := &Registry{
		dial:  dial,
		now:   time.Now,
		newID: uuid.NewString,
		log:   logging.For("registry"),
	}
	r.state.Store(&snapshot{sessions: map[string]*Session{}})
	return r
}

// update applies fn to a copy of the current state and publishes it. fn
// returns false to discard the copy.
func (r *Registry) update(fn func(next *snapshot) bool) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	cur := r.state.Load()
	next := &snapshot{sessions: make(map[string]*Session, len(cur.sessions)+1), active: cur.active}
	for k, v := range cur.sessions {
		next.sessions[k] = v
	}
	if fn(next) {
		r.state.Store(next)
	}
}

// Open creates a session for profile, registers it, and starts connecting
// its transport. The first session opened becomes active.
func (r *Registry) Open(ctx context.Context, profile profiles.Summary, opts OpenOptions) (*Session, error) {
	id := r.newID()
	s := &Session{
		seq:       r.seq.Add(1),
		id:        id,
		profile:   profile,
		createdAt: r.now(),
		resuming:  opts.Resuming,
	}
	s.transport = r.dial(profile, id, opts.Mode)
	s.transport.OnIdentity(func(c protocol.Connected) error {
		return r.identify(s, c)
	})

	r.update(func(next *snapshot) bool {
		next.sessions[id] = s
		if next.active == "" {
			next.active = id
		}
		return true
	})

	if opts.Setup != nil {
		if err := opts.Setup(s); err != nil {
			r.Close(id)
			return nil, fmt.Errorf("set up session: %w", err)
		}
	}
	if err := s.transport.Connect(ctx); err != nil {
		r.Close(id)
		return nil, fmt.Errorf("connect session: %w", err)
	}
	r.log.Info().Str("session_id", id).Str("connection_id", profile.ID).Bool("resuming", opts.Resuming).Msg("session opened")
	return s, nil
}

// identify checks the backend's connected message and re-keys the session
// under the backend's id.
func (r *Registry) identify(s *Session, c protocol.Connected) error {
	if c.ConnectionID != s.profile.ID {
		r.log.Warn().
			Str("session_id", s.ID()).
			Str("expected", s.profile.ID).
			Str("got", c.ConnectionID).
			Msg("connection mismatch, refusing to re-key")
		return fmt.Errorf("%w: expected %s, got %s", ErrProfileMismatch, s.profile.ID, c.ConnectionID)
	}
	return r.Rekey(s.ID(), c.SessionID)
}

// Rekey moves the session stored under oldID to newID and repoints the
// active session if it was oldID. It is a no-op when the ids are equal or
// the move already happened.
func (r *Registry) Rekey(oldID, newID string) error {
	var err error
	r.update(func(next *snapshot) bool {
		s, ok := next.sessions[oldID]
		if !ok {
			if _, done := next.sessions[newID]; done {
				return false
			}
			err = fmt.Errorf("%w: %s", ErrSessionNotFound, oldID)
			return false
		}
		if oldID == newID {
			return false
		}
		if _, taken := next.sessions[newID]; taken {
			err = fmt.Errorf("%w: %s", ErrIDInUse, newID)
			return false
		}
		delete(next.sessions, oldID)
		next.sessions[newID] = s
		if next.active == oldID {
			next.active = newID
		}
		s.setID(newID)
		return true
	})
	if err == nil && oldID != newID {
		r.log.Debug().Str("from", oldID).Str("to", newID).Msg("session re-keyed")
	}
	return err
}

// Get returns the session stored under id.
func (r *Registry) Get(id string) (*Session, bool) {
	s, ok := r.state.Load().sessions[id]
	return s, ok
}

// Activate makes id the foreground session.
func (r *Registry) Activate(id string) error {
	var err error
	r.update(func(next *snapshot) bool {
		if _, ok := next.sessions[id]; !ok {
			err = fmt.Errorf("%w: %s", ErrSessionNotFound, id)
			return false
		}
		next.active = id
		return true
	})
	return err
}

// Active returns the foreground session, if any.
func (r *Registry) Active() (*Session, bool) {
	st := r.state.Load()
	if st.active == "" {
		return nil, false
	}
	s, ok := st.sessions[st.active]
	return s, ok
}

// List returns every session ordered by creation.
func (r *Registry) List() []*Session {
	st := r.state.Load()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (r *Registry) Len() int {
	return len(r.state.Load().sessions)
}

// Close removes the session and tears it down. Closing an unknown id is a
// no-op. The returned error joins every teardown step that failed; the
// session is removed regardless.
func (r *Registry) Close(id string) error {
	var s *Session
	r.update(func(next *snapshot) bool {
		var ok bool
		if s, ok = next.sessions[id]; !ok {
			return false
		}
		delete(next.sessions, id)
		if next.active == id {
			next.active = ""
		}
		return true
	})
	if s == nil {
		r.log.Debug().Str("session_id", id).Msg("close of unknown session ignored")
		return nil
	}

	err := s.teardown()
	if err != nil {
		r.log.Warn().Err(err).Str("session_id", id).Msg("session teardown incomplete")
	} else {
		r.log.Info().Str("session_id", id).Msg("session closed")
	}
	return err
}

// CloseAll closes every session.
func (r *Registry) CloseAll() error {
	var errs []error
	for _, s := range r.List() {
		errs = append(errs, r.Close(s.ID()))
	}
	return errors.Join(errs...)
}
