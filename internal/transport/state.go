package transport

import (
	"sync"
	"time"
)

// Status is the connection state of a session transport.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

func (s Status) String() string {
	return string(s)
}

// IsValid returns true if the status is one of the defined constants.
func (s Status) IsValid() bool {
	switch s {
	case StatusDisconnected, StatusConnecting, StatusConnected, StatusError:
		return true
	default:
		return false
	}
}

// Transition records a status change for debugging.
type Transition struct {
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusCallback is called when the status changes.
type StatusCallback func(from, to Status)

// maxTransitions limits the number of stored transitions.
const maxTransitions = 50

type statusSub struct {
	id uint64
	cb StatusCallback
}

// statusTracker holds the current status, its recent history, and the
// registered callbacks. Callbacks are returned to the caller to be fired
// outside the lock.
type statusTracker struct {
	mu          sync.RWMutex
	status      Status
	transitions []Transition
	callbacks   []statusSub
	nextID      uint64
	now         func() time.Time
}

func newStatusTracker() *statusTracker {
	return &statusTracker{
		status: StatusDisconnected,
		now:    time.Now,
	}
}

func (t *statusTracker) get() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// set updates the status. When it actually changed, set records the
// transition and returns the callbacks to notify.
func (t *statusTracker) set(to Status) (from Status, cbs []StatusCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	from = t.status
	if from == to {
		return from, nil
	}
	t.status = to
	t.transitions = append(t.transitions, Transition{From: from, To: to, Timestamp: t.now()})
	if len(t.transitions) > maxTransitions {
		t.transitions = t.transitions[len(t.transitions)-maxTransitions:]
	}
	cbs = make([]StatusCallback, 0, len(t.callbacks))
	for _, sub := range t.callbacks {
		cbs = append(cbs, sub.cb)
	}
	return from, cbs
}

func (t *statusTracker) subscribe(cb StatusCallback) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.callbacks = append(t.callbacks, statusSub{id: id, cb: cb})
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, sub := range t.callbacks {
			if sub.id == id {
				t.callbacks = append(t.callbacks[:i:i], t.callbacks[i+1:]...)
				return
			}
		}
	}
}

func (t *statusTracker) history() []Transition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Transition, len(t.transitions))
	copy(out, t.transitions)
	return out
}
