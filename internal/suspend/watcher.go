package suspend

import (
	"sync/atomic"
	"time"
)

// Timer is the part of *time.Timer the idle watcher needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. It has the shape of time.AfterFunc so tests
// can substitute a manual clock.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// idleWatcher fires at most once, and never after Stop.
type idleWatcher struct {
	done  atomic.Bool
	timer Timer
}

func startWatcher(after AfterFunc, d time.Duration, fire func(*idleWatcher)) *idleWatcher {
	w := &idleWatcher{}
	w.timer = after(d, func() {
		if w.done.CompareAndSwap(false, true) {
			fire(w)
		}
	})
	return w
}

// Stop cancels the watcher. It reports whether this call prevented the fire.
func (w *idleWatcher) Stop() bool {
	if w == nil {
		return false
	}
	if !w.done.CompareAndSwap(false, true) {
		return false
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	return true
}
