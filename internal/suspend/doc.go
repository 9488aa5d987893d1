// Package suspend keeps shell processes alive across the loss of a client
// transport and replays their output when a new transport resumes them.
//
// # Lifecycle
//
//  1. A transport attaches a freshly started shell via [Coordinator.Attach].
//     Output flows to the attached [Sink] as it is produced.
//  2. The client may mark the session ([Coordinator.Mark]) or cancel the
//     mark ([Coordinator.Unmark]) while the transport is live.
//  3. When the transport is lost ([Coordinator.TransportLost]) an unmarked
//     shell is killed. A marked shell is detached: a new suspended entry with
//     a fresh suspend id is created in the hanging state, output is appended
//     to a [ReplayBuffer], and an idle watcher is armed.
//  4. [Coordinator.Resume] re-attaches a hanging shell to a new session. The
//     initial snapshot and every buffered chunk are streamed to the new sink
//     as output-cached-chunk messages, in order, the last one flagged, before
//     live output is allowed through.
//  5. If the shell dies while detached the entry becomes
//     disconnected_by_backend. Such entries can only be removed.
//  6. If the idle watcher fires first, the shell is killed, the entry is
//     dropped, and every subscriber receives an auto-terminated notice.
//
// # Locking
//
// The coordinator lock guards the session and entry maps. Each process has
// its own lock that serializes output routing with attach and detach, which
// is what makes replay followed by live output gap-free. The coordinator
// lock is always taken before a process lock.
//
// Sink methods are called with locks held and must not block.
package suspend
