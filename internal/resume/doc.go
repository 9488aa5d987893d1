// Package resume implements the client side of session suspension: marking
// live sessions for suspend, tracking the backend's suspended entries, and
// reattaching a new session to a suspended shell.
//
// A resume opens a fresh session in resume mode, waits a bounded time for
// its transport to connect, asks the backend to bind the suspended shell to
// it, and writes the replayed output into the session before live output
// continues. On any failure the half-built session is torn down and the
// backend's reason is reported unchanged.
package resume
