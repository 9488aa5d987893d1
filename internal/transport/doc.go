// Package transport is the client end of a session's WebSocket.
//
// A [Manager] owns exactly one connection for one session. Connect returns
// immediately; the status moves from connecting to connected once the
// backend's connected message has been received and the identity hook has
// accepted it. A Manager is not reused: once the connection ends or
// Disconnect is called it stays down, and the owner creates a new session.
//
// Every handler, output callback, status callback and the identity hook run
// on one dispatcher goroutine per Manager, in the order the frames arrived.
// Handlers must not block and must not call Request.
package transport
