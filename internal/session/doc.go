// Package session is the client's registry of open shell sessions.
//
// A [Registry] maps session ids to [Session] values. The map is replaced as a
// whole on every change and readers load it through an atomic pointer, so a
// lookup never observes a half-applied change. Re-keying, which happens once
// per session when the backend reports its authoritative id, swaps the old
// key for the new one and repoints the active session in the same store.
//
// Closing a session tears down every sub-manager it owns, then its
// transport, then runs its cleanup callbacks. Each step is isolated: an error
// or panic in one is collected and the rest still run.
package session
