// Package sshterminal starts PTY-backed shells on remote hosts over SSH.
//
// A [Driver] dials the host named by a connection profile, authenticates with
// the profile's key or password, requests a PTY, and starts the shell. The
// returned [TerminalSession] is a plain byte stream (Read for output, Write
// for input) plus Resize and Close, which is all the suspension coordinator
// needs to keep a shell alive while no client is attached.
//
// Each session owns its SSH client. A keepalive goroutine probes the
// connection; when the remote host stops answering the session is closed so
// its reader sees EOF and the owner can mark the shell as lost.
//
// # Security
//
//   - Shell whitelist: only shells in [AllowedShells] and plain "su" forms may
//     be started. [ValidateShell] enforces this.
//   - Input size limit: [MaxInputMessageSize] caps a single input frame.
//   - Terminal dimensions are clamped to [MaxTermCols] x [MaxTermRows].
package sshterminal
