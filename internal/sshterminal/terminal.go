package sshterminal

import (
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"
)

// TerminalSession is a running shell with a PTY.
type TerminalSession struct {
	stdin   io.WriteCloser
	stdout  io.Reader
	session *ssh.Session

	// client is closed with the session when the session owns it.
	client *ssh.Client
	stop   context.CancelFunc

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// Read returns shell output. It returns io.EOF once the shell has exited or
// the connection to the host is gone.
func (ts *TerminalSession) Read(p []byte) (int, error) {
	return ts.stdout.Read(p)
}

// Write sends input to the shell.
func (ts *TerminalSession) Write(p []byte) (int, error) {
	if len(p) > MaxInputMessageSize {
		return 0, fmt.Errorf("input of %d bytes exceeds limit of %d", len(p), MaxInputMessageSize)
	}
	return ts.stdin.Write(p)
}

// Resize changes the terminal dimensions of the PTY.
func (ts *TerminalSession) Resize(cols, rows uint16) error {
	cols, rows = ClampSize(cols, rows)
	return ts.session.WindowChange(int(rows), int(cols))
}

// Close terminates the shell and, when owned, the SSH connection. It is safe
// to call more than once.
func (ts *TerminalSession) Close() error {
	ts.closeOnce.Do(func() {
		if ts.stop != nil {
			ts.stop()
		}
		ts.closeErr = ts.session.Close()
		if ts.client != nil {
			if err := ts.client.Close(); err != nil && ts.closeErr == nil {
				ts.closeErr = err
			}
		}
		close(ts.done)
	})
	if ts.closeErr == io.EOF {
		return nil
	}
	return ts.closeErr
}

// Done is closed after Close.
func (ts *TerminalSession) Done() <-chan struct{} {
	return ts.done
}

// CreateInteractiveSession opens a new SSH session with a PTY of the given
// size and starts shell on it. If shell is empty, DefaultShell is used. The
// shell must pass ValidateShell.
func CreateInteractiveSession(client *ssh.Client, shell string, cols, rows uint16) (*TerminalSession, error) {
	if err := ValidateShell(shell); err != nil {
		return nil, fmt.Errorf("validate shell: %w", err)
	}
	if shell == "" {
		shell = DefaultShell
	}
	cols, rows = ClampSize(cols, rows)

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}

	if err := session.RequestPty("xterm-256color", int(rows), int(cols), modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := session.Start(shell); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell %q: %w", shell, err)
	}

	return &TerminalSession{
		stdin:   stdin,
		stdout:  stdout,
		session: session,
		done:    make(chan struct{}),
	}, nil
}
