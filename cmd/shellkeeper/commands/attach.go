package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gluk-w/claworc/shellkeeper/internal/protocol"
	"github.com/gluk-w/claworc/shellkeeper/internal/session"
	"github.com/gluk-w/claworc/shellkeeper/internal/transport"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// escapeKey starts a command sequence: Ctrl-] followed by d detaches, s
// toggles the suspend mark, and a second Ctrl-] sends the key itself.
const escapeKey = 0x1d

var errDetached = errors.New("detached")

func newConnectCommand(flags *globalFlags) *cobra.Command {
	var suspend bool
	cmd := &cobra.Command{
		Use:   "connect <profile-id>",
		Short: "Open an interactive shell",
		Long: `Open an interactive shell on the host of a connection profile.

Press Ctrl-] then s to toggle the suspend mark, Ctrl-] then d to detach.
A marked session keeps running on the backend after you detach or lose
the connection; resume it with "shellkeeper resume".`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, args []string) error {
			p, err := a.catalog.Resolve(args[0])
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := a.ctrl.Open(ctx, p.Summary())
			if err != nil {
				return err
			}
			if err := waitConnected(ctx, s.Transport(), a.cfg.ResumeConnectTimeout); err != nil {
				return fmt.Errorf("connect to %s: %w", p.Name(), err)
			}
			if suspend {
				if err := a.ctrl.Mark(s.ID()); err != nil {
					return err
				}
			}
			return a.attach(ctx, s)
		}),
	}
	cmd.Flags().BoolVar(&suspend, "suspend", false, "mark the session for suspend as soon as it connects")
	return cmd
}

func newResumeCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <suspend-id>",
		Short: "Reattach to a suspended shell",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := a.ctrl.Refresh(ctx); err != nil {
				return fmt.Errorf("list suspended sessions: %w", err)
			}
			id, err := a.ctrl.Resume(ctx, args[0])
			if err != nil {
				return err
			}
			s, ok := a.reg.Get(id)
			if !ok {
				return session.ErrSessionNotFound
			}
			return a.attach(ctx, s)
		}),
	}
}

// waitConnected blocks until t is connected, fails, or timeout elapses.
func waitConnected(ctx context.Context, t session.Transport, timeout time.Duration) error {
	changed := make(chan struct{}, 1)
	unsub := t.OnStatus(func(from, to transport.Status) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsub()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		switch st := t.Status(); st {
		case transport.StatusConnected:
			return nil
		case transport.StatusError, transport.StatusDisconnected:
			if m, ok := t.(*transport.Manager); ok && m.Err() != nil {
				return m.Err()
			}
			return fmt.Errorf("transport %s", st)
		}
		select {
		case <-changed:
		case <-timer.C:
			return errors.New("timed out waiting for the backend")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// attach connects the user's terminal to s until the transport ends, the
// user detaches, or ctx is cancelled.
func (a *app) attach(ctx context.Context, s *session.Session) error {
	view := session.NewTerminalView(os.Stdout, 0)
	if err := s.AddSubManager("terminal", view); err != nil {
		return err
	}
	if err := s.AttachView(view); err != nil {
		return err
	}

	ended := make(chan transport.Status, 1)
	unsub := s.Transport().OnStatus(func(from, to transport.Status) {
		if to == transport.StatusDisconnected || to == transport.StatusError {
			select {
			case ended <- to:
			default:
			}
		}
	})
	defer unsub()

	restore, err := makeStdinRaw()
	if err != nil {
		return fmt.Errorf("set raw mode: %w", err)
	}
	defer restore()

	sendSize(s)
	stopResize := watchResize(func() { sendSize(s) })
	defer stopResize()

	input := make(chan []byte)
	go readInput(input)

	err = a.pump(ctx, s, input, ended)
	restore()
	marked := s.MarkedForSuspend()
	id := s.ID()
	if cerr := a.reg.Close(id); cerr != nil {
		logCLI().Debug().Err(cerr).Str("session_id", id).Msg("close session")
	}

	switch {
	case errors.Is(err, errDetached) && marked:
		fmt.Fprintln(os.Stderr, infoStyle.Render("Detached. The shell keeps running; see \"shellkeeper list\"."))
		return nil
	case errors.Is(err, errDetached):
		fmt.Fprintln(os.Stderr, mutedStyle.Render("Detached. The shell was closed."))
		return nil
	}
	return err
}

func (a *app) pump(ctx context.Context, s *session.Session, input <-chan []byte, ended <-chan transport.Status) error {
	escaped := false
	for {
		select {
		case <-ctx.Done():
			return errDetached
		case st := <-ended:
			if st == transport.StatusError {
				return errors.New("connection to the backend failed")
			}
			return nil
		case data, ok := <-input:
			if !ok {
				return errDetached
			}
			out := make([]byte, 0, len(data))
			for _, b := range data {
				if escaped {
					escaped = false
					switch b {
					case 'd', '.':
						if len(out) > 0 {
							s.Transport().SendInput(out)
						}
						return errDetached
					case 's':
						a.toggleMark(s)
						continue
					case escapeKey:
						out = append(out, b)
						continue
					}
					out = append(out, escapeKey, b)
					continue
				}
				if b == escapeKey {
					escaped = true
					continue
				}
				out = append(out, b)
			}
			if len(out) > 0 {
				if err := s.Transport().SendInput(out); err != nil {
					logCLI().Debug().Err(err).Msg("send input")
				}
			}
		}
	}
}

func (a *app) toggleMark(s *session.Session) {
	var err error
	if s.MarkedForSuspend() {
		err = a.ctrl.Unmark(s.ID())
	} else {
		err = a.ctrl.Mark(s.ID())
	}
	if err != nil {
		a.notify.Error(err.Error())
	}
}

func readInput(ch chan<- []byte) {
	defer close(ch)
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			ch <- append([]byte(nil), buf[:n]...)
		}
		if err != nil {
			return
		}
	}
}

func makeStdinRaw() (func(), error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	restored := false
	return func() {
		if !restored {
			restored = true
			_ = term.Restore(fd, oldState)
		}
	}, nil
}

func termSize() (cols, rows int) {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 120, 30
	}
	c, r, err := term.GetSize(fd)
	if err != nil || c <= 0 || r <= 0 {
		return 120, 30
	}
	return c, r
}

func sendSize(s *session.Session) {
	cols, rows := termSize()
	env, err := protocol.Encode(protocol.TypeResize, "", &protocol.Resize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return
	}
	if err := s.Transport().Send(env); err != nil {
		logCLI().Debug().Err(err).Msg("send resize")
	}
}
