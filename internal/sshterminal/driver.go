package sshterminal

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gluk-w/claworc/shellkeeper/internal/logging"
	"github.com/gluk-w/claworc/shellkeeper/internal/profiles"
	"github.com/gluk-w/claworc/shellkeeper/internal/sshkeys"
	"golang.org/x/crypto/ssh"
)

const (
	// keepaliveInterval is how often we send keepalive requests.
	keepaliveInterval = 30 * time.Second

	// connectTimeout is the default timeout for establishing SSH connections.
	connectTimeout = 30 * time.Second
)

// Driver starts shells for connection profiles. The zero value is usable.
type Driver struct {
	// Shell is used when the profile names none.
	Shell string

	DialTimeout       time.Duration
	KeepaliveInterval time.Duration

	// HostKeyCallback defaults to accepting any host key.
	HostKeyCallback ssh.HostKeyCallback
}

// NewDriver returns a Driver that starts shell when a profile names none.
func NewDriver(shell string) *Driver {
	return &Driver{
		Shell:             shell,
		DialTimeout:       connectTimeout,
		KeepaliveInterval: keepaliveInterval,
	}
}

// Start dials the profile's host, authenticates, and starts a PTY shell of
// the default size. The returned session owns the SSH connection.
func (d *Driver) Start(ctx context.Context, p profiles.Profile) (*TerminalSession, error) {
	auth, err := sshkeys.AuthMethods(p.Password, p.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("profile %q: %w", p.ID, err)
	}

	hostKeyCallback := d.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = connectTimeout
	}

	cfg := &ssh.ClientConfig{
		User:            p.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	addr := p.Address()
	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	shell := p.Shell
	if shell == "" {
		shell = d.Shell
	}
	ts, err := CreateInteractiveSession(client, shell, DefaultCols, DefaultRows)
	if err != nil {
		client.Close()
		return nil, err
	}
	ts.client = client

	interval := d.KeepaliveInterval
	if interval <= 0 {
		interval = keepaliveInterval
	}
	keepCtx, cancel := context.WithCancel(context.Background())
	ts.stop = cancel
	go keepalive(keepCtx, ts, client, addr, interval)

	log := logging.For("sshterminal")
	log.Info().Str("profile", p.ID).Str("addr", addr).Msg("shell started")
	return ts, nil
}

// keepalive closes ts when the host stops answering so the shell's reader
// observes EOF.
func keepalive(ctx context.Context, ts *TerminalSession, client *ssh.Client, addr string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				log := logging.For("sshterminal")
				log.Warn().Err(err).Str("addr", addr).Msg("keepalive failed, closing shell")
				ts.Close()
				return
			}
		}
	}
}
