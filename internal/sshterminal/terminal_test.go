package sshterminal

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/gluk-w/claworc/shellkeeper/internal/sshkeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readUntil reads from r until target appears or the timeout elapses.
func readUntil(t *testing.T, r io.Reader, target string, timeout time.Duration) string {
	t.Helper()
	type result struct {
		out string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var sb strings.Builder
		buf := make([]byte, 1024)
		for {
			n, err := r.Read(buf)
			sb.Write(buf[:n])
			if strings.Contains(sb.String(), target) || err != nil {
				ch <- result{sb.String(), err}
				return
			}
		}
	}()
	select {
	case res := <-ch:
		if !strings.Contains(res.out, target) {
			t.Fatalf("did not find %q in output %q (err=%v)", target, res.out, res.err)
		}
		return res.out
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for %q", target)
		return ""
	}
}

func TestValidateShell(t *testing.T) {
	allowed := []string{"", "/bin/bash", "/bin/sh", "/bin/zsh", "su", "su - deploy"}
	for _, shell := range allowed {
		assert.NoError(t, ValidateShell(shell), shell)
	}

	disallowed := []string{
		"/usr/bin/python3",
		"/bin/bash; rm -rf /",
		"bash",
		"/bin/bash\n/bin/sh",
		"../../bin/bash",
		"/bin/bash --norc",
		"$(whoami)",
		"su - root; id",
		"su - `whoami`",
		"sudo",
	}
	for _, shell := range disallowed {
		assert.Error(t, ValidateShell(shell), shell)
	}
}

func TestClampSize(t *testing.T) {
	cols, rows := ClampSize(0, 0)
	assert.Equal(t, DefaultCols, cols)
	assert.Equal(t, DefaultRows, rows)

	cols, rows = ClampSize(9999, 9999)
	assert.Equal(t, MaxTermCols, cols)
	assert.Equal(t, MaxTermRows, rows)

	cols, rows = ClampSize(120, 40)
	assert.Equal(t, uint16(120), cols)
	assert.Equal(t, uint16(40), rows)
}

func TestDriver_StartWithPassword(t *testing.T) {
	host, port := testSSHServer(t, nil)
	d := NewDriver("/bin/zsh")

	ts, err := d.Start(context.Background(), testProfile(host, port))
	require.NoError(t, err)
	defer ts.Close()

	readUntil(t, ts, "PTY:true cmd:/bin/zsh", 5*time.Second)

	_, err = ts.Write([]byte("hello\n"))
	require.NoError(t, err)
	readUntil(t, ts, "echo:hello", 5*time.Second)
}

func TestDriver_StartWithKey(t *testing.T) {
	_, priv, err := sshkeys.GenerateKeyPair()
	require.NoError(t, err)
	signer, err := sshkeys.ParsePrivateKey(priv)
	require.NoError(t, err)

	host, port := testSSHServer(t, signer.PublicKey())
	p := testProfile(host, port)
	p.Password = ""
	p.PrivateKey = priv
	p.Shell = "/bin/sh"

	ts, err := NewDriver("").Start(context.Background(), p)
	require.NoError(t, err)
	defer ts.Close()

	readUntil(t, ts, "cmd:/bin/sh", 5*time.Second)
}

func TestDriver_DefaultShell(t *testing.T) {
	host, port := testSSHServer(t, nil)

	ts, err := NewDriver("").Start(context.Background(), testProfile(host, port))
	require.NoError(t, err)
	defer ts.Close()

	readUntil(t, ts, "cmd:"+DefaultShell, 5*time.Second)
}

func TestDriver_RejectsBadCredentials(t *testing.T) {
	host, port := testSSHServer(t, nil)
	p := testProfile(host, port)
	p.Password = "wrong"

	_, err := NewDriver("").Start(context.Background(), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ssh handshake")
}

func TestDriver_RejectsDisallowedShell(t *testing.T) {
	host, port := testSSHServer(t, nil)
	p := testProfile(host, port)
	p.Shell = "/usr/bin/python3"

	_, err := NewDriver("").Start(context.Background(), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validate shell")
}

func TestDriver_NoCredentials(t *testing.T) {
	p := testProfile("127.0.0.1", 1)
	p.Password = ""

	_, err := NewDriver("").Start(context.Background(), p)
	require.ErrorIs(t, err, sshkeys.ErrNoCredentials)
}

func TestTerminalSession_Resize(t *testing.T) {
	host, port := testSSHServer(t, nil)
	ts, err := NewDriver("").Start(context.Background(), testProfile(host, port))
	require.NoError(t, err)
	defer ts.Close()

	readUntil(t, ts, "PTY:true", 5*time.Second)
	require.NoError(t, ts.Resize(120, 9999))
	readUntil(t, ts, "resize:120x200", 5*time.Second)
}

func TestTerminalSession_CloseEndsOutput(t *testing.T) {
	host, port := testSSHServer(t, nil)
	ts, err := NewDriver("").Start(context.Background(), testProfile(host, port))
	require.NoError(t, err)

	readUntil(t, ts, "PTY:true", 5*time.Second)
	require.NoError(t, ts.Close())
	require.NoError(t, ts.Close())

	select {
	case <-ts.Done():
	default:
		t.Fatal("Done not closed after Close")
	}

	errCh := make(chan error, 1)
	go func() {
		buf := make([]byte, 1024)
		for {
			if _, err := ts.Read(buf); err != nil {
				errCh <- err
				return
			}
		}
	}()
	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Read did not return after Close")
	}
}

func TestTerminalSession_RejectsOversizedInput(t *testing.T) {
	host, port := testSSHServer(t, nil)
	ts, err := NewDriver("").Start(context.Background(), testProfile(host, port))
	require.NoError(t, err)
	defer ts.Close()

	_, err = ts.Write(make([]byte, MaxInputMessageSize+1))
	require.Error(t, err)
}
