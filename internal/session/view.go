package session

import (
	"io"
	"strings"
	"sync"
)

// defaultScrollbackSize bounds the output a TerminalView remembers.
const defaultScrollbackSize = 256 * 1024

// TerminalView is the terminal a session writes its output to. It forwards
// output to out and keeps a bounded scrollback used for suspend snapshots.
type TerminalView struct {
	mu     sync.Mutex
	out    io.Writer
	data   []byte
	maxLen int
	closed bool
}

// NewTerminalView returns a view writing to out. If maxLen <= 0,
// defaultScrollbackSize is used.
func NewTerminalView(out io.Writer, maxLen int) *TerminalView {
	if maxLen <= 0 {
		maxLen = defaultScrollbackSize
	}
	return &TerminalView{out: out, maxLen: maxLen}
}

// Write forwards p and appends it to the scrollback, trimming from the
// front past maxLen.
func (v *TerminalView) Write(p []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return 0, io.ErrClosedPipe
	}
	v.data = append(v.data, p...)
	if len(v.data) > v.maxLen {
		v.data = v.data[len(v.data)-v.maxLen:]
	}
	if v.out == nil {
		return len(p), nil
	}
	return v.out.Write(p)
}

// Contents returns a copy of the scrollback.
func (v *TerminalView) Contents() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]byte(nil), v.data...)
}

// Snapshot returns up to rows lines of visible text, ending at the last
// non-blank line. Lines are joined with CRLF so the snapshot can be written
// back to a terminal as is.
func (v *TerminalView) Snapshot(rows int) string {
	v.mu.Lock()
	text := string(v.data)
	v.mu.Unlock()

	lines := strings.Split(strings.ReplaceAll(text, "\r", ""), "\n")
	end := len(lines)
	for end > 0 && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	if end == 0 {
		return ""
	}
	start := 0
	if rows > 0 && end > rows {
		start = end - rows
	}
	return strings.Join(lines[start:end], "\r\n")
}

// Close stops the view from accepting output.
func (v *TerminalView) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	return nil
}
