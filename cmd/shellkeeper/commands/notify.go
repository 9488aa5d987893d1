package commands

import (
	"fmt"
	"io"
	"sync"
)

// termNotifier prints notifications on the user's terminal. CRLF line ends
// keep the output aligned while the terminal is in raw mode.
type termNotifier struct {
	mu  sync.Mutex
	out io.Writer
}

func (n *termNotifier) print(prefix, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprint(n.out, "\r\n"+prefix+" "+msg+"\r\n")
}

func (n *termNotifier) Info(msg string)  { n.print(infoStyle.Render("●"), msg) }
func (n *termNotifier) Warn(msg string)  { n.print(warnStyle.Render("▲"), warnStyle.Render(msg)) }
func (n *termNotifier) Error(msg string) { n.print(errorStyle.Render("✖"), errorStyle.Render(msg)) }
