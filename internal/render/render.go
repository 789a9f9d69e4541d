// Package render draws submission and polling progress for a human reader.
package render

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// User-facing messages.
const (
	MsgSending       = "Sending message..."
	MsgPending       = "Status is still pending..."
	MsgSendFailed    = "Error sending message."
	MsgNoTaskID      = "Error: No task ID returned."
	MsgTaskFailed    = "Error: Task failed."
	MsgPollFailed    = "Error fetching task status."
	MsgPollLimit     = "Error: Gave up waiting for the task."
	MsgPollCancelled = "Polling cancelled."
)

// Display is the visible status region plus the loading indicator.
type Display interface {
	Sending(text string)
	Pending(attempt int)
	Result(text string)
	Error(msg string)
	Spinner(visible bool)
}

var frames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Terminal writes to out. Pending updates overwrite each other in place when
// out is a terminal.
type Terminal struct {
	mu      sync.Mutex
	out     io.Writer
	color   bool
	tty     bool
	spinner bool
	inPlace bool
}

// NewTerminal returns a Terminal that uses color and in-place updates when out
// is an interactive terminal.
func NewTerminal(out io.Writer) *Terminal {
	tty := isTerminal(out)
	return &Terminal{out: out, tty: tty, color: tty && useColor()}
}

func (t *Terminal) Sending(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearLine()
	fmt.Fprintln(t.out, t.paint("2", MsgSending+" "+quote(text)))
}

func (t *Terminal) Pending(attempt int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prefix := ""
	if t.spinner {
		prefix = frames[attempt%len(frames)] + " "
	}
	line := fmt.Sprintf("%s%s (poll %d)", prefix, MsgPending, attempt)
	if t.tty {
		fmt.Fprint(t.out, "\r\x1b[2K"+t.paint("33", line))
		t.inPlace = true
		return
	}
	fmt.Fprintln(t.out, line)
}

func (t *Terminal) Result(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearLine()
	fmt.Fprintf(t.out, "%s %s\n", t.paint("1;32", "Result:"), text)
}

func (t *Terminal) Error(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearLine()
	fmt.Fprintln(t.out, t.paint("31", msg))
}

func (t *Terminal) Spinner(visible bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spinner = visible
	if !visible {
		t.clearLine()
	}
}

func (t *Terminal) clearLine() {
	if t.inPlace {
		fmt.Fprint(t.out, "\r\x1b[2K")
		t.inPlace = false
	}
}

func (t *Terminal) paint(code, text string) string {
	if !t.color {
		return text
	}
	return "\x1b[" + code + "m" + text + "\x1b[0m"
}

func quote(s string) string {
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > 60 {
		s = string(r[:57]) + "..."
	}
	return fmt.Sprintf("%q", s)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func useColor() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return os.Getenv("TERM") != "dumb"
}
