package stub

import "time"

// Request is one request received by the stub, kept for inspection.
type Request struct {
	Method string    `json:"method"`
	Path   string    `json:"path"`
	Query  string    `json:"query"`
	Body   string    `json:"body"`
	Time   time.Time `json:"time"`
}

// DefaultScript is the status sequence handed out to each new task. The last
// entry repeats once the script is exhausted.
var DefaultScript = []string{"PENDING", "PENDING", "SUCCESS"}

type task struct {
	id     string
	text   string
	model  string
	script []string
	polls  int
}

func (t *task) next() string {
	i := t.polls
	if i >= len(t.script) {
		i = len(t.script) - 1
	}
	t.polls++
	return t.script[i]
}
