package render

import (
	"fmt"
	"sync"
)

// Recorder is a Display that keeps every event. Tests use it to inspect what a
// user would have seen.
type Recorder struct {
	mu      sync.Mutex
	events  []string
	region  string
	spinner bool
}

func (r *Recorder) record(ev, region string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	r.region = region
}

func (r *Recorder) Sending(text string) { r.record("sending:"+text, MsgSending) }

func (r *Recorder) Pending(attempt int) {
	r.record(fmt.Sprintf("pending:%d", attempt), MsgPending)
}

func (r *Recorder) Result(text string) { r.record("result:"+text, "Result: "+text) }

func (r *Recorder) Error(msg string) { r.record("error:"+msg, msg) }

func (r *Recorder) Spinner(visible bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spinner = visible
	r.events = append(r.events, fmt.Sprintf("spinner:%t", visible))
}

// Events returns a copy of the recorded events in order.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

// Region returns the current content of the status region.
func (r *Recorder) Region() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.region
}

// SpinnerVisible reports the loading indicator state.
func (r *Recorder) SpinnerVisible() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spinner
}
