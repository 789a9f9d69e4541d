package poller

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/inferctl/internal/client"
	"github.com/3cpo-dev/inferctl/internal/render"
	"github.com/3cpo-dev/inferctl/pkg/api"
)

type step struct {
	status string
	result string
	err    error
}

// scriptedFetcher replays steps in order and fails the test on overrun.
type scriptedFetcher struct {
	t       *testing.T
	mu      sync.Mutex
	steps   []step
	calls   int
	targets []string
}

func (f *scriptedFetcher) PollStatus(ctx context.Context, taskID, target string) (api.TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, target)
	if f.calls >= len(f.steps) {
		f.t.Fatalf("unexpected poll %d for %s", f.calls+1, taskID)
	}
	s := f.steps[f.calls]
	f.calls++
	if s.err != nil {
		return api.TaskStatus{}, s.err
	}
	st := api.TaskStatus{Status: api.NormalizeStatus(s.status), Raw: s.status}
	if s.result != "" {
		r := s.result
		st.Result = &r
	}
	return st, nil
}

func newTestPoller(f StatusFetcher, d render.Display, p Policy) (*Poller, *[]time.Duration) {
	pl := New(f, d, p)
	var delays []time.Duration
	pl.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return pl, &delays
}

func TestPendingTwiceThenFinished(t *testing.T) {
	f := &scriptedFetcher{t: t, steps: []step{{status: "pending"}, {status: "processing"}, {status: "finished", result: "Paris"}}}
	rec := &render.Recorder{}
	p, delays := newTestPoller(f, rec, DefaultPolicy())

	st, err := p.Wait(context.Background(), api.TaskHandle{TaskID: "t-1"})
	require.NoError(t, err)
	assert.Equal(t, 3, f.calls)
	assert.Equal(t, api.StatusFinished, st.Status)
	assert.Equal(t, "Paris", st.ResultText())
	assert.Len(t, *delays, 2)
	assert.Equal(t, "Result: Paris", rec.Region())
	assert.False(t, rec.SpinnerVisible())
	assert.Equal(t, []string{
		"spinner:true", "pending:1", "pending:2", "result:Paris", "spinner:false",
	}, rec.Events())
}

func TestFailedOnFirstPoll(t *testing.T) {
	f := &scriptedFetcher{t: t, steps: []step{{status: "failed"}}}
	rec := &render.Recorder{}
	p, delays := newTestPoller(f, rec, DefaultPolicy())

	_, err := p.Wait(context.Background(), api.TaskHandle{TaskID: "t-1"})
	assert.ErrorIs(t, err, ErrTaskFailed)
	assert.Equal(t, 1, f.calls)
	assert.Empty(t, *delays)
	assert.Equal(t, render.MsgTaskFailed, rec.Region())
	assert.False(t, rec.SpinnerVisible())
}

func TestPollErrorHalts(t *testing.T) {
	f := &scriptedFetcher{t: t, steps: []step{{status: "pending"}, {err: errors.New("connection reset")}}}
	rec := &render.Recorder{}
	p, _ := newTestPoller(f, rec, DefaultPolicy())

	st, err := p.Wait(context.Background(), api.TaskHandle{TaskID: "t-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, 2, f.calls)
	assert.Equal(t, api.StatusPending, st.Status)
	assert.Equal(t, render.MsgPollFailed, rec.Region())
	assert.False(t, rec.SpinnerVisible())
}

func TestPollLimit(t *testing.T) {
	f := &scriptedFetcher{t: t, steps: []step{{status: "pending"}, {status: "pending"}, {status: "pending"}}}
	rec := &render.Recorder{}
	pol := DefaultPolicy()
	pol.MaxAttempts = 3
	p, delays := newTestPoller(f, rec, pol)

	_, err := p.Wait(context.Background(), api.TaskHandle{TaskID: "t-1"})
	assert.ErrorIs(t, err, ErrPollLimit)
	assert.Equal(t, 3, f.calls)
	assert.Len(t, *delays, 2)
	assert.Equal(t, render.MsgPollLimit, rec.Region())
}

func TestUnboundedWhenMaxAttemptsZero(t *testing.T) {
	steps := make([]step, 0, 1001)
	for i := 0; i < 1000; i++ {
		steps = append(steps, step{status: "PENDING"})
	}
	steps = append(steps, step{status: "SUCCESS", result: "ok"})
	f := &scriptedFetcher{t: t, steps: steps}
	pol := DefaultPolicy()
	pol.MaxAttempts = 0
	p, _ := newTestPoller(f, &render.Recorder{}, pol)

	st, err := p.Wait(context.Background(), api.TaskHandle{TaskID: "t-1"})
	require.NoError(t, err)
	assert.Equal(t, 1001, f.calls)
	assert.Equal(t, "ok", st.ResultText())
}

func TestHandleNotReused(t *testing.T) {
	f := &scriptedFetcher{t: t, steps: []step{{status: "finished", result: "x"}}}
	p, _ := newTestPoller(f, &render.Recorder{}, DefaultPolicy())
	h := api.TaskHandle{TaskID: "t-1"}

	_, err := p.Wait(context.Background(), h)
	require.NoError(t, err)
	_, err = p.Wait(context.Background(), h)
	assert.ErrorIs(t, err, ErrHandleDone)
	assert.Equal(t, 1, f.calls)
}

func TestTargetStatusPassedThrough(t *testing.T) {
	f := &scriptedFetcher{t: t, steps: []step{{status: "pending"}, {status: "SUCCESS"}}}
	pol := DefaultPolicy()
	pol.TargetStatus = "SUCCESS"
	p, _ := newTestPoller(f, &render.Recorder{}, pol)

	_, err := p.Wait(context.Background(), api.TaskHandle{TaskID: "t-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"SUCCESS", "SUCCESS"}, f.targets)
}

func TestCancelDuringWait(t *testing.T) {
	f := &scriptedFetcher{t: t, steps: []step{{status: "pending"}}}
	rec := &render.Recorder{}
	pol := DefaultPolicy()
	pol.Interval = time.Hour
	p := New(f, rec, pol)

	ctx, cancel := context.WithCancel(context.Background())
	p.OnStatus = func(int, api.TaskStatus) { cancel() }

	_, err := p.Wait(ctx, api.TaskHandle{TaskID: "t-1"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, f.calls)
	assert.Equal(t, render.MsgPollCancelled, rec.Region())
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{Interval: time.Second, BackoffFactor: 2, MaxInterval: 5 * time.Second}
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4))

	fixed := DefaultPolicy()
	assert.Equal(t, time.Second, fixed.Delay(1))
	assert.Equal(t, time.Second, fixed.Delay(50))
}

func TestBackoffCappedWithoutMaxInterval(t *testing.T) {
	p := Policy{Interval: time.Second, BackoffFactor: 2}
	assert.Equal(t, 30*time.Second, p.Delay(2000))

	f := &scriptedFetcher{t: t, steps: []step{{status: "pending"}, {status: "pending"}, {status: "pending"}, {status: "finished"}}}
	pl, delays := newTestPoller(f, &render.Recorder{}, Policy{Interval: 10 * time.Second, BackoffFactor: 4})
	_, err := pl.Wait(context.Background(), api.TaskHandle{TaskID: "t"})
	require.NoError(t, err)
	require.NotEmpty(t, *delays)
	for _, d := range *delays {
		assert.Positive(t, d)
		assert.LessOrEqual(t, d, DefaultPolicy().MaxInterval)
	}
	assert.Equal(t, DefaultPolicy().MaxInterval, (*delays)[len(*delays)-1])
}

// TestAgainstHTTPServer runs the loop over a real client
func TestAgainstHTTPServer(t *testing.T) {
	var mu sync.Mutex
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		polls++
		if polls < 3 {
			_, _ = w.Write([]byte(`{"status":"PENDING"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"SUCCESS","result":"hi there"}`))
	}))
	defer srv.Close()

	c, err := client.New(client.Options{BaseURL: srv.URL})
	require.NoError(t, err)
	pol := DefaultPolicy()
	pol.Interval = 10 * time.Millisecond
	rec := &render.Recorder{}

	st, err := New(c, rec, pol).Wait(context.Background(), api.TaskHandle{TaskID: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "hi there", st.ResultText())
	mu.Lock()
	assert.Equal(t, 3, polls)
	mu.Unlock()
}
