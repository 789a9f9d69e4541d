// Package poller waits for a submitted task to reach a terminal status.
package poller

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/inferctl/internal/render"
	"github.com/3cpo-dev/inferctl/internal/telemetry"
	"github.com/3cpo-dev/inferctl/pkg/api"
)

var (
	ErrTaskFailed = errors.New("task failed")
	ErrPollLimit  = errors.New("poll limit reached")
	// ErrHandleDone is returned when a handle that already reached a terminal
	// status is passed to Wait again.
	ErrHandleDone = errors.New("task already reached a terminal status")
)

// StatusFetcher is the part of the service client used for polling.
type StatusFetcher interface {
	PollStatus(ctx context.Context, taskID, targetStatus string) (api.TaskStatus, error)
}

// Policy controls the pacing of the poll loop.
type Policy struct {
	Interval time.Duration
	// MaxAttempts caps the number of polls; 0 polls until a terminal status.
	MaxAttempts int
	// BackoffFactor > 1 grows the delay after each pending poll, up to MaxInterval.
	BackoffFactor float64
	// MaxInterval caps the delay; 0 means the default cap.
	MaxInterval time.Duration
	// TargetStatus is passed through as the target_status query parameter.
	TargetStatus string
}

func DefaultPolicy() Policy {
	return Policy{
		Interval:      time.Second,
		MaxAttempts:   600,
		BackoffFactor: 1.0,
		MaxInterval:   30 * time.Second,
	}
}

// Delay returns the wait after the given 1-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	limit := p.MaxInterval
	if limit <= 0 {
		limit = DefaultPolicy().MaxInterval
	}
	d := float64(p.Interval)
	if p.BackoffFactor > 1 && attempt > 1 {
		d *= math.Pow(p.BackoffFactor, float64(attempt-1))
	}
	if d > float64(limit) {
		return limit
	}
	return time.Duration(d)
}

// Poller polls one task at a time, strictly sequentially.
type Poller struct {
	fetcher StatusFetcher
	display render.Display
	policy  Policy

	// OnStatus, when set, sees every snapshot in order.
	OnStatus func(attempt int, st api.TaskStatus)

	sleep func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	done map[string]api.Status
}

func New(fetcher StatusFetcher, display render.Display, policy Policy) *Poller {
	def := DefaultPolicy()
	if policy.Interval <= 0 {
		policy.Interval = def.Interval
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = def.MaxInterval
	}
	return &Poller{
		fetcher: fetcher,
		display: display,
		policy:  policy,
		sleep:   sleepCtx,
		done:    map[string]api.Status{},
	}
}

// Wait polls h until the task finishes or fails, a poll errors, the attempt
// budget runs out or ctx is done. The loading indicator is shown for the whole
// call. A finished task returns its final snapshot and a nil error.
func (p *Poller) Wait(ctx context.Context, h api.TaskHandle) (api.TaskStatus, error) {
	p.mu.Lock()
	if st, ok := p.done[h.TaskID]; ok {
		p.mu.Unlock()
		return api.TaskStatus{Status: st}, fmt.Errorf("task %s: %w", h.TaskID, ErrHandleDone)
	}
	p.mu.Unlock()

	p.display.Spinner(true)
	defer p.display.Spinner(false)

	logger := log.With().Str("task_id", h.TaskID).Logger()
	start := time.Now()
	last := api.TaskStatus{Status: api.StatusPending}

	for attempt := 1; ; attempt++ {
		st, err := p.fetcher.PollStatus(ctx, h.TaskID, p.policy.TargetStatus)
		telemetry.CounterGlobal("inferctl_polls", 1, nil)
		if err != nil {
			telemetry.CounterGlobal("inferctl_poll_errors", 1, nil)
			if ctx.Err() != nil {
				p.display.Error(render.MsgPollCancelled)
				logger.Warn().Int("attempt", attempt).Msg("Polling cancelled")
				return last, ctx.Err()
			}
			p.display.Error(render.MsgPollFailed)
			logger.Error().Err(err).Int("attempt", attempt).Msg("Poll failed")
			return last, fmt.Errorf("poll task %s: %w", h.TaskID, err)
		}
		last = st
		if p.OnStatus != nil {
			p.OnStatus(attempt, st)
		}
		logger.Debug().Int("attempt", attempt).Str("status", st.Raw).Msg("Polled task")

		switch st.Status {
		case api.StatusFinished:
			p.finish(h, st, attempt, start)
			p.display.Result(st.ResultText())
			return st, nil
		case api.StatusFailed:
			p.finish(h, st, attempt, start)
			p.display.Error(render.MsgTaskFailed)
			logger.Error().Int("attempt", attempt).Msg("Task failed")
			return st, fmt.Errorf("task %s: %w", h.TaskID, ErrTaskFailed)
		}

		p.display.Pending(attempt)
		if p.policy.MaxAttempts > 0 && attempt >= p.policy.MaxAttempts {
			p.display.Error(render.MsgPollLimit)
			logger.Warn().Int("attempts", attempt).Msg("Poll limit reached")
			return st, fmt.Errorf("task %s after %d polls: %w", h.TaskID, attempt, ErrPollLimit)
		}

		delay := p.policy.Delay(attempt)
		logger.Debug().Dur("delay", delay).Msg("Task pending, waiting")
		if err := p.sleep(ctx, delay); err != nil {
			p.display.Error(render.MsgPollCancelled)
			logger.Warn().Int("attempt", attempt).Msg("Polling cancelled")
			return st, err
		}
	}
}

func (p *Poller) finish(h api.TaskHandle, st api.TaskStatus, attempts int, start time.Time) {
	p.mu.Lock()
	p.done[h.TaskID] = st.Status
	p.mu.Unlock()
	labels := map[string]string{"status": string(st.Status)}
	telemetry.TimerGlobal("inferctl_wait_duration", time.Since(start), labels)
	telemetry.GaugeGlobal("inferctl_poll_attempts", float64(attempts), labels)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
