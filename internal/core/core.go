package core

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/inferctl/internal/poller"
	"github.com/3cpo-dev/inferctl/pkg/api"
)

// History is the part of Store the runner writes to.
type History interface {
	Record(ctx context.Context, e Entry) (string, error)
	UpdateStatus(ctx context.Context, id, status, result, errMsg string) error
	Get(ctx context.Context, key string) (Entry, error)
}

// Submitter and Waiter are satisfied by the submitter and poller packages.
type Submitter interface {
	Submit(ctx context.Context, req api.TaskRequest) (api.TaskHandle, error)
}

type Waiter interface {
	Wait(ctx context.Context, h api.TaskHandle) (api.TaskStatus, error)
}

// Outcome is what one run produced.
type Outcome struct {
	EntryID string
	Handle  api.TaskHandle
	Status  api.TaskStatus
}

// Runner drives submit, then poll, then history.
type Runner struct {
	submitter Submitter
	waiter    Waiter
	history   History
}

// NewRunner wires a runner. history may be nil.
func NewRunner(s Submitter, w Waiter, history History) *Runner {
	return &Runner{submitter: s, waiter: w, history: history}
}

// Submit sends req and records it without waiting for the result.
func (r *Runner) Submit(ctx context.Context, req api.TaskRequest) (Outcome, error) {
	h, err := r.submitter.Submit(ctx, req)
	e := Entry{TaskID: h.TaskID, Request: req, Status: string(api.StatusPending)}
	if err != nil {
		e.Status = HistoryError
		if cancelled(err) {
			e.Status = HistoryCancelled
		}
		e.Error = err.Error()
	}
	out := Outcome{Handle: h, Status: api.TaskStatus{Status: api.StatusPending}}
	out.EntryID = r.record(ctx, e)
	return out, err
}

// Send submits req and polls the resulting task until it is terminal.
func (r *Runner) Send(ctx context.Context, req api.TaskRequest) (Outcome, error) {
	out, err := r.Submit(ctx, req)
	if err != nil {
		return out, err
	}
	st, err := r.waiter.Wait(ctx, out.Handle)
	out.Status = st
	r.update(out.EntryID, st, err)
	return out, err
}

// Wait polls an already submitted task. Its history entry is updated when
// one exists.
func (r *Runner) Wait(ctx context.Context, h api.TaskHandle) (Outcome, error) {
	out := Outcome{Handle: h}
	if r.history != nil {
		if e, err := r.history.Get(ctx, h.TaskID); err == nil {
			out.EntryID = e.ID
		}
	}
	st, err := r.waiter.Wait(ctx, h)
	out.Status = st
	r.update(out.EntryID, st, err)
	return out, err
}

func (r *Runner) record(ctx context.Context, e Entry) string {
	if r.history == nil {
		return ""
	}
	id, err := r.history.Record(context.WithoutCancel(ctx), e)
	if err != nil {
		log.Warn().Err(err).Msg("Could not record submission")
		return ""
	}
	return id
}

func (r *Runner) update(id string, st api.TaskStatus, err error) {
	if r.history == nil || id == "" {
		return
	}
	status, msg := string(st.Status), ""
	switch {
	case err == nil:
	case errors.Is(err, poller.ErrTaskFailed):
		status = string(api.StatusFailed)
	case cancelled(err):
		status, msg = HistoryCancelled, err.Error()
	default:
		status, msg = HistoryError, err.Error()
	}
	// the run context may already be cancelled
	if uerr := r.history.UpdateStatus(context.Background(), id, status, st.ResultText(), msg); uerr != nil {
		log.Warn().Err(uerr).Str("entry", id).Msg("Could not update submission")
	}
}

func cancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
