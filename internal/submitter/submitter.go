// Package submitter sends a prompt to the task service and hands back the
// task id for polling.
package submitter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/inferctl/internal/client"
	"github.com/3cpo-dev/inferctl/internal/render"
	"github.com/3cpo-dev/inferctl/internal/telemetry"
	"github.com/3cpo-dev/inferctl/pkg/api"
)

// Sender is the part of the service client used for submission.
type Sender interface {
	SendText(ctx context.Context, req api.TaskRequest) (api.TaskHandle, error)
}

// ValidationError rejects a request before anything is sent.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s=%q: %s", e.Field, e.Value, e.Message)
}

// Validate checks the request fields the server cannot do anything useful without.
func Validate(req api.TaskRequest) error {
	if strings.TrimSpace(req.Text) == "" {
		return ValidationError{Field: "text", Value: req.Text, Message: "text must not be empty"}
	}
	if strings.TrimSpace(req.ModelName) == "" {
		return ValidationError{Field: "model_name", Value: req.ModelName, Message: "model name is required"}
	}
	if req.DynBatch < 1 {
		return ValidationError{Field: "dyn_batch", Value: fmt.Sprint(req.DynBatch), Message: "batch size must be at least 1"}
	}
	return nil
}

type Submitter struct {
	sender  Sender
	display render.Display
}

func New(sender Sender, display render.Display) *Submitter {
	return &Submitter{sender: sender, display: display}
}

// Submit sends req exactly once. Every failure is shown on the display and
// returned; nothing is retried.
func (s *Submitter) Submit(ctx context.Context, req api.TaskRequest) (api.TaskHandle, error) {
	if err := Validate(req); err != nil {
		s.display.Error("Error: " + err.Error())
		return api.TaskHandle{}, err
	}

	s.display.Sending(req.Text)
	start := time.Now()
	handle, err := s.sender.SendText(ctx, req)
	telemetry.TimerGlobal("inferctl_submit_duration", time.Since(start), nil)
	if err != nil {
		msg := render.MsgSendFailed
		if errors.Is(err, client.ErrMissingTaskID) {
			msg = render.MsgNoTaskID
		}
		s.display.Error(msg)
		log.Error().Err(err).Str("model", req.ModelName).Msg("Submit failed")
		telemetry.CounterGlobal("inferctl_submits", 1, map[string]string{"outcome": "error"})
		return api.TaskHandle{}, fmt.Errorf("submit: %w", err)
	}

	log.Info().Str("task_id", handle.TaskID).Str("model", req.ModelName).Msg("Task submitted")
	telemetry.CounterGlobal("inferctl_submits", 1, map[string]string{"outcome": "ok"})
	return handle, nil
}
