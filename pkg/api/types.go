package api

import "strings"

// v0 wire types shared by the client, the poller and the stub server.

const (
	DefaultModelName = "vicuna_q2"
	DefaultDynBatch  = 1
)

// TaskRequest is the body of POST /send_text. Build a fresh one per submission.
type TaskRequest struct {
	Text                string `json:"text" yaml:"text"`
	ModelName           string `json:"model_name" yaml:"model_name"`
	DynBatch            int    `json:"dyn_batch" yaml:"dyn_batch"`
	SpeculativeDecoding bool   `json:"speculative_decoding" yaml:"speculative_decoding"`
}

// NewTaskRequest returns a request carrying the default model settings.
func NewTaskRequest(text string) TaskRequest {
	return TaskRequest{Text: text, ModelName: DefaultModelName, DynBatch: DefaultDynBatch}
}

// TaskHandle identifies a submitted task. The id is opaque.
type TaskHandle struct {
	TaskID string `json:"task_id"`
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// Terminal reports whether no further polling should happen after s.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// NormalizeStatus maps the status strings used by the different backend
// variants onto the canonical enum. Unknown values count as pending.
func NormalizeStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success", "finished", "completed", "succeeded":
		return StatusFinished
	case "failed", "failure", "error", "revoked":
		return StatusFailed
	default:
		return StatusPending
	}
}

// TaskStatus is one poll snapshot.
type TaskStatus struct {
	Status Status  `json:"status"`
	Result *string `json:"result,omitempty"`
	// Raw keeps the status string exactly as the server sent it.
	Raw string `json:"-"`
}

// ResultText returns the result or "" when the server sent none.
func (s TaskStatus) ResultText() string {
	if s.Result == nil {
		return ""
	}
	return *s.Result
}

// StatusPayload is the wire shape of a status response before normalization.
// result is left untyped because some workers return non-string results.
type StatusPayload struct {
	Status string `json:"status"`
	Result any    `json:"result,omitempty"`
}

type GenerateResponse struct {
	Status string `json:"status"`
	Result string `json:"result"`
}

type TaskList struct {
	Tasks []string `json:"tasks"`
}

type HealthResponse struct {
	Message string `json:"message"`
}

type RedisResponse struct {
	Status string `json:"status"`
}

// ErrorBody is the error shape returned by the backend on non-2xx responses.
type ErrorBody struct {
	Detail any `json:"detail"`
}
