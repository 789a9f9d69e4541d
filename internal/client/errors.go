package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/3cpo-dev/inferctl/pkg/api"
)

// ErrMissingTaskID is returned when a submit response carries no task id.
var ErrMissingTaskID = errors.New("no task id returned")

// ErrInvalidTaskID is returned for task ids that cannot name a single path segment.
var ErrInvalidTaskID = errors.New("invalid task id")

// HTTPError is a non-2xx response from the service.
type HTTPError struct {
	StatusCode int
	Body       string
	// Detail is the "detail" field of the error body, when the server sent one.
	Detail string
}

func (e *HTTPError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Detail)
	}
	if body := strings.TrimSpace(e.Body); body != "" {
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, body)
	}
	return fmt.Sprintf("server returned %d", e.StatusCode)
}

func newHTTPError(code int, body []byte) *HTTPError {
	e := &HTTPError{StatusCode: code, Body: string(body)}
	var eb api.ErrorBody
	if json.Unmarshal(body, &eb) == nil && eb.Detail != nil {
		switch d := eb.Detail.(type) {
		case string:
			e.Detail = d
		default:
			if b, err := json.Marshal(d); err == nil {
				e.Detail = string(b)
			}
		}
	}
	return e
}
