package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/inferctl/pkg/api"
)

const maxErrorBody = 64 << 10

// Paths holds the endpoint paths relative to the base URL.
type Paths struct {
	SendText   string `yaml:"send_text"`
	PollStatus string `yaml:"poll_status"`
	Generate   string `yaml:"generate"`
	Health     string `yaml:"health"`
	Redis      string `yaml:"redis"`
	Tasks      string `yaml:"tasks"`
}

// DefaultPaths returns the routes served by the inference backend.
func DefaultPaths() Paths {
	return Paths{
		SendText:   "/send_text",
		PollStatus: "/poll_task_status",
		Generate:   "/generate",
		Health:     "/health_check",
		Redis:      "/test_redis",
		Tasks:      "/tasks/",
	}
}

// Options configures a Client. Zero durations fall back to defaults.
type Options struct {
	BaseURL           string
	Paths             Paths
	Timeout           time.Duration
	GenerateTimeout   time.Duration
	Retries           int
	RequestsPerSecond float64
	UserAgent         string
}

// Client talks to the inference task service.
type Client struct {
	base            *url.URL
	paths           Paths
	http            *RetryableHTTPClient
	generateTimeout time.Duration
	userAgent       string
}

// New creates a client for the service at opts.BaseURL.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(opts.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", opts.BaseURL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("base url %q: missing host", opts.BaseURL)
	}
	paths := mergePaths(opts.Paths, DefaultPaths())
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.GenerateTimeout <= 0 {
		opts.GenerateTimeout = 15 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "inferctl"
	}
	rc := DefaultRetryConfig()
	if opts.Retries > 0 {
		rc.MaxRetries = opts.Retries
	}
	return &Client{
		base:            base,
		paths:           paths,
		http:            NewRetryableHTTPClient(opts.Timeout, opts.RequestsPerSecond, rc),
		generateTimeout: opts.GenerateTimeout,
		userAgent:       opts.UserAgent,
	}, nil
}

func mergePaths(p, def Paths) Paths {
	pick := func(v, d string) string {
		if strings.TrimSpace(v) == "" {
			return d
		}
		return v
	}
	return Paths{
		SendText:   pick(p.SendText, def.SendText),
		PollStatus: pick(p.PollStatus, def.PollStatus),
		Generate:   pick(p.Generate, def.Generate),
		Health:     pick(p.Health, def.Health),
		Redis:      pick(p.Redis, def.Redis),
		Tasks:      pick(p.Tasks, def.Tasks),
	}
}

// BaseURL returns the service base URL.
func (c *Client) BaseURL() string { return c.base.String() }

// SendText submits req and returns the handle of the created task.
func (c *Client) SendText(ctx context.Context, req api.TaskRequest) (api.TaskHandle, error) {
	var h api.TaskHandle
	if err := c.do(ctx, http.MethodPost, c.endpoint(c.paths.SendText), nil, req, &h); err != nil {
		return api.TaskHandle{}, err
	}
	if strings.TrimSpace(h.TaskID) == "" {
		return api.TaskHandle{}, ErrMissingTaskID
	}
	return h, nil
}

// PollStatus fetches one status snapshot for taskID. targetStatus is sent as
// the target_status query parameter when non-empty.
func (c *Client) PollStatus(ctx context.Context, taskID, targetStatus string) (api.TaskStatus, error) {
	var q url.Values
	if targetStatus != "" {
		q = url.Values{"target_status": {targetStatus}}
	}
	if err := checkTaskID(taskID); err != nil {
		return api.TaskStatus{}, err
	}
	// JoinPath takes escaped elements
	u := c.endpoint(c.paths.PollStatus, url.PathEscape(taskID))
	var p api.StatusPayload
	// polls are single shot; the poller decides what happens after an error
	if err := c.exchange(ctx, c.http.DoOnce, http.MethodGet, u, q, nil, &p); err != nil {
		return api.TaskStatus{}, err
	}
	st := api.TaskStatus{Status: api.NormalizeStatus(p.Status), Raw: p.Status}
	if p.Result != nil {
		r := resultString(p.Result)
		st.Result = &r
	}
	return st, nil
}

// Generate runs req synchronously on the server's /generate route.
func (c *Client) Generate(ctx context.Context, req api.TaskRequest) (api.GenerateResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.generateTimeout)
	defer cancel()
	var out api.GenerateResponse
	err := c.do(ctx, http.MethodPost, c.endpoint(c.paths.Generate), nil, req, &out)
	return out, err
}

// HealthCheck asks the service to run a probe inference.
func (c *Client) HealthCheck(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.do(ctx, http.MethodGet, c.endpoint(c.paths.Health), nil, nil, &out)
	return out, err
}

// TestRedis checks the service's connection to its result backend.
func (c *Client) TestRedis(ctx context.Context) (api.RedisResponse, error) {
	var out api.RedisResponse
	err := c.do(ctx, http.MethodGet, c.endpoint(c.paths.Redis), nil, nil, &out)
	return out, err
}

// ListTasks returns the task ids known to the service.
func (c *Client) ListTasks(ctx context.Context) ([]string, error) {
	var out api.TaskList
	if err := c.do(ctx, http.MethodGet, c.endpoint(c.paths.Tasks), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// checkTaskID rejects ids that would resolve to a different route once
// joined onto the poll path.
func checkTaskID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return fmt.Errorf("%w: empty", ErrInvalidTaskID)
	case strings.ContainsAny(id, "/\\"), id == ".", id == "..":
		return fmt.Errorf("%w: %q", ErrInvalidTaskID, id)
	}
	return nil
}

func (c *Client) endpoint(elem ...string) *url.URL {
	return c.base.JoinPath(elem...)
}

func (c *Client) do(ctx context.Context, method string, u *url.URL, q url.Values, in, out any) error {
	return c.exchange(ctx, c.http.Do, method, u, q, in, out)
}

func (c *Client) exchange(ctx context.Context, send func(*http.Request) (*http.Response, error), method string, u *url.URL, q url.Values, in, out any) error {
	if q != nil {
		u.RawQuery = q.Encode()
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	reqID := uuid.NewString()
	req.Header.Set("X-Request-ID", reqID)

	start := time.Now()
	resp, err := send(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, u.Path, err)
	}
	defer resp.Body.Close()

	log.Debug().
		Str("method", method).
		Str("url", u.String()).
		Str("request_id", reqID).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("http request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return newHTTPError(resp.StatusCode, b)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func resultString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
