// Package stub is an in-memory stand-in for the inference task service. It
// speaks the same wire protocol and replays a scripted status sequence per task.
package stub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/inferctl/pkg/api"
)

type Server struct {
	Version string
	// Script overrides DefaultScript for tasks created after it is set.
	Script []string
	// SubmitStatus, when non-zero, makes /send_text answer with that code.
	SubmitStatus int
	// OmitTaskID makes /send_text answer 200 without a task id.
	OmitTaskID bool

	mu       sync.Mutex
	tasks    map[string]*task
	order    []string
	requests []Request
	srv      *http.Server
}

func NewServer(version string) *Server {
	return &Server{Version: version, tasks: map[string]*task{}}
}

// Handler returns the routes of the stub.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return s.record(mux)
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("/send_text", s.handleSendText)
	mux.HandleFunc("/poll_task_status/", s.handleStatus)
	mux.HandleFunc("/get_task_status/", s.handleStatus)
	mux.HandleFunc("/generate", s.handleGenerate)
	mux.HandleFunc("/health_check", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, api.HealthResponse{Message: "Model healthy"})
	})
	mux.HandleFunc("/test_redis", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, api.RedisResponse{Status: "Redis connected"})
	})
	mux.HandleFunc("/tasks/", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		ids := append([]string(nil), s.order...)
		s.mu.Unlock()
		sort.Strings(ids)
		writeJSON(w, http.StatusOK, api.TaskList{Tasks: ids})
	})
}

// record keeps a copy of every request before routing it.
func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body []byte
		if r.Body != nil {
			body, _ = io.ReadAll(r.Body)
			_ = r.Body.Close()
			r.Body = io.NopCloser(strings.NewReader(string(body)))
		}
		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Body:   string(body),
			Time:   time.Now(),
		})
		s.mu.Unlock()
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("stub request")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSendText(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.SubmitStatus != 0 {
		writeDetail(w, s.SubmitStatus, "submission rejected")
		return
	}
	var req api.TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if s.OmitTaskID {
		writeJSON(w, http.StatusOK, map[string]string{})
		return
	}
	t := s.newTask(req)
	writeJSON(w, http.StatusOK, api.TaskHandle{TaskID: t.id})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Path[strings.LastIndex(strings.TrimSuffix(r.URL.Path, "/"), "/")+1:]
	id = strings.TrimSuffix(id, "/")

	s.mu.Lock()
	t, ok := s.tasks[id]
	var status string
	if ok {
		status = t.next()
	}
	s.mu.Unlock()

	if !ok {
		writeDetail(w, http.StatusNotFound, fmt.Sprintf("task %s not found", id))
		return
	}
	p := api.StatusPayload{Status: status}
	if api.NormalizeStatus(status) == api.StatusFinished {
		p.Result = mockResult(t)
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req api.TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, api.GenerateResponse{
		Status: string(api.StatusFinished),
		Result: mockResult(&task{text: req.Text, model: req.ModelName}),
	})
}

func (s *Server) newTask(req api.TaskRequest) *task {
	s.mu.Lock()
	defer s.mu.Unlock()
	script := s.Script
	if len(script) == 0 {
		script = DefaultScript
	}
	t := &task{
		id:     uuid.NewString(),
		text:   req.Text,
		model:  req.ModelName,
		script: append([]string(nil), script...),
	}
	if s.tasks == nil {
		s.tasks = map[string]*task{}
	}
	s.tasks[t.id] = t
	s.order = append(s.order, t.id)
	return t
}

// Requests returns a copy of every request received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Polls returns how many times the task has been polled.
func (s *Server) Polls(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		return t.polls
	}
	return 0
}

// ListenAndServe starts the server
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return s.srv.ListenAndServe()
}

// Shutdown the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return fmt.Errorf("server not running")
	}
	return s.srv.Shutdown(ctx)
}

func mockResult(t *task) string {
	return fmt.Sprintf("Mock inference result for: %s", t.model)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, api.ErrorBody{Detail: detail})
}
