package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/inferctl/internal/poller"
	"github.com/3cpo-dev/inferctl/internal/stub"
)

type cli struct {
	t    *testing.T
	stub *stub.Server
	url  string
	env  string
}

func newCLI(t *testing.T, script ...string) *cli {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("XDG_DATA_HOME", dir)
	for _, k := range []string{"FAST_API_HOST", "FAST_API_PORT", "INFERCTL_URL", "INFERCTL_MODEL", "NO_COLOR"} {
		t.Setenv(k, "")
	}
	st := stub.NewServer("test")
	st.Script = script
	srv := httptest.NewServer(st.Handler())
	t.Cleanup(srv.Close)
	return &cli{t: t, stub: st, url: srv.URL, env: filepath.Join(dir, "absent.env")}
}

// run executes the root command and returns its stdout
func (c *cli) run(stdin string, args ...string) (string, error) {
	c.t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--url", c.url, "--env-file", c.env}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func (c *cli) count(method string) int {
	n := 0
	for _, r := range c.stub.Requests() {
		if r.Method == method {
			n++
		}
	}
	return n
}

func TestSendPollsUntilFinished(t *testing.T) {
	c := newCLI(t, "pending", "pending", "finished")
	out, err := c.run("", "send", "--interval", "5ms", "--model", "llama", "what", "is", "go?")
	require.NoError(t, err)
	assert.Contains(t, out, "Result: Mock inference result for: llama")
	assert.Equal(t, 1, c.count(http.MethodPost))
	assert.Equal(t, 3, c.count(http.MethodGet))

	body := c.stub.Requests()[0].Body
	assert.JSONEq(t, `{"text":"what is go?","model_name":"llama","dyn_batch":1,"speculative_decoding":false}`, body)

	out, err = c.run("", "history")
	require.NoError(t, err)
	assert.Contains(t, out, "finished")
	assert.Contains(t, out, "what is go?")
}

func TestSendReadsStdin(t *testing.T) {
	c := newCLI(t, "SUCCESS")
	_, err := c.run("  from stdin \n", "send", "--no-history", "-")
	require.NoError(t, err)
	assert.Contains(t, c.stub.Requests()[0].Body, `"text":"from stdin"`)
}

func TestSendFailedTask(t *testing.T) {
	c := newCLI(t, "failed")
	out, err := c.run("", "send", "--no-history", "hello")
	assert.ErrorIs(t, err, poller.ErrTaskFailed)
	assert.Contains(t, out, "Error: Task failed.")
	assert.Equal(t, 1, c.count(http.MethodGet))
}

func TestSendMissingTaskID(t *testing.T) {
	c := newCLI(t)
	c.stub.OmitTaskID = true
	out, err := c.run("", "send", "--no-history", "hello")
	require.Error(t, err)
	assert.Contains(t, out, "Error: No task ID returned.")
	assert.Equal(t, 0, c.count(http.MethodGet))
}

func TestSendRejectsEmptyText(t *testing.T) {
	c := newCLI(t)
	_, err := c.run("   ", "send", "--no-history")
	require.Error(t, err)
	assert.Empty(t, c.stub.Requests())
}

func TestSendNoArgsOnTerminal(t *testing.T) {
	c := newCLI(t)
	orig := stdinIsTerminal
	stdinIsTerminal = func(io.Reader) bool { return true }
	t.Cleanup(func() { stdinIsTerminal = orig })

	_, err := c.run("ignored", "send", "--no-history")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "text required")
	assert.Empty(t, c.stub.Requests())

	// an explicit "-" still reads stdin
	_, err = c.run("piped", "send", "--no-history", "--detach", "-")
	require.NoError(t, err)
	assert.Contains(t, c.stub.Requests()[0].Body, `"text":"piped"`)
}

func TestStdinIsTerminal(t *testing.T) {
	assert.False(t, stdinIsTerminal(strings.NewReader("x")))
	f, err := os.CreateTemp(t.TempDir(), "stdin")
	require.NoError(t, err)
	defer f.Close()
	assert.False(t, stdinIsTerminal(f))
}

func TestSendPollLimit(t *testing.T) {
	c := newCLI(t, "pending")
	out, err := c.run("", "send", "--no-history", "--interval", "1ms", "--max-attempts", "2", "hi")
	assert.ErrorIs(t, err, poller.ErrPollLimit)
	assert.Contains(t, out, "Gave up waiting")
	assert.Equal(t, 2, c.count(http.MethodGet))
}

func TestDetachThenWait(t *testing.T) {
	c := newCLI(t, "pending", "SUCCESS")
	out, err := c.run("", "send", "--detach", "hello")
	require.NoError(t, err)
	taskID := strings.TrimSpace(out[strings.LastIndex(strings.TrimSpace(out), "\n")+1:])
	require.NotEmpty(t, taskID)
	assert.Equal(t, 0, c.count(http.MethodGet))

	out, err = c.run("", "wait", "--interval", "1ms", taskID)
	require.NoError(t, err)
	assert.Contains(t, out, "Result: Mock inference result")
	assert.Equal(t, 2, c.stub.Polls(taskID))
}

func TestStatusCommand(t *testing.T) {
	c := newCLI(t, "PENDING")
	out, err := c.run("", "send", "--no-history", "--detach", "x")
	require.NoError(t, err)
	taskID := strings.TrimSpace(out[strings.LastIndex(strings.TrimSpace(out), "\n")+1:])

	out, err = c.run("", "status", "--target-status", "SUCCESS", taskID)
	require.NoError(t, err)
	assert.Contains(t, out, "status: pending (PENDING)")
	reqs := c.stub.Requests()
	assert.Equal(t, "target_status=SUCCESS", reqs[len(reqs)-1].Query)
}

func TestStatusUnknownTask(t *testing.T) {
	c := newCLI(t)
	out, err := c.run("", "status", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, out, "Error fetching task status.")
}

func TestAuxCommands(t *testing.T) {
	c := newCLI(t)
	out, err := c.run("", "health", "--redis")
	require.NoError(t, err)
	assert.Contains(t, out, "model: Model healthy")
	assert.Contains(t, out, "redis: Redis connected")

	out, err = c.run("", "generate", "--model", "m1", "hi")
	require.NoError(t, err)
	assert.Contains(t, out, "Result: Mock inference result for: m1")

	_, err = c.run("", "send", "--no-history", "--detach", "x")
	require.NoError(t, err)
	out, err = c.run("", "tasks")
	require.NoError(t, err)
	assert.Len(t, strings.Fields(out), 1)

	out, err = c.run("", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "inferctl "+version)
}
