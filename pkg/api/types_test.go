package api

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]Status{
		"SUCCESS":    StatusFinished,
		"finished":   StatusFinished,
		"Completed":  StatusFinished,
		"failed":     StatusFailed,
		"FAILURE":    StatusFailed,
		"REVOKED":    StatusFailed,
		"pending":    StatusPending,
		"PENDING":    StatusPending,
		"processing": StatusPending,
		"STARTED":    StatusPending,
		"":           StatusPending,
		"whatever":   StatusPending,
	}
	for raw, want := range cases {
		assert.Equal(t, want, NormalizeStatus(raw), "raw=%q", raw)
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusFinished.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusPending.Terminal())
}

func TestTaskRequestWireNames(t *testing.T) {
	req := NewTaskRequest("hello")
	b, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hello","model_name":"vicuna_q2","dyn_batch":1,"speculative_decoding":false}`, string(b))
}

func TestResultText(t *testing.T) {
	assert.Equal(t, "", TaskStatus{Status: StatusPending}.ResultText())
	r := "done"
	assert.Equal(t, "done", TaskStatus{Status: StatusFinished, Result: &r}.ResultText())
}
