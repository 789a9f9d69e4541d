package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorDisabled(t *testing.T) {
	c := NewCollector(false)
	c.Counter("polls", 1, nil)
	c.Timer("latency", time.Second, nil)
	assert.Empty(t, c.GetMetrics())
}

func TestCollectorSummarize(t *testing.T) {
	c := NewCollector(true)
	c.Counter("polls", 1, nil)
	c.Counter("polls", 1, nil)
	c.Counter("polls", 1, nil)
	c.Timer("latency", 20*time.Millisecond, nil)
	c.Timer("latency", 50*time.Millisecond, nil)
	c.Gauge("attempts", 4, nil)
	c.Gauge("attempts", 2, nil)

	sums := c.Summarize()
	require.Len(t, sums, 3)

	assert.Equal(t, "attempts", sums[0].Name)
	assert.Equal(t, 2.0, sums[0].Sum)
	assert.Equal(t, 4.0, sums[0].Max)

	assert.Equal(t, "latency", sums[1].Name)
	assert.Equal(t, 70.0, sums[1].Sum)
	assert.Equal(t, "ms", sums[1].Unit)

	assert.Equal(t, "polls", sums[2].Name)
	assert.Equal(t, 3, sums[2].Count)
}

func TestFlushClears(t *testing.T) {
	c := NewCollector(true)
	c.Counter("submits", 1, map[string]string{"outcome": "ok"})
	c.FlushMetrics()
	assert.Empty(t, c.GetMetrics())
}

func TestGlobal(t *testing.T) {
	InitGlobal(true)
	defer InitGlobal(false)
	CounterGlobal("x", 1, nil)
	assert.Len(t, GetGlobal().GetMetrics(), 1)
}
