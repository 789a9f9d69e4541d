package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter MetricType = "counter"
	Gauge   MetricType = "gauge"
	Timer   MetricType = "timer"
)

// Metric represents a telemetry metric
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Summary aggregates all samples recorded under one metric name.
type Summary struct {
	Name  string
	Type  MetricType
	Count int
	Sum   float64
	Max   float64
	Unit  string
}

// Collector buffers metrics in memory until they are flushed
type Collector struct {
	mu      sync.RWMutex
	metrics []Metric
	enabled bool
}

// NewCollector creates a new telemetry collector
func NewCollector(enabled bool) *Collector {
	return &Collector{enabled: enabled}
}

// Enabled reports whether samples are being recorded
func (c *Collector) Enabled() bool { return c.enabled }

// Counter increments a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.addMetric(Metric{Name: name, Type: Counter, Value: value, Labels: labels})
}

// Gauge sets a gauge metric value
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.addMetric(Metric{Name: name, Type: Gauge, Value: value, Labels: labels})
}

// Timer records a duration measurement
func (c *Collector) Timer(name string, duration time.Duration, labels map[string]string) {
	c.addMetric(Metric{
		Name:   name,
		Type:   Timer,
		Value:  float64(duration.Milliseconds()),
		Labels: labels,
		Unit:   "ms",
	})
}

func (c *Collector) addMetric(metric Metric) {
	if !c.enabled {
		return
	}
	metric.Timestamp = time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = append(c.metrics, metric)
}

// GetMetrics returns a copy of current metrics
func (c *Collector) GetMetrics() []Metric {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]Metric, len(c.metrics))
	copy(result, c.metrics)
	return result
}

// Summarize folds the buffered samples into one Summary per metric name,
// sorted by name.
func (c *Collector) Summarize() []Summary {
	byName := map[string]*Summary{}
	for _, m := range c.GetMetrics() {
		s, ok := byName[m.Name]
		if !ok {
			s = &Summary{Name: m.Name, Type: m.Type, Unit: m.Unit}
			byName[m.Name] = s
		}
		s.Count++
		if m.Type == Gauge {
			s.Sum = m.Value
		} else {
			s.Sum += m.Value
		}
		if m.Value > s.Max {
			s.Max = m.Value
		}
	}
	out := make([]Summary, 0, len(byName))
	for _, s := range byName {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FlushMetrics logs a summary of the buffered metrics and clears the buffer
func (c *Collector) FlushMetrics() {
	summaries := c.Summarize()

	c.mu.Lock()
	c.metrics = c.metrics[:0]
	c.mu.Unlock()

	for _, s := range summaries {
		log.Info().
			Str("name", s.Name).
			Str("type", string(s.Type)).
			Int("count", s.Count).
			Float64("sum", s.Sum).
			Float64("max", s.Max).
			Str("unit", s.Unit).
			Msg("telemetry_metric")
	}
}

var (
	globalMu        sync.Mutex
	globalCollector *Collector
)

// InitGlobal initializes the global telemetry collector
func InitGlobal(enabled bool) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalCollector = NewCollector(enabled)
}

// GetGlobal returns the global collector
func GetGlobal() *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector(false)
	}
	return globalCollector
}

// CounterGlobal increments a counter using the global collector
func CounterGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Counter(name, value, labels)
}

// GaugeGlobal sets a gauge using the global collector
func GaugeGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Gauge(name, value, labels)
}

// TimerGlobal records a timer using the global collector
func TimerGlobal(name string, duration time.Duration, labels map[string]string) {
	GetGlobal().Timer(name, duration, labels)
}

// Shutdown flushes the global collector
func Shutdown() {
	globalMu.Lock()
	c := globalCollector
	globalMu.Unlock()
	if c != nil && c.enabled {
		c.FlushMetrics()
	}
}
