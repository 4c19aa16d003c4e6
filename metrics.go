package offsync

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
)

// MetricsCollector receives counters from the sync core.
type MetricsCollector interface {
	IncSyncAttempt(queue string)
	IncSyncSuccess(queue string)
	IncSyncFailure(queue string)
	ObserveSyncDuration(queue string, seconds float64)
	IncSweep(queue string)
	IncRetryExhausted(component string)
	SetQueueDepth(queue string, pending, failed int)
	IncConnectivityChange(online bool)
	IncRealtimeMessage(topic string)
	IncRealtimeSubscribeError(topic string)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) IncSyncAttempt(string) {}
func (NopMetrics) IncSyncSuccess(string) {}
func (NopMetrics) IncSyncFailure(string) {}
func (NopMetrics) ObserveSyncDuration(string, float64) {}
func (NopMetrics) IncSweep(string) {}
func (NopMetrics) IncRetryExhausted(string) {}
func (NopMetrics) SetQueueDepth(string, int, int) {}
func (NopMetrics) IncConnectivityChange(bool) {}
func (NopMetrics) IncRealtimeMessage(string) {}
func (NopMetrics) IncRealtimeSubscribeError(string) {}

// ============================================================================
// VictoriaMetrics collector
// ============================================================================

// VMCollector implements MetricsCollector on a VictoriaMetrics metrics.Set.
type VMCollector struct {
	prefix string
	set    *metrics.Set

	depthMu sync.Mutex
	depth   map[string]*queueDepth
}

type queueDepth struct {
	pending atomic.Int64
	failed  atomic.Int64
}

// VMOption configures a VMCollector.
type VMOption func(*VMCollector)

// WithMetricsPrefix overrides the metric name prefix (default "offsync").
func WithMetricsPrefix(prefix string) VMOption {
	return func(c *VMCollector) { c.prefix = prefix }
}

// WithMetricsSet uses a caller-managed set instead of registering a new one globally.
func WithMetricsSet(set *metrics.Set) VMOption {
	return func(c *VMCollector) { c.set = set }
}

func NewVMCollector(opts ...VMOption) *VMCollector {
	c := &VMCollector{
		prefix: "offsync",
		depth:  make(map[string]*queueDepth),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.set == nil {
		c.set = metrics.NewSet()
		metrics.RegisterSet(c.set)
	}
	return c
}

func (c *VMCollector) Set() *metrics.Set { return c.set }

// WritePrometheus writes all metrics in Prometheus text format.
func (c *VMCollector) WritePrometheus(w io.Writer) {
	c.set.WritePrometheus(w)
}

// Handler exposes the metrics over HTTP.
func (c *VMCollector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		c.WritePrometheus(w)
	})
}

func (c *VMCollector) counter(name, label, value string) *metrics.Counter {
	return c.set.GetOrCreateCounter(fmt.Sprintf(`%s_%s{%s=%q}`, c.prefix, name, label, value))
}

func (c *VMCollector) IncSyncAttempt(queue string) { c.counter("sync_attempts_total", "queue", queue).Inc() }
func (c *VMCollector) IncSyncSuccess(queue string) { c.counter("sync_success_total", "queue", queue).Inc() }
func (c *VMCollector) IncSyncFailure(queue string) { c.counter("sync_failures_total", "queue", queue).Inc() }
func (c *VMCollector) IncSweep(queue string) { c.counter("sweeps_total", "queue", queue).Inc() }

func (c *VMCollector) ObserveSyncDuration(queue string, seconds float64) {
	c.set.GetOrCreateHistogram(fmt.Sprintf(`%s_sync_duration_seconds{queue=%q}`, c.prefix, queue)).Update(seconds)
}

func (c *VMCollector) IncRetryExhausted(component string) {
	c.counter("retry_exhausted_total", "component", component).Inc()
}

// SetQueueDepth records the current pending and failed counts of a queue.
func (c *VMCollector) SetQueueDepth(queue string, pending, failed int) {
	c.depthMu.Lock()
	d, ok := c.depth[queue]
	if !ok {
		d = &queueDepth{}
		c.depth[queue] = d
		c.set.GetOrCreateGauge(fmt.Sprintf(`%s_queue_items{queue=%q,status="pending"}`, c.prefix, queue), func() float64 {
			return float64(d.pending.Load())
		})
		c.set.GetOrCreateGauge(fmt.Sprintf(`%s_queue_items{queue=%q,status="failed"}`, c.prefix, queue), func() float64 {
			return float64(d.failed.Load())
		})
	}
	c.depthMu.Unlock()
	d.pending.Store(int64(pending))
	d.failed.Store(int64(failed))
}

func (c *VMCollector) IncConnectivityChange(online bool) {
	state := "offline"
	if online {
		state = "online"
	}
	c.counter("connectivity_changes_total", "to", state).Inc()
}

func (c *VMCollector) IncRealtimeMessage(topic string) {
	c.counter("realtime_messages_total", "topic", topic).Inc()
}

func (c *VMCollector) IncRealtimeSubscribeError(topic string) {
	c.counter("realtime_subscribe_errors_total", "topic", topic).Inc()
}
