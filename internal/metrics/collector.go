// Package metrics is Bitpart's Prometheus text-format collector. Components
// update the package-level metrics below; the control plane serves them.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the global metrics collector.
var Collector = NewMetricsCollector()

// MetricsCollector aggregates counters, gauges, and histograms.
type MetricsCollector struct {
	counters   sync.Map // name -> *Counter
	gauges     sync.Map // name -> *Gauge
	histograms sync.Map // name -> *Histogram
	startTime  time.Time
}

// NewMetricsCollector creates a new collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{startTime: time.Now()}
}

// Uptime returns how long the collector has been running.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add increments the counter by n.
func (c *Counter) Add(n int64) { c.value.Add(n) }

// Value returns the current counter value.
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Value returns the current gauge value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of values.
type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

// --- Registration helpers ---

// Counter returns or creates a counter with the given name.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	key := name + "{" + labels + "}"
	if v, ok := c.counters.Load(key); ok {
		return v.(*Counter)
	}
	ctr := &Counter{name: name, help: help, labels: labels}
	actual, _ := c.counters.LoadOrStore(key, ctr)
	return actual.(*Counter)
}

// Gauge returns or creates a gauge with the given name.
func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	key := name + "{" + labels + "}"
	if v, ok := c.gauges.Load(key); ok {
		return v.(*Gauge)
	}
	g := &Gauge{name: name, help: help, labels: labels}
	actual, _ := c.gauges.LoadOrStore(key, g)
	return actual.(*Gauge)
}

// Histogram returns or creates a histogram with the given name.
func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	key := name + "{" + labels + "}"
	if v, ok := c.histograms.Load(key); ok {
		return v.(*Histogram)
	}
	sort.Float64s(buckets)
	hb := make([]histBucket, len(buckets))
	for i, b := range buckets {
		hb[i] = histBucket{le: b}
	}
	h := &Histogram{name: name, help: help, labels: labels, buckets: hb}
	actual, _ := c.histograms.LoadOrStore(key, h)
	return actual.(*Histogram)
}

// --- Prometheus text rendering ---

func sortedKeys(m *sync.Map) []string {
	var keys []string
	m.Range(func(key, _ any) bool {
		keys = append(keys, key.(string))
		return true
	})
	sort.Strings(keys)
	return keys
}

func writeSample(sb *strings.Builder, name, labels string, v int64) {
	if labels != "" {
		fmt.Fprintf(sb, "%s{%s} %d\n", name, labels, v)
	} else {
		fmt.Fprintf(sb, "%s %d\n", name, v)
	}
}

func (h *Histogram) render(sb *strings.Builder) {
	h.mu.Lock()
	defer h.mu.Unlock()

	prefix := h.name + "_bucket{"
	if h.labels != "" {
		prefix += h.labels + ","
	}
	for _, b := range h.buckets {
		le := fmt.Sprintf("%g", b.le)
		if math.IsInf(b.le, 1) {
			le = "+Inf"
		}
		fmt.Fprintf(sb, "%sle=\"%s\"} %d\n", prefix, le, b.count)
	}
	if len(h.buckets) == 0 || !math.IsInf(h.buckets[len(h.buckets)-1].le, 1) {
		fmt.Fprintf(sb, "%sle=\"+Inf\"} %d\n", prefix, h.count)
	}
	if h.labels != "" {
		fmt.Fprintf(sb, "%s_count{%s} %d\n", h.name, h.labels, h.count)
		fmt.Fprintf(sb, "%s_sum{%s} %f\n", h.name, h.labels, h.sum)
	} else {
		fmt.Fprintf(sb, "%s_count %d\n", h.name, h.count)
		fmt.Fprintf(sb, "%s_sum %f\n", h.name, h.sum)
	}
}

// Handler returns an http.HandlerFunc that renders metrics in Prometheus text format.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder

		fmt.Fprintf(&sb, "# HELP bitpart_uptime_seconds Time since start in seconds\n")
		fmt.Fprintf(&sb, "# TYPE bitpart_uptime_seconds gauge\n")
		fmt.Fprintf(&sb, "bitpart_uptime_seconds %d\n\n", int64(c.Uptime().Seconds()))

		helpWritten := make(map[string]bool)
		for _, key := range sortedKeys(&c.counters) {
			v, _ := c.counters.Load(key)
			ctr := v.(*Counter)
			if !helpWritten[ctr.name] {
				fmt.Fprintf(&sb, "# HELP %s %s\n", ctr.name, ctr.help)
				fmt.Fprintf(&sb, "# TYPE %s counter\n", ctr.name)
				helpWritten[ctr.name] = true
			}
			writeSample(&sb, ctr.name, ctr.labels, ctr.Value())
		}

		helpWritten = make(map[string]bool)
		for _, key := range sortedKeys(&c.gauges) {
			v, _ := c.gauges.Load(key)
			g := v.(*Gauge)
			if !helpWritten[g.name] {
				fmt.Fprintf(&sb, "# HELP %s %s\n", g.name, g.help)
				fmt.Fprintf(&sb, "# TYPE %s gauge\n", g.name)
				helpWritten[g.name] = true
			}
			writeSample(&sb, g.name, g.labels, g.Value())
		}

		helpWritten = make(map[string]bool)
		for _, key := range sortedKeys(&c.histograms) {
			v, _ := c.histograms.Load(key)
			h := v.(*Histogram)
			if !helpWritten[h.name] {
				fmt.Fprintf(&sb, "# HELP %s %s\n", h.name, h.help)
				fmt.Fprintf(&sb, "# TYPE %s histogram\n", h.name)
				helpWritten[h.name] = true
			}
			h.render(&sb)
		}

		fmt.Fprint(w, sb.String())
	}
}

// --- Pre-defined metrics used across the application ---

var (
	MessagesReceived  = Collector.Counter("bitpart_messages_received_total", "Inbound messages handed to the dispatcher", "")
	MessagesDiscarded = Collector.Counter("bitpart_messages_discarded_total", "Inbound messages discarded as duplicates or self echoes", "")
	MessagesProcessed = Collector.Counter("bitpart_messages_processed_total", "Inbound messages acknowledged", "")
	MessagesFailed    = Collector.Counter("bitpart_messages_failed_total", "Inbound messages that ended in a failed state", "")
	SendsOK           = Collector.Counter("bitpart_sends_total", "Outbound sends delivered to the transport", "")
	SendsFailed       = Collector.Counter("bitpart_send_failures_total", "Outbound sends marked failed after retries", "")
	SendsRetried      = Collector.Counter("bitpart_send_retries_total", "Outbound send retry attempts", "")
	SyncRuns          = Collector.Counter("bitpart_contact_sync_runs_total", "Contact synchronization runs", "")
	SyncFailures      = Collector.Counter("bitpart_contact_sync_failures_total", "Failed contact synchronization runs", "")
	IdentityConflicts = Collector.Counter("bitpart_identity_conflicts_total", "Identity key changes flagged for operator approval", "")
	ActiveChannels    = Collector.Gauge("bitpart_active_channels", "Channels with a running receive loop", "")
	ControlSessions   = Collector.Gauge("bitpart_control_sessions", "Open control-plane websocket sessions", "")

	InterpreterLatency = Collector.Histogram("bitpart_interpreter_latency_seconds", "Flow interpreter call latency in seconds", "",
		[]float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10})
	SendLatency = Collector.Histogram("bitpart_send_latency_seconds", "Outbound send latency in seconds", "",
		[]float64{0.1, 0.25, 0.5, 1, 2, 5, 15})
)
