// Package metrics provides a lightweight, Prometheus-compatible metrics
// collector for delivery runs, rendered in the Prometheus text exposition format.
package metrics

import (
	"fmt"
	"io"
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
	counters   sync.Map // series key -> *Counter
	gauges     sync.Map // series key -> *Gauge
	histograms sync.Map // series key -> *Histogram
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

type series struct {
	name   string
	help   string
	labels string
}

func (s series) key() string { return s.name + "{" + s.labels + "}" }

// Counter is a monotonically increasing counter.
type Counter struct {
	series
	value atomic.Int64
}

func (c *Counter) Inc() { c.value.Add(1) }
func (c *Counter) Add(n int64) { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	series
	value atomic.Int64
}

func (g *Gauge) Set(v int64) { g.value.Store(v) }
func (g *Gauge) Inc() { g.value.Add(1) }
func (g *Gauge) Dec() { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of observed values in cumulative buckets.
type Histogram struct {
	series
	mu      sync.Mutex
	count   int64
	sum     float64
	bounds  []float64
	buckets []int64
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.buckets[i]++
		}
	}
}

// Counter returns or creates the counter for name and labels.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	s := series{name: name, help: help, labels: labels}
	if v, ok := c.counters.Load(s.key()); ok {
		return v.(*Counter)
	}
	actual, _ := c.counters.LoadOrStore(s.key(), &Counter{series: s})
	return actual.(*Counter)
}

// Gauge returns or creates the gauge for name and labels.
func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	s := series{name: name, help: help, labels: labels}
	if v, ok := c.gauges.Load(s.key()); ok {
		return v.(*Gauge)
	}
	actual, _ := c.gauges.LoadOrStore(s.key(), &Gauge{series: s})
	return actual.(*Gauge)
}

// Histogram returns or creates the histogram for name and labels.
func (c *MetricsCollector) Histogram(name, help, labels string, bounds []float64) *Histogram {
	s := series{name: name, help: help, labels: labels}
	if v, ok := c.histograms.Load(s.key()); ok {
		return v.(*Histogram)
	}
	b := append([]float64(nil), bounds...)
	sort.Float64s(b)
	h := &Histogram{series: s, bounds: b, buckets: make([]int64, len(b))}
	actual, _ := c.histograms.LoadOrStore(s.key(), h)
	return actual.(*Histogram)
}

// Handler returns an http.HandlerFunc that renders metrics in Prometheus text format.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		c.WriteText(w)
	}
}

// WriteText writes every series to w, sorted by name then labels.
func (c *MetricsCollector) WriteText(w io.Writer) {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# HELP batchbot_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE batchbot_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "batchbot_uptime_seconds %d\n\n", int64(c.Uptime().Seconds()))

	counters := collect[*Counter](&c.counters)
	writeScalars(&sb, "counter", counters, func(v *Counter) (series, int64) { return v.series, v.Value() })

	gauges := collect[*Gauge](&c.gauges)
	writeScalars(&sb, "gauge", gauges, func(v *Gauge) (series, int64) { return v.series, v.Value() })

	for _, h := range collect[*Histogram](&c.histograms) {
		h.mu.Lock()
		fmt.Fprintf(&sb, "# HELP %s %s\n", h.name, h.help)
		fmt.Fprintf(&sb, "# TYPE %s histogram\n", h.name)
		prefix := h.name + "_bucket{"
		if h.labels != "" {
			prefix += h.labels + ","
		}
		for i, le := range h.bounds {
			bound := fmt.Sprintf("%g", le)
			if math.IsInf(le, 1) {
				bound = "+Inf"
			}
			fmt.Fprintf(&sb, "%sle=\"%s\"} %d\n", prefix, bound, h.buckets[i])
		}
		fmt.Fprintf(&sb, "%s %d\n", withLabels(h.name+"_count", h.labels), h.count)
		fmt.Fprintf(&sb, "%s %f\n", withLabels(h.name+"_sum", h.labels), h.sum)
		h.mu.Unlock()
	}

	io.WriteString(w, sb.String())
}

func writeScalars[T any](sb *strings.Builder, kind string, items []T, read func(T) (series, int64)) {
	last := ""
	for _, it := range items {
		s, v := read(it)
		if s.name != last {
			fmt.Fprintf(sb, "# HELP %s %s\n", s.name, s.help)
			fmt.Fprintf(sb, "# TYPE %s %s\n", s.name, kind)
			last = s.name
		}
		fmt.Fprintf(sb, "%s %d\n", withLabels(s.name, s.labels), v)
	}
}

func collect[T any](m *sync.Map) []T {
	type entry struct {
		key string
		val T
	}
	var entries []entry
	m.Range(func(k, v any) bool {
		entries = append(entries, entry{key: k.(string), val: v.(T)})
		return true
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })
	out := make([]T, len(entries))
	for i, e := range entries {
		out[i] = e.val
	}
	return out
}

func withLabels(name, labels string) string {
	if labels == "" {
		return name
	}
	return name + "{" + labels + "}"
}

// --- Pre-defined metrics used across the application ---

var (
	BatchesTotal     = Collector.Counter("batchbot_batches_total", "Total batch runs started", "")
	ItemsDelivered   = Collector.Counter("batchbot_items_delivered_total", "Content items delivered", "")
	BatchInProgress  = Collector.Gauge("batchbot_batch_in_progress", "Batch runs currently delivering", "")
	ScheduledSkipped = Collector.Counter("batchbot_scheduled_runs_skipped_total", "Scheduled runs skipped because the previous run was still going", "")

	PrimitiveLatency = Collector.Histogram("batchbot_primitive_latency_seconds", "Latency of one locate+send attempt in seconds", "",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 30, math.Inf(1)})
)

// Attempts returns the attempt counter for an outcome (success | failure).
func Attempts(outcome string) *Counter {
	return Collector.Counter("batchbot_attempts_total", "Delivery attempts by outcome", `outcome="`+outcome+`"`)
}

// ItemsAbandoned returns the abandoned-item counter for a reason.
func ItemsAbandoned(reason string) *Counter {
	return Collector.Counter("batchbot_items_abandoned_total", "Content items abandoned by reason", `reason="`+reason+`"`)
}

// BatchesByOverall returns the finished-batch counter for an overall verdict.
func BatchesByOverall(overall string) *Counter {
	return Collector.Counter("batchbot_batches_finished_total", "Finished batch runs by overall verdict", `overall="`+overall+`"`)
}
