// Package metrics exposes counters, gauges and histograms in the Prometheus
// text exposition format without pulling in the Prometheus client library.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide registry.
var Collector = NewMetricsCollector()

// MetricsCollector aggregates counters, gauges, and histograms.
type MetricsCollector struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	startTime  time.Time
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		startTime:  time.Now(),
	}
}

// Uptime returns how long the collector has been running.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name  string
	help  string
	value atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name  string
	help  string
	value atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of observed values. Buckets are cumulative.
type Histogram struct {
	name    string
	help    string
	mu      sync.Mutex
	count   int64
	sum     float64
	bounds  []float64
	buckets []int64
}

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

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Counter returns or creates the counter with the given name.
func (c *MetricsCollector) Counter(name, help string) *Counter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctr, ok := c.counters[name]; ok {
		return ctr
	}
	ctr := &Counter{name: name, help: help}
	c.counters[name] = ctr
	return ctr
}

// Gauge returns or creates the gauge with the given name.
func (c *MetricsCollector) Gauge(name, help string) *Gauge {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.gauges[name]; ok {
		return g
	}
	g := &Gauge{name: name, help: help}
	c.gauges[name] = g
	return g
}

// Histogram returns or creates the histogram with the given name. Buckets are
// only used on creation.
func (c *MetricsCollector) Histogram(name, help string, buckets []float64) *Histogram {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.histograms[name]; ok {
		return h
	}
	bounds := append([]float64(nil), buckets...)
	sort.Float64s(bounds)
	if len(bounds) == 0 || !math.IsInf(bounds[len(bounds)-1], 1) {
		bounds = append(bounds, math.Inf(1))
	}
	h := &Histogram{name: name, help: help, bounds: bounds, buckets: make([]int64, len(bounds))}
	c.histograms[name] = h
	return h
}

// WriteTo renders every metric, sorted by name.
func (c *MetricsCollector) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}

	fmt.Fprintf(cw, "# HELP roomchat_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(cw, "# TYPE roomchat_uptime_seconds gauge\n")
	fmt.Fprintf(cw, "roomchat_uptime_seconds %d\n", int64(c.Uptime().Seconds()))

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, name := range sortedKeys(c.counters) {
		ctr := c.counters[name]
		fmt.Fprintf(cw, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, ctr.help, name, name, ctr.Value())
	}
	for _, name := range sortedKeys(c.gauges) {
		g := c.gauges[name]
		fmt.Fprintf(cw, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n", name, g.help, name, name, g.Value())
	}
	for _, name := range sortedKeys(c.histograms) {
		h := c.histograms[name]
		h.mu.Lock()
		fmt.Fprintf(cw, "# HELP %s %s\n# TYPE %s histogram\n", name, h.help, name)
		for i, le := range h.bounds {
			bound := fmt.Sprintf("%g", le)
			if math.IsInf(le, 1) {
				bound = "+Inf"
			}
			fmt.Fprintf(cw, "%s_bucket{le=\"%s\"} %d\n", name, bound, h.buckets[i])
		}
		fmt.Fprintf(cw, "%s_sum %f\n%s_count %d\n", name, h.sum, name, h.count)
		h.mu.Unlock()
	}

	return cw.n, cw.err
}

// Handler serves the metrics in Prometheus text format.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		c.WriteTo(w)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	if cw.err != nil {
		return 0, cw.err
	}
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	cw.err = err
	return n, err
}

// Metrics shared across the application.
var (
	ContextBuilds      = Collector.Counter("roomchat_context_builds_total", "Contexts built")
	ContextCacheHits   = Collector.Counter("roomchat_context_cache_hits_total", "Context cache hits")
	ContextCacheMisses = Collector.Counter("roomchat_context_cache_misses_total", "Context cache misses")
	ContextCacheSize   = Collector.Gauge("roomchat_context_cache_entries", "Entries held by the context cache")
	StreamDeltas       = Collector.Counter("roomchat_stream_deltas_total", "Content deltas decoded from upstream streams")
	MalformedFrames    = Collector.Counter("roomchat_stream_malformed_frames_total", "Stream frames skipped because of invalid JSON")
	CompletionErrors   = Collector.Counter("roomchat_completion_errors_total", "Failed completion requests")
	SSEConnections     = Collector.Gauge("roomchat_sse_connections", "Open SSE connections")

	ContextBuildLatency = Collector.Histogram("roomchat_context_build_seconds", "Context build latency in seconds",
		[]float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1})
	CompletionLatency = Collector.Histogram("roomchat_completion_seconds", "Completion latency in seconds",
		[]float64{0.5, 1, 2, 5, 10, 30, 60, 120})
)
