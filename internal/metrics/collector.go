// Package metrics keeps process-wide counters, gauges and histograms and
// renders them in the Prometheus text exposition format.
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

// Collector is the process-wide registry.
var Collector = NewRegistry()

type metricKind string

const (
	kindCounter   metricKind = "counter"
	kindGauge     metricKind = "gauge"
	kindHistogram metricKind = "histogram"
)

// family groups every label set of one metric name so HELP and TYPE are
// written once per name.
type family struct {
	name   string
	help   string
	kind   metricKind
	series map[string]any // labels -> *Counter | *Gauge | *Histogram
}

// Registry holds metric families by name.
type Registry struct {
	mu        sync.Mutex
	families  map[string]*family
	startTime time.Time
}

func NewRegistry() *Registry {
	return &Registry{families: make(map[string]*family), startTime: time.Now()}
}

// Uptime returns how long the registry has existed.
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.startTime)
}

// series returns the metric for name and labels, creating it with mk on
// first use. Registering a name under two kinds panics.
func (r *Registry) series(name, help, labels string, kind metricKind, mk func() any) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.families[name]
	if !ok {
		f = &family{name: name, help: help, kind: kind, series: make(map[string]any)}
		r.families[name] = f
	}
	if f.kind != kind {
		panic(fmt.Sprintf("metrics: %s registered as %s and %s", name, f.kind, kind))
	}
	if m, ok := f.series[labels]; ok {
		return m
	}
	m := mk()
	f.series[labels] = m
	return m
}

// Counter is a monotonically increasing count.
type Counter struct{ value atomic.Int64 }

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge holds the last value set.
type Gauge struct{ value atomic.Int64 }

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram counts observations into cumulative buckets.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []int64
	count  int64
	sum    float64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.counts[i]++
		}
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Counter returns the counter for name and labels. labels is the rendered
// label list without braces, e.g. `channel="web"`.
func (r *Registry) Counter(name, help, labels string) *Counter {
	return r.series(name, help, labels, kindCounter, func() any { return &Counter{} }).(*Counter)
}

func (r *Registry) Gauge(name, help, labels string) *Gauge {
	return r.series(name, help, labels, kindGauge, func() any { return &Gauge{} }).(*Gauge)
}

func (r *Registry) Histogram(name, help, labels string, buckets []float64) *Histogram {
	return r.series(name, help, labels, kindHistogram, func() any {
		bounds := append([]float64(nil), buckets...)
		sort.Float64s(bounds)
		return &Histogram{bounds: bounds, counts: make([]int64, len(bounds))}
	}).(*Histogram)
}

// WriteTo renders every family, sorted by name and then by labels.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# HELP rulebot_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE rulebot_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "rulebot_uptime_seconds %d\n", int64(r.Uptime().Seconds()))

	r.mu.Lock()
	names := make([]string, 0, len(r.families))
	for name := range r.families {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		writeFamily(&sb, r.families[name])
	}
	r.mu.Unlock()

	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

func writeFamily(sb *strings.Builder, f *family) {
	fmt.Fprintf(sb, "# HELP %s %s\n", f.name, f.help)
	fmt.Fprintf(sb, "# TYPE %s %s\n", f.name, f.kind)

	labelSets := make([]string, 0, len(f.series))
	for labels := range f.series {
		labelSets = append(labelSets, labels)
	}
	sort.Strings(labelSets)

	for _, labels := range labelSets {
		switch m := f.series[labels].(type) {
		case *Counter:
			fmt.Fprintf(sb, "%s%s %d\n", f.name, braced(labels), m.Value())
		case *Gauge:
			fmt.Fprintf(sb, "%s%s %d\n", f.name, braced(labels), m.Value())
		case *Histogram:
			writeHistogram(sb, f.name, labels, m)
		}
	}
}

func writeHistogram(sb *strings.Builder, name, labels string, h *Histogram) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sep := ""
	if labels != "" {
		sep = ","
	}
	for i, le := range h.bounds {
		bound := fmt.Sprintf("%g", le)
		if math.IsInf(le, 1) {
			bound = "+Inf"
		}
		fmt.Fprintf(sb, "%s_bucket{%s%sle=%q} %d\n", name, labels, sep, bound, h.counts[i])
	}
	if len(h.bounds) == 0 || !math.IsInf(h.bounds[len(h.bounds)-1], 1) {
		fmt.Fprintf(sb, "%s_bucket{%s%sle=\"+Inf\"} %d\n", name, labels, sep, h.count)
	}
	fmt.Fprintf(sb, "%s_count%s %d\n", name, braced(labels), h.count)
	fmt.Fprintf(sb, "%s_sum%s %g\n", name, braced(labels), h.sum)
}

func braced(labels string) string {
	if labels == "" {
		return ""
	}
	return "{" + labels + "}"
}

// Handler serves the registry for Prometheus scrapes.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.WriteTo(w)
	}
}

// FailuresTotal returns the failure counter for one failure kind.
func FailuresTotal(kind string) *Counter {
	return Collector.Counter("rulebot_failures_total", "Failed answers by failure kind", fmt.Sprintf("kind=%q", kind))
}

// QuestionsTotal returns the question counter for one channel.
func QuestionsTotal(channel string) *Counter {
	return Collector.Counter("rulebot_questions_total", "Questions received by channel", fmt.Sprintf("channel=%q", channel))
}

var (
	LLMRequestsTotal   = Collector.Counter("rulebot_llm_requests_total", "Completion requests, including retries", "")
	EmbeddingRequests  = Collector.Counter("rulebot_embedding_requests_total", "Query embedding requests", "")
	NoContextAnswers   = Collector.Counter("rulebot_no_context_answers_total", "Questions answered without retrieved context", "")
	IndexBuildsTotal   = Collector.Counter("rulebot_index_builds_total", "Completed index builds", "")
	IndexReloadsTotal  = Collector.Counter("rulebot_index_reloads_total", "Index reloads", "")
	ChatLogDropped     = Collector.Counter("rulebot_chat_log_dropped_total", "Chat log records dropped", "")
	ChatLogUnavailable = Collector.Counter("rulebot_chat_log_unavailable_total", "Chat log backends that failed to open", "")
	IndexChunks        = Collector.Gauge("rulebot_index_chunks", "Chunks in the loaded index", "")

	LLMLatency = Collector.Histogram("rulebot_llm_latency_seconds", "Completion latency in seconds", "",
		[]float64{0.5, 1, 2, 5, 10, 30, 60, 120})
	RetrievalLatency = Collector.Histogram("rulebot_retrieval_latency_seconds", "Retrieval latency in seconds", "",
		[]float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5})
	AnswerLatency = Collector.Histogram("rulebot_answer_latency_seconds", "End-to-end answer latency in seconds", "",
		[]float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300})
)
