// Package metrics keeps the daemon's counters, gauges and histograms and
// renders them as Prometheus text or JSON.
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Labels are the constant labels of one series.
type Labels map[string]string

// String renders the labels in Prometheus form with sorted names, or ""
// when there are none.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range sortedKeys(l) {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, l[k])
	}
	b.WriteByte('}')
	return b.String()
}

// with returns the label string extended by one more pair, for bucket lines.
func (l Labels) with(name, value string) string {
	s := l.String()
	pair := fmt.Sprintf("%s=%q", name, value)
	if s == "" {
		return "{" + pair + "}"
	}
	return s[:len(s)-1] + "," + pair + "}"
}

// series is one labelled time series inside a family.
type series interface {
	writeText(w io.Writer, name string, labels Labels)
	jsonValue() any
}

// Counter only goes up.
type Counter struct{ n atomic.Uint64 }

func (c *Counter) Inc()          { c.n.Add(1) }
func (c *Counter) Add(v uint64)  { c.n.Add(v) }
func (c *Counter) Value() uint64 { return c.n.Load() }

func (c *Counter) writeText(w io.Writer, name string, labels Labels) {
	fmt.Fprintf(w, "%s%s %d\n", name, labels, c.Value())
}

func (c *Counter) jsonValue() any { return c.Value() }

// Gauge holds a value that moves both ways.
type Gauge struct{ n atomic.Int64 }

func (g *Gauge) Set(v int64)  { g.n.Store(v) }
func (g *Gauge) Inc()         { g.n.Add(1) }
func (g *Gauge) Dec()         { g.n.Add(-1) }
func (g *Gauge) Value() int64 { return g.n.Load() }

func (g *Gauge) writeText(w io.Writer, name string, labels Labels) {
	fmt.Fprintf(w, "%s%s %d\n", name, labels, g.Value())
}

func (g *Gauge) jsonValue() any { return g.Value() }

// DefaultBuckets suit latencies measured in seconds.
var DefaultBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Histogram counts observations into fixed upper bounds. A value equal
// to a bound falls in that bucket.
type Histogram struct {
	bounds []float64

	mu    sync.Mutex
	hits  []uint64 // per bucket, last slot is +Inf
	sum   float64
	count uint64
}

// NewHistogram returns an unregistered histogram. Nil bounds mean
// DefaultBuckets.
func NewHistogram(bounds []float64) *Histogram {
	if bounds == nil {
		bounds = DefaultBuckets
	}
	b := append([]float64(nil), bounds...)
	sort.Float64s(b)
	return &Histogram{bounds: b, hits: make([]uint64, len(b)+1)}
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	h.hits[sort.SearchFloat64s(h.bounds, v)]++
	h.sum += v
	h.count++
	h.mu.Unlock()
}

// ObserveDuration records d in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) { h.Observe(d.Seconds()) }

func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *Histogram) Mean() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return 0
	}
	return h.sum / float64(h.count)
}

// Quantile estimates the q-th quantile by interpolating inside the bucket
// that holds it. Anything past the last bound reports the last bound.
func (h *Histogram) Quantile(q float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 || len(h.bounds) == 0 {
		return 0
	}
	rank := q * float64(h.count)
	var below uint64
	for i, upper := range h.bounds {
		n := h.hits[i]
		if float64(below+n) >= rank {
			if n == 0 {
				return upper
			}
			lower := 0.0
			if i > 0 {
				lower = h.bounds[i-1]
			}
			return lower + (upper-lower)*(rank-float64(below))/float64(n)
		}
		below += n
	}
	return h.bounds[len(h.bounds)-1]
}

func (h *Histogram) writeText(w io.Writer, name string, labels Labels) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var cum uint64
	for i, upper := range h.bounds {
		cum += h.hits[i]
		fmt.Fprintf(w, "%s_bucket%s %d\n", name, labels.with("le", fmt.Sprintf("%.6f", upper)), cum)
	}
	fmt.Fprintf(w, "%s_bucket%s %d\n", name, labels.with("le", "+Inf"), h.count)
	fmt.Fprintf(w, "%s_sum%s %f\n", name, labels, h.sum)
	fmt.Fprintf(w, "%s_count%s %d\n", name, labels, h.count)
}

func (h *Histogram) jsonValue() any {
	h.mu.Lock()
	sum, count := h.sum, h.count
	h.mu.Unlock()
	return map[string]any{
		"sum":   sum,
		"count": count,
		"mean":  h.Mean(),
		"p95":   h.Quantile(0.95),
	}
}

// family groups the series sharing one metric name.
type family struct {
	help   string
	kind   string
	series map[string]series
	labels map[string]Labels
}

// Registry owns every metric of one namespace.
type Registry struct {
	prefix string

	mu       sync.RWMutex
	families map[string]*family
}

// NewRegistry joins namespace and subsystem, skipping empty parts, into
// the prefix of every metric name.
func NewRegistry(namespace, subsystem string) *Registry {
	var parts []string
	for _, p := range []string{namespace, subsystem} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	prefix := strings.Join(parts, "_")
	if prefix != "" {
		prefix += "_"
	}
	return &Registry{prefix: prefix, families: make(map[string]*family)}
}

// register returns the series for name and labels, creating it with
// newSeries on first use. Registering the same name with another kind panics.
func register[S series](r *Registry, name, help, kind string, labels Labels, newSeries func() S) S {
	full := r.prefix + name
	id := labels.String()

	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.families[full]
	if !ok {
		f = &family{help: help, kind: kind, series: map[string]series{}, labels: map[string]Labels{}}
		r.families[full] = f
	}
	if f.kind != kind {
		panic(fmt.Sprintf("metrics: %s registered as %s and %s", full, f.kind, kind))
	}
	if s, ok := f.series[id]; ok {
		return s.(S)
	}
	s := newSeries()
	f.series[id] = s
	f.labels[id] = labels
	return s
}

func (r *Registry) RegisterCounter(name, help string, labels Labels) *Counter {
	return register(r, name, help, "counter", labels, func() *Counter { return &Counter{} })
}

func (r *Registry) RegisterGauge(name, help string, labels Labels) *Gauge {
	return register(r, name, help, "gauge", labels, func() *Gauge { return &Gauge{} })
}

func (r *Registry) RegisterHistogram(name, help string, labels Labels, bounds []float64) *Histogram {
	return register(r, name, help, "histogram", labels, func() *Histogram { return NewHistogram(bounds) })
}

// GetCounter looks up a registered counter, or returns nil.
func (r *Registry) GetCounter(name string, labels Labels) *Counter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.families[r.prefix+name]
	if !ok {
		return nil
	}
	c, _ := f.series[labels.String()].(*Counter)
	return c
}

// WritePrometheus writes every family in the text exposition format,
// sorted by name.
func (r *Registry) WritePrometheus(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range sortedKeys(r.families) {
		f := r.families[name]
		fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", name, f.help, name, f.kind)
		for _, id := range sortedKeys(f.series) {
			f.series[id].writeText(w, name, f.labels[id])
		}
	}
	return nil
}

// WriteJSON writes one object keyed by series name plus labels.
func (r *Registry) WriteJSON(w io.Writer) error {
	r.mu.RLock()
	out := make(map[string]any)
	for name, f := range r.families {
		for id, s := range f.series {
			out[name+id] = s.jsonValue()
		}
	}
	r.mu.RUnlock()

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// HTTPHandler serves Prometheus text, or JSON when the client asks for it.
func (r *Registry) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if strings.Contains(req.Header.Get("Accept"), "application/json") {
			w.Header().Set("Content-Type", "application/json")
			r.WriteJSON(w)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.WritePrometheus(w)
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
