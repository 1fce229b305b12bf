// Package health aggregates component checks for the daemon: the
// binding store, input devices, the proximity sensor and host resources.
// Results are served over HTTP next to /metrics and over the control
// socket.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 2 * time.Second

// CheckResult is the outcome of one run of one check.
type CheckResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

type Check func(ctx context.Context) CheckResult

// Component is a named check. A failing critical component makes the
// daemon unhealthy; any other failure only degrades it.
type Component struct {
	Name     string
	Critical bool
	Check    Check
	Timeout  time.Duration
}

type entry struct {
	*Component
	last CheckResult
}

// Checker runs registered components and remembers their last result.
type Checker struct {
	started time.Time
	ready   atomic.Bool

	mu      sync.RWMutex
	entries map[string]*entry
}

func NewChecker() *Checker {
	return &Checker{started: time.Now(), entries: make(map[string]*entry)}
}

// Register adds or replaces a component. Its status is unknown until the
// next check.
func (c *Checker) Register(comp *Component) {
	if comp.Timeout == 0 {
		comp.Timeout = DefaultTimeout
	}
	c.mu.Lock()
	c.entries[comp.Name] = &entry{Component: comp, last: CheckResult{Status: StatusUnknown}}
	c.mu.Unlock()
}

// RegisterFunc registers check under name with the default timeout.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{Name: name, Critical: critical, Check: check})
}

func (c *Checker) Unregister(name string) {
	c.mu.Lock()
	delete(c.entries, name)
	c.mu.Unlock()
}

// SetReady marks the daemon as processing events.
func (c *Checker) SetReady(ready bool) { c.ready.Store(ready) }
func (c *Checker) IsReady() bool       { return c.ready.Load() }

// Uptime is the time since the checker was created.
func (c *Checker) Uptime() time.Duration { return time.Since(c.started) }

// Names returns the registered component names, sorted.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// record stores res unless the component was replaced or removed while
// it ran.
func (c *Checker) record(e *entry, res CheckResult) {
	c.mu.Lock()
	if c.entries[e.Name] == e {
		e.last = res
	}
	c.mu.Unlock()
}

// Check runs every component concurrently and returns the results.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	entries := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	out := make(map[string]CheckResult, len(entries))
	var (
		outMu sync.Mutex
		wg    sync.WaitGroup
	)
	for _, e := range entries {
		e := e
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := runCheck(ctx, e.Component)
			c.record(e, res)
			outMu.Lock()
			out[e.Name] = res
			outMu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

// CheckComponent runs one component now.
func (c *Checker) CheckComponent(ctx context.Context, name string) (CheckResult, bool) {
	c.mu.RLock()
	e, ok := c.entries[name]
	c.mu.RUnlock()
	if !ok {
		return CheckResult{}, false
	}
	res := runCheck(ctx, e.Component)
	c.record(e, res)
	return res, true
}

// GetResult returns the last result of a component.
func (c *Checker) GetResult(name string) (CheckResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[name]; ok {
		return e.last, true
	}
	return CheckResult{}, false
}

// runCheck applies the component timeout and turns panics and overruns
// into unhealthy results.
func runCheck(ctx context.Context, comp *Component) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- CheckResult{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(r)}
			}
		}()
		done <- comp.Check(ctx)
	}()

	var res CheckResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = CheckResult{Status: StatusUnhealthy, Message: "check timed out", Error: ctx.Err().Error()}
	}
	res.LastChecked = start
	res.Duration = time.Since(start)
	return res
}

// OverallStatus folds the last results. A failed critical component
// decides at once; an unchecked critical one outranks degradation.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	overall := StatusHealthy
	for _, e := range c.entries {
		switch {
		case e.last.Status == StatusUnhealthy && e.Critical:
			return StatusUnhealthy
		case e.last.Status == StatusUnknown && e.Critical:
			overall = StatusUnknown
		case e.last.Status == StatusUnhealthy, e.last.Status == StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	return overall
}

// Report is the body of /healthz and of the control socket health reply.
type Report struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Report summarises the state, running every check first when full is set.
func (c *Checker) Report(ctx context.Context, full bool) Report {
	r := Report{Ready: c.IsReady(), Uptime: c.Uptime().Round(time.Second).String()}
	if full {
		r.Components = c.Check(ctx)
	}
	r.Status = c.OverallStatus()
	r.Timestamp = time.Now()
	return r
}

// Mount registers /livez, /readyz and /healthz on mux.
func (c *Checker) Mount(mux *http.ServeMux) {
	mux.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "alive", "timestamp": time.Now()})
	})
	mux.HandleFunc("/readyz", c.serveReady)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		report := c.Report(r.Context(), r.URL.Query().Get("full") == "true")
		writeJSON(w, statusCode(report.Status == StatusUnhealthy || report.Status == StatusUnknown), report)
	})
}

// serveReady answers 200 once events flow and no critical component is
// unhealthy.
func (c *Checker) serveReady(w http.ResponseWriter, _ *http.Request) {
	if !c.IsReady() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "timestamp": time.Now()})
		return
	}
	status := c.OverallStatus()
	writeJSON(w, statusCode(status == StatusUnhealthy), map[string]any{
		"status":    status,
		"ready":     true,
		"timestamp": time.Now(),
	})
}

func statusCode(failing bool) int {
	if failing {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
