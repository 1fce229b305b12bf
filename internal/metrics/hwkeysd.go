package metrics

import (
	"time"
)

// Dispatch kinds.
const (
	KindTap       = "tap"
	KindDoubleTap = "double_tap"
	KindLongPress = "long_press"
	KindSingle    = "single"
	KindGesture   = "gesture"
)

// Gesture drop reasons.
const (
	DropBusy       = "busy"
	DropObstructed = "obstructed"
	DropTimeout    = "timeout"
	DropNull       = "null"
)

// Metrics holds the daemon's metrics. All methods are safe on a nil
// receiver, which records nothing.
type Metrics struct {
	registry *Registry
	start    time.Time

	EventsTotal         *Counter
	ConsumedTotal       *Counter
	BindingUpdatesTotal *Counter
	RefreshesTotal      *Counter
	SinkErrorsTotal     *Counter

	dispatches map[string]*Counter
	drops      map[string]*Counter

	GesturesInFlight *Gauge
	UptimeSeconds    *Gauge

	SensorLatency *Histogram
}

// New registers the daemon metrics in registry, or in a fresh registry
// when registry is nil.
func New(registry *Registry) *Metrics {
	if registry == nil {
		registry = NewRegistry("hwkeysd", "")
	}

	m := &Metrics{
		registry: registry,
		start:    time.Now(),

		EventsTotal: registry.RegisterCounter(
			"key_events_total",
			"Total number of key events routed",
			nil,
		),
		ConsumedTotal: registry.RegisterCounter(
			"key_events_consumed_total",
			"Total number of key events consumed by a classifier or the gesture dispatcher",
			nil,
		),
		BindingUpdatesTotal: registry.RegisterCounter(
			"binding_updates_total",
			"Total number of single binding updates applied",
			nil,
		),
		RefreshesTotal: registry.RegisterCounter(
			"binding_refreshes_total",
			"Total number of full binding refreshes",
			nil,
		),
		SinkErrorsTotal: registry.RegisterCounter(
			"sink_errors_total",
			"Total number of action sink failures absorbed",
			nil,
		),
		GesturesInFlight: registry.RegisterGauge(
			"gestures_in_flight",
			"Gesture dispatches waiting on the proximity sensor",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Time since the daemon started",
			nil,
		),
		SensorLatency: registry.RegisterHistogram(
			"proximity_latency_seconds",
			"Time from gesture release to proximity reading",
			nil,
			[]float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.15, 0.2, 0.5},
		),
		dispatches: make(map[string]*Counter),
		drops:      make(map[string]*Counter),
	}

	for _, kind := range []string{KindTap, KindDoubleTap, KindLongPress, KindSingle, KindGesture} {
		m.dispatches[kind] = registry.RegisterCounter(
			"dispatches_total",
			"Total number of actions dispatched",
			Labels{"kind": kind},
		)
	}
	for _, reason := range []string{DropBusy, DropObstructed, DropTimeout, DropNull} {
		m.drops[reason] = registry.RegisterCounter(
			"gesture_drops_total",
			"Total number of gestures dropped",
			Labels{"reason": reason},
		)
	}

	return m
}

// Registry returns the registry the metrics live in.
func (m *Metrics) Registry() *Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordEvent records a routed key event.
func (m *Metrics) RecordEvent(consumed bool) {
	if m == nil {
		return
	}
	m.EventsTotal.Inc()
	if consumed {
		m.ConsumedTotal.Inc()
	}
}

// RecordDispatch records a dispatched action of the given kind.
func (m *Metrics) RecordDispatch(kind string) {
	if m == nil {
		return
	}
	if c, ok := m.dispatches[kind]; ok {
		c.Inc()
	}
}

// RecordGestureDrop records a dropped gesture.
func (m *Metrics) RecordGestureDrop(reason string) {
	if m == nil {
		return
	}
	if c, ok := m.drops[reason]; ok {
		c.Inc()
	}
}

// RecordBindingUpdate records one applied binding update.
func (m *Metrics) RecordBindingUpdate() {
	if m == nil {
		return
	}
	m.BindingUpdatesTotal.Inc()
}

// RecordRefresh records a full binding refresh.
func (m *Metrics) RecordRefresh() {
	if m == nil {
		return
	}
	m.RefreshesTotal.Inc()
}

// RecordSinkError records an absorbed sink failure.
func (m *Metrics) RecordSinkError() {
	if m == nil {
		return
	}
	m.SinkErrorsTotal.Inc()
}

// GestureStarted marks a gesture waiting on the sensor.
func (m *Metrics) GestureStarted() {
	if m == nil {
		return
	}
	m.GesturesInFlight.Inc()
}

// GestureFinished marks a gesture request resolved.
func (m *Metrics) GestureFinished() {
	if m == nil {
		return
	}
	m.GesturesInFlight.Dec()
}

// ObserveSensorLatency records how long a proximity reading took.
func (m *Metrics) ObserveSensorLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.SensorLatency.ObserveDuration(d)
}

// Dispatches returns the dispatch count for kind.
func (m *Metrics) Dispatches(kind string) uint64 {
	if m == nil {
		return 0
	}
	if c, ok := m.dispatches[kind]; ok {
		return c.Value()
	}
	return 0
}

// Drops returns the drop count for reason.
func (m *Metrics) Drops(reason string) uint64 {
	if m == nil {
		return 0
	}
	if c, ok := m.drops[reason]; ok {
		return c.Value()
	}
	return 0
}

// UpdateUptime updates the uptime metric.
func (m *Metrics) UpdateUptime() {
	if m == nil {
		return
	}
	m.UptimeSeconds.Set(int64(time.Since(m.start).Seconds()))
}

// Snapshot returns a summary of key metrics.
func (m *Metrics) Snapshot() map[string]interface{} {
	if m == nil {
		return nil
	}
	m.UpdateUptime()

	dispatches := make(map[string]uint64, len(m.dispatches))
	for kind, c := range m.dispatches {
		dispatches[kind] = c.Value()
	}
	drops := make(map[string]uint64, len(m.drops))
	for reason, c := range m.drops {
		drops[reason] = c.Value()
	}

	return map[string]interface{}{
		"key_events_total":          m.EventsTotal.Value(),
		"key_events_consumed_total": m.ConsumedTotal.Value(),
		"binding_updates_total":     m.BindingUpdatesTotal.Value(),
		"binding_refreshes_total":   m.RefreshesTotal.Value(),
		"sink_errors_total":         m.SinkErrorsTotal.Value(),
		"gestures_in_flight":        m.GesturesInFlight.Value(),
		"uptime_seconds":            m.UptimeSeconds.Value(),
		"dispatches":                dispatches,
		"gesture_drops":             drops,
		"proximity_latency_p95":     m.SensorLatency.Quantile(0.95),
	}
}
