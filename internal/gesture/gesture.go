// Package gesture dispatches screen-off touchscreen gestures.
//
// Gestures arrive as scan codes on release. When a proximity sensor is
// present the dispatch is gated on one sensor reading: a reading at the
// sensor's maximum range lets the gesture through, anything else drops
// it, and no reading within the fallback window drops it as well. At
// most one gated request is in flight per Dispatcher.
package gesture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"hwkeysd/internal/action"
	"hwkeysd/internal/bindings"
	"hwkeysd/internal/catalog"
	"hwkeysd/internal/clock"
	"hwkeysd/internal/haptics"
	"hwkeysd/internal/input"
	"hwkeysd/internal/metrics"
)

// DefaultTimeout is the proximity fallback window.
const DefaultTimeout = 200 * time.Millisecond

// Sensor is a proximity sensor. Listen delivers readings to fn from any
// goroutine until cancel is called. A reading equal to MaximumRange
// means nothing is in front of the sensor.
type Sensor interface {
	MaximumRange() float64
	Listen(fn func(value float64)) (cancel func(), err error)
}

// WakeLock keeps the system awake while a sensor read is outstanding.
type WakeLock interface {
	Acquire()
	Release()
}

// PhoneState reports whether a call is active or ringing.
type PhoneState interface {
	PhoneBusy() bool
}

// Haptics plays feedback effects.
type Haptics interface {
	Perform(effect haptics.Effect, always bool) bool
}

type nopWakeLock struct{}

func (nopWakeLock) Acquire() {}
func (nopWakeLock) Release() {}

// Options configure New. Catalog is required.
type Options struct {
	Catalog  *catalog.Catalog
	Store    bindings.Store
	Sink     action.Sink
	Haptics  Haptics
	Sensor   Sensor
	WakeLock WakeLock
	Phone    PhoneState
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Timeout  time.Duration
}

// Dispatcher is the gesture dispatcher.
type Dispatcher struct {
	catalog  *catalog.Catalog
	store    bindings.Store
	sink     action.Sink
	haptics  Haptics
	sensor   Sensor
	wakeLock WakeLock
	phone    PhoneState
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
	timeout  atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	// inflight is the claim token of the outstanding gated request.
	// Whoever swaps it from the request to nil owns the outcome.
	inflight atomic.Pointer[request]
}

// request is one sensor-gated dispatch. Everything it holds is set up
// under mu by arm and torn down once by detach, whichever goroutine gets
// there first.
type request struct {
	scanCode int
	started  time.Time

	mu       sync.Mutex
	timer    clock.Timer
	stop     func()
	armed    bool
	released bool
}

// attach records the listener cancel func, or calls it at once when the
// request was already finished.
func (r *request) attach(stop func()) {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		stop()
		return
	}
	r.stop = stop
	r.mu.Unlock()
}

// detach stops the fallback timer and the listener exactly once and
// reports whether arm had run. Only the claim winner acts on the result.
func (r *request) detach() bool {
	r.mu.Lock()
	stop, timer, armed := r.stop, r.timer, r.armed
	r.stop, r.timer = nil, nil
	r.released = true
	r.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if stop != nil {
		stop()
	}
	return armed
}

// New builds a dispatcher. A nil Sensor dispatches without gating.
func New(opts Options) (*Dispatcher, error) {
	if opts.Catalog == nil {
		return nil, errors.New("gesture: catalog is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Store == nil {
		opts.Store = bindings.NewMemoryStore(nil)
	}
	if opts.Sink == nil {
		opts.Sink = action.LogSink{Logger: opts.Logger}
	}
	if opts.Haptics == nil {
		opts.Haptics = haptics.New(nil, nil, false, opts.Logger)
	}
	if opts.WakeLock == nil {
		opts.WakeLock = nopWakeLock{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		catalog:  opts.Catalog,
		store:    opts.Store,
		sink:     opts.Sink,
		haptics:  opts.Haptics,
		sensor:   opts.Sensor,
		wakeLock: opts.WakeLock,
		phone:    opts.Phone,
		clock:    opts.Clock,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		ctx:      ctx,
		cancel:   cancel,
	}
	d.timeout.Store(int64(opts.Timeout))
	return d, nil
}

// Timeout returns the proximity fallback window.
func (d *Dispatcher) Timeout() time.Duration {
	return time.Duration(d.timeout.Load())
}

// SetTimeout changes the fallback window for requests started later.
// Non-positive values restore DefaultTimeout.
func (d *Dispatcher) SetTimeout(t time.Duration) {
	if t <= 0 {
		t = DefaultTimeout
	}
	d.timeout.Store(int64(t))
}

// OnScanEvent handles one key event and reports whether it was consumed.
// It never blocks on the sensor.
func (d *Dispatcher) OnScanEvent(ev input.KeyEvent) bool {
	if d.phone != nil && d.phone.PhoneBusy() {
		return false
	}
	if ev.ScanCode <= 0 || !ev.Up() || ev.RepeatCount != 0 {
		return false
	}
	if _, ok := d.catalog.Gesture(ev.ScanCode); !ok {
		return false
	}

	if d.sensor == nil {
		d.resolve(ev.ScanCode)
		return true
	}

	r := &request{scanCode: ev.ScanCode, started: d.clock.Now()}
	if !d.inflight.CompareAndSwap(nil, r) {
		d.metrics.RecordGestureDrop(metrics.DropBusy)
		d.logger.Debug("gesture dropped, request in flight", "scan_code", ev.ScanCode)
		return true
	}

	if !d.arm(r) {
		return true
	}

	stop, err := d.sensor.Listen(func(v float64) { d.reading(r, v) })
	if err != nil {
		d.logger.Warn("proximity read failed, dispatching ungated", "error", err)
		if d.claim(r) {
			d.finish(r)
			d.resolve(r.scanCode)
		}
		return true
	}
	r.attach(stop)
	return true
}

// arm takes the wake lock and starts the fallback timer for a published
// request. It reports false when Close already abandoned r.
func (d *Dispatcher) arm(r *request) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return false
	}
	r.armed = true
	d.metrics.GestureStarted()
	d.wakeLock.Acquire()
	r.timer = d.clock.AfterFunc(d.Timeout(), func() { d.expire(r) })
	return true
}

func (d *Dispatcher) claim(r *request) bool {
	return d.inflight.CompareAndSwap(r, nil)
}

func (d *Dispatcher) finish(r *request) {
	if r.detach() {
		d.wakeLock.Release()
		d.metrics.GestureFinished()
	}
}

func (d *Dispatcher) reading(r *request, v float64) {
	if !d.claim(r) {
		r.detach()
		return
	}
	d.finish(r)
	d.metrics.ObserveSensorLatency(d.clock.Now().Sub(r.started))

	if v != d.sensor.MaximumRange() {
		d.metrics.RecordGestureDrop(metrics.DropObstructed)
		d.logger.Debug("gesture dropped, sensor obstructed", "scan_code", r.scanCode, "value", v)
		return
	}
	d.resolve(r.scanCode)
}

func (d *Dispatcher) expire(r *request) {
	if !d.claim(r) {
		return
	}
	d.finish(r)
	d.metrics.RecordGestureDrop(metrics.DropTimeout)
	d.logger.Debug("gesture dropped, no proximity reading", "scan_code", r.scanCode, "timeout", d.Timeout())
}

// Action returns the action bound to scanCode: the stored binding when
// set, otherwise the catalog default.
func (d *Dispatcher) Action(scanCode int) string {
	g, ok := d.catalog.Gesture(scanCode)
	if !ok {
		return action.Null
	}
	def := g.DefaultAction
	if def == "" {
		def = action.Null
	}
	return bindings.String(d.store, bindings.GestureKey(scanCode), def)
}

func (d *Dispatcher) resolve(scanCode int) {
	act := d.Action(scanCode)
	if action.IsNull(act) {
		d.metrics.RecordGestureDrop(metrics.DropNull)
		d.logger.Debug("gesture unbound", "scan_code", scanCode)
		return
	}

	d.haptics.Perform(haptics.Gesture, true)
	d.metrics.RecordDispatch(metrics.KindGesture)
	d.logger.Info("dispatch", "kind", metrics.KindGesture, "scan_code", scanCode, "action", act)
	if err := d.sink.ProcessAction(d.ctx, act, false); err != nil {
		d.metrics.RecordSinkError()
		d.logger.Warn("action sink failed", "action", act, "error", err)
	}
}

// InFlight reports whether a gated request is outstanding.
func (d *Dispatcher) InFlight() bool {
	return d.inflight.Load() != nil
}

// HasSensor reports whether dispatches are gated on proximity.
func (d *Dispatcher) HasSensor() bool {
	return d.sensor != nil
}

// Close abandons the outstanding request, if any.
func (d *Dispatcher) Close() error {
	if r := d.inflight.Swap(nil); r != nil {
		d.finish(r)
	}
	d.cancel()
	return nil
}
