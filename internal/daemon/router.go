package daemon

import (
	"context"
	"log/slog"
	"sync"

	"hwkeysd/internal/input"
	"hwkeysd/internal/metrics"
)

// GestureHandler is the first stage of the routing chain.
type GestureHandler interface {
	OnScanEvent(ev input.KeyEvent) bool
}

// KeyHandler holds the two key phases of the engine.
type KeyHandler interface {
	HandleKeyBeforeQueueing(ev input.KeyEvent, keyguardOn, interactive bool) bool
	HandleKeyBeforeDispatching(ev input.KeyEvent, keyguardOn, interactive bool) bool
}

// DeviceState supplies the flags read at routing time.
type DeviceState interface {
	Keyguard() bool
	Interactive() bool
}

// Router feeds key events through the gesture dispatcher and both engine
// phases. The first stage that consumes an event ends the chain.
type Router struct {
	gestures GestureHandler
	keys     KeyHandler
	state    DeviceState
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// mu serialises events from concurrent sources so each key sees its
	// events in order.
	mu sync.Mutex
}

// NewRouter builds a router. gestures may be nil.
func NewRouter(gestures GestureHandler, keys KeyHandler, state DeviceState, m *metrics.Metrics, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{gestures: gestures, keys: keys, state: state, metrics: m, logger: logger}
}

// Route handles one event and reports whether it was consumed.
func (r *Router) Route(ev input.KeyEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	consumed := r.route(ev)
	r.metrics.RecordEvent(consumed)
	r.logger.Debug("key event", "event", ev, "consumed", consumed)
	return consumed
}

func (r *Router) route(ev input.KeyEvent) bool {
	if r.gestures != nil && r.gestures.OnScanEvent(ev) {
		return true
	}
	keyguard, interactive := r.state.Keyguard(), r.state.Interactive()
	if r.keys.HandleKeyBeforeQueueing(ev, keyguard, interactive) {
		return true
	}
	return r.keys.HandleKeyBeforeDispatching(ev, keyguard, interactive)
}

// Pump routes every event from events until the channel closes or ctx
// ends.
func (r *Router) Pump(ctx context.Context, events <-chan input.KeyEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.Route(ev)
		}
	}
}
