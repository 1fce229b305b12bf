// Package engine classifies hardware key events and dispatches the
// actions bound to them.
//
// An Engine is built once from a catalog. It owns one category gate per
// category and one classifier per key, keeps their bindings in step with
// a bindings.Store and answers, for every key event, whether the event
// was consumed. Errors from collaborators are logged and absorbed; none
// reaches the caller.
package engine

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

// Defaults.
const (
	DefaultDoubleTapTimeout = 300 * time.Millisecond
	DefaultWakeKeyCode      = 102 // KEY_HOME
)

// PhoneState reports whether a call is active or ringing.
type PhoneState interface {
	PhoneBusy() bool
}

// DreamState reports and ends the idle screensaver.
type DreamState interface {
	Dreaming() bool
	StopDream()
}

// Haptics plays feedback effects.
type Haptics interface {
	Perform(effect haptics.Effect, always bool) bool
}

// Options configure New. Catalog is required; every other field has a
// working default.
type Options struct {
	Catalog   *catalog.Catalog
	Store     bindings.Store
	Sink      action.Sink
	Prewarmer action.Prewarmer
	Haptics   Haptics
	Phone     PhoneState
	Dream     DreamState
	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   *metrics.Metrics

	DoubleTapTimeout time.Duration
	WakeKeyCode      int
	Prewarm          *action.PrewarmSet
}

// Engine is the key classification and dispatch engine.
type Engine struct {
	catalog   *catalog.Catalog
	store     bindings.Store
	sink      action.Sink
	prewarmer action.Prewarmer
	haptics   Haptics
	phone     PhoneState
	dream     DreamState
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	doubleTapTimeout atomic.Int64
	wakeKeyCode      int
	prewarmSet       atomic.Pointer[action.PrewarmSet]

	prewarmMu sync.Mutex
	prewarmed string

	gates   map[string]*categoryGate
	buttons map[int]button
	order   []int

	// index maps every binding key the engine cares about to the setter
	// of the field it feeds.
	index map[string]func(value string)

	subMu sync.Mutex
	sub   *bindings.Subscription
}

// New builds an engine and loads the current bindings from the store.
func New(opts Options) (*Engine, error) {
	if opts.Catalog == nil {
		return nil, errors.New("engine: catalog is required")
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
	if opts.Prewarmer == nil {
		opts.Prewarmer = action.NopPrewarmer{}
	}
	if opts.Haptics == nil {
		opts.Haptics = haptics.New(nil, nil, false, opts.Logger)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.DoubleTapTimeout <= 0 {
		opts.DoubleTapTimeout = DefaultDoubleTapTimeout
	}
	if opts.WakeKeyCode <= 0 {
		opts.WakeKeyCode = DefaultWakeKeyCode
	}
	if opts.Prewarm == nil {
		opts.Prewarm = action.NewPrewarmSet(action.DefaultPrewarm...)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		catalog:     opts.Catalog,
		store:       opts.Store,
		sink:        opts.Sink,
		prewarmer:   opts.Prewarmer,
		haptics:     opts.Haptics,
		phone:       opts.Phone,
		dream:       opts.Dream,
		clock:       opts.Clock,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		ctx:         ctx,
		cancel:      cancel,
		wakeKeyCode: opts.WakeKeyCode,
		gates:       make(map[string]*categoryGate),
		buttons:     make(map[int]button),
		index:       make(map[string]func(string)),
	}
	e.doubleTapTimeout.Store(int64(opts.DoubleTapTimeout))
	e.prewarmSet.Store(opts.Prewarm)

	for _, cat := range opts.Catalog.Categories() {
		g := newCategoryGate(cat)
		e.gates[cat.Key] = g
		e.index[bindings.DisabledKey(cat.Key)] = g.apply

		for _, k := range cat.Keys {
			e.buttons[k.KeyCode] = e.newButton(k, g)
			e.order = append(e.order, k.KeyCode)
		}
	}

	e.Refresh()
	return e, nil
}

func (e *Engine) newButton(k catalog.Key, g *categoryGate) button {
	name := k.BindingName()
	if !k.SupportsMultipleActions {
		b := &singleButton{e: e, k: k, g: g, action: newBinding(k.DefaultAction)}
		e.index[bindings.TapKey(name)] = b.action.set
		return b
	}

	b := &multiButton{
		e:         e,
		k:         k,
		g:         g,
		tap:       newBinding(k.DefaultAction),
		doubleTap: newBinding(k.DefaultDoubleTapAction),
		longPress: newBinding(k.DefaultLongPressAction),
		timer:     clock.NewHandle(e.clock),
	}
	e.index[bindings.TapKey(name)] = b.tap.set
	e.index[bindings.DoubleTapKey(name)] = b.doubleTap.set
	e.index[bindings.LongPressKey(name)] = b.longPress.set
	return b
}

// HandleKeyBeforeQueueing runs single-function keys. It reports whether
// the event was consumed.
func (e *Engine) HandleKeyBeforeQueueing(ev input.KeyEvent, keyguardOn, interactive bool) bool {
	return e.handleKeyEvent(ev, keyguardOn, interactive, false)
}

// HandleKeyBeforeDispatching runs multi-function keys. It reports whether
// the event was consumed.
func (e *Engine) HandleKeyBeforeDispatching(ev input.KeyEvent, keyguardOn, interactive bool) bool {
	return e.handleKeyEvent(ev, keyguardOn, interactive, true)
}

func (e *Engine) handleKeyEvent(ev input.KeyEvent, keyguardOn, interactive, multi bool) bool {
	b, ok := e.buttons[ev.KeyCode]
	if !ok || b.multi() != multi || e.ctx.Err() != nil {
		return false
	}
	if b.gate().blocks(ev) {
		e.logger.Debug("category disabled", "category", b.gate().key, "event", ev)
		return true
	}
	if ev.Virtual() && ev.Down() && ev.RepeatCount == 0 {
		e.haptics.Perform(haptics.VirtualKey, false)
	}
	return b.handle(ev, keyguardOn, interactive)
}

// ApplyBindingUpdate applies one changed binding. An empty value restores
// the catalog default. It reports whether the key belongs to the engine.
func (e *Engine) ApplyBindingUpdate(key, value string) bool {
	set, ok := e.index[key]
	if !ok {
		return false
	}
	set(value)
	e.metrics.RecordBindingUpdate()
	e.logger.Debug("binding updated", "key", key, "value", value)
	return true
}

// Refresh re-reads every binding from the store. A field whose read fails
// keeps its current value.
func (e *Engine) Refresh() {
	for key, set := range e.index {
		v, ok, err := e.store.Get(key)
		if err != nil {
			e.logger.Warn("binding read failed", "key", key, "error", err)
			continue
		}
		if !ok {
			v = ""
		}
		set(v)
	}
	e.metrics.RecordRefresh()
}

// Watch subscribes the engine to store changes, replacing any previous
// subscription.
func (e *Engine) Watch() {
	sub := e.store.Subscribe(func(c bindings.Change) {
		switch {
		case c.Refresh():
			e.Refresh()
		case c.Deleted:
			e.ApplyBindingUpdate(c.Key, "")
		default:
			e.ApplyBindingUpdate(c.Key, c.Value)
		}
	})

	e.subMu.Lock()
	old := e.sub
	e.sub = sub
	e.subMu.Unlock()
	old.Unsubscribe()
}

// IsDisabled reports whether category is currently disabled.
func (e *Engine) IsDisabled(category string) bool {
	g, ok := e.gates[category]
	return ok && g.disabled.Load()
}

// Handles reports whether keyCode belongs to a catalogued key.
func (e *Engine) Handles(keyCode int) bool {
	_, ok := e.buttons[keyCode]
	return ok
}

// DoubleTapTimeout returns the current double-tap window.
func (e *Engine) DoubleTapTimeout() time.Duration {
	return time.Duration(e.doubleTapTimeout.Load())
}

// SetDoubleTapTimeout changes the window for taps that are released
// afterwards. Timers already armed keep their deadline.
func (e *Engine) SetDoubleTapTimeout(d time.Duration) {
	if d > 0 {
		e.doubleTapTimeout.Store(int64(d))
	}
}

// Close stops watching the store and abandons pending timers. A closed
// engine consumes no events and dispatches nothing.
func (e *Engine) Close() error {
	e.subMu.Lock()
	sub := e.sub
	e.sub = nil
	e.subMu.Unlock()
	sub.Unsubscribe()

	for _, b := range e.buttons {
		b.reset()
	}
	e.cancel()
	return nil
}

func (e *Engine) dispatch(kind string, k catalog.Key, act string, longPress bool) {
	if action.IsNull(act) || e.ctx.Err() != nil {
		return
	}
	e.metrics.RecordDispatch(kind)
	e.logger.Info("dispatch", "kind", kind, "key", k.Name, "action", act)
	if err := e.sink.ProcessAction(e.ctx, act, longPress); err != nil {
		e.metrics.RecordSinkError()
		e.logger.Warn("action sink failed", "action", act, "error", err)
	}
}

func (e *Engine) phoneBusy() bool {
	return e.phone != nil && e.phone.PhoneBusy()
}

func (e *Engine) dreaming() bool {
	return e.dream != nil && e.dream.Dreaming()
}

func (e *Engine) stopDream() {
	if e.dream != nil {
		e.logger.Info("stopping dream")
		e.dream.StopDream()
	}
}
