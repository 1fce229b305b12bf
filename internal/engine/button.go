package engine

import (
	"sync"
	"sync/atomic"

	"hwkeysd/internal/action"
	"hwkeysd/internal/catalog"
	"hwkeysd/internal/clock"
	"hwkeysd/internal/haptics"
	"hwkeysd/internal/input"
	"hwkeysd/internal/metrics"
)

// button classifies the events of one physical key.
type button interface {
	key() catalog.Key
	gate() *categoryGate
	multi() bool
	handle(ev input.KeyEvent, keyguardOn, interactive bool) bool
	state() ButtonState
	reset()
}

// binding is one action field of a button. Loads and stores are atomic so
// a refresh never exposes a half-written value.
type binding struct {
	def     string
	current atomic.Pointer[string]
}

func newBinding(def string) *binding {
	if def == "" {
		def = action.Null
	}
	b := &binding{def: def}
	b.set("")
	return b
}

// set stores value, or the default when value is empty.
func (b *binding) set(value string) {
	if value == "" {
		value = b.def
	}
	b.current.Store(&value)
}

func (b *binding) get() string { return *b.current.Load() }

// singleButton fires its action on release while the screen is off.
type singleButton struct {
	e      *Engine
	k      catalog.Key
	g      *categoryGate
	action *binding
}

func (b *singleButton) key() catalog.Key    { return b.k }
func (b *singleButton) gate() *categoryGate { return b.g }
func (b *singleButton) multi() bool         { return false }
func (b *singleButton) reset()              {}

func (b *singleButton) handle(ev input.KeyEvent, _, interactive bool) bool {
	if b.e.phoneBusy() {
		return false
	}
	if interactive || !ev.Up() {
		return false
	}
	b.e.dispatch(metrics.KindSingle, b.k, b.action.get(), false)
	return true
}

func (b *singleButton) state() ButtonState {
	return ButtonState{
		Name:     b.k.BindingName(),
		KeyCode:  b.k.KeyCode,
		Category: b.k.Category,
		Tap:      b.action.get(),
	}
}

// multiButton tells a tap from a double tap and a long press.
type multiButton struct {
	e *Engine
	k catalog.Key
	g *categoryGate

	tap       *binding
	doubleTap *binding
	longPress *binding

	mu               sync.Mutex
	pressed          bool
	consumed         bool
	doubleTapPending bool
	seq              uint64
	timer            *clock.Handle
}

func (b *multiButton) key() catalog.Key    { return b.k }
func (b *multiButton) gate() *categoryGate { return b.g }
func (b *multiButton) multi() bool         { return true }

// handle advances the state machine. Side effects are collected while the
// lock is held and run after it is released, in order.
func (b *multiButton) handle(ev input.KeyEvent, keyguardOn, _ bool) bool {
	var effects []func()
	defer func() {
		for _, f := range effects {
			f()
		}
	}()

	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.e
	tap, doubleTap, longPress := b.tap.get(), b.doubleTap.get(), b.longPress.get()

	if ev.Canceled() && b.pressed {
		b.pressed = false
		b.consumed = false
		e.logger.Debug("press canceled", "key", b.k.Name)
		effects = append(effects, func() { e.finishPrewarm(action.Null) })
		return true
	}

	if ev.Up() {
		if !b.pressed {
			return true
		}
		b.pressed = false

		if b.consumed {
			b.consumed = false
			return true
		}

		if ev.KeyCode == e.wakeKeyCode && e.dreaming() {
			effects = append(effects, e.stopDream, func() { e.finishPrewarm(action.Null) })
			return true
		}

		if !action.IsNull(doubleTap) {
			b.doubleTapPending = true
			b.seq++
			seq := b.seq
			b.timer.Arm(e.DoubleTapTimeout(), func() { b.doubleTapExpired(seq, tap, ev) })
			e.logger.Debug("double tap armed", "key", b.k.Name, "timeout", e.DoubleTapTimeout())
			return true
		}

		effects = append(effects, func() {
			e.finishPrewarm(tap)
			e.dispatch(metrics.KindTap, b.k, tap, false)
		})
		return true
	}

	if ev.RepeatCount == 0 {
		effects = append(effects, func() { e.prewarm(longPress, doubleTap, tap) })
		b.pressed = true
		b.consumed = false
		if b.doubleTapPending {
			b.doubleTapPending = false
			b.timer.Cancel()
			b.consumed = true
			effects = append(effects, func() {
				e.finishPrewarm(doubleTap)
				e.dispatch(metrics.KindDoubleTap, b.k, doubleTap, false)
			})
		}
		return true
	}

	if ev.LongPress() && b.pressed && !b.consumed && !keyguardOn && !action.IsNull(longPress) {
		b.consumed = true
		effects = append(effects, func() {
			e.finishPrewarm(longPress)
			e.haptics.Perform(haptics.LongPress, false)
			e.dispatch(metrics.KindLongPress, b.k, longPress, true)
		})
	}
	return true
}

// doubleTapExpired resolves a lone tap. tap is the binding captured when
// the timer was armed by up. A category disabled in the meantime drops
// the tap, since it also swallows the second press.
func (b *multiButton) doubleTapExpired(seq uint64, tap string, up input.KeyEvent) {
	b.mu.Lock()
	if !b.doubleTapPending || b.seq != seq {
		b.mu.Unlock()
		return
	}
	b.doubleTapPending = false
	b.mu.Unlock()

	if b.g.blocks(up) {
		b.e.logger.Debug("category disabled before tap resolved", "category", b.g.key, "key", b.k.Name)
		b.e.finishPrewarm(action.Null)
		return
	}
	b.e.finishPrewarm(tap)
	b.e.dispatch(metrics.KindTap, b.k, tap, false)
}

// reset abandons any press cycle in progress.
func (b *multiButton) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timer.Cancel()
	b.pressed = false
	b.consumed = false
	b.doubleTapPending = false
}

func (b *multiButton) state() ButtonState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return ButtonState{
		Name:             b.k.BindingName(),
		KeyCode:          b.k.KeyCode,
		Category:         b.k.Category,
		Multi:            true,
		Tap:              b.tap.get(),
		DoubleTap:        b.doubleTap.get(),
		LongPress:        b.longPress.get(),
		Pressed:          b.pressed,
		Consumed:         b.consumed,
		DoubleTapPending: b.doubleTapPending,
	}
}
