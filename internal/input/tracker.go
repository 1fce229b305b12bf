package input

import (
	"sync"
	"time"

	"hwkeysd/internal/clock"
)

// DefaultLongPressTimeout is the hold time after which a press becomes a
// long press.
const DefaultLongPressTimeout = 500 * time.Millisecond

// Kernel EV_KEY values.
const (
	valueRelease = 0
	valuePress   = 1
	valueRepeat  = 2
)

type heldKey struct {
	scanCode int
	repeat   int
	timer    *clock.Handle
}

// Tracker converts raw EV_KEY values from one device into KeyEvents. It
// numbers repeats, emits a long-press repeat once a key has been held for
// the long-press timeout, and cancels keys still held when the device goes
// away. Events are emitted in order, under the tracker's lock, so emit
// must not call back into the tracker.
type Tracker struct {
	device  string
	virtual bool
	clock   clock.Clock
	emit    func(KeyEvent)

	mu        sync.Mutex
	held      map[int]*heldKey
	longPress time.Duration
}

// NewTracker returns a tracker for device. Events from a virtual device
// carry FlagVirtual.
func NewTracker(device string, virtual bool, c clock.Clock, longPress time.Duration, emit func(KeyEvent)) *Tracker {
	if c == nil {
		c = clock.Real()
	}
	if longPress <= 0 {
		longPress = DefaultLongPressTimeout
	}
	return &Tracker{
		device:    device,
		virtual:   virtual,
		clock:     c,
		emit:      emit,
		held:      make(map[int]*heldKey),
		longPress: longPress,
	}
}

// SetLongPressTimeout changes the timeout for presses that start later.
func (t *Tracker) SetLongPressTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	t.longPress = d
	t.mu.Unlock()
}

// Feed processes one EV_KEY value.
func (t *Tracker) Feed(code, scanCode int, value int32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch value {
	case valuePress:
		if k, ok := t.held[code]; ok {
			// Press without release; treat the old press as canceled.
			k.timer.Cancel()
			t.emitLocked(code, k.scanCode, Up, 0, FlagCanceled)
		}
		k := &heldKey{scanCode: scanCode, timer: clock.NewHandle(t.clock)}
		t.held[code] = k
		t.emitLocked(code, scanCode, Down, 0, 0)
		k.timer.Arm(t.longPress, func() { t.longPressFired(code, k) })

	case valueRepeat:
		k, ok := t.held[code]
		if !ok {
			return
		}
		k.repeat++
		t.emitLocked(code, k.scanCode, Down, k.repeat, 0)

	case valueRelease:
		k, ok := t.held[code]
		if !ok {
			return
		}
		k.timer.Cancel()
		delete(t.held, code)
		t.emitLocked(code, k.scanCode, Up, 0, 0)
	}
}

func (t *Tracker) longPressFired(code int, k *heldKey) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.held[code] != k {
		return
	}
	k.repeat++
	t.emitLocked(code, k.scanCode, Down, k.repeat, FlagLongPress)
}

// CancelAll releases every held key with FlagCanceled.
func (t *Tracker) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for code, k := range t.held {
		k.timer.Cancel()
		delete(t.held, code)
		t.emitLocked(code, k.scanCode, Up, 0, FlagCanceled)
	}
}

// Held returns the number of keys currently down.
func (t *Tracker) Held() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.held)
}

func (t *Tracker) emitLocked(code, scanCode int, action Action, repeat int, flags Flags) {
	if t.virtual {
		flags |= FlagVirtual
	}
	t.emit(KeyEvent{
		KeyCode:     code,
		ScanCode:    scanCode,
		Action:      action,
		RepeatCount: repeat,
		Flags:       flags,
		Device:      t.device,
		Time:        t.clock.Now(),
	})
}
