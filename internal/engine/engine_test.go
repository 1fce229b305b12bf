package engine

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hwkeysd/internal/action"
	"hwkeysd/internal/action/actiontest"
	"hwkeysd/internal/bindings"
	"hwkeysd/internal/catalog"
	"hwkeysd/internal/clock"
	"hwkeysd/internal/haptics"
	"hwkeysd/internal/input"
	"hwkeysd/internal/metrics"
)

const (
	keyK      = 212 // multi-function, in "camera"
	keyHome   = 102 // multi-function, in "hw_keys"
	keyPower  = 116 // single-function, in "hw_keys"
	keyLocked = 217 // multi-function, in "locked" (allowDisable=false)
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New([]catalog.Category{
		{
			Key:          catalog.HardwareKeysCategory,
			AllowDisable: true,
			Keys: []catalog.Key{
				{Name: "Home", Path: "home", KeyCode: keyHome, DefaultAction: action.Home, SupportsMultipleActions: true},
				{Name: "Power", Path: "power", KeyCode: keyPower, DefaultAction: action.Sleep},
			},
		},
		{
			Key:          "camera",
			AllowDisable: true,
			Keys: []catalog.Key{
				{Name: "K", Path: "k", KeyCode: keyK, DefaultAction: "open_app_A", SupportsMultipleActions: true},
			},
		},
		{
			Key: "locked",
			Keys: []catalog.Key{
				{Name: "Search", Path: "search", KeyCode: keyLocked, DefaultAction: action.Assist, SupportsMultipleActions: true},
			},
		},
	}, nil)
	require.NoError(t, err)
	return c
}

type fakeHaptics struct {
	mu      sync.Mutex
	effects []haptics.Effect
}

func (h *fakeHaptics) Perform(effect haptics.Effect, _ bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.effects = append(h.effects, effect)
	return true
}

type fakeSignals struct {
	busy     atomic.Bool
	dreaming atomic.Bool
	stops    atomic.Int32
}

func (s *fakeSignals) PhoneBusy() bool { return s.busy.Load() }
func (s *fakeSignals) Dreaming() bool  { return s.dreaming.Load() }
func (s *fakeSignals) StopDream() {
	s.stops.Add(1)
	s.dreaming.Store(false)
}

type harness struct {
	t       *testing.T
	engine  *Engine
	store   *bindings.MemoryStore
	sink    *actiontest.Recorder
	clock   *clock.Manual
	haptics *fakeHaptics
	signals *fakeSignals
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, initial map[string]string) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		store:   bindings.NewMemoryStore(initial),
		sink:    &actiontest.Recorder{},
		clock:   clock.NewManual(time.Unix(1000, 0)),
		haptics: &fakeHaptics{},
		signals: &fakeSignals{},
		metrics: metrics.New(nil),
	}
	e, err := New(Options{
		Catalog:          testCatalog(t),
		Store:            h.store,
		Sink:             h.sink,
		Prewarmer:        h.sink,
		Haptics:          h.haptics,
		Phone:            h.signals,
		Dream:            h.signals,
		Clock:            h.clock,
		Metrics:          h.metrics,
		DoubleTapTimeout: 300 * time.Millisecond,
	})
	require.NoError(t, err)
	e.Watch()
	t.Cleanup(func() { e.Close() })
	h.engine = e
	return h
}

func (h *harness) down(code int) bool {
	return h.engine.HandleKeyBeforeDispatching(input.KeyEvent{KeyCode: code, ScanCode: code, Action: input.Down}, false, true)
}

func (h *harness) up(code int) bool {
	return h.engine.HandleKeyBeforeDispatching(input.KeyEvent{KeyCode: code, ScanCode: code, Action: input.Up}, false, true)
}

func (h *harness) longPress(code int, keyguardOn bool) bool {
	return h.engine.HandleKeyBeforeDispatching(input.KeyEvent{
		KeyCode: code, ScanCode: code, Action: input.Down, RepeatCount: 1, Flags: input.FlagLongPress,
	}, keyguardOn, true)
}

func (h *harness) advance(d time.Duration) { h.clock.Advance(d) }

func (h *harness) button(code int) ButtonState {
	for _, b := range h.engine.State().Buttons {
		if b.KeyCode == code {
			return b
		}
	}
	h.t.Fatalf("no button %d", code)
	return ButtonState{}
}

func TestDoubleTapScenario(t *testing.T) {
	h := newHarness(t, map[string]string{
		"k_action":            "open_app_A",
		"k_double_tap_action": "open_app_B",
		"k_long_press_action": action.Null,
	})

	assert.True(t, h.down(keyK)) // t=0
	h.advance(10 * time.Millisecond)
	assert.True(t, h.up(keyK)) // t=10
	h.advance(140 * time.Millisecond)
	assert.Empty(t, h.sink.Actions())

	assert.True(t, h.down(keyK)) // t=150
	assert.Equal(t, []string{"open_app_B"}, h.sink.Actions())

	h.advance(10 * time.Millisecond)
	assert.True(t, h.up(keyK)) // t=160
	h.advance(time.Second)

	assert.Equal(t, []string{"open_app_B"}, h.sink.Actions())
	assert.Equal(t, uint64(1), h.metrics.Dispatches(metrics.KindDoubleTap))
	assert.Zero(t, h.metrics.Dispatches(metrics.KindTap))
}

func TestTapWithoutDoubleTapBinding(t *testing.T) {
	h := newHarness(t, map[string]string{"k_action": "open_app_A"})

	h.down(keyK)
	assert.Empty(t, h.sink.Actions())
	h.up(keyK)
	assert.Equal(t, []string{"open_app_A"}, h.sink.Actions())
	assert.Zero(t, h.clock.Pending())

	h.advance(time.Second)
	assert.Len(t, h.sink.Actions(), 1)
}

func TestTapResolvedAfterTimeout(t *testing.T) {
	h := newHarness(t, map[string]string{
		"k_action":            "open_app_A",
		"k_double_tap_action": "open_app_B",
	})

	h.down(keyK)
	h.up(keyK)
	h.advance(299 * time.Millisecond)
	assert.Empty(t, h.sink.Actions())

	h.advance(time.Millisecond)
	assert.Equal(t, []string{"open_app_A"}, h.sink.Actions())

	h.advance(time.Second)
	assert.Len(t, h.sink.Actions(), 1)
}

func TestSecondDownAtTimeoutIsATap(t *testing.T) {
	h := newHarness(t, map[string]string{
		"k_double_tap_action": "open_app_B",
	})

	h.down(keyK)
	h.up(keyK)
	h.advance(300 * time.Millisecond)
	h.down(keyK)
	h.up(keyK)

	assert.Equal(t, []string{"open_app_A"}, h.sink.Actions())
	h.advance(300 * time.Millisecond)
	assert.Equal(t, []string{"open_app_A", "open_app_A"}, h.sink.Actions())
}

func TestLongPress(t *testing.T) {
	h := newHarness(t, map[string]string{
		"k_double_tap_action": "open_app_B",
		"k_long_press_action": "open_app_C",
	})

	h.down(keyK)
	h.longPress(keyK, false)
	h.longPress(keyK, false)
	h.engine.HandleKeyBeforeDispatching(input.KeyEvent{KeyCode: keyK, Action: input.Down, RepeatCount: 3}, false, true)
	h.up(keyK)
	h.advance(time.Second)

	require.Equal(t, []actiontest.Dispatch{{Action: "open_app_C", LongPress: true}}, h.sink.Dispatches())
	assert.Equal(t, []haptics.Effect{haptics.LongPress}, h.haptics.effects)
	assert.Zero(t, h.clock.Pending(), "a long press never arms the double-tap timer")
}

func TestLongPressSuppressedByKeyguard(t *testing.T) {
	h := newHarness(t, map[string]string{"k_long_press_action": "open_app_C"})

	h.down(keyK)
	h.longPress(keyK, true)
	h.up(keyK)

	assert.Equal(t, []string{"open_app_A"}, h.sink.Actions())
	assert.Empty(t, h.haptics.effects)
}

func TestLongPressWithNullBindingFallsBackToTap(t *testing.T) {
	h := newHarness(t, nil)

	h.down(keyK)
	h.longPress(keyK, false)
	h.up(keyK)

	assert.Equal(t, []string{"open_app_A"}, h.sink.Actions())
}

func TestCanceledPress(t *testing.T) {
	h := newHarness(t, nil)

	h.down(keyK)
	consumed := h.engine.HandleKeyBeforeDispatching(input.KeyEvent{
		KeyCode: keyK, Action: input.Up, Flags: input.FlagCanceled,
	}, false, true)

	assert.True(t, consumed)
	assert.Empty(t, h.sink.Actions())
	assert.False(t, h.button(keyK).Pressed)
}

func TestStrayReleaseIsConsumedQuietly(t *testing.T) {
	h := newHarness(t, nil)
	assert.True(t, h.up(keyK))
	assert.Empty(t, h.sink.Actions())
}

func TestDisabledCategory(t *testing.T) {
	h := newHarness(t, map[string]string{"camera_disabled": "1"})
	require.True(t, h.engine.IsDisabled("camera"))

	for i := 0; i < 3; i++ {
		assert.True(t, h.down(keyK))
		assert.True(t, h.longPress(keyK, false))
		assert.True(t, h.up(keyK))
	}
	h.advance(time.Second)
	assert.Empty(t, h.sink.Actions())

	require.NoError(t, h.store.Put("camera_disabled", "0"))
	h.down(keyK)
	h.up(keyK)
	assert.Equal(t, []string{"open_app_A"}, h.sink.Actions())
}

func TestDisabledFlagSemantics(t *testing.T) {
	h := newHarness(t, nil)

	for value, want := range map[string]bool{"1": true, " 1 ": true, "0": false, "2": false, "yes": false} {
		require.NoError(t, h.store.Put("camera_disabled", value))
		assert.Equal(t, want, h.engine.IsDisabled("camera"), "value %q", value)
	}

	require.NoError(t, h.store.Put("locked_disabled", "1"))
	assert.False(t, h.engine.IsDisabled("locked"), "category without allowDisable ignores the flag")
}

func TestDisablingCategoryDropsPendingTap(t *testing.T) {
	h := newHarness(t, map[string]string{"k_double_tap_action": "open_app_B"})

	h.down(keyK)
	h.up(keyK)
	require.True(t, h.button(keyK).DoubleTapPending)

	require.NoError(t, h.store.Put("camera_disabled", "1"))
	assert.True(t, h.down(keyK))
	assert.True(t, h.up(keyK))
	h.advance(time.Second)

	assert.Empty(t, h.sink.Actions())
	assert.False(t, h.button(keyK).DoubleTapPending)
}

func TestPendingVirtualTapSurvivesHardwareKeysDisable(t *testing.T) {
	h := newHarness(t, map[string]string{"home_double_tap_action": action.Recents})

	h.engine.HandleKeyBeforeDispatching(input.KeyEvent{KeyCode: keyHome, Action: input.Down, Flags: input.FlagVirtual}, false, true)
	h.engine.HandleKeyBeforeDispatching(input.KeyEvent{KeyCode: keyHome, Action: input.Up, Flags: input.FlagVirtual}, false, true)
	require.NoError(t, h.store.Put("hw_keys_disabled", "1"))
	h.advance(time.Second)

	assert.Equal(t, []string{action.Home}, h.sink.Actions())
}

func TestHardwareKeysCarveOut(t *testing.T) {
	h := newHarness(t, map[string]string{"hw_keys_disabled": "1"})

	virtualDown := input.KeyEvent{KeyCode: keyHome, Action: input.Down, Flags: input.FlagVirtual}
	virtualUp := input.KeyEvent{KeyCode: keyHome, Action: input.Up, Flags: input.FlagVirtual}

	h.down(keyHome)
	h.up(keyHome)
	assert.Empty(t, h.sink.Actions(), "physical events are blocked")

	h.engine.HandleKeyBeforeDispatching(virtualDown, false, true)
	h.engine.HandleKeyBeforeDispatching(virtualUp, false, true)
	assert.Equal(t, []string{action.Home}, h.sink.Actions())
	assert.Equal(t, []haptics.Effect{haptics.VirtualKey}, h.haptics.effects, "virtual press gives key feedback")

	// The carve-out belongs to hw_keys only.
	require.NoError(t, h.store.Put("camera_disabled", "1"))
	h.sink.Reset()
	h.engine.HandleKeyBeforeDispatching(input.KeyEvent{KeyCode: keyK, Action: input.Down, Flags: input.FlagVirtual}, false, true)
	h.engine.HandleKeyBeforeDispatching(input.KeyEvent{KeyCode: keyK, Action: input.Up, Flags: input.FlagVirtual}, false, true)
	assert.Empty(t, h.sink.Actions())
	assert.Len(t, h.haptics.effects, 1, "blocked virtual press gives no feedback")
}

func TestSingleFunctionButton(t *testing.T) {
	h := newHarness(t, nil)
	e := h.engine
	down := input.KeyEvent{KeyCode: keyPower, Action: input.Down}
	up := input.KeyEvent{KeyCode: keyPower, Action: input.Up}

	assert.False(t, e.HandleKeyBeforeQueueing(down, false, false), "acts on release only")
	assert.False(t, e.HandleKeyBeforeQueueing(up, false, true), "ignored while interactive")
	assert.Empty(t, h.sink.Actions())

	assert.True(t, e.HandleKeyBeforeQueueing(up, false, false))
	assert.Equal(t, []string{action.Sleep}, h.sink.Actions())

	h.signals.busy.Store(true)
	assert.False(t, e.HandleKeyBeforeQueueing(up, false, false), "ignored during a call")
	assert.Len(t, h.sink.Actions(), 1)
}

func TestWrongPhaseIsNotConsumed(t *testing.T) {
	h := newHarness(t, nil)
	e := h.engine

	assert.False(t, e.HandleKeyBeforeQueueing(input.KeyEvent{KeyCode: keyK, Action: input.Up}, false, false))
	assert.False(t, e.HandleKeyBeforeDispatching(input.KeyEvent{KeyCode: keyPower, Action: input.Up}, false, false))
	assert.False(t, e.HandleKeyBeforeDispatching(input.KeyEvent{KeyCode: 999, Action: input.Up}, false, false))
	assert.Empty(t, h.sink.Actions())
}

func TestWakeKeyStopsDream(t *testing.T) {
	h := newHarness(t, map[string]string{"home_double_tap_action": action.Camera})
	h.signals.dreaming.Store(true)

	h.down(keyHome)
	h.up(keyHome)
	h.advance(time.Second)

	assert.Equal(t, int32(1), h.signals.stops.Load())
	assert.Empty(t, h.sink.Actions())

	// Not dreaming any more: the key behaves normally.
	h.down(keyHome)
	h.up(keyHome)
	h.advance(time.Second)
	assert.Equal(t, []string{action.Home}, h.sink.Actions())
}

func TestTimerUsesBindingCapturedAtArm(t *testing.T) {
	h := newHarness(t, map[string]string{"k_double_tap_action": "open_app_B"})

	h.down(keyK)
	h.up(keyK)
	require.NoError(t, h.store.Put("k_action", "open_app_Z"))
	h.advance(300 * time.Millisecond)

	assert.Equal(t, []string{"open_app_A"}, h.sink.Actions())
}

func TestRefreshIsIdempotent(t *testing.T) {
	h := newHarness(t, map[string]string{
		"k_action":            "open_app_A",
		"k_double_tap_action": "open_app_B",
	})

	h.down(keyK)
	h.up(keyK)
	before := h.engine.State()

	h.engine.Refresh()
	h.store.Publish(bindings.Change{})
	require.NoError(t, h.store.Put("k_action", "open_app_A"))

	assert.Equal(t, before, h.engine.State())
	assert.Empty(t, h.sink.Actions())
	assert.Equal(t, 1, h.clock.Pending())

	h.advance(300 * time.Millisecond)
	assert.Equal(t, []string{"open_app_A"}, h.sink.Actions())
}

func TestApplyBindingUpdate(t *testing.T) {
	h := newHarness(t, nil)
	e := h.engine

	assert.True(t, e.ApplyBindingUpdate("k_action", "open_app_Q"))
	assert.False(t, e.ApplyBindingUpdate("nothing_action", "x"))
	assert.False(t, e.ApplyBindingUpdate(bindings.GestureKey(250), "x"))

	h.down(keyK)
	h.up(keyK)
	assert.Equal(t, []string{"open_app_Q"}, h.sink.Actions())

	assert.True(t, e.ApplyBindingUpdate("k_action", ""), "empty restores the default")
	h.down(keyK)
	h.up(keyK)
	assert.Equal(t, []string{"open_app_Q", "open_app_A"}, h.sink.Actions())

	require.NoError(t, h.store.Put("k_action", "open_app_R"))
	require.NoError(t, h.store.Delete("k_action"))
	h.down(keyK)
	h.up(keyK)
	assert.Equal(t, "open_app_A", h.sink.Actions()[2])
}

func TestPrewarm(t *testing.T) {
	h := newHarness(t, map[string]string{
		"k_action":            action.Recents,
		"k_double_tap_action": "open_app_B",
	})

	// Tap resolves to the pre-warmed action: no cancel.
	h.down(keyK)
	h.up(keyK)
	h.advance(300 * time.Millisecond)
	assert.Equal(t, []string{action.Recents}, h.sink.Preloads())
	assert.Empty(t, h.sink.Cancels())

	// Double tap resolves to something else: cancelled exactly once.
	h.down(keyK)
	h.up(keyK)
	h.down(keyK)
	h.up(keyK)
	assert.Equal(t, []string{action.Recents, action.Recents}, h.sink.Preloads())
	assert.Equal(t, []string{action.Recents}, h.sink.Cancels())
	assert.Empty(t, h.engine.State().Prewarmed)
}

func TestPrewarmIsConfigurable(t *testing.T) {
	h := newHarness(t, map[string]string{"k_long_press_action": "open_app_C"})
	h.engine.SetPrewarm(action.NewPrewarmSet("open_app_C"))

	h.down(keyK)
	h.longPress(keyK, false)
	h.longPress(keyK, false)
	h.up(keyK)

	assert.Equal(t, []string{"open_app_C"}, h.sink.Preloads(), "one preload per cycle")
	assert.Empty(t, h.sink.Cancels())

	h.engine.SetPrewarm(nil)
	h.sink.Reset()
	h.down(keyK)
	h.up(keyK)
	assert.Empty(t, h.sink.Preloads())
}

func TestCanceledPressCancelsPrewarm(t *testing.T) {
	h := newHarness(t, map[string]string{"k_long_press_action": action.Recents})

	h.down(keyK)
	h.engine.HandleKeyBeforeDispatching(input.KeyEvent{KeyCode: keyK, Action: input.Up, Flags: input.FlagCanceled}, false, true)

	assert.Equal(t, []string{action.Recents}, h.sink.Preloads())
	assert.Equal(t, []string{action.Recents}, h.sink.Cancels())
}

func TestSinkErrorsAreAbsorbed(t *testing.T) {
	h := newHarness(t, nil)
	h.sink.Err = assert.AnError

	h.down(keyK)
	assert.True(t, h.up(keyK))
	assert.Equal(t, uint64(1), h.metrics.SinkErrorsTotal.Value())
}

func TestDoubleTapTimeoutChange(t *testing.T) {
	h := newHarness(t, map[string]string{"k_double_tap_action": "open_app_B"})
	h.engine.SetDoubleTapTimeout(100 * time.Millisecond)
	h.engine.SetDoubleTapTimeout(0)
	assert.Equal(t, 100*time.Millisecond, h.engine.DoubleTapTimeout())

	h.down(keyK)
	h.up(keyK)
	h.advance(100 * time.Millisecond)
	assert.Equal(t, []string{"open_app_A"}, h.sink.Actions())
}

func TestCloseAbandonsPendingTap(t *testing.T) {
	h := newHarness(t, map[string]string{"k_double_tap_action": "open_app_B"})

	h.down(keyK)
	h.up(keyK)
	require.NoError(t, h.engine.Close())
	h.advance(time.Second)
	assert.Empty(t, h.sink.Actions())

	require.NoError(t, h.store.Put("k_action", "open_app_Z"))
	assert.Equal(t, "open_app_A", h.button(keyK).Tap, "closed engine no longer watches")
}

func TestClosedEngineDispatchesNothing(t *testing.T) {
	h := newHarness(t, map[string]string{"k_double_tap_action": "open_app_B"})
	require.NoError(t, h.engine.Close())

	assert.False(t, h.down(keyK))
	assert.False(t, h.up(keyK))
	assert.False(t, h.longPress(keyHome, false))
	h.advance(time.Second)

	assert.Empty(t, h.sink.Actions())
	assert.Empty(t, h.haptics.effects)
	assert.False(t, h.engine.HandleKeyBeforeQueueing(input.KeyEvent{KeyCode: keyPower, Action: input.Up}, false, false))
}

func TestConcurrentRefreshAndEvents(t *testing.T) {
	h := newHarness(t, map[string]string{"k_double_tap_action": "open_app_B"})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			h.store.Put("k_action", []string{"x", "y"}[i%2])
			h.store.Put("k_double_tap_action", []string{"open_app_B", action.Null}[i%2])
		}
	}()
	for i := 0; i < 200; i++ {
		h.down(keyK)
		h.up(keyK)
		h.advance(300 * time.Millisecond)
	}
	wg.Wait()
	h.advance(time.Second)

	assert.Len(t, h.sink.Actions(), 200)
}

func TestNewRequiresCatalog(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
