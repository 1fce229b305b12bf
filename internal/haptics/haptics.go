// Package haptics plays short vibration patterns as feedback for key and
// gesture actions.
package haptics

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"hwkeysd/internal/bindings"
)

// Effect identifies a feedback pattern.
type Effect int

const (
	LongPress Effect = iota
	VirtualKey
	Gesture
)

func (e Effect) String() string {
	switch e {
	case LongPress:
		return "long_press"
	case VirtualKey:
		return "virtual_key"
	case Gesture:
		return "gesture"
	default:
		return fmt.Sprintf("effect(%d)", int(e))
	}
}

// Pattern is a vibration pattern. A single element is a one-shot pulse of
// that length; longer patterns alternate [delay, on, off, on, ...].
type Pattern []time.Duration

// OneShot reports whether the pattern is a single pulse.
func (p Pattern) OneShot() bool { return len(p) == 1 }

// Total is the time the pattern takes to play.
func (p Pattern) Total() time.Duration {
	var d time.Duration
	for _, step := range p {
		d += step
	}
	return d
}

// Patterns maps effects to patterns.
type Patterns map[Effect]Pattern

// DefaultPatterns returns the stock patterns.
func DefaultPatterns() Patterns {
	ms := time.Millisecond
	return Patterns{
		LongPress:  {0, 1 * ms, 20 * ms, 21 * ms},
		VirtualKey: {0, 10 * ms, 20 * ms, 30 * ms},
		Gesture:    {50 * ms},
	}
}

// Vibrator drives the vibration motor.
type Vibrator interface {
	HasVibrator() bool
	Vibrate(Pattern) error
}

// None is a device without a vibrator.
type None struct{}

func (None) HasVibrator() bool     { return false }
func (None) Vibrate(Pattern) error { return nil }

// Feedback decides whether to vibrate and with which pattern.
type Feedback struct {
	vibrator Vibrator
	store    bindings.Store
	logger   *slog.Logger

	defaultEnabled atomic.Bool
	patterns       atomic.Pointer[Patterns]
}

// New returns feedback that consults the haptic_feedback_enabled binding
// in store, falling back to enabledByDefault. store may be nil.
func New(v Vibrator, store bindings.Store, enabledByDefault bool, logger *slog.Logger) *Feedback {
	if v == nil {
		v = None{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &Feedback{vibrator: v, store: store, logger: logger}
	f.defaultEnabled.Store(enabledByDefault)
	f.SetPatterns(DefaultPatterns())
	return f
}

// SetPatterns replaces the patterns. Effects missing from p keep no
// pattern and are skipped.
func (f *Feedback) SetPatterns(p Patterns) {
	cp := make(Patterns, len(p))
	for e, pat := range p {
		cp[e] = append(Pattern(nil), pat...)
	}
	f.patterns.Store(&cp)
}

// SetDefaultEnabled changes the value used when the setting is absent.
func (f *Feedback) SetDefaultEnabled(on bool) {
	f.defaultEnabled.Store(on)
}

// Enabled reports whether non-forced feedback is currently on.
func (f *Feedback) Enabled() bool {
	def := f.defaultEnabled.Load()
	if f.store == nil {
		return def
	}
	return bindings.Bool(f.store, bindings.HapticFeedbackEnabled, def)
}

// Perform plays the pattern for effect. Unless always is set it honours
// the user setting. It reports whether a vibration was started; a missing
// vibrator or a failing one is not an error for the caller.
func (f *Feedback) Perform(effect Effect, always bool) bool {
	if !f.vibrator.HasVibrator() {
		return false
	}
	if !always && !f.Enabled() {
		return false
	}
	pat := (*f.patterns.Load())[effect]
	if len(pat) == 0 {
		return false
	}
	if err := f.vibrator.Vibrate(pat); err != nil {
		f.logger.Warn("vibrate failed", "effect", effect, "error", err)
		return false
	}
	return true
}
