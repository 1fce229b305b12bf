// Package input turns kernel input events into key events with press,
// release, repeat and long-press semantics.
package input

import (
	"errors"
	"log/slog"
	"strings"
	"time"
)

// ErrNotSupported is returned on platforms without evdev.
var ErrNotSupported = errors.New("input: evdev is not supported on this platform")

// Action is the direction of a key event.
type Action int

const (
	Down Action = iota
	Up
)

func (a Action) String() string {
	if a == Up {
		return "up"
	}
	return "down"
}

// Flags qualify a key event.
type Flags uint8

const (
	// FlagLongPress marks the repeat that crossed the long-press timeout.
	FlagLongPress Flags = 1 << iota
	// FlagCanceled marks a release that must not be treated as a tap.
	FlagCanceled
	// FlagVirtual marks events injected by software rather than a
	// physical device.
	FlagVirtual
)

func (f Flags) String() string {
	var parts []string
	if f&FlagLongPress != 0 {
		parts = append(parts, "long_press")
	}
	if f&FlagCanceled != 0 {
		parts = append(parts, "canceled")
	}
	if f&FlagVirtual != 0 {
		parts = append(parts, "virtual")
	}
	return strings.Join(parts, "|")
}

// KeyEvent is one key transition.
type KeyEvent struct {
	KeyCode     int
	ScanCode    int
	Action      Action
	RepeatCount int
	Flags       Flags
	Device      string
	Time        time.Time
}

func (e KeyEvent) Down() bool      { return e.Action == Down }
func (e KeyEvent) Up() bool        { return e.Action == Up }
func (e KeyEvent) LongPress() bool { return e.Flags&FlagLongPress != 0 }
func (e KeyEvent) Canceled() bool  { return e.Flags&FlagCanceled != 0 }
func (e KeyEvent) Virtual() bool   { return e.Flags&FlagVirtual != 0 }

// LogValue implements slog.LogValuer.
func (e KeyEvent) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int("code", e.KeyCode),
		slog.Int("scan", e.ScanCode),
		slog.String("action", e.Action.String()),
		slog.Int("repeat", e.RepeatCount),
	}
	if e.Flags != 0 {
		attrs = append(attrs, slog.String("flags", e.Flags.String()))
	}
	if e.Device != "" {
		attrs = append(attrs, slog.String("device", e.Device))
	}
	return slog.GroupValue(attrs...)
}
