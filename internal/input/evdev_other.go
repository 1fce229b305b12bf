//go:build !linux

package input

import (
	"log/slog"
	"time"

	"hwkeysd/internal/clock"
)

// EvdevOptions configure OpenEvdev.
type EvdevOptions struct {
	Paths            []string
	KeyCodes         []int
	Grab             bool
	LongPressTimeout time.Duration
	Clock            clock.Clock
	Logger           *slog.Logger
	Buffer           int
}

// EvdevSource is unavailable on this platform.
type EvdevSource struct{}

// OpenEvdev always fails with ErrNotSupported.
func OpenEvdev(EvdevOptions) (*EvdevSource, error) {
	return nil, ErrNotSupported
}

func (*EvdevSource) Events() <-chan KeyEvent           { return nil }
func (*EvdevSource) Close() error                      { return nil }
func (*EvdevSource) Devices() []string                 { return nil }
func (*EvdevSource) SetLongPressTimeout(time.Duration) {}

// DetectDevices always fails with ErrNotSupported.
func DetectDevices([]int) ([]string, error) {
	return nil, ErrNotSupported
}
