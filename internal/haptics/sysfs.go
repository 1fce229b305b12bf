package haptics

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// ErrNoVibrator is returned when no sysfs vibrator interface is found.
var ErrNoVibrator = errors.New("no vibrator found")

// Sysfs vibrator search locations, in order.
var DefaultSysfsPaths = []string{
	"/sys/class/leds/vibrator",
	"/sys/class/timed_output/vibrator",
}

type sysfsKind int

const (
	timedOutput sysfsKind = iota // write milliseconds to enable
	ledTrigger                   // write duration, then 1 to activate
)

// Sysfs drives a kernel vibrator through either the timed_output or the
// LED transient-trigger interface.
type Sysfs struct {
	dir  string
	kind sysfsKind

	mu     sync.Mutex
	cancel context.CancelFunc
}

// OpenSysfs probes dir, or the default locations when dir is empty.
func OpenSysfs(dir string) (*Sysfs, error) {
	candidates := DefaultSysfsPaths
	if dir != "" {
		candidates = []string{dir}
	}
	for _, d := range candidates {
		if fileExists(filepath.Join(d, "activate")) && fileExists(filepath.Join(d, "duration")) {
			return &Sysfs{dir: d, kind: ledTrigger}, nil
		}
		if fileExists(filepath.Join(d, "enable")) {
			return &Sysfs{dir: d, kind: timedOutput}, nil
		}
	}
	return nil, ErrNoVibrator
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (s *Sysfs) HasVibrator() bool { return true }

// Vibrate plays p. A one-shot pattern is written synchronously; a waveform
// plays in the background and is cut short by the next call.
func (s *Sysfs) Vibrate(p Pattern) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if p.OneShot() {
		s.mu.Unlock()
		return s.pulse(p[0])
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	go s.play(ctx, p)
	return nil
}

func (s *Sysfs) play(ctx context.Context, p Pattern) {
	for i, step := range p {
		// Odd indices are "on" segments.
		if i%2 == 1 && step > 0 {
			if err := s.pulse(step); err != nil {
				return
			}
		}
		if step <= 0 {
			continue
		}
		t := time.NewTimer(step)
		select {
		case <-ctx.Done():
			t.Stop()
			s.pulse(0)
			return
		case <-t.C:
		}
	}
}

func (s *Sysfs) pulse(d time.Duration) error {
	ms := strconv.FormatInt(d.Milliseconds(), 10)
	switch s.kind {
	case ledTrigger:
		if err := s.write("duration", ms); err != nil {
			return err
		}
		if d <= 0 {
			return s.write("activate", "0")
		}
		return s.write("activate", "1")
	default:
		return s.write("enable", ms)
	}
}

func (s *Sysfs) write(name, value string) error {
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, []byte(value), 0); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Close stops a waveform in progress.
func (s *Sysfs) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return nil
}
