//go:build linux

package input

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	evdev "github.com/holoplot/go-evdev"

	"hwkeysd/internal/clock"
)

// busVirtual is the BUS_VIRTUAL id reported by uinput devices.
const busVirtual = 0x06

// EvdevOptions configure OpenEvdev.
type EvdevOptions struct {
	// Paths lists device nodes to open. When empty, every device that can
	// report one of KeyCodes is opened.
	Paths    []string
	KeyCodes []int
	// Grab takes exclusive access so the keys do not also reach other
	// consumers.
	Grab             bool
	LongPressTimeout time.Duration
	Clock            clock.Clock
	Logger           *slog.Logger
	Buffer           int
}

// EvdevSource reads key events from one or more evdev devices.
type EvdevSource struct {
	events chan KeyEvent
	logger *slog.Logger

	mu       sync.Mutex
	devices  []*evdevDevice
	closed   bool
	wg       sync.WaitGroup
	closeErr error
}

type evdevDevice struct {
	path    string
	name    string
	dev     *evdev.InputDevice
	tracker *Tracker
}

// OpenEvdev opens the configured devices and starts reading them.
func OpenEvdev(opts EvdevOptions) (*EvdevSource, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}

	paths := opts.Paths
	if len(paths) == 0 {
		found, err := DetectDevices(opts.KeyCodes)
		if err != nil {
			return nil, err
		}
		paths = found
	}
	if len(paths) == 0 {
		return nil, errors.New("input: no device reports a catalogued key")
	}

	s := &EvdevSource{events: make(chan KeyEvent, opts.Buffer), logger: logger}
	for _, path := range paths {
		d, err := s.openDevice(path, opts)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.devices = append(s.devices, d)
	}

	for _, d := range s.devices {
		s.wg.Add(1)
		go s.readLoop(d)
	}
	return s, nil
}

func (s *EvdevSource) openDevice(path string, opts EvdevOptions) (*evdevDevice, error) {
	dev, err := evdev.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	name, err := dev.Name()
	if err != nil {
		name = path
	}

	virtual := false
	if id, err := dev.InputID(); err == nil {
		virtual = id.BusType == busVirtual
	}

	if opts.Grab {
		if err := dev.Grab(); err != nil {
			dev.Close()
			return nil, fmt.Errorf("grab %s: %w", path, err)
		}
	}

	d := &evdevDevice{path: path, name: name, dev: dev}
	d.tracker = NewTracker(name, virtual, opts.Clock, opts.LongPressTimeout, s.send)
	s.logger.Info("input device opened", "path", path, "name", name, "virtual", virtual, "grab", opts.Grab)
	return d, nil
}

func (s *EvdevSource) send(ev KeyEvent) {
	s.events <- ev
}

func (s *EvdevSource) readLoop(d *evdevDevice) {
	defer s.wg.Done()
	defer d.tracker.CancelAll()

	scan := 0
	for {
		ev, err := d.dev.ReadOne()
		if err != nil {
			if !s.isClosed() {
				s.logger.Warn("input device lost", "path", d.path, "error", err)
			}
			return
		}

		switch ev.Type {
		case evdev.EV_MSC:
			if ev.Code == evdev.MSC_SCAN {
				scan = int(ev.Value)
			}
		case evdev.EV_KEY:
			code := int(ev.Code)
			sc := scan
			if sc == 0 {
				sc = code
			}
			d.tracker.Feed(code, sc, ev.Value)
			scan = 0
		case evdev.EV_SYN:
			scan = 0
		}
	}
}

// SetLongPressTimeout updates every device's tracker.
func (s *EvdevSource) SetLongPressTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dev := range s.devices {
		dev.tracker.SetLongPressTimeout(d)
	}
}

// Devices returns the opened device paths.
func (s *EvdevSource) Devices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.devices))
	for i, d := range s.devices {
		out[i] = d.path
	}
	return out
}

func (s *EvdevSource) Events() <-chan KeyEvent { return s.events }

func (s *EvdevSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close closes every device and waits for the readers to stop. Pending
// events are dropped.
func (s *EvdevSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.closeErr
	}
	s.closed = true
	devices := s.devices
	s.mu.Unlock()

	var errs []error
	for _, d := range devices {
		d.dev.Ungrab()
		if err := d.dev.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", d.path, err))
		}
	}

	// Readers may be blocked handing a canceled release to a consumer that
	// has already stopped.
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	for {
		select {
		case <-done:
			err := errors.Join(errs...)
			s.mu.Lock()
			s.closeErr = err
			s.mu.Unlock()
			return err
		case <-s.events:
		}
	}
}

// DetectDevices returns the devices able to report at least one of codes.
func DetectDevices(codes []int) ([]string, error) {
	paths, err := evdev.ListDevicePaths()
	if err != nil {
		return nil, fmt.Errorf("list input devices: %w", err)
	}

	var out []string
	for _, p := range paths {
		dev, err := evdev.Open(p.Path)
		if err != nil {
			continue
		}
		if slices.Contains(dev.CapableTypes(), evdev.EV_KEY) {
			for _, c := range dev.CapableEvents(evdev.EV_KEY) {
				if slices.Contains(codes, int(c)) {
					out = append(out, p.Path)
					break
				}
			}
		}
		dev.Close()
	}
	return out, nil
}
