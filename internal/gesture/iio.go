package gesture

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrNoSensor is returned when no IIO proximity channel is found.
var ErrNoSensor = errors.New("no proximity sensor found")

// DefaultIIORoot is where the kernel lists IIO devices.
const DefaultIIORoot = "/sys/bus/iio/devices"

var proximityChannels = []string{"in_proximity_raw", "in_proximity0_raw", "in_proximity_input"}

// IIOOptions configure OpenIIO.
type IIOOptions struct {
	// Device is an IIO device directory. Empty probes Root.
	Device string
	Root   string

	// NearThreshold is the raw value at or above which an object counts
	// as near. IIO proximity channels grow as objects approach.
	NearThreshold int

	// MaxRange is the far reading reported to listeners.
	MaxRange float64

	PollInterval time.Duration
}

// IIO is a proximity sensor backed by an IIO sysfs channel. Raw values
// are folded to two readings: MaxRange when far and 0 when near.
type IIO struct {
	path      string
	threshold int
	maxRange  float64
	interval  time.Duration
}

// OpenIIO finds and opens a proximity channel.
func OpenIIO(opts IIOOptions) (*IIO, error) {
	if opts.Root == "" {
		opts.Root = DefaultIIORoot
	}
	if opts.NearThreshold <= 0 {
		opts.NearThreshold = 1
	}
	if opts.MaxRange <= 0 {
		opts.MaxRange = 5
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Millisecond
	}

	var dirs []string
	if opts.Device != "" {
		dirs = []string{opts.Device}
	} else {
		matches, err := filepath.Glob(filepath.Join(opts.Root, "iio:device*"))
		if err != nil {
			return nil, err
		}
		dirs = matches
	}

	for _, dir := range dirs {
		for _, ch := range proximityChannels {
			p := filepath.Join(dir, ch)
			if _, err := os.Stat(p); err == nil {
				return &IIO{
					path:      p,
					threshold: opts.NearThreshold,
					maxRange:  opts.MaxRange,
					interval:  opts.PollInterval,
				}, nil
			}
		}
	}
	return nil, ErrNoSensor
}

// Path returns the sysfs channel being read.
func (s *IIO) Path() string { return s.path }

func (s *IIO) MaximumRange() float64 { return s.maxRange }

// Read returns one folded reading.
func (s *IIO) Read() (float64, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return 0, err
	}
	raw, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if raw >= s.threshold {
		return 0, nil
	}
	return s.maxRange, nil
}

// Listen polls the channel and delivers every successful reading until
// the returned cancel func is called.
func (s *IIO) Listen(fn func(value float64)) (func(), error) {
	if _, err := os.Stat(s.path); err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			if v, err := s.Read(); err == nil {
				select {
				case <-done:
					return
				default:
				}
				fn(v)
			}
			select {
			case <-done:
				return
			case <-t.C:
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}
