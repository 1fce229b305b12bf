// Package signals tracks the device status the classifiers consult:
// phone call, keyguard, screen interactivity and the idle screensaver.
package signals

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// State names accepted by Set.
const (
	PhoneBusy   = "phone_busy"
	Keyguard    = "keyguard"
	Interactive = "interactive"
	Dreaming    = "dreaming"
)

// ErrUnknownState is returned by Set for names it does not know.
var ErrUnknownState = errors.New("unknown state")

// State is the current device status. The zero value is usable and
// reports an interactive screen with nothing else active.
type State struct {
	keyguard       atomic.Bool
	notInteractive atomic.Bool
	dreaming       atomic.Bool
	forcedBusy     atomic.Bool

	mu    sync.Mutex
	calls map[string]struct{}

	stopMu sync.Mutex
	stop   func()
}

// NewState returns a State with default values.
func NewState() *State {
	return &State{}
}

func (s *State) PhoneBusy() bool {
	if s.forcedBusy.Load() {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls) > 0
}

func (s *State) Keyguard() bool    { return s.keyguard.Load() }
func (s *State) Interactive() bool { return !s.notInteractive.Load() }
func (s *State) Dreaming() bool    { return s.dreaming.Load() }

// StopDream clears the dreaming flag and asks the screensaver, if one is
// attached, to end.
func (s *State) StopDream() {
	s.dreaming.Store(false)
	s.stopMu.Lock()
	stop := s.stop
	s.stopMu.Unlock()
	if stop != nil {
		stop()
	}
}

// OnStopDream installs the function StopDream calls.
func (s *State) OnStopDream(fn func()) {
	s.stopMu.Lock()
	s.stop = fn
	s.stopMu.Unlock()
}

// CallStarted records an active or ringing call identified by id.
func (s *State) CallStarted(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string]struct{})
	}
	s.calls[id] = struct{}{}
}

// CallEnded forgets the call identified by id.
func (s *State) CallEnded(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.calls, id)
}

// Set overrides one named flag. Setting phone_busy forces the phone
// state regardless of tracked calls.
func (s *State) Set(name string, v bool) error {
	switch name {
	case PhoneBusy:
		s.forcedBusy.Store(v)
	case Keyguard:
		s.keyguard.Store(v)
	case Interactive:
		s.notInteractive.Store(!v)
	case Dreaming:
		s.dreaming.Store(v)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownState, name)
	}
	return nil
}

// Snapshot returns every flag by name.
func (s *State) Snapshot() map[string]bool {
	return map[string]bool{
		PhoneBusy:   s.PhoneBusy(),
		Keyguard:    s.Keyguard(),
		Interactive: s.Interactive(),
		Dreaming:    s.Dreaming(),
	}
}

// Names lists the flags Set accepts.
func Names() []string {
	n := []string{PhoneBusy, Keyguard, Interactive, Dreaming}
	sort.Strings(n)
	return n
}
