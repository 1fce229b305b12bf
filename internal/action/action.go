// Package action names the logical actions keys and gestures can be bound
// to and delivers resolved actions to whatever executes them.
package action

import (
	"context"
	"errors"
	"slices"
	"sort"
)

// Well-known action identifiers. Any other string is passed through to the
// sink untouched; application launches are usually bound by package or
// desktop entry name.
const (
	Null          = "**null**"
	Home          = "**home**"
	Back          = "**back**"
	Menu          = "**menu**"
	Recents       = "**recents**"
	Assist        = "**assist**"
	VoiceSearch   = "**voice_search**"
	Camera        = "**camera**"
	Flashlight    = "**flashlight**"
	Screenshot    = "**screenshot**"
	Sleep         = "**sleep**"
	Notifications = "**notifications**"
	PlayPause     = "**play_pause**"
	NextTrack     = "**next_track**"
	PrevTrack     = "**prev_track**"
)

// ErrUnknownAction is returned by sinks that cannot execute an action.
var ErrUnknownAction = errors.New("unknown action")

// IsNull reports whether a resolves to doing nothing.
func IsNull(a string) bool {
	return a == "" || a == Null
}

// Sink executes resolved actions. Sinks deliver and return; they do not
// wait for the action to finish.
type Sink interface {
	ProcessAction(ctx context.Context, action string, longPress bool) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, action string, longPress bool) error

func (f SinkFunc) ProcessAction(ctx context.Context, action string, longPress bool) error {
	return f(ctx, action, longPress)
}

// Prewarmer prepares the surface of an action before it fires and tears
// the preparation down if a different action wins.
type Prewarmer interface {
	Preload(ctx context.Context, action string) error
	CancelPreload(ctx context.Context, action string) error
}

// NopPrewarmer ignores every request.
type NopPrewarmer struct{}

func (NopPrewarmer) Preload(context.Context, string) error       { return nil }
func (NopPrewarmer) CancelPreload(context.Context, string) error { return nil }

// PrewarmSet is an immutable set of pre-warmable actions.
type PrewarmSet struct {
	actions map[string]struct{}
}

// DefaultPrewarm lists the actions pre-warmed when nothing is configured.
var DefaultPrewarm = []string{Recents}

// NewPrewarmSet returns a set of the given actions. Null actions are
// ignored.
func NewPrewarmSet(actions ...string) *PrewarmSet {
	s := &PrewarmSet{actions: make(map[string]struct{}, len(actions))}
	for _, a := range actions {
		if !IsNull(a) {
			s.actions[a] = struct{}{}
		}
	}
	return s
}

// Contains reports whether a is pre-warmable. A nil set contains nothing.
func (s *PrewarmSet) Contains(a string) bool {
	if s == nil {
		return false
	}
	_, ok := s.actions[a]
	return ok
}

// First returns the first pre-warmable action among candidates.
func (s *PrewarmSet) First(candidates ...string) (string, bool) {
	for _, a := range candidates {
		if s.Contains(a) {
			return a, true
		}
	}
	return "", false
}

// Actions returns the members in sorted order.
func (s *PrewarmSet) Actions() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.actions))
	for a := range s.actions {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Equal reports whether both sets have the same members.
func (s *PrewarmSet) Equal(o *PrewarmSet) bool {
	return slices.Equal(s.Actions(), o.Actions())
}
