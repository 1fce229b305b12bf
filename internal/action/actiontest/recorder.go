// Package actiontest provides a recording action sink for tests.
package actiontest

import (
	"context"
	"sync"
)

// Dispatch is one recorded ProcessAction call.
type Dispatch struct {
	Action    string
	LongPress bool
}

// Recorder records every call made to it. The zero value is ready to use.
type Recorder struct {
	mu         sync.Mutex
	dispatches []Dispatch
	preloads   []string
	cancels    []string

	// Err, when set, is returned from ProcessAction after recording.
	Err error
}

func (r *Recorder) ProcessAction(_ context.Context, action string, longPress bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatches = append(r.dispatches, Dispatch{Action: action, LongPress: longPress})
	return r.Err
}

func (r *Recorder) Preload(_ context.Context, action string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preloads = append(r.preloads, action)
	return nil
}

func (r *Recorder) CancelPreload(_ context.Context, action string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels = append(r.cancels, action)
	return nil
}

// Dispatches returns the recorded dispatches.
func (r *Recorder) Dispatches() []Dispatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Dispatch(nil), r.dispatches...)
}

// Actions returns only the action strings of the recorded dispatches.
func (r *Recorder) Actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.dispatches))
	for i, d := range r.dispatches {
		out[i] = d.Action
	}
	return out
}

// Preloads returns the recorded Preload calls.
func (r *Recorder) Preloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.preloads...)
}

// Cancels returns the recorded CancelPreload calls.
func (r *Recorder) Cancels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.cancels...)
}

// Reset forgets everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatches = nil
	r.preloads = nil
	r.cancels = nil
}
