package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hwkeysd/internal/input"
	"hwkeysd/internal/logging"
	"hwkeysd/internal/metrics"
)

type stage struct {
	name     string
	consumes bool
	calls    *[]string
}

func (s stage) OnScanEvent(ev input.KeyEvent) bool {
	*s.calls = append(*s.calls, s.name)
	return s.consumes
}

type fakeKeys struct {
	queueing, dispatching bool
	calls                 *[]string
	keyguard, interactive bool
}

func (k *fakeKeys) HandleKeyBeforeQueueing(ev input.KeyEvent, keyguardOn, interactive bool) bool {
	*k.calls = append(*k.calls, "queueing")
	k.keyguard, k.interactive = keyguardOn, interactive
	return k.queueing
}

func (k *fakeKeys) HandleKeyBeforeDispatching(ev input.KeyEvent, keyguardOn, interactive bool) bool {
	*k.calls = append(*k.calls, "dispatching")
	return k.dispatching
}

type flags struct{ keyguard, interactive bool }

func (f flags) Keyguard() bool    { return f.keyguard }
func (f flags) Interactive() bool { return f.interactive }

func TestRouterChainOrder(t *testing.T) {
	tests := []struct {
		name     string
		gesture  bool
		queue    bool
		dispatch bool
		want     []string
		consumed bool
	}{
		{"gesture consumes", true, true, true, []string{"gesture"}, true},
		{"queueing consumes", false, true, true, []string{"gesture", "queueing"}, true},
		{"dispatching consumes", false, false, true, []string{"gesture", "queueing", "dispatching"}, true},
		{"nobody consumes", false, false, false, []string{"gesture", "queueing", "dispatching"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls []string
			keys := &fakeKeys{queueing: tt.queue, dispatching: tt.dispatch, calls: &calls}
			m := metrics.New(nil)
			r := NewRouter(stage{"gesture", tt.gesture, &calls}, keys, flags{keyguard: true}, m, logging.Discard())

			assert.Equal(t, tt.consumed, r.Route(input.KeyEvent{KeyCode: 102, Action: input.Down}))
			assert.Equal(t, tt.want, calls)
			assert.Equal(t, uint64(1), m.EventsTotal.Value())
		})
	}
}

func TestRouterReadsStateAtRoutingTime(t *testing.T) {
	var calls []string
	keys := &fakeKeys{calls: &calls}
	r := NewRouter(nil, keys, flags{keyguard: true, interactive: false}, nil, logging.Discard())

	r.Route(input.KeyEvent{KeyCode: 116, Action: input.Up})
	assert.True(t, keys.keyguard)
	assert.False(t, keys.interactive)
	assert.Equal(t, []string{"queueing", "dispatching"}, calls)
}

func TestRouterPump(t *testing.T) {
	var calls []string
	keys := &fakeKeys{queueing: true, calls: &calls}
	m := metrics.New(nil)
	r := NewRouter(nil, keys, flags{}, m, logging.Discard())

	events := make(chan input.KeyEvent, 3)
	events <- input.KeyEvent{KeyCode: 116, Action: input.Down}
	events <- input.KeyEvent{KeyCode: 116, Action: input.Up}
	close(events)

	done := make(chan struct{})
	go func() {
		r.Pump(context.Background(), events)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not stop on closed channel")
	}
	require.Equal(t, uint64(2), m.EventsTotal.Value())
	assert.Equal(t, uint64(2), m.ConsumedTotal.Value())
}
