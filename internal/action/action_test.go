package action

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsNull(t *testing.T) {
	assert.True(t, IsNull(""))
	assert.True(t, IsNull(Null))
	assert.False(t, IsNull(Home))
}

func TestPrewarmSet(t *testing.T) {
	s := NewPrewarmSet(Recents, Null, "", Camera)
	assert.True(t, s.Contains(Recents))
	assert.True(t, s.Contains(Camera))
	assert.False(t, s.Contains(Null))
	assert.Equal(t, []string{Camera, Recents}, s.Actions())

	a, ok := s.First(Home, Camera, Recents)
	assert.True(t, ok)
	assert.Equal(t, Camera, a)

	_, ok = s.First(Home, Back)
	assert.False(t, ok)

	var nilSet *PrewarmSet
	assert.False(t, nilSet.Contains(Recents))
	assert.True(t, NewPrewarmSet(Recents).Equal(NewPrewarmSet(Recents, "")))
	assert.False(t, NewPrewarmSet(Recents).Equal(nilSet))
}

func TestExecSinkRunsCommand(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	s := NewExecSink(map[string][]string{
		Fallback: {"/bin/sh", "-c", `printf '%s %s' "$HWKEYSD_ACTION" "$HWKEYSD_LONG_PRESS" > "$0"`, out},
	}, nil)

	require.NoError(t, s.ProcessAction(context.Background(), Camera, true))

	assert.Eventually(t, func() bool {
		b, err := os.ReadFile(out)
		return err == nil && strings.TrimSpace(string(b)) == "**camera** true"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecSinkUnknownAction(t *testing.T) {
	s := NewExecSink(map[string][]string{Home: {"true"}, Back: {}}, nil)
	err := s.ProcessAction(context.Background(), Back, false)
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestExecSinkStartFailure(t *testing.T) {
	s := NewExecSink(map[string][]string{Home: {"/nonexistent/hwkeysd-action"}}, nil)
	assert.Error(t, s.ProcessAction(context.Background(), Home, false))
}

func TestDBusSinkWithoutBus(t *testing.T) {
	t.Setenv("DBUS_SESSION_BUS_ADDRESS", "unix:path=/nonexistent/bus")
	s := NewDBusSink(DBusOptions{}, nil)
	if s.Connected() {
		t.Skip("a session bus is reachable")
	}
	ctx := context.Background()
	assert.NoError(t, s.ProcessAction(ctx, Home, false))
	assert.NoError(t, s.Preload(ctx, Recents))
	assert.NoError(t, s.CancelPreload(ctx, Recents))
}

func TestSinkFunc(t *testing.T) {
	var got string
	var sink Sink = SinkFunc(func(_ context.Context, a string, _ bool) error {
		got = a
		return nil
	})
	require.NoError(t, sink.ProcessAction(context.Background(), Back, false))
	assert.Equal(t, Back, got)
	assert.NoError(t, LogSink{}.ProcessAction(context.Background(), Back, false))
}
