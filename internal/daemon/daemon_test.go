package daemon

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hwkeysd/internal/action"
	"hwkeysd/internal/bindings"
	"hwkeysd/internal/catalog"
	"hwkeysd/internal/config"
	"hwkeysd/internal/engine"
	"hwkeysd/internal/haptics"
	"hwkeysd/internal/ipc"
	"hwkeysd/internal/logging"
	"hwkeysd/internal/signals"
	"hwkeysd/internal/store"
)

const testKeys = `<keys>
    <key-category name="Hardware keys" key="hw_keys" allowDisable="true">
        <key name="Home" keyCode="102" path="home" defaultAction="**home**"
             defaultLongPressAction="**assist**" supportsMultipleActions="true"/>
        <key name="Power" keyCode="116" path="power" defaultAction="**sleep**"/>
    </key-category>
</keys>`

const testGestures = `<touchscreen-gestures>
    <gesture scanCode="250" name="Draw O" defaultAction="**camera**"/>
</touchscreen-gestures>`

func testDaemonConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	sockDir, err := os.MkdirTemp("", "hwkd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(sockDir) })

	keys := filepath.Join(dir, "keys.xml")
	gestures := filepath.Join(dir, "gestures.xml")
	require.NoError(t, os.WriteFile(keys, []byte(testKeys), 0600))
	require.NoError(t, os.WriteFile(gestures, []byte(testGestures), 0600))

	cfg := config.DefaultConfig()
	cfg.Catalog.KeysPath = keys
	cfg.Catalog.GesturesPath = gestures
	cfg.Store.Path = filepath.Join(dir, "data", "bindings.db")
	cfg.Haptics.Backend = "none"
	cfg.Proximity.Backend = "none"
	cfg.Proximity.WakeLock = "none"
	cfg.Input.Autodetect = false
	cfg.Input.Devices = nil
	cfg.Signals.DBus = false
	cfg.IPC.SocketPath = filepath.Join(sockDir, "ctl.sock")
	cfg.Metrics.Listen = ""
	cfg.Daemon.PidFile = filepath.Join(dir, "run", "hwkeysd.pid")
	cfg.Daemon.StateFile = filepath.Join(dir, "state.json")
	cfg.Daemon.CrashDir = filepath.Join(dir, "crashes")
	return cfg
}

type running struct {
	d       *Daemon
	cancel  context.CancelFunc
	signals chan os.Signal
	done    chan error
}

func startDaemon(t *testing.T, cfg *config.Config) *running {
	t.Helper()
	sigs := make(chan os.Signal, 1)
	d, err := New(cfg, Options{Version: "test", Signals: sigs})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{d: d, cancel: cancel, signals: sigs, done: make(chan error, 1)}
	go func() { r.done <- d.Run(ctx) }()
	t.Cleanup(func() { r.stop(t) })

	require.Eventually(t, func() bool { return ipc.IsSocketListening(cfg.IPC.SocketPath) },
		5*time.Second, 10*time.Millisecond)
	return r
}

func (r *running) stop(t *testing.T) {
	r.cancel()
	select {
	case err := <-r.done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Error("daemon did not stop")
	}
}

func connect(t *testing.T, cfg *config.Config) *ipc.IPCClient {
	t.Helper()
	c := ipc.NewClient(ipc.DefaultClientConfig(cfg.IPC.SocketPath))
	require.NoError(t, c.Connect())
	t.Cleanup(func() { c.Close() })
	return c
}

func button(t *testing.T, s engine.State, name string) engine.ButtonState {
	t.Helper()
	for _, b := range s.Buttons {
		if b.Name == name {
			return b
		}
	}
	t.Fatalf("no button %q", name)
	return engine.ButtonState{}
}

func TestNewFailsOnBadCatalog(t *testing.T) {
	cfg := testDaemonConfig(t)
	require.NoError(t, os.WriteFile(cfg.Catalog.KeysPath, []byte("<keys><key-category"), 0600))

	_, err := New(cfg, Options{Version: "test"})
	assert.ErrorContains(t, err, "load catalog")
}

func TestDaemonEndToEnd(t *testing.T) {
	cfg := testDaemonConfig(t)
	startDaemon(t, cfg)
	c := connect(t, cfg)
	ctx := context.Background()

	m := NewManager(cfg.Daemon.PidFile, cfg.Daemon.StateFile)
	assert.True(t, m.IsRunning())
	state, err := m.ReadState()
	require.NoError(t, err)
	assert.Equal(t, cfg.IPC.SocketPath, state.SocketPath)

	res, err := c.InjectKey(ctx, ipc.InjectKeyRequest{KeyCode: 116, Action: ipc.InjectTap})
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.False(t, res.Results[1].Consumed, "screen on, power passes through")

	flags, err := c.SetState(ctx, signals.Interactive, false)
	require.NoError(t, err)
	assert.False(t, flags[signals.Interactive])

	res, err = c.InjectKey(ctx, ipc.InjectKeyRequest{KeyCode: 116, Action: ipc.InjectTap})
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.False(t, res.Results[0].Consumed, "single-function keys act on release")
	assert.True(t, res.Results[1].Consumed)

	consumed, err := c.InjectGesture(ctx, 250)
	require.NoError(t, err)
	assert.True(t, consumed, "no sensor, the gesture dispatches at once")

	consumed, err = c.InjectGesture(ctx, 999)
	require.NoError(t, err)
	assert.False(t, consumed)

	require.NoError(t, c.PutBinding(ctx, bindings.TapKey("power"), action.Screenshot))
	status, err := c.Status(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, action.Screenshot, button(t, status.Engine, "power").Tap)
	assert.Equal(t, 1, status.Gestures.Registered)
	assert.False(t, status.Gestures.Sensor)
	assert.NotEmpty(t, status.Metrics)

	report, err := c.Health(ctx, true)
	require.NoError(t, err)
	assert.True(t, report.Ready)
	assert.Contains(t, report.Components, "store")

}

func TestDaemonPicksUpExternalEdits(t *testing.T) {
	cfg := testDaemonConfig(t)
	startDaemon(t, cfg)
	c := connect(t, cfg)

	other, err := store.Open(cfg.Store.Path, store.Options{})
	require.NoError(t, err)
	defer other.Close()
	require.NoError(t, other.Put(bindings.LongPressKey("home"), action.Flashlight))

	require.Eventually(t, func() bool {
		status, err := c.Status(context.Background(), false)
		return err == nil && button(t, status.Engine, "home").LongPress == action.Flashlight
	}, 5*time.Second, 50*time.Millisecond)
}

func TestDaemonSIGHUPRefreshes(t *testing.T) {
	cfg := testDaemonConfig(t)
	cfg.Store.WatchExternal = false
	r := startDaemon(t, cfg)
	c := connect(t, cfg)

	other, err := store.Open(cfg.Store.Path, store.Options{})
	require.NoError(t, err)
	defer other.Close()
	require.NoError(t, other.Put(bindings.DisabledKey(catalog.HardwareKeysCategory), "1"))

	r.signals <- syscall.SIGHUP
	require.Eventually(t, func() bool {
		status, err := c.Status(context.Background(), false)
		return err == nil && len(status.Engine.Categories) == 1 && status.Engine.Categories[0].Disabled
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRunRemovesPidFileOnStop(t *testing.T) {
	cfg := testDaemonConfig(t)
	d, err := New(cfg, Options{Version: "test", Signals: make(chan os.Signal)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return ipc.IsSocketListening(cfg.IPC.SocketPath) },
		5*time.Second, 10*time.Millisecond)
	_, err = os.Stat(cfg.Daemon.PidFile)
	require.NoError(t, err)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
	_, err = os.Stat(cfg.Daemon.PidFile)
	assert.True(t, os.IsNotExist(err))
	assert.False(t, ipc.IsSocketListening(cfg.IPC.SocketPath))
}

func TestSignalStopsDaemon(t *testing.T) {
	cfg := testDaemonConfig(t)
	r := startDaemon(t, cfg)

	r.signals <- syscall.SIGTERM
	select {
	case err := <-r.done:
		assert.NoError(t, err)
		r.done <- nil
	case <-time.After(10 * time.Second):
		t.Fatal("daemon ignored SIGTERM")
	}
}

func TestApplyConfig(t *testing.T) {
	cfg := testDaemonConfig(t)
	root, err := logging.New(&logging.Config{Level: logging.LevelInfo, Writer: io.Discard})
	require.NoError(t, err)

	d, err := New(cfg, Options{Version: "test", Logger: root})
	require.NoError(t, err)
	defer d.Close()

	next := cfg.Clone()
	next.Timing.DoubleTapMs = 450
	next.Timing.ProximityTimeoutMs = 120
	next.Actions.Prewarm = []string{action.Camera}
	next.Haptics.Enabled = false
	next.Logging.Level = "debug"

	d.applyConfig(cfg, next)

	assert.Same(t, next, d.Config())
	assert.Equal(t, 450*time.Millisecond, d.engine.DoubleTapTimeout())
	assert.Equal(t, 120*time.Millisecond, d.gestures.Timeout())
	assert.True(t, d.engine.Prewarm().Contains(action.Camera))
	assert.False(t, d.engine.Prewarm().Contains(action.Recents))
	assert.False(t, d.haptics.Enabled())
	assert.Equal(t, logging.LevelDebug, root.Level())
}

func TestHapticPatterns(t *testing.T) {
	p := HapticPatterns(config.HapticsConfig{GestureMs: []int{80}, VirtualKeyMs: []int{0, 5, 10, 5}})

	assert.Equal(t, haptics.Pattern{80 * time.Millisecond}, p[haptics.Gesture])
	assert.Len(t, p[haptics.VirtualKey], 4)
	assert.Equal(t, haptics.DefaultPatterns()[haptics.LongPress], p[haptics.LongPress])
}

func TestLoggerConfig(t *testing.T) {
	lc, err := LoggerConfig(config.LoggingConfig{Level: "warn", Format: "json", Output: "stdout", MaxSizeMB: 3})
	require.NoError(t, err)
	assert.Equal(t, logging.LevelWarn, lc.Level)
	assert.Equal(t, logging.FormatJSON, lc.Format)
	assert.Equal(t, "stdout", lc.Output)
	assert.Equal(t, int64(3), lc.MaxSize)

	_, err = LoggerConfig(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}
