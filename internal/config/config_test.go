package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// testConfig returns defaults pointing at a real keys catalog.
func testConfig(t *testing.T) (*Config, string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HWKEYSD_DATA_DIR", dir)

	keys := filepath.Join(dir, "keys.xml")
	if err := os.WriteFile(keys, []byte("<keys/>"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.Catalog.KeysPath = keys
	cfg.Store.Path = filepath.Join(dir, "bindings.db")
	return cfg, dir
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Version != Version {
		t.Errorf("expected version %d, got %d", Version, cfg.Version)
	}
	if cfg.Timing.DoubleTap() != 300*time.Millisecond {
		t.Errorf("expected 300ms double tap, got %v", cfg.Timing.DoubleTap())
	}
	if cfg.Timing.ProximityTimeout() != 200*time.Millisecond {
		t.Errorf("expected 200ms proximity timeout, got %v", cfg.Timing.ProximityTimeout())
	}
	if len(cfg.Actions.Prewarm) != 1 || cfg.Actions.Prewarm[0] != "**recents**" {
		t.Errorf("unexpected prewarm set %v", cfg.Actions.Prewarm)
	}
	if !strings.Contains(cfg.Store.Path, "hwkeysd") {
		t.Errorf("store path should contain hwkeysd: %s", cfg.Store.Path)
	}
}

func TestConfigPath(t *testing.T) {
	path := ConfigPath()
	if path == "" {
		t.Fatal("ConfigPath returned empty string")
	}
	if !strings.Contains(path, "hwkeysd") {
		t.Errorf("config path should contain hwkeysd: %s", path)
	}
}

func TestLoadNonexistent(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.toml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Timing.DoubleTapMs != 300 {
		t.Errorf("expected default double tap, got %d", cfg.Timing.DoubleTapMs)
	}
}

func TestLoadFormats(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"config.toml": "[timing]\ndouble_tap_ms = 250\n",
		"config.json": `{"timing": {"double_tap_ms": 250}}`,
		"config.yaml": "timing:\n  double_tap_ms: 250\n",
		"config":      "[timing]\ndouble_tap_ms = 250\n",
	}

	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			t.Fatal(err)
		}
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("%s: Load failed: %v", name, err)
		}
		if cfg.Timing.DoubleTapMs != 250 {
			t.Errorf("%s: expected 250, got %d", name, cfg.Timing.DoubleTapMs)
		}
		if cfg.Timing.LongPressMs != 500 {
			t.Errorf("%s: unset fields should keep defaults, got %d", name, cfg.Timing.LongPressMs)
		}
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[timing\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed TOML")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HWKEYSD_DOUBLE_TAP_MS", "420")
	t.Setenv("HWKEYSD_ACTION_SINK", "dbus")
	t.Setenv("HWKEYSD_LOG_LEVEL", "debug")
	t.Setenv("HWKEYSD_METRICS_LISTEN", "127.0.0.1:9100")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Timing.DoubleTapMs != 420 {
		t.Errorf("expected 420, got %d", cfg.Timing.DoubleTapMs)
	}
	if cfg.Actions.Sink != "dbus" {
		t.Errorf("expected dbus sink, got %s", cfg.Actions.Sink)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug, got %s", cfg.Logging.Level)
	}
	if cfg.Metrics.Listen != "127.0.0.1:9100" {
		t.Errorf("unexpected metrics listen %s", cfg.Metrics.Listen)
	}

	t.Setenv("HWKEYSD_DOUBLE_TAP_MS", "soon")
	cfg = DefaultConfig()
	cfg.ApplyEnvOverrides()
	if cfg.Timing.DoubleTapMs != 300 {
		t.Errorf("unparsable override should be ignored, got %d", cfg.Timing.DoubleTapMs)
	}
}

func TestValidate(t *testing.T) {
	cfg, _ := testConfig(t)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing keys catalog", func(c *Config) { c.Catalog.KeysPath = "" }, "catalog.keys_path"},
		{"unreadable keys catalog", func(c *Config) { c.Catalog.KeysPath = "/nonexistent/keys.xml" }, "catalog.keys_path"},
		{"double tap too short", func(c *Config) { c.Timing.DoubleTapMs = 10 }, "timing.double_tap_ms"},
		{"long press too long", func(c *Config) { c.Timing.LongPressMs = 60000 }, "timing.long_press_ms"},
		{"bad haptics backend", func(c *Config) { c.Haptics.Backend = "pwm" }, "haptics.backend"},
		{"bad wake lock", func(c *Config) { c.Proximity.WakeLock = "kernel" }, "proximity.wake_lock"},
		{"non-positive max range", func(c *Config) { c.Proximity.MaxRange = 0 }, "proximity.max_range"},
		{"bad sink", func(c *Config) { c.Actions.Sink = "mqtt" }, "actions.sink"},
		{"negative write rate", func(c *Config) { c.IPC.WriteRate = -1 }, "ipc.write_rate"},
		{"zero write burst", func(c *Config) { c.IPC.WriteBurst = 0 }, "ipc.write_burst"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad metrics address", func(c *Config) { c.Metrics.Listen = "nowhere" }, "metrics.listen"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := cfg.Clone()
			tt.mutate(c)

			err := c.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %T", err)
			}
			found := false
			for _, e := range verrs {
				if strings.HasPrefix(e.Field, tt.field) {
					found = true
				}
			}
			if !found {
				t.Errorf("no error for %s in %v", tt.field, err)
			}
		})
	}
}

func TestMissingInputDeviceIsWarning(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.Input.Devices = []string{"/dev/input/event-missing"}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected a warning")
	}
	if errors.Is(err, ErrInvalidConfig) {
		t.Errorf("warning should not invalidate config: %v", err)
	}
	if err := checkConfig(cfg); err != nil {
		t.Errorf("checkConfig should ignore warnings: %v", err)
	}
}

func TestClone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Actions.Exec = map[string][]string{"home": {"xdg-open", "home"}}

	clone := cfg.Clone()
	clone.Actions.Prewarm[0] = "changed"
	clone.Actions.Exec["home"][0] = "changed"

	if cfg.Actions.Prewarm[0] != "**recents**" {
		t.Error("clone shares prewarm slice")
	}
	if cfg.Actions.Exec["home"][0] != "xdg-open" {
		t.Error("clone shares exec map")
	}
}

func TestMigrateV1(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Version = 1
	cfg.Actions.Prewarm = nil
	cfg.Proximity.WakeLock = ""
	cfg.Timing.ProximityTimeoutMs = 0

	result, err := MigrateConfig(cfg, "")
	if err != nil {
		t.Fatalf("MigrateConfig failed: %v", err)
	}
	if result.FromVersion != 1 || result.ToVersion != Version {
		t.Errorf("unexpected result %+v", result)
	}
	if cfg.Version != Version {
		t.Errorf("expected version %d, got %d", Version, cfg.Version)
	}
	if len(cfg.Actions.Prewarm) != 1 || cfg.Proximity.WakeLock != "sysfs" || cfg.Timing.ProximityTimeoutMs != 200 {
		t.Errorf("migration did not fill defaults: %+v", cfg)
	}
	if len(result.Changes) != 3 {
		t.Errorf("expected 3 changes, got %v", result.Changes)
	}
}

func TestMigrateCurrentIsNoop(t *testing.T) {
	result, err := MigrateConfig(DefaultConfig(), "")
	if err != nil || result != nil {
		t.Errorf("expected no migration, got %v %v", result, err)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Timing.LongPressMs = 750
	cfg.Actions.Prewarm = []string{"camera", "**recents**"}

	for _, name := range []string{"config.toml", "config.json", "config.yaml"} {
		path := filepath.Join(dir, name)
		if err := SaveConfig(cfg, path); err != nil {
			t.Fatalf("%s: SaveConfig failed: %v", name, err)
		}
		loaded, err := Load(path)
		if err != nil {
			t.Fatalf("%s: Load failed: %v", name, err)
		}
		if loaded.Timing.LongPressMs != 750 {
			t.Errorf("%s: expected 750, got %d", name, loaded.Timing.LongPressMs)
		}
		if len(loaded.Actions.Prewarm) != 2 {
			t.Errorf("%s: expected 2 prewarm entries, got %v", name, loaded.Actions.Prewarm)
		}
	}
}

func TestLoaderMigratesAndRecordsHistory(t *testing.T) {
	cfg, dir := testConfig(t)
	path := filepath.Join(dir, "config.toml")
	content := "version = 1\n[catalog]\nkeys_path = \"" + cfg.Catalog.KeysPath + "\"\n[actions]\nprewarm = []\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	loaded, err := NewLoader(path).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Version != Version {
		t.Errorf("expected version %d, got %d", Version, loaded.Version)
	}

	history, err := GetMigrationHistory()
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Backup == "" {
		t.Errorf("expected one history entry with a backup, got %+v", history)
	}
}

func TestLoaderRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[catalog]\nkeys_path = \"/nonexistent/keys.xml\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewLoader(path).Load(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestLoaderWatch(t *testing.T) {
	cfg, dir := testConfig(t)
	path := filepath.Join(dir, "config.toml")
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(path)
	if _, err := loader.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	changed := make(chan [2]*Config, 1)
	loader.OnChange(func(old, new *Config) {
		select {
		case changed <- [2]*Config{old, new}:
		default:
		}
	})
	if err := loader.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer loader.Close()

	cfg.Timing.DoubleTapMs = 400
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatal(err)
	}

	select {
	case pair := <-changed:
		if pair[0].Timing.DoubleTapMs != 300 || pair[1].Timing.DoubleTapMs != 400 {
			t.Errorf("unexpected change %d -> %d", pair[0].Timing.DoubleTapMs, pair[1].Timing.DoubleTapMs)
		}
		if got := RestartRequired(pair[0], pair[1]); len(got) != 0 {
			t.Errorf("timing should apply live, got %v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after config change")
	}

	if loader.Config().Timing.DoubleTapMs != 400 {
		t.Errorf("loader did not keep the new config")
	}
}

func TestReloadKeepsPreviousOnError(t *testing.T) {
	cfg, dir := testConfig(t)
	path := filepath.Join(dir, "config.toml")
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(path)
	if _, err := loader.Load(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("[timing]\ndouble_tap_ms = 1\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := loader.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if loader.Config().Timing.DoubleTapMs != 300 {
		t.Errorf("previous config should stay current")
	}
}

func TestRestartRequired(t *testing.T) {
	old := DefaultConfig()

	live := old.Clone()
	live.Timing.LongPressMs = 800
	live.Haptics.Enabled = false
	live.Actions.Prewarm = []string{"camera"}
	live.Logging.Level = "debug"
	if got := RestartRequired(old, live); len(got) != 0 {
		t.Errorf("expected live-only changes, got %v", got)
	}

	restart := old.Clone()
	restart.Store.Path = "/tmp/other.db"
	restart.Actions.Sink = "exec"
	restart.Logging.Format = "json"
	got := RestartRequired(old, restart)
	want := map[string]bool{"store": true, "actions": true, "logging": true}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for _, name := range got {
		if !want[name] {
			t.Errorf("unexpected restart section %s", name)
		}
	}
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Store.Path = filepath.Join(dir, "data", "bindings.db")
	cfg.Daemon.PidFile = filepath.Join(dir, "run", "hwkeysd.pid")
	cfg.Daemon.StateFile = filepath.Join(dir, "state", "state.json")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, sub := range []string{"data", "run", "state"} {
		if _, err := os.Stat(filepath.Join(dir, sub)); err != nil {
			t.Errorf("%s not created: %v", sub, err)
		}
	}
}
