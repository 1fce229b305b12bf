// Package config handles configuration loading, validation, and management for hwkeysd.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// Version is the current configuration schema version.
const Version = 2

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Catalog locates the key and gesture catalogs.
	Catalog CatalogConfig `toml:"catalog" json:"catalog" yaml:"catalog"`

	// Store configures the binding database.
	Store StoreConfig `toml:"store" json:"store" yaml:"store"`

	// Timing holds the classifier windows.
	Timing TimingConfig `toml:"timing" json:"timing" yaml:"timing"`

	// Haptics configures vibration feedback.
	Haptics HapticsConfig `toml:"haptics" json:"haptics" yaml:"haptics"`

	// Proximity configures the sensor gating screen-off gestures.
	Proximity ProximityConfig `toml:"proximity" json:"proximity" yaml:"proximity"`

	// Input selects the evdev devices to read.
	Input InputConfig `toml:"input" json:"input" yaml:"input"`

	// Actions selects where resolved actions are sent.
	Actions ActionsConfig `toml:"actions" json:"actions" yaml:"actions"`

	// Signals configures the device status monitor.
	Signals SignalsConfig `toml:"signals" json:"signals" yaml:"signals"`

	// IPC configuration for the control socket.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configuration.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// Daemon holds process bookkeeping paths.
	Daemon DaemonConfig `toml:"daemon" json:"daemon" yaml:"daemon"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// CatalogConfig locates the XML catalogs.
type CatalogConfig struct {
	// KeysPath is the key catalog. Required.
	KeysPath string `toml:"keys_path" json:"keys_path" yaml:"keys_path"`

	// GesturesPath is the touchscreen gesture catalog. Optional.
	GesturesPath string `toml:"gestures_path" json:"gestures_path" yaml:"gestures_path"`
}

// StoreConfig holds binding database configuration.
type StoreConfig struct {
	// Path is the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`

	// WatchExternal reloads bindings when another process edits the file.
	WatchExternal bool `toml:"watch_external" json:"watch_external" yaml:"watch_external"`
}

// TimingConfig holds the classifier windows in milliseconds.
type TimingConfig struct {
	DoubleTapMs        int `toml:"double_tap_ms" json:"double_tap_ms" yaml:"double_tap_ms"`
	LongPressMs        int `toml:"long_press_ms" json:"long_press_ms" yaml:"long_press_ms"`
	ProximityTimeoutMs int `toml:"proximity_timeout_ms" json:"proximity_timeout_ms" yaml:"proximity_timeout_ms"`
}

// DoubleTap returns the double-tap window.
func (t TimingConfig) DoubleTap() time.Duration { return ms(t.DoubleTapMs) }

// LongPress returns the hold time before a long press.
func (t TimingConfig) LongPress() time.Duration { return ms(t.LongPressMs) }

// ProximityTimeout returns the proximity fallback window.
func (t TimingConfig) ProximityTimeout() time.Duration { return ms(t.ProximityTimeoutMs) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// HapticsConfig configures vibration feedback.
type HapticsConfig struct {
	// Enabled is the default when haptic_feedback_enabled is not stored.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Backend is "sysfs" or "none".
	Backend string `toml:"backend" json:"backend" yaml:"backend"`

	// Device is a sysfs vibrator directory. Empty probes the defaults.
	Device string `toml:"device" json:"device" yaml:"device"`

	// Patterns in milliseconds. One element is a one-shot, more form a
	// waveform [delay, on, off, on, ...]. Empty keeps the built-in pattern.
	LongPressMs  []int `toml:"long_press_ms" json:"long_press_ms" yaml:"long_press_ms"`
	VirtualKeyMs []int `toml:"virtual_key_ms" json:"virtual_key_ms" yaml:"virtual_key_ms"`
	GestureMs    []int `toml:"gesture_ms" json:"gesture_ms" yaml:"gesture_ms"`
}

// ProximityConfig configures the proximity sensor and wake lock.
type ProximityConfig struct {
	// Backend is "iio" or "none".
	Backend string `toml:"backend" json:"backend" yaml:"backend"`

	// Device is an IIO device directory. Empty probes Root.
	Device string `toml:"device" json:"device" yaml:"device"`
	Root   string `toml:"root" json:"root" yaml:"root"`

	NearThreshold  int     `toml:"near_threshold" json:"near_threshold" yaml:"near_threshold"`
	MaxRange       float64 `toml:"max_range" json:"max_range" yaml:"max_range"`
	PollIntervalMs int     `toml:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms"`

	// WakeLock is "sysfs", "logind" or "none".
	WakeLock string `toml:"wake_lock" json:"wake_lock" yaml:"wake_lock"`
}

// InputConfig selects evdev devices.
type InputConfig struct {
	// Devices are /dev/input/event* paths. Empty with Autodetect picks
	// every device that reports a catalogued key.
	Devices    []string `toml:"devices" json:"devices" yaml:"devices"`
	Autodetect bool     `toml:"autodetect" json:"autodetect" yaml:"autodetect"`

	// Grab takes exclusive access to the devices.
	Grab bool `toml:"grab" json:"grab" yaml:"grab"`
}

// ActionsConfig selects the action sink.
type ActionsConfig struct {
	// Sink is "log", "dbus" or "exec".
	Sink string     `toml:"sink" json:"sink" yaml:"sink"`
	DBus DBusConfig `toml:"dbus" json:"dbus" yaml:"dbus"`

	// Exec maps an action to the command run for it. The key "*"
	// matches any action without its own entry.
	Exec map[string][]string `toml:"exec" json:"exec" yaml:"exec"`

	// Prewarm lists the actions preloaded on key down.
	Prewarm []string `toml:"prewarm" json:"prewarm" yaml:"prewarm"`
}

// DBusConfig locates the remote action executor.
type DBusConfig struct {
	SystemBus bool   `toml:"system_bus" json:"system_bus" yaml:"system_bus"`
	Dest      string `toml:"dest" json:"dest" yaml:"dest"`
	Path      string `toml:"path" json:"path" yaml:"path"`
	Interface string `toml:"interface" json:"interface" yaml:"interface"`
}

// SignalsConfig configures the device status monitor.
type SignalsConfig struct {
	// DBus enables the logind, screensaver and oFono monitor.
	DBus bool `toml:"dbus" json:"dbus" yaml:"dbus"`

	// WakeKeyCode is the key that ends the screensaver.
	WakeKeyCode int `toml:"wake_key_code" json:"wake_key_code" yaml:"wake_key_code"`
}

// IPCConfig holds control socket configuration.
type IPCConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// Permissions is the octal socket file mode.
	Permissions string `toml:"permissions" json:"permissions" yaml:"permissions"`

	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`

	// AllowAnyUID accepts peers running as another user.
	AllowAnyUID bool `toml:"allow_any_uid" json:"allow_any_uid" yaml:"allow_any_uid"`

	// WriteRate caps each client's write requests per second. Zero
	// disables the cap.
	WriteRate  float64 `toml:"write_rate" json:"write_rate" yaml:"write_rate"`
	WriteBurst int     `toml:"write_burst" json:"write_burst" yaml:"write_burst"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `toml:"level" json:"level" yaml:"level"`

	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// MetricsConfig holds metrics exposition configuration.
type MetricsConfig struct {
	// Listen is the HTTP address for /metrics and /healthz. Empty disables.
	Listen string `toml:"listen" json:"listen" yaml:"listen"`
}

// DaemonConfig holds process bookkeeping paths.
type DaemonConfig struct {
	PidFile   string `toml:"pid_file" json:"pid_file" yaml:"pid_file"`
	StateFile string `toml:"state_file" json:"state_file" yaml:"state_file"`
	CrashDir  string `toml:"crash_dir" json:"crash_dir" yaml:"crash_dir"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	paths := GetDefaultPaths()

	return &Config{
		Version: Version,
		Catalog: CatalogConfig{
			KeysPath:     filepath.Join(paths.ConfigDir, "keys.xml"),
			GesturesPath: "",
		},
		Store: StoreConfig{
			Path:          filepath.Join(paths.DataDir, "bindings.db"),
			BusyTimeoutMs: 5000,
			WatchExternal: true,
		},
		Timing: TimingConfig{
			DoubleTapMs:        300,
			LongPressMs:        500,
			ProximityTimeoutMs: 200,
		},
		Haptics: HapticsConfig{
			Enabled: true,
			Backend: "sysfs",
		},
		Proximity: ProximityConfig{
			Backend:        "iio",
			NearThreshold:  1,
			MaxRange:       5,
			PollIntervalMs: 10,
			WakeLock:       "sysfs",
		},
		Input: InputConfig{
			Autodetect: true,
			Grab:       false,
		},
		Actions: ActionsConfig{
			Sink:    "log",
			Prewarm: []string{"**recents**"},
		},
		Signals: SignalsConfig{
			DBus:        true,
			WakeKeyCode: 102,
		},
		IPC: IPCConfig{
			Enabled:        true,
			SocketPath:     paths.SocketPath,
			Permissions:    "0600",
			MaxConnections: 10,
			TimeoutSec:     30,
			WriteRate:      50,
			WriteBurst:     100,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(paths.StateDir, "hwkeysd.log"),
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Compress:   true,
		},
		Daemon: DaemonConfig{
			PidFile:   filepath.Join(paths.RuntimeDir, "hwkeysd.pid"),
			StateFile: filepath.Join(paths.StateDir, "state.json"),
			CrashDir:  filepath.Join(paths.StateDir, "crashes"),
		},
	}
}

// ConfigPath returns the default config file path.
func ConfigPath() string {
	if p := FindConfigFile(); p != "" {
		return p
	}
	return filepath.Join(GetDefaultPaths().ConfigDir, "config.toml")
}

// Load reads a config file over the defaults, migrates it in memory and
// applies environment overrides. A missing file yields the defaults.
// The result is not validated.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	if _, err := MigrateConfig(cfg, ""); err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the daemon writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Store.Path),
		filepath.Dir(c.Daemon.PidFile),
		filepath.Dir(c.Daemon.StateFile),
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// ApplyEnvOverrides applies HWKEYSD_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("HWKEYSD_KEYS_CATALOG"); v != "" {
		c.Catalog.KeysPath = v
	}
	if v := os.Getenv("HWKEYSD_GESTURES_CATALOG"); v != "" {
		c.Catalog.GesturesPath = v
	}

	if v := os.Getenv("HWKEYSD_STORE_PATH"); v != "" {
		c.Store.Path = v
	}

	if v := os.Getenv("HWKEYSD_DOUBLE_TAP_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Timing.DoubleTapMs = n
		}
	}

	if v := os.Getenv("HWKEYSD_ACTION_SINK"); v != "" {
		c.Actions.Sink = v
	}

	if v := os.Getenv("HWKEYSD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("HWKEYSD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	if v := os.Getenv("HWKEYSD_SOCKET_PATH"); v != "" {
		c.IPC.SocketPath = v
	}

	if v := os.Getenv("HWKEYSD_METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:   c.Version,
		Catalog:   c.Catalog,
		Store:     c.Store,
		Timing:    c.Timing,
		Haptics:   c.Haptics,
		Proximity: c.Proximity,
		Input:     c.Input,
		Actions:   c.Actions,
		Signals:   c.Signals,
		IPC:       c.IPC,
		Logging:   c.Logging,
		Metrics:   c.Metrics,
		Daemon:    c.Daemon,
	}

	clone.Haptics.LongPressMs = append([]int(nil), c.Haptics.LongPressMs...)
	clone.Haptics.VirtualKeyMs = append([]int(nil), c.Haptics.VirtualKeyMs...)
	clone.Haptics.GestureMs = append([]int(nil), c.Haptics.GestureMs...)
	clone.Input.Devices = append([]string(nil), c.Input.Devices...)
	clone.Actions.Prewarm = append([]string(nil), c.Actions.Prewarm...)
	if c.Actions.Exec != nil {
		clone.Actions.Exec = make(map[string][]string, len(c.Actions.Exec))
		for k, v := range c.Actions.Exec {
			clone.Actions.Exec[k] = append([]string(nil), v...)
		}
	}

	return clone
}

// encodeTOML renders the config as TOML.
func encodeTOML(c *Config) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
