package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const reloadDebounce = 100 * time.Millisecond

type decoder func([]byte, *Config) error

func decodeTOML(data []byte, c *Config) error {
	_, err := toml.Decode(string(data), c)
	return err
}

func decodeJSON(data []byte, c *Config) error { return json.Unmarshal(data, c) }
func decodeYAML(data []byte, c *Config) error { return yaml.Unmarshal(data, c) }

var decoders = map[string]decoder{
	".toml": decodeTOML,
	".json": decodeJSON,
	".yaml": decodeYAML,
	".yml":  decodeYAML,
}

// loadConfigFromFile decodes path over the defaults. The extension picks
// the format; an unknown extension tries TOML, JSON and YAML in order. A
// missing file yields the defaults.
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if dec, ok := decoders[filepath.Ext(path)]; ok {
		cfg := DefaultConfig()
		if err := dec(data, cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return cfg, nil
	}
	for _, dec := range []decoder{decodeTOML, decodeJSON, decodeYAML} {
		cfg := DefaultConfig()
		if dec(data, cfg) == nil {
			return cfg, nil
		}
	}
	return nil, fmt.Errorf("parse config %s: not TOML, JSON or YAML", path)
}

// checkConfig fails only on real validation errors.
func checkConfig(cfg *Config) error {
	if err := cfg.Validate(); errors.Is(err, ErrInvalidConfig) {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// Loader owns the live configuration. Watch re-reads the file whenever
// it changes; a file that no longer validates is reported on Errors and
// the previous configuration stays current.
type Loader struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	cbMu      sync.Mutex
	callbacks []func(old, new *Config)

	fs   *fsnotify.Watcher
	errs chan error
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewLoader returns a loader for path, or for ConfigPath when empty.
func NewLoader(path string) *Loader {
	if path == "" {
		path = ConfigPath()
	}
	return &Loader{
		path: path,
		errs: make(chan error, 1),
		stop: make(chan struct{}),
	}
}

func (l *Loader) Path() string { return l.path }

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

func (l *Loader) Errors() <-chan error { return l.errs }

// OnChange registers cb to run after every successful reload.
func (l *Loader) OnChange(cb func(old, new *Config)) {
	l.cbMu.Lock()
	defer l.cbMu.Unlock()
	l.callbacks = append(l.callbacks, cb)
}

// Load reads, migrates and validates the file. Only the first load
// rewrites an outdated file and records the migration.
func (l *Loader) Load() (*Config, error) {
	cfg, err := l.read(true)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) read(persist bool) (*Config, error) {
	cfg, err := loadConfigFromFile(l.path)
	if err != nil {
		return nil, err
	}
	if cfg.Version < Version {
		backup := ""
		if persist {
			backup = l.path
		}
		res, err := MigrateConfig(cfg, backup)
		if err != nil {
			return nil, fmt.Errorf("migration failed: %w", err)
		}
		if persist && res != nil {
			_ = SaveMigrationHistory(res)
		}
	}
	cfg.ApplyEnvOverrides()
	if err := checkConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Reload re-reads the file now and runs the callbacks on success.
func (l *Loader) Reload() error {
	next, err := l.read(false)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	l.mu.Lock()
	prev := l.cfg
	l.cfg = next
	l.mu.Unlock()

	l.cbMu.Lock()
	cbs := slices.Clone(l.callbacks)
	l.cbMu.Unlock()
	for _, cb := range cbs {
		cb(prev, next)
	}
	return nil
}

// Watch starts following the file. The directory is watched because
// editors save by replacing the file.
func (l *Loader) Watch() error {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fs.Add(filepath.Dir(l.path)); err != nil {
		fs.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(l.path), err)
	}
	l.fs = fs
	l.done = make(chan struct{})
	go l.follow()
	return nil
}

func (l *Loader) follow() {
	defer close(l.done)

	name := filepath.Base(l.path)
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-l.stop:
			return
		case ev, ok := <-l.fs.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) == name && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce.Reset(reloadDebounce)
			}
		case err, ok := <-l.fs.Errors:
			if !ok {
				return
			}
			l.report(err)
		case <-debounce.C:
			if err := l.Reload(); err != nil {
				l.report(err)
			}
		}
	}
}

func (l *Loader) report(err error) {
	select {
	case l.errs <- err:
	default:
	}
}

// Close stops watching. It is safe to call more than once.
func (l *Loader) Close() error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		if l.fs != nil {
			err = l.fs.Close()
			<-l.done
		}
	})
	return err
}

// RestartRequired names the sections that differ between old and new
// and only take effect after a restart. Timing, haptics, the pre-warm
// set and the log level apply live.
func RestartRequired(old, new *Config) []string {
	if old == nil || new == nil {
		return nil
	}
	a, b := old.Clone(), new.Clone()
	a.Actions.Prewarm, b.Actions.Prewarm = nil, nil
	a.Logging.Level, b.Logging.Level = "", ""

	sections := []struct {
		name string
		x, y any
	}{
		{"catalog", a.Catalog, b.Catalog},
		{"store", a.Store, b.Store},
		{"proximity", a.Proximity, b.Proximity},
		{"input", a.Input, b.Input},
		{"signals", a.Signals, b.Signals},
		{"actions", a.Actions, b.Actions},
		{"ipc", a.IPC, b.IPC},
		{"metrics", a.Metrics, b.Metrics},
		{"logging", a.Logging, b.Logging},
		{"daemon", a.Daemon, b.Daemon},
	}
	var changed []string
	for _, s := range sections {
		if !reflect.DeepEqual(s.x, s.y) {
			changed = append(changed, s.name)
		}
	}
	return changed
}

// LoadOrCreate loads path through a Loader, first writing the defaults
// there if the file is missing. The bool reports whether it was created.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}
	created := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := SaveConfig(DefaultConfig(), path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		created = true
	}
	cfg, err := NewLoader(path).Load()
	return cfg, created, err
}
