package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
)

// ErrInvalidConfig is matched by validation failures that are not mere
// warnings.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError is one problem with one field.
type ValidationError struct {
	Field   string
	Message string
	Warning bool
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// IsWarning reports a problem the daemon can run with, such as an input
// device that may be hot-plugged later.
func (e *ValidationError) IsWarning() bool { return e.Warning }

// ValidationErrors collects every problem found by ValidateConfig.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i := range e {
		msgs[i] = e[i].Error()
	}
	return strings.Join(msgs, "; ")
}

// Is matches ErrInvalidConfig unless every entry is a warning.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig && e.HasErrors()
}

func (e ValidationErrors) filter(warning bool) ValidationErrors {
	var out ValidationErrors
	for _, v := range e {
		if v.Warning == warning {
			out = append(out, v)
		}
	}
	return out
}

func (e ValidationErrors) Warnings() ValidationErrors { return e.filter(true) }
func (e ValidationErrors) Errors() ValidationErrors   { return e.filter(false) }
func (e ValidationErrors) HasErrors() bool            { return len(e.Errors()) > 0 }

// checker accumulates findings for one config.
type checker struct{ errs ValidationErrors }

func (v *checker) fail(field, format string, args ...any) {
	v.errs = append(v.errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (v *checker) warn(field, format string, args ...any) {
	v.errs = append(v.errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Warning: true})
}

func (v *checker) between(field string, n, lo, hi int) {
	if n < lo || n > hi {
		v.fail(field, "value must be between %d and %d", lo, hi)
	}
}

func (v *checker) oneOf(field, s string, valid ...string) {
	if !slices.Contains(valid, s) {
		v.fail(field, "invalid value %q (valid: %s)", s, strings.Join(valid, ", "))
	}
}

func (v *checker) readable(field, path string) {
	if _, err := os.Stat(expandPath(path)); err != nil {
		v.fail(field, "catalog not readable: %v", err)
	}
}

var octalMode = regexp.MustCompile(`^0[0-7]{3}$`)

// ValidateConfig checks every section of c and returns ValidationErrors,
// or nil when nothing was found. Warnings alone do not satisfy
// errors.Is(err, ErrInvalidConfig).
func ValidateConfig(c *Config) error {
	var v checker

	if c.Version < 1 || c.Version > Version {
		v.fail("version", "unsupported version %d (current: %d)", c.Version, Version)
	}

	if c.Catalog.KeysPath == "" {
		v.fail("catalog.keys_path", "required field is missing")
	} else {
		v.readable("catalog.keys_path", c.Catalog.KeysPath)
	}
	if c.Catalog.GesturesPath != "" {
		v.readable("catalog.gestures_path", c.Catalog.GesturesPath)
	}

	if c.Store.Path == "" {
		v.fail("store.path", "required field is missing")
	}
	v.between("store.busy_timeout_ms", c.Store.BusyTimeoutMs, 0, 60000)

	v.between("timing.double_tap_ms", c.Timing.DoubleTapMs, 50, 2000)
	v.between("timing.long_press_ms", c.Timing.LongPressMs, 100, 5000)
	v.between("timing.proximity_timeout_ms", c.Timing.ProximityTimeoutMs, 10, 2000)

	v.checkHaptics(&c.Haptics)
	v.checkProximity(&c.Proximity)
	v.checkInput(&c.Input)
	v.checkActions(&c.Actions)
	v.between("signals.wake_key_code", c.Signals.WakeKeyCode, 1, 0x2ff)
	v.checkIPC(&c.IPC)
	v.checkLogging(&c.Logging)

	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			v.fail("metrics.listen", "invalid listen address: %v", err)
		}
	}

	if len(v.errs) == 0 {
		return nil
	}
	return v.errs
}

func (v *checker) checkHaptics(h *HapticsConfig) {
	v.oneOf("haptics.backend", h.Backend, "sysfs", "none")
	for field, pattern := range map[string][]int{
		"haptics.long_press_ms":  h.LongPressMs,
		"haptics.virtual_key_ms": h.VirtualKeyMs,
		"haptics.gesture_ms":     h.GestureMs,
	} {
		for i, ms := range pattern {
			v.between(fmt.Sprintf("%s[%d]", field, i), ms, 0, 5000)
		}
	}
}

func (v *checker) checkProximity(p *ProximityConfig) {
	v.oneOf("proximity.backend", p.Backend, "iio", "none")
	v.oneOf("proximity.wake_lock", p.WakeLock, "sysfs", "logind", "none")
	if p.Backend != "iio" {
		return
	}
	if p.MaxRange <= 0 {
		v.fail("proximity.max_range", "max range must be positive")
	}
	if p.NearThreshold < 1 {
		v.fail("proximity.near_threshold", "near threshold must be at least 1")
	}
	v.between("proximity.poll_interval_ms", p.PollIntervalMs, 1, 1000)
}

func (v *checker) checkInput(in *InputConfig) {
	for i, d := range in.Devices {
		field := fmt.Sprintf("input.devices[%d]", i)
		switch {
		case d == "":
			v.fail(field, "device path cannot be empty")
		case !exists(d):
			v.warn(field, "device not present: %s", d)
		}
	}
	if len(in.Devices) == 0 && !in.Autodetect {
		v.warn("input.devices", "no devices listed and autodetect is off; only injected events will be seen")
	}
}

func (v *checker) checkActions(a *ActionsConfig) {
	v.oneOf("actions.sink", a.Sink, "log", "dbus", "exec")
	if a.Sink == "exec" && len(a.Exec) == 0 {
		v.fail("actions.exec", "exec sink needs at least one command")
	}
	for name, argv := range a.Exec {
		if len(argv) == 0 || argv[0] == "" {
			v.fail(fmt.Sprintf("actions.exec[%q]", name), "command cannot be empty")
		}
	}
	for i, p := range a.Prewarm {
		if p == "" {
			v.fail(fmt.Sprintf("actions.prewarm[%d]", i), "action cannot be empty")
		}
	}
}

func (v *checker) checkIPC(i *IPCConfig) {
	if !i.Enabled {
		return
	}
	if i.SocketPath == "" {
		v.fail("ipc.socket_path", "socket path is required when IPC is enabled")
	}
	if i.Permissions != "" && !octalMode.MatchString(i.Permissions) {
		v.fail("ipc.permissions", "invalid permissions %q (expected octal like 0600)", i.Permissions)
	}
	if i.MaxConnections < 1 {
		v.fail("ipc.max_connections", "max connections must be at least 1")
	}
	if i.TimeoutSec < 1 {
		v.fail("ipc.timeout_sec", "timeout must be at least 1 second")
	}
	switch {
	case i.WriteRate < 0:
		v.fail("ipc.write_rate", "write rate cannot be negative")
	case i.WriteRate > 0 && i.WriteBurst < 1:
		v.fail("ipc.write_burst", "write burst must be at least 1 when a write rate is set")
	}
}

func (v *checker) checkLogging(l *LoggingConfig) {
	v.oneOf("logging.level", l.Level, "debug", "info", "warn", "error")
	v.oneOf("logging.format", l.Format, "text", "json")
	v.oneOf("logging.output", l.Output, "stdout", "stderr", "file", "both")
	if (l.Output == "file" || l.Output == "both") && l.FilePath == "" {
		v.fail("logging.file_path", "file path is required when logging to a file")
	}
	if l.MaxSizeMB < 1 {
		v.fail("logging.max_size_mb", "max size must be at least 1 MB")
	}
	if l.MaxBackups < 0 {
		v.fail("logging.max_backups", "max backups cannot be negative")
	}
	if l.MaxAgeDays < 0 {
		v.fail("logging.max_age_days", "max age cannot be negative")
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandPath resolves a leading "~/" against the home directory.
func expandPath(path string) string {
	rest, ok := strings.CutPrefix(path, "~/")
	if !ok {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}
