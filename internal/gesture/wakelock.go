package gesture

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/godbus/dbus/v5"
)

// DefaultWakeLockDir holds the kernel wake_lock and wake_unlock files.
const DefaultWakeLockDir = "/sys/power"

// SysfsWakeLock is a named kernel wake lock. Acquire and Release nest.
type SysfsWakeLock struct {
	dir    string
	name   string
	logger *slog.Logger

	mu    sync.Mutex
	count int
}

// NewSysfsWakeLock returns a wake lock written under dir, or
// DefaultWakeLockDir when dir is empty. It reports false when the kernel
// does not expose wake locks.
func NewSysfsWakeLock(dir, name string, logger *slog.Logger) (*SysfsWakeLock, bool) {
	if dir == "" {
		dir = DefaultWakeLockDir
	}
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat(filepath.Join(dir, "wake_lock")); err != nil {
		return nil, false
	}
	return &SysfsWakeLock{dir: dir, name: name, logger: logger}, true
}

func (w *SysfsWakeLock) Acquire() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.count++
	if w.count == 1 {
		w.write("wake_lock")
	}
}

func (w *SysfsWakeLock) Release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count == 0 {
		return
	}
	w.count--
	if w.count == 0 {
		w.write("wake_unlock")
	}
}

// Held reports whether the lock is currently taken.
func (w *SysfsWakeLock) Held() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count > 0
}

func (w *SysfsWakeLock) write(file string) {
	if err := os.WriteFile(filepath.Join(w.dir, file), []byte(w.name), 0); err != nil {
		w.logger.Warn("wake lock write failed", "file", file, "error", err)
	}
}

// InhibitWakeLock holds a systemd-logind sleep inhibitor while acquired.
type InhibitWakeLock struct {
	obj    dbus.BusObject
	who    string
	logger *slog.Logger

	mu    sync.Mutex
	count int
	fd    *os.File
}

// NewInhibitWakeLock connects to logind on the system bus. It reports
// false when the bus is unreachable.
func NewInhibitWakeLock(who string, logger *slog.Logger) (*InhibitWakeLock, bool) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		logger.Debug("system bus unavailable, no inhibitor wake lock", "error", err)
		return nil, false
	}
	return &InhibitWakeLock{
		obj:    conn.Object("org.freedesktop.login1", "/org/freedesktop/login1"),
		who:    who,
		logger: logger,
	}, true
}

func (w *InhibitWakeLock) Acquire() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.count++
	if w.count > 1 {
		return
	}
	var fd dbus.UnixFD
	err := w.obj.Call("org.freedesktop.login1.Manager.Inhibit", 0,
		"sleep", w.who, "proximity read", "block").Store(&fd)
	if err != nil {
		w.logger.Warn("sleep inhibitor failed", "error", err)
		return
	}
	w.fd = os.NewFile(uintptr(fd), "inhibit")
}

func (w *InhibitWakeLock) Release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count == 0 {
		return
	}
	w.count--
	if w.count == 0 && w.fd != nil {
		w.fd.Close()
		w.fd = nil
	}
}
