package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning is returned by Acquire when a live process owns the
// PID file.
var ErrAlreadyRunning = errors.New("hwkeysd is already running")

// ProcessState is written next to the PID file while the daemon runs.
type ProcessState struct {
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"started_at"`
	Version    string    `json:"version"`
	ConfigPath string    `json:"config_path,omitempty"`
	SocketPath string    `json:"socket_path,omitempty"`
	StorePath  string    `json:"store_path,omitempty"`
}

// ProcessStatus combines the PID file with the state file.
type ProcessStatus struct {
	Running   bool
	PID       int
	StartedAt time.Time
	Uptime    time.Duration
	Version   string
}

// Manager owns the PID and state files. The daemon uses it to claim a
// single instance; hwkeysctl uses it to find and signal that instance.
type Manager struct {
	pidFile   string
	stateFile string
}

func NewManager(pidFile, stateFile string) *Manager {
	return &Manager{pidFile: pidFile, stateFile: stateFile}
}

// alive probes pid with signal 0. EPERM still means the process exists.
func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func (m *Manager) ReadPID() (int, error) {
	data, err := os.ReadFile(m.pidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file %s: %w", m.pidFile, err)
	}
	return pid, nil
}

// IsRunning reports whether the PID file names a live process.
func (m *Manager) IsRunning() bool {
	pid, err := m.ReadPID()
	return err == nil && alive(pid)
}

// Acquire claims the PID file for this process. A file naming a dead
// process, or this one, is overwritten.
func (m *Manager) Acquire() error {
	if pid, err := m.ReadPID(); err == nil && pid != os.Getpid() && alive(pid) {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}
	return m.WritePID()
}

func (m *Manager) WritePID() error {
	if err := writeFile(m.pidFile, []byte(strconv.Itoa(os.Getpid()))); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

func (m *Manager) WriteState(state *ProcessState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFile(m.stateFile, data); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}

func (m *Manager) ReadState() (*ProcessState, error) {
	data, err := os.ReadFile(m.stateFile)
	if err != nil {
		return nil, err
	}
	state := new(ProcessState)
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	return state, nil
}

// Cleanup removes both files.
func (m *Manager) Cleanup() {
	os.Remove(m.pidFile)
	os.Remove(m.stateFile)
}

func (m *Manager) Status() *ProcessStatus {
	st := &ProcessStatus{}
	if pid, err := m.ReadPID(); err == nil && alive(pid) {
		st.Running, st.PID = true, pid
	}
	if state, err := m.ReadState(); err == nil {
		st.StartedAt, st.Version = state.StartedAt, state.Version
		if st.Running {
			st.Uptime = time.Since(state.StartedAt)
		}
	}
	return st
}

// SignalStop asks the daemon to shut down.
func (m *Manager) SignalStop() error { return m.signal(unix.SIGTERM) }

// SignalReload asks the daemon to re-read every binding.
func (m *Manager) SignalReload() error { return m.signal(unix.SIGHUP) }

func (m *Manager) signal(sig unix.Signal) error {
	pid, err := m.ReadPID()
	if err != nil {
		return fmt.Errorf("read PID: %w", err)
	}
	if err := unix.Kill(pid, sig); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	return nil
}

// WaitForStop polls until the daemon is gone or timeout passes.
func (m *Manager) WaitForStop(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for m.IsRunning() {
		if time.Now().After(deadline) {
			return fmt.Errorf("daemon did not stop within %v", timeout)
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}
