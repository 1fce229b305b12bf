package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	return NewManager(filepath.Join(dir, "run", "hwkeysd.pid"), filepath.Join(dir, "state", "state.json")), dir
}

func TestManagerAcquire(t *testing.T) {
	m, _ := testManager(t)
	assert.False(t, m.IsRunning())

	require.NoError(t, m.Acquire())
	pid, err := m.ReadPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, m.IsRunning())

	// Re-acquiring our own file is fine.
	require.NoError(t, m.Acquire())

	m.Cleanup()
	assert.False(t, m.IsRunning())
}

func TestManagerAcquireRefusesLiveOwner(t *testing.T) {
	m, _ := testManager(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(m.pidFile), 0700))
	require.NoError(t, os.WriteFile(m.pidFile, []byte(strconv.Itoa(os.Getppid())), 0600))

	assert.ErrorIs(t, m.Acquire(), ErrAlreadyRunning)
}

func TestManagerAcquireReplacesStaleFile(t *testing.T) {
	m, _ := testManager(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(m.pidFile), 0700))
	// PIDs this large are above every default pid_max.
	require.NoError(t, os.WriteFile(m.pidFile, []byte("99999999"), 0600))

	require.NoError(t, m.Acquire())
	pid, err := m.ReadPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestManagerInvalidPIDFile(t *testing.T) {
	m, _ := testManager(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(m.pidFile), 0700))
	require.NoError(t, os.WriteFile(m.pidFile, []byte("not a pid"), 0600))

	_, err := m.ReadPID()
	assert.Error(t, err)
	assert.False(t, m.IsRunning())
}

func TestManagerState(t *testing.T) {
	m, _ := testManager(t)
	started := time.Now().Add(-time.Minute).Truncate(time.Second)

	require.NoError(t, m.WritePID())
	require.NoError(t, m.WriteState(&ProcessState{
		PID:        os.Getpid(),
		StartedAt:  started,
		Version:    "1.2.3",
		SocketPath: "/run/hwkeysd/control.sock",
	}))

	state, err := m.ReadState()
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", state.Version)
	assert.True(t, started.Equal(state.StartedAt))

	status := m.Status()
	assert.True(t, status.Running)
	assert.Equal(t, os.Getpid(), status.PID)
	assert.Equal(t, "1.2.3", status.Version)
	assert.GreaterOrEqual(t, status.Uptime, time.Minute)
}

func TestManagerWaitForStop(t *testing.T) {
	m, _ := testManager(t)
	require.NoError(t, m.WaitForStop(time.Second))

	require.NoError(t, m.WritePID())
	assert.Error(t, m.WaitForStop(150*time.Millisecond))
}

func TestManagerSignalWithoutPID(t *testing.T) {
	m, _ := testManager(t)
	assert.Error(t, m.SignalReload())
	assert.Error(t, m.SignalStop())
}
