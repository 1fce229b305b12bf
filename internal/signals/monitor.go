package signals

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
)

// D-Bus names the monitor listens to.
const (
	loginManager     = "org.freedesktop.login1.Manager"
	loginSession     = "org.freedesktop.login1.Session"
	screenSaverIface = "org.freedesktop.ScreenSaver"
	screenSaverPath  = "/org/freedesktop/ScreenSaver"
	voiceCallManager = "org.ofono.VoiceCallManager"
)

// Monitor feeds a State from D-Bus signals: logind sleep and session
// lock, the screensaver, and oFono voice calls. Buses that cannot be
// reached are skipped; the State then keeps whatever Set gave it.
type Monitor struct {
	state  *State
	logger *slog.Logger

	mu          sync.Mutex
	conns       []*dbus.Conn
	screenSaver dbus.BusObject
	wg          sync.WaitGroup
}

// NewMonitor returns a monitor for state.
func NewMonitor(state *State, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{state: state, logger: logger}
}

// Start subscribes to both buses and returns the number of buses
// reached. It runs until ctx is done or Close is called.
func (m *Monitor) Start(ctx context.Context) int {
	n := 0
	if conn, err := dbus.ConnectSystemBus(); err != nil {
		m.logger.Warn("system bus unavailable, phone and sleep state not tracked", "error", err)
	} else {
		m.watch(ctx, conn,
			[]dbus.MatchOption{dbus.WithMatchInterface(loginManager), dbus.WithMatchMember("PrepareForSleep")},
			[]dbus.MatchOption{dbus.WithMatchInterface(loginSession)},
			[]dbus.MatchOption{dbus.WithMatchInterface(voiceCallManager)},
		)
		n++
	}

	if conn, err := dbus.ConnectSessionBus(); err != nil {
		m.logger.Warn("session bus unavailable, screensaver state not tracked", "error", err)
	} else {
		m.watch(ctx, conn,
			[]dbus.MatchOption{dbus.WithMatchMember("ActiveChanged")},
		)
		m.mu.Lock()
		m.screenSaver = conn.Object(screenSaverIface, screenSaverPath)
		m.mu.Unlock()
		m.state.OnStopDream(m.stopScreenSaver)
		n++
	}
	return n
}

func (m *Monitor) watch(ctx context.Context, conn *dbus.Conn, matches ...[]dbus.MatchOption) {
	for _, opts := range matches {
		if err := conn.AddMatchSignalContext(ctx, opts...); err != nil {
			m.logger.Warn("d-bus match failed", "error", err)
		}
	}
	ch := make(chan *dbus.Signal, 32)
	conn.Signal(ch)

	m.mu.Lock()
	m.conns = append(m.conns, conn)
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-ch:
				if !ok {
					return
				}
				m.Apply(sig)
			}
		}
	}()
}

// Apply updates the state from one signal. Unknown signals are ignored.
func (m *Monitor) Apply(sig *dbus.Signal) {
	if sig == nil {
		return
	}
	i := strings.LastIndexByte(sig.Name, '.')
	if i < 0 {
		return
	}
	iface, member := sig.Name[:i], sig.Name[i+1:]

	switch {
	case iface == loginManager && member == "PrepareForSleep":
		if v, ok := boolArg(sig); ok {
			m.state.notInteractive.Store(v)
			m.logger.Debug("prepare for sleep", "sleeping", v)
		}
	case iface == loginSession && member == "Lock":
		m.state.keyguard.Store(true)
		m.logger.Debug("session locked")
	case iface == loginSession && member == "Unlock":
		m.state.keyguard.Store(false)
		m.logger.Debug("session unlocked")
	case strings.HasSuffix(iface, "ScreenSaver") && member == "ActiveChanged":
		if v, ok := boolArg(sig); ok {
			m.state.dreaming.Store(v)
			m.logger.Debug("screensaver", "active", v)
		}
	case iface == voiceCallManager && member == "CallAdded":
		if p, ok := pathArg(sig); ok {
			m.state.CallStarted(p)
			m.logger.Debug("call added", "call", p)
		}
	case iface == voiceCallManager && member == "CallRemoved":
		if p, ok := pathArg(sig); ok {
			m.state.CallEnded(p)
			m.logger.Debug("call removed", "call", p)
		}
	}
}

func boolArg(sig *dbus.Signal) (bool, bool) {
	if len(sig.Body) == 0 {
		return false, false
	}
	v, ok := sig.Body[0].(bool)
	return v, ok
}

func pathArg(sig *dbus.Signal) (string, bool) {
	if len(sig.Body) == 0 {
		return "", false
	}
	switch v := sig.Body[0].(type) {
	case dbus.ObjectPath:
		return string(v), true
	case string:
		return v, true
	}
	return "", false
}

func (m *Monitor) stopScreenSaver() {
	m.mu.Lock()
	obj := m.screenSaver
	m.mu.Unlock()
	if obj == nil {
		return
	}
	call := obj.Call(screenSaverIface+".SetActive", dbus.FlagNoReplyExpected, false)
	if call.Err != nil {
		m.logger.Warn("screensaver stop failed", "error", call.Err)
	}
}

// Close disconnects from every bus and waits for the listeners.
func (m *Monitor) Close() error {
	m.mu.Lock()
	conns := m.conns
	m.conns = nil
	m.screenSaver = nil
	m.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	m.wg.Wait()
	return nil
}
