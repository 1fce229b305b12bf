package action

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

// Default D-Bus coordinates of the action executor.
const (
	DefaultDBusDest      = "org.hwkeysd.Actions"
	DefaultDBusPath      = "/org/hwkeysd/Actions"
	DefaultDBusInterface = "org.hwkeysd.Actions"
)

// DBusOptions selects the bus and the remote object that executes actions.
type DBusOptions struct {
	SystemBus bool
	Dest      string
	Path      string
	Interface string
}

// DBusSink forwards actions to a remote object as fire-and-forget method
// calls:
//
//	ProcessAction(s action, b longPress)
//	Preload(s action)
//	CancelPreload(s action)
//
// When the bus is unavailable the sink degrades to logging.
type DBusSink struct {
	obj    dbus.BusObject
	iface  string
	logger *slog.Logger
}

// NewDBusSink connects to the configured bus. A missing bus is not an
// error; the returned sink reports Connected() == false.
func NewDBusSink(opts DBusOptions, logger *slog.Logger) *DBusSink {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Dest == "" {
		opts.Dest = DefaultDBusDest
	}
	if opts.Path == "" {
		opts.Path = DefaultDBusPath
	}
	if opts.Interface == "" {
		opts.Interface = DefaultDBusInterface
	}

	connect := dbus.SessionBus
	if opts.SystemBus {
		connect = dbus.SystemBus
	}
	conn, err := connect()
	if err != nil {
		logger.Warn("d-bus unavailable, actions will only be logged", "error", err)
		return &DBusSink{iface: opts.Interface, logger: logger}
	}

	return &DBusSink{
		obj:    conn.Object(opts.Dest, dbus.ObjectPath(opts.Path)),
		iface:  opts.Interface,
		logger: logger,
	}
}

// Connected reports whether the sink reached a bus.
func (s *DBusSink) Connected() bool {
	return s.obj != nil
}

func (s *DBusSink) ProcessAction(ctx context.Context, action string, longPress bool) error {
	return s.send(ctx, "ProcessAction", action, longPress)
}

func (s *DBusSink) Preload(ctx context.Context, action string) error {
	return s.send(ctx, "Preload", action)
}

func (s *DBusSink) CancelPreload(ctx context.Context, action string) error {
	return s.send(ctx, "CancelPreload", action)
}

func (s *DBusSink) send(ctx context.Context, method string, args ...any) error {
	if s.obj == nil {
		s.logger.DebugContext(ctx, "d-bus call dropped", "method", method, "args", args)
		return nil
	}
	call := s.obj.CallWithContext(ctx, s.iface+"."+method, dbus.FlagNoReplyExpected, args...)
	if call.Err != nil {
		return fmt.Errorf("d-bus %s: %w", method, call.Err)
	}
	return nil
}
