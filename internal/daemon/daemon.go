// Package daemon wires the hwkeysd components together and runs them
// until shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"hwkeysd/internal/action"
	"hwkeysd/internal/catalog"
	"hwkeysd/internal/config"
	"hwkeysd/internal/engine"
	"hwkeysd/internal/gesture"
	"hwkeysd/internal/haptics"
	"hwkeysd/internal/health"
	"hwkeysd/internal/input"
	"hwkeysd/internal/ipc"
	"hwkeysd/internal/logging"
	"hwkeysd/internal/metrics"
	"hwkeysd/internal/signals"
	"hwkeysd/internal/store"
	"hwkeysd/internal/watcher"
)

// Intervals and limits of the background loops.
const (
	HealthInterval = 30 * time.Second
	minFreeDisk    = 16 << 20
	maxHeap        = 256 << 20
	shutdownGrace  = 5 * time.Second
	crashRetention = 30 * 24 * time.Hour
)

// Options configure New.
type Options struct {
	Version string

	// Loader enables hot reload of the live config fields. Optional.
	Loader *config.Loader

	// Logger is the root logger. Its level follows logging.level on
	// reload. Optional.
	Logger *logging.Logger

	// Signals overrides the OS signal source, for tests.
	Signals <-chan os.Signal
}

// Daemon owns every long-lived component.
type Daemon struct {
	opts   Options
	logger *slog.Logger
	root   *logging.Logger

	mu  sync.Mutex
	cfg *config.Config

	catalog  *catalog.Catalog
	store    *store.Store
	metrics  *metrics.Metrics
	vibrator haptics.Vibrator
	haptics  *haptics.Feedback
	state    *signals.State
	monitor  *signals.Monitor
	gestures *gesture.Dispatcher
	engine   *engine.Engine
	evdev    *input.EvdevSource
	router   *Router
	health   *health.Checker
	watcher  *watcher.Watcher
	ipc      *ipc.Server
	http     *http.Server
	manager  *Manager
	crash    *logging.CrashHandler

	wg        sync.WaitGroup
	startedAt time.Time
	closeOnce sync.Once
}

// New builds the daemon from cfg. Catalog and store failures are fatal;
// missing hardware degrades the daemon instead.
func New(cfg *config.Config, opts Options) (d *Daemon, err error) {
	d = &Daemon{opts: opts, cfg: cfg, root: opts.Logger}
	if d.root != nil {
		d.logger = d.root.Logger
	} else {
		d.logger = slog.Default()
	}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	d.crash = logging.NewCrashHandler(&logging.CrashHandlerConfig{
		CrashDir: cfg.Daemon.CrashDir,
		Version:  opts.Version,
		Logger:   d.component("crash"),
	})
	d.manager = NewManager(cfg.Daemon.PidFile, cfg.Daemon.StateFile)

	d.catalog, err = catalog.Load(cfg.Catalog.KeysPath, cfg.Catalog.GesturesPath)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	d.store, err = store.Open(cfg.Store.Path, store.Options{
		BusyTimeout: time.Duration(cfg.Store.BusyTimeoutMs) * time.Millisecond,
		Logger:      d.component("store"),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	d.metrics = metrics.New(nil)
	d.state = signals.NewState()
	if cfg.Signals.DBus {
		d.monitor = signals.NewMonitor(d.state, d.component("signals"))
	}

	d.vibrator = newVibrator(cfg.Haptics, d.component("haptics"))
	d.haptics = haptics.New(d.vibrator, d.store, cfg.Haptics.Enabled, d.component("haptics"))
	d.haptics.SetPatterns(HapticPatterns(cfg.Haptics))

	sink, prewarmer := newSink(cfg.Actions, d.component("action"))

	sensor, err := newSensor(cfg.Proximity, d.component("proximity"))
	if err != nil {
		return nil, err
	}
	d.gestures, err = gesture.New(gesture.Options{
		Catalog:  d.catalog,
		Store:    d.store,
		Sink:     sink,
		Haptics:  d.haptics,
		Sensor:   sensor,
		WakeLock: newWakeLock(cfg.Proximity.WakeLock, d.component("proximity")),
		Phone:    d.state,
		Logger:   d.component("gesture"),
		Metrics:  d.metrics,
		Timeout:  cfg.Timing.ProximityTimeout(),
	})
	if err != nil {
		return nil, err
	}

	d.engine, err = engine.New(engine.Options{
		Catalog:          d.catalog,
		Store:            d.store,
		Sink:             sink,
		Prewarmer:        prewarmer,
		Haptics:          d.haptics,
		Phone:            d.state,
		Dream:            d.state,
		Logger:           d.component("engine"),
		Metrics:          d.metrics,
		DoubleTapTimeout: cfg.Timing.DoubleTap(),
		WakeKeyCode:      cfg.Signals.WakeKeyCode,
		Prewarm:          action.NewPrewarmSet(cfg.Actions.Prewarm...),
	})
	if err != nil {
		return nil, err
	}

	d.router = NewRouter(d.gestures, d.engine, d.state, d.metrics, d.component("router"))

	if len(cfg.Input.Devices) > 0 || cfg.Input.Autodetect {
		d.evdev, err = input.OpenEvdev(input.EvdevOptions{
			Paths:            cfg.Input.Devices,
			KeyCodes:         d.catalog.KeyCodes(),
			Grab:             cfg.Input.Grab,
			LongPressTimeout: cfg.Timing.LongPress(),
			Logger:           d.component("input"),
		})
		if err != nil {
			d.logger.Warn("no input devices, only injected events will be seen", "error", err)
			d.evdev, err = nil, nil
		}
	}

	d.health = d.newHealth()

	if cfg.IPC.Enabled {
		if err := d.newIPC(cfg.IPC); err != nil {
			return nil, err
		}
	}

	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", d.metrics.Registry().HTTPHandler())
		d.health.Mount(mux)
		d.http = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	if cfg.Store.WatchExternal {
		d.watcher, err = watcher.New([]string{
			cfg.Store.Path,
			cfg.Store.Path + "-wal",
			cfg.Catalog.KeysPath,
			cfg.Catalog.GesturesPath,
		}, watcher.DefaultQuiet)
		if err != nil {
			return nil, err
		}
	}

	return d, nil
}

func (d *Daemon) component(name string) *slog.Logger {
	if d.root != nil {
		return d.root.WithComponent(name)
	}
	return d.logger.With("component", name)
}

func (d *Daemon) newHealth() *health.Checker {
	h := health.NewChecker()
	h.Register(&health.Component{
		Name:     "store",
		Critical: true,
		Check:    health.StoreCheck(d.store.Ping, d.store.Validate),
	})
	h.RegisterFunc("input", false, health.InputCheck(d.devices))
	if len(d.catalog.Gestures()) > 0 {
		h.RegisterFunc("proximity", false, health.SensorCheck(d.gestures.HasSensor, d.gestures.InFlight))
	}
	h.RegisterFunc("disk", false, health.DiskSpaceCheck(filepath.Dir(d.store.Path()), minFreeDisk))
	h.RegisterFunc("memory", false, health.MemoryCheck(maxHeap))
	return h
}

func (d *Daemon) devices() []string {
	if d.evdev == nil {
		return nil
	}
	return d.evdev.Devices()
}

func (d *Daemon) newIPC(c config.IPCConfig) error {
	perm, err := ipc.ParsePermissions(c.Permissions)
	if err != nil {
		return err
	}

	handler, err := ipc.NewDaemonHandler(ipc.DaemonHandlerConfig{
		Version:   d.opts.Version,
		StorePath: d.store.Path(),
		Store:     d.store,
		Catalog:   d.catalog,
		Router:    d.router,
		State:     d.state,
		Engine:    d.engine,
		Gestures:  d.gestures,
		Health:    d.health,
		Metrics:   d.metrics,
		Clients:   d.clientCount,
		Logger:    d.component("ipc"),
	})
	if err != nil {
		return err
	}

	timeout := time.Duration(c.TimeoutSec) * time.Second
	d.ipc, err = ipc.NewServer(ipc.ServerConfig{
		SocketPath:     c.SocketPath,
		Version:        d.opts.Version,
		Permissions:    perm,
		ReadTimeout:    timeout,
		MaxConnections: c.MaxConnections,
		AllowAnyUID:    c.AllowAnyUID,
		WriteRate:      c.WriteRate,
		WriteBurst:     c.WriteBurst,
		Logger:         d.component("ipc"),
	}, handler)
	return err
}

func (d *Daemon) clientCount() int {
	if d.ipc == nil {
		return 0
	}
	return d.ipc.ClientCount()
}

// Config returns the active configuration.
func (d *Daemon) Config() *config.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Router returns the event router.
func (d *Daemon) Router() *Router { return d.router }

// Engine returns the key engine.
func (d *Daemon) Engine() *engine.Engine { return d.engine }

// Health returns the health checker.
func (d *Daemon) Health() *health.Checker { return d.health }

// SocketPath returns the control socket path, or "" when disabled.
func (d *Daemon) SocketPath() string {
	if d.ipc == nil {
		return ""
	}
	return d.ipc.SocketPath()
}

// Run starts every loop and blocks until ctx ends or a termination
// signal arrives. SIGHUP reloads all bindings.
func (d *Daemon) Run(ctx context.Context) error {
	cfg := d.Config()
	if err := d.manager.Acquire(); err != nil {
		return err
	}
	defer d.manager.Cleanup()

	d.startedAt = time.Now()
	if err := d.manager.WriteState(&ProcessState{
		PID:        os.Getpid(),
		StartedAt:  d.startedAt,
		Version:    d.opts.Version,
		ConfigPath: d.configPath(),
		SocketPath: d.SocketPath(),
		StorePath:  d.store.Path(),
	}); err != nil {
		d.logger.Warn("state file not written", "error", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	fail := func(err error) error {
		cancel()
		d.shutdown()
		return err
	}

	if err := d.crash.CleanupOldCrashReports(crashRetention); err != nil {
		d.logger.Warn("crash dump cleanup failed", "error", err)
	}

	d.engine.Watch()

	if d.monitor != nil {
		n := d.monitor.Start(ctx)
		d.logger.Info("signal monitor started", "buses", n)
	}

	if d.evdev != nil {
		d.goSafe("input", func() { d.router.Pump(ctx, d.evdev.Events()) })
		d.logger.Info("reading input devices", "devices", d.evdev.Devices())
	}

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			d.logger.Warn("file watch unavailable, external binding edits need SIGHUP", "error", err)
		} else {
			d.goSafe("watcher", func() { d.watchFiles(ctx) })
		}
	}

	if d.ipc != nil {
		if err := d.ipc.Start(); err != nil {
			return fail(fmt.Errorf("start control socket: %w", err))
		}
	}

	if d.http != nil {
		ln, err := net.Listen("tcp", d.http.Addr)
		if err != nil {
			return fail(fmt.Errorf("metrics listener: %w", err))
		}
		d.goSafe("metrics", func() {
			if err := d.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Error("metrics server failed", "error", err)
			}
		})
		d.logger.Info("metrics listening", "addr", ln.Addr().String())
	}

	if d.opts.Loader != nil {
		d.opts.Loader.OnChange(d.applyConfig)
		if err := d.opts.Loader.Watch(); err != nil {
			d.logger.Warn("config watch unavailable", "error", err)
		} else {
			d.goSafe("config", func() { d.configErrors(ctx) })
		}
	}

	d.health.Check(ctx)
	d.health.SetReady(true)
	d.goSafe("health", func() { d.healthLoop(ctx) })

	d.logger.Info("hwkeysd started",
		"version", d.opts.Version,
		"keys", len(d.catalog.KeyCodes()),
		"gestures", len(d.catalog.Gestures()),
		"store", cfg.Store.Path,
		"socket", d.SocketPath(),
	)

	sigs := d.opts.Signals
	if sigs == nil {
		ch := make(chan os.Signal, 4)
		signal.Notify(ch, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigs = ch
	}

	for {
		select {
		case <-ctx.Done():
			return d.shutdown()
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				d.logger.Info("SIGHUP, reloading bindings")
				if _, err := d.store.CheckExternal(); err != nil {
					d.logger.Warn("binding digest failed", "error", err)
				}
				d.engine.Refresh()
				continue
			}
			d.logger.Info("shutting down", "signal", sig.String())
			cancel()
		}
	}
}

func (d *Daemon) configPath() string {
	if d.opts.Loader != nil {
		return d.opts.Loader.Path()
	}
	return ""
}

// goSafe runs fn in a goroutine whose panic becomes a crash report.
func (d *Daemon) goSafe(name string, fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.crash.Recover(name, nil, fn)
	}()
}

func (d *Daemon) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(HealthInterval)
	defer ticker.Stop()

	last := d.health.OverallStatus()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.health.Check(ctx)
			if s := d.health.OverallStatus(); s != last {
				d.logger.Info("health changed", "from", last, "to", s)
				last = s
			}
		}
	}
}

// watchFiles reacts to out-of-process edits: a changed database
// triggers a binding refresh, a changed catalog only a warning.
func (d *Daemon) watchFiles(ctx context.Context) {
	cfg := d.Config()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.logger.Warn("file watch error", "error", err)
		case ev, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			switch ev.Path {
			case absPath(cfg.Catalog.KeysPath), absPath(cfg.Catalog.GesturesPath):
				d.logger.Warn("catalog changed on disk, restart to apply", "path", ev.Path)
			default:
				changed, err := d.store.CheckExternal()
				if err != nil {
					d.logger.Warn("binding digest failed", "error", err)
					continue
				}
				if changed {
					d.logger.Info("bindings changed externally, refreshed", "path", ev.Path)
				}
			}
		}
	}
}

func absPath(p string) string {
	if p == "" {
		return ""
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func (d *Daemon) configErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-d.opts.Loader.Errors():
			if !ok {
				return
			}
			d.logger.Warn("config reload rejected, keeping previous config", "error", err)
		}
	}
}

// applyConfig pushes the live fields of a reloaded config into the
// running components.
func (d *Daemon) applyConfig(old, cfg *config.Config) {
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()

	d.engine.SetDoubleTapTimeout(cfg.Timing.DoubleTap())
	d.gestures.SetTimeout(cfg.Timing.ProximityTimeout())
	if d.evdev != nil {
		d.evdev.SetLongPressTimeout(cfg.Timing.LongPress())
	}
	d.engine.SetPrewarm(action.NewPrewarmSet(cfg.Actions.Prewarm...))
	d.haptics.SetDefaultEnabled(cfg.Haptics.Enabled)
	d.haptics.SetPatterns(HapticPatterns(cfg.Haptics))

	if d.root != nil {
		if level, err := logging.ParseLevel(cfg.Logging.Level); err == nil {
			d.root.SetLevel(level)
		}
	}

	for _, section := range config.RestartRequired(old, cfg) {
		d.logger.Warn("config section changed, restart to apply", "section", section)
	}
	d.logger.Info("config reloaded")
}

func (d *Daemon) shutdown() error {
	d.health.SetReady(false)

	var errs []error
	if d.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		if err := d.http.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
		cancel()
	}
	if d.opts.Loader != nil {
		d.opts.Loader.Close()
	}
	d.Close()
	d.wg.Wait()

	d.logger.Info("hwkeysd stopped")
	return errors.Join(errs...)
}

// Close releases every component. Run calls it on shutdown; callers only
// need it when Run is never reached or fails before starting.
func (d *Daemon) Close() error {
	d.closeOnce.Do(d.close)
	return nil
}

// close releases components in reverse order of construction. It is
// safe on a partially built daemon.
func (d *Daemon) close() {
	if d.ipc != nil {
		d.ipc.Stop()
	}
	if d.watcher != nil {
		d.watcher.Stop()
	}
	if d.evdev != nil {
		d.evdev.Close()
	}
	if d.engine != nil {
		d.engine.Close()
	}
	if d.gestures != nil {
		d.gestures.Close()
	}
	if d.monitor != nil {
		d.monitor.Close()
	}
	if c, ok := d.vibrator.(io.Closer); ok {
		c.Close()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("store close failed", "error", err)
		}
	}
}
