package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"hwkeysd/internal/action"
	"hwkeysd/internal/config"
	"hwkeysd/internal/gesture"
	"hwkeysd/internal/haptics"
	"hwkeysd/internal/logging"
)

// wakeLockName is the kernel wake lock held during proximity reads.
const wakeLockName = "hwkeysd_gesture"

// LoggerConfig converts the logging section for logging.New.
func LoggerConfig(c config.LoggingConfig) (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Format)
	if err != nil {
		return nil, err
	}

	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = format
	if c.Output != "" {
		lc.Output = c.Output
	}
	if c.FilePath != "" {
		lc.FilePath = c.FilePath
	}
	lc.MaxSize = int64(c.MaxSizeMB)
	lc.MaxBackups = c.MaxBackups
	lc.MaxAge = c.MaxAgeDays
	lc.Compress = c.Compress
	return lc, nil
}

// newSink builds the action sink and the prewarmer paired with it.
func newSink(c config.ActionsConfig, logger *slog.Logger) (action.Sink, action.Prewarmer) {
	switch c.Sink {
	case "dbus":
		s := action.NewDBusSink(action.DBusOptions{
			SystemBus: c.DBus.SystemBus,
			Dest:      c.DBus.Dest,
			Path:      c.DBus.Path,
			Interface: c.DBus.Interface,
		}, logger)
		if !s.Connected() {
			logger.Warn("action bus unavailable, actions are only logged")
		}
		return s, s
	case "exec":
		return action.NewExecSink(c.Exec, logger), action.NopPrewarmer{}
	default:
		s := action.LogSink{Logger: logger}
		return s, s
	}
}

// newVibrator opens the configured vibrator. A missing device leaves
// feedback silent rather than failing startup.
func newVibrator(c config.HapticsConfig, logger *slog.Logger) haptics.Vibrator {
	if c.Backend != "sysfs" {
		return nil
	}
	v, err := haptics.OpenSysfs(c.Device)
	if err != nil {
		logger.Warn("no vibrator, haptic feedback disabled", "error", err)
		return nil
	}
	logger.Debug("vibrator opened")
	return v
}

// HapticPatterns returns the stock patterns with the configured ones
// laid over them.
func HapticPatterns(c config.HapticsConfig) haptics.Patterns {
	p := haptics.DefaultPatterns()
	for effect, ms := range map[haptics.Effect][]int{
		haptics.LongPress:  c.LongPressMs,
		haptics.VirtualKey: c.VirtualKeyMs,
		haptics.Gesture:    c.GestureMs,
	} {
		if len(ms) == 0 {
			continue
		}
		pat := make(haptics.Pattern, len(ms))
		for i, v := range ms {
			pat[i] = time.Duration(v) * time.Millisecond
		}
		p[effect] = pat
	}
	return p
}

// newSensor opens the proximity sensor. Without one, gestures dispatch
// ungated.
func newSensor(c config.ProximityConfig, logger *slog.Logger) (gesture.Sensor, error) {
	if c.Backend != "iio" {
		return nil, nil
	}
	s, err := gesture.OpenIIO(gesture.IIOOptions{
		Device:        c.Device,
		Root:          c.Root,
		NearThreshold: c.NearThreshold,
		MaxRange:      c.MaxRange,
		PollInterval:  time.Duration(c.PollIntervalMs) * time.Millisecond,
	})
	if errors.Is(err, gesture.ErrNoSensor) {
		logger.Warn("no proximity sensor, gestures dispatch ungated")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open proximity sensor: %w", err)
	}
	logger.Info("proximity sensor opened", "path", s.Path(), "max_range", s.MaximumRange())
	return s, nil
}

func newWakeLock(kind string, logger *slog.Logger) gesture.WakeLock {
	switch kind {
	case "sysfs":
		if w, ok := gesture.NewSysfsWakeLock("", wakeLockName, logger); ok {
			return w
		}
		logger.Warn("kernel wake locks unavailable")
	case "logind":
		if w, ok := gesture.NewInhibitWakeLock("hwkeysd", logger); ok {
			return w
		}
	}
	return nil
}
