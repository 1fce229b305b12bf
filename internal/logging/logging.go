// Package logging builds the daemon's slog loggers. Output goes to a
// terminal stream or a rotated file, and the level can change at runtime.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
)

type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format selects the slog handler.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// ParseFormat parses "text" or "json".
func ParseFormat(s string) (Format, error) {
	if f, ok := map[string]Format{"": FormatText, "text": FormatText, "json": FormatJSON}[strings.ToLower(s)]; ok {
		return f, nil
	}
	return FormatText, fmt.Errorf("unknown log format: %s", s)
}

// Config describes one root logger. Output is stdout, stderr, file or
// both (stderr plus file); Writer, when set, wins over Output.
type Config struct {
	Level     Level
	Format    Format
	Output    string
	Writer    io.Writer
	AddSource bool
	// Component tags every entry.
	Component string

	// File rotation. MaxSize is in megabytes and MaxAge in days; zero
	// MaxAge or MaxBackups keeps everything.
	FilePath   string
	MaxSize    int64
	MaxAge     int
	MaxBackups int
	Compress   bool
}

// DefaultConfig logs info and above as text to stderr.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Output:     "stderr",
		Component:  "hwkeysd",
		FilePath:   DefaultLogPath(),
		MaxSize:    10,
		MaxAge:     14,
		MaxBackups: 5,
		Compress:   true,
	}
}

// DefaultLogPath returns the log file under the XDG state directory.
func DefaultLogPath() string {
	return filepath.Join(xdg.StateHome, "hwkeysd", "hwkeysd.log")
}

// Logger is the root logger. Loggers derived with WithComponent share its
// level, so SetLevel reaches all of them.
type Logger struct {
	*slog.Logger
	level   *slog.LevelVar
	rotator *FileRotator
}

// New builds a logger from cfg, or from DefaultConfig when cfg is nil.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	l := &Logger{level: new(slog.LevelVar)}
	l.level.Set(cfg.Level)

	w, err := l.output(cfg)
	if err != nil {
		return nil, fmt.Errorf("log output: %w", err)
	}
	opts := &slog.HandlerOptions{Level: l.level, AddSource: cfg.AddSource, ReplaceAttr: redact}

	var h slog.Handler = slog.NewTextHandler(w, opts)
	if cfg.Format == FormatJSON {
		h = slog.NewJSONHandler(w, opts)
	}
	if cfg.Component != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}
	l.Logger = slog.New(h)
	return l, nil
}

func (l *Logger) output(cfg *Config) (io.Writer, error) {
	if cfg.Writer != nil {
		return cfg.Writer, nil
	}
	out := strings.ToLower(cfg.Output)
	switch out {
	case "stdout":
		return os.Stdout, nil
	case "file", "both":
		r, err := NewFileRotator(cfg)
		if err != nil {
			return nil, err
		}
		l.rotator = r
		if out == "both" {
			return io.MultiWriter(os.Stderr, r), nil
		}
		return r, nil
	}
	return os.Stderr, nil
}

var sensitiveKeys = []string{"password", "secret", "token", "credential", "cookie", "bearer"}

// shouldRedact reports whether an attribute key names a secret.
func shouldRedact(key string) bool {
	key = strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if shouldRedact(a.Key) {
		a.Value = slog.StringValue("[REDACTED]")
	}
	return a
}

func (l *Logger) SetLevel(level Level) { l.level.Set(level) }
func (l *Logger) Level() Level         { return l.level.Level() }

// WithComponent returns a plain slog logger tagged with a component name.
func (l *Logger) WithComponent(name string) *slog.Logger {
	return l.Logger.With(slog.String("component", name))
}

// Close and Sync act on the log file and are no-ops without one.
func (l *Logger) Close() error {
	if r := l.rotator; r != nil {
		return r.Close()
	}
	return nil
}

func (l *Logger) Sync() error {
	if r := l.rotator; r != nil {
		return r.Sync()
	}
	return nil
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	// Equivalent of slog.DiscardHandler (Go 1.24+) for older toolchains:
	// no record is ever enabled, so nothing is formatted or written.
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
}

var levelNames = map[Level]string{
	LevelDebug: "debug",
	LevelInfo:  "info",
	LevelWarn:  "warn",
	LevelError: "error",
}

// ParseLevel accepts debug, info, warn (or warning) and error in any case.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(s)
	if s == "warning" {
		return LevelWarn, nil
	}
	for level, name := range levelNames {
		if name == s {
			return level, nil
		}
	}
	return LevelInfo, fmt.Errorf("unknown log level: %q", s)
}

// LevelString is the inverse of ParseLevel; unknown levels read as info.
func LevelString(level Level) string {
	if name, ok := levelNames[level]; ok {
		return name
	}
	return "info"
}
