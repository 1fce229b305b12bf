package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	for _, level := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		parsed, err := ParseLevel(LevelString(level))
		if err != nil || parsed != level {
			t.Errorf("round trip of %v gave %v, %v", level, parsed, err)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("json"); err != nil || f != FormatJSON {
		t.Errorf("json: got %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("empty: got %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("expected default level Info, got %v", cfg.Level)
	}
	if cfg.Output != "stderr" {
		t.Errorf("expected default output stderr, got %s", cfg.Output)
	}
	if cfg.Component != "hwkeysd" {
		t.Errorf("expected component hwkeysd, got %s", cfg.Component)
	}
	if !strings.HasSuffix(cfg.FilePath, filepath.Join("hwkeysd", "hwkeysd.log")) {
		t.Errorf("unexpected default log path %s", cfg.FilePath)
	}
}

func newBufferLogger(t *testing.T, format Format) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger, err := New(&Config{
		Level:     LevelInfo,
		Format:    format,
		Component: "test",
		Writer:    &buf,
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	t.Cleanup(func() { logger.Close() })
	return logger, &buf
}

func TestJSONFormat(t *testing.T) {
	logger, buf := newBufferLogger(t, FormatJSON)
	logger.Info("dispatch", "action", "**home**", "auth_token", "abc")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "dispatch" {
		t.Errorf("unexpected msg %v", entry["msg"])
	}
	if entry["component"] != "test" {
		t.Errorf("unexpected component %v", entry["component"])
	}
	if entry["auth_token"] != "[REDACTED]" {
		t.Errorf("token not redacted: %v", entry["auth_token"])
	}
	if entry["action"] != "**home**" {
		t.Errorf("unexpected action %v", entry["action"])
	}
}

func TestSetLevel(t *testing.T) {
	logger, buf := newBufferLogger(t, FormatText)
	child := logger.WithComponent("engine")

	child.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug written at info level: %q", buf.String())
	}

	logger.SetLevel(LevelDebug)
	child.Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("child logger did not follow level change: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "component=engine") {
		t.Errorf("component missing: %q", buf.String())
	}
	if logger.Level() != LevelDebug {
		t.Errorf("expected debug level, got %v", logger.Level())
	}
}

func TestShouldRedact(t *testing.T) {
	tests := []struct {
		key      string
		expected bool
	}{
		{"password", true},
		{"PASSWORD", true},
		{"secret", true},
		{"token", true},
		{"access_token", true},
		{"bearer", true},
		{"credential", true},
		{"cookie", true},
		{"key", false},
		{"key_code", false},
		{"action", false},
		{"scan_code", false},
	}

	for _, test := range tests {
		t.Run(test.key, func(t *testing.T) {
			result := shouldRedact(test.key)
			if result != test.expected {
				t.Errorf("shouldRedact(%q) = %v, expected %v", test.key, result, test.expected)
			}
		})
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "hwkeysd.log")
	logger, err := New(&Config{Level: LevelInfo, Output: "file", FilePath: path, MaxSize: 1})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	logger.Info("hello")
	if err := logger.Sync(); err != nil {
		t.Errorf("sync failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Errorf("log file missing entry: %q", data)
	}
}

func TestFileRotatorDailyRotation(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")

	cfg := &Config{
		FilePath:   logPath,
		MaxSize:    1,
		MaxBackups: 2,
		Compress:   false,
	}

	rotator, err := NewFileRotator(cfg)
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}
	defer rotator.Close()

	day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		now := day.AddDate(0, 0, i)
		rotator.mu.Lock()
		rotator.now = func() time.Time { return now }
		rotator.mu.Unlock()
		if _, err := rotator.Write([]byte("line\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	rotator.wg.Wait()

	files, err := rotator.GetLogFiles()
	if err != nil {
		t.Fatalf("failed to get log files: %v", err)
	}
	// Current file plus at most MaxBackups rotated ones.
	if len(files) != 3 {
		t.Errorf("expected 3 log files, got %d: %v", len(files), files)
	}
}

func TestFileRotatorSizeRotationCompresses(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")

	rotator, err := NewFileRotator(&Config{FilePath: logPath, MaxSize: 1, Compress: true})
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}

	chunk := bytes.Repeat([]byte("x"), 600*1024)
	for i := 0; i < 2; i++ {
		if _, err := rotator.Write(chunk); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := rotator.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	gz, _ := filepath.Glob(filepath.Join(filepath.Dir(logPath), "test-*.log.gz"))
	if len(gz) != 1 {
		t.Errorf("expected one compressed backup, got %v", gz)
	}
}

func TestCrashHandlerRecover(t *testing.T) {
	var buf bytes.Buffer
	crashes := 0
	handler := NewCrashHandler(&CrashHandlerConfig{
		CrashDir: t.TempDir(),
		Version:  "1.0.0",
		Logger:   newTestLogger(&buf),
		OnCrash:  func(CrashReport) { crashes++ },
	})

	ran := false
	panicked := handler.Recover("router", map[string]any{"key_code": 102}, func() {
		ran = true
		panic("intentional test panic")
	})
	if !ran || !panicked {
		t.Fatalf("ran=%v panicked=%v", ran, panicked)
	}
	if handler.Recover("router", nil, func() {}) {
		t.Error("clean run reported a panic")
	}

	reports, err := handler.GetCrashReports()
	if err != nil {
		t.Fatalf("failed to get crash reports: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected 1 report, got %d", len(reports))
	}
	r := reports[0]
	if r.PanicValue != "intentional test panic" || r.Component != "router" || r.Version != "1.0.0" {
		t.Errorf("unexpected report %+v", r)
	}
	if crashes != 1 {
		t.Errorf("OnCrash called %d times", crashes)
	}
	if !strings.Contains(buf.String(), "recovered panic") {
		t.Errorf("panic not logged: %q", buf.String())
	}

	if err := handler.CleanupOldCrashReports(-time.Second); err != nil {
		t.Errorf("cleanup failed: %v", err)
	}
	reports, _ = handler.GetCrashReports()
	if len(reports) != 0 {
		t.Errorf("expected reports removed, got %d", len(reports))
	}
}

func TestCrashHandlerWithoutDir(t *testing.T) {
	handler := NewCrashHandler(&CrashHandlerConfig{Logger: Discard()})
	handler.HandlePanic("x", "boom", nil)
	reports, err := handler.GetCrashReports()
	if err != nil || len(reports) != 0 {
		t.Errorf("expected no reports, got %v, %v", reports, err)
	}
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	l, _ := New(&Config{Level: LevelDebug, Writer: buf})
	return l.Logger
}
