package logging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/adrg/xdg"
)

// CrashReport is the JSON dump written for a recovered panic.
type CrashReport struct {
	Timestamp    time.Time      `json:"timestamp"`
	Version      string         `json:"version"`
	GOOS         string         `json:"goos"`
	GOARCH       string         `json:"goarch"`
	NumGoroutine int            `json:"num_goroutine"`
	PanicValue   string         `json:"panic_value"`
	StackTrace   string         `json:"stack_trace"`
	Component    string         `json:"component,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// CrashHandlerConfig configures NewCrashHandler.
type CrashHandlerConfig struct {
	// CrashDir receives one file per panic. Empty disables dumps.
	CrashDir string
	Version  string
	Logger   *slog.Logger
	// OnCrash runs after the panic is logged.
	OnCrash func(CrashReport)
}

// CrashHandler keeps a panic in one loop from taking the daemon down
// silently: the panic is logged and dumped, and the caller decides what
// to do next.
type CrashHandler struct {
	cfg CrashHandlerConfig

	mu  sync.Mutex
	seq int
}

// DefaultCrashDir is under the XDG state home.
func DefaultCrashDir() string {
	return filepath.Join(xdg.StateHome, "hwkeysd", "crashes")
}

func NewCrashHandler(cfg *CrashHandlerConfig) *CrashHandler {
	h := &CrashHandler{}
	if cfg != nil {
		h.cfg = *cfg
	}
	if h.cfg.Logger == nil {
		h.cfg.Logger = slog.Default()
	}
	if dir := h.cfg.CrashDir; dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			h.cfg.Logger.Warn("crash directory unavailable", "dir", dir, "error", err)
		}
	}
	return h
}

// Recover runs fn and reports whether it panicked. A panic is handled by
// HandlePanic and does not propagate.
func (h *CrashHandler) Recover(component string, info map[string]any, fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			h.HandlePanic(component, r, info)
		}
	}()
	fn()
	return false
}

// HandlePanic logs and dumps a recovered panic value.
func (h *CrashHandler) HandlePanic(component string, value any, info map[string]any) {
	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.cfg.Version,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		PanicValue:   fmt.Sprint(value),
		StackTrace:   string(debug.Stack()),
		Component:    component,
		Context:      info,
	}

	h.mu.Lock()
	path, err := h.dump(report)
	h.mu.Unlock()

	log := h.cfg.Logger
	if err != nil {
		log.Error("crash dump failed", "error", err)
	}
	log.Error("recovered panic", "component", component, "panic", report.PanicValue, "dump", path)

	if h.cfg.OnCrash != nil {
		h.cfg.OnCrash(report)
	}
}

// dump writes report and returns its path. The caller holds h.mu.
func (h *CrashHandler) dump(report CrashReport) (string, error) {
	if h.cfg.CrashDir == "" {
		return "", nil
	}
	h.seq++
	name := fmt.Sprintf("crash-%s-%s-%d.json", report.Component, report.Timestamp.Format("20060102-150405"), h.seq)
	path := filepath.Join(h.cfg.CrashDir, name)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

func (h *CrashHandler) dumpFiles() ([]string, error) {
	if h.cfg.CrashDir == "" {
		return nil, nil
	}
	return filepath.Glob(filepath.Join(h.cfg.CrashDir, "crash-*.json"))
}

// GetCrashReports reads every dump, skipping unreadable ones.
func (h *CrashHandler) GetCrashReports() ([]CrashReport, error) {
	files, err := h.dumpFiles()
	if err != nil {
		return nil, err
	}
	var reports []CrashReport
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		var r CrashReport
		if json.Unmarshal(data, &r) == nil {
			reports = append(reports, r)
		}
	}
	return reports, nil
}

// CleanupOldCrashReports deletes dumps last modified before maxAge ago.
func (h *CrashHandler) CleanupOldCrashReports(maxAge time.Duration) error {
	files, err := h.dumpFiles()
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-maxAge)
	for _, f := range files {
		if info, err := os.Stat(f); err == nil && info.ModTime().Before(cutoff) {
			os.Remove(f)
		}
	}
	return nil
}
