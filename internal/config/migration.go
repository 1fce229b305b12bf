package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// MigrationResult records one upgrade of a config file.
type MigrationResult struct {
	FromVersion int      `json:"from_version"`
	ToVersion   int      `json:"to_version"`
	Backup      string   `json:"backup,omitempty"`
	Changes     []string `json:"changes,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
}

func (r *MigrationResult) changed(format string, args ...any) {
	r.Changes = append(r.Changes, fmt.Sprintf(format, args...))
}

func (r *MigrationResult) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// upgrades[v] lifts a config from version v to v+1.
var upgrades = map[int]func(*Config, *MigrationResult){
	1: upgradeV1,
}

// upgradeV1 makes the prewarm set and the proximity wake lock explicit.
// Version 1 always prewarmed recents and held no wake lock setting.
func upgradeV1(cfg *Config, r *MigrationResult) {
	if len(cfg.Actions.Prewarm) == 0 {
		cfg.Actions.Prewarm = []string{"**recents**"}
		r.changed("actions.prewarm set to %q", cfg.Actions.Prewarm)
	}
	if cfg.Proximity.WakeLock == "" {
		cfg.Proximity.WakeLock = "sysfs"
		r.changed("proximity.wake_lock set to %q", "sysfs")
	}
	if cfg.Timing.ProximityTimeoutMs == 0 {
		cfg.Timing.ProximityTimeoutMs = 200
		r.changed("timing.proximity_timeout_ms set to %d", 200)
	}
	if cfg.Proximity.Backend == "none" && cfg.Catalog.GesturesPath != "" {
		r.warn("gestures are dispatched without proximity gating")
	}
}

// MigrateConfig upgrades cfg in place to the current Version and returns
// nil when it is already current. A non-empty configPath is copied to a
// timestamped backup first.
func MigrateConfig(cfg *Config, configPath string) (*MigrationResult, error) {
	if cfg.Version >= Version {
		return nil, nil
	}
	if cfg.Version < 1 {
		return nil, fmt.Errorf("unknown version %d", cfg.Version)
	}

	r := &MigrationResult{FromVersion: cfg.Version, ToVersion: Version}
	if configPath != "" {
		backup, err := backupConfig(configPath)
		if err != nil {
			r.warn("could not create backup: %v", err)
		}
		r.Backup = backup
	}

	for cfg.Version < Version {
		up, ok := upgrades[cfg.Version]
		if !ok {
			return r, fmt.Errorf("no upgrade from v%d", cfg.Version)
		}
		up(cfg, r)
		cfg.Version++
	}
	return r, nil
}

// backupConfig copies path next to itself and returns the copy's path, or
// "" when there is nothing to back up.
func backupConfig(path string) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	backup := path + ".backup-" + time.Now().Format("20060102-150405")
	if err := os.WriteFile(backup, data, 0600); err != nil {
		return "", err
	}
	return backup, nil
}

// SaveConfig writes cfg as JSON, YAML or TOML according to the file
// extension, defaulting to TOML.
func SaveConfig(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)
	switch filepath.Ext(path) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = encodeTOML(cfg)
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return writePrivate(path, data)
}

// writePrivate writes data readable by the owner only, creating parents.
func writePrivate(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func migrationHistoryPath() string {
	return filepath.Join(DataDir(), "migration_history.json")
}

// GetMigrationHistory returns every recorded migration, oldest first.
func GetMigrationHistory() ([]MigrationResult, error) {
	data, err := os.ReadFile(migrationHistoryPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read migration history: %w", err)
	}
	var history []MigrationResult
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("parse migration history: %w", err)
	}
	return history, nil
}

// SaveMigrationHistory appends result to the history file. An unreadable
// history is replaced.
func SaveMigrationHistory(result *MigrationResult) error {
	history, _ := GetMigrationHistory()
	data, err := json.MarshalIndent(append(history, *result), "", "  ")
	if err != nil {
		return fmt.Errorf("encode migration history: %w", err)
	}
	return writePrivate(migrationHistoryPath(), data)
}
