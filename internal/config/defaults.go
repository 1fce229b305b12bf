package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/adrg/xdg"
)

const appName = "hwkeysd"

// DataDir returns the data directory, honouring HWKEYSD_DATA_DIR.
//
// Default: $XDG_DATA_HOME/hwkeysd (~/.local/share/hwkeysd).
func DataDir() string {
	if envDir := os.Getenv("HWKEYSD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return filepath.Join(xdg.DataHome, appName)
}

// ConfigDir returns $XDG_CONFIG_HOME/hwkeysd.
func ConfigDir() string {
	return filepath.Join(xdg.ConfigHome, appName)
}

// StateDir returns $XDG_STATE_HOME/hwkeysd, home of logs and the state file.
func StateDir() string {
	return filepath.Join(xdg.StateHome, appName)
}

// RuntimeDir returns $XDG_RUNTIME_DIR/hwkeysd, or a per-user directory
// under the temp dir when no runtime dir is set.
func RuntimeDir() string {
	if os.Getenv("XDG_RUNTIME_DIR") != "" {
		return filepath.Join(xdg.RuntimeDir, appName)
	}
	return filepath.Join(os.TempDir(), appName+"-"+strconv.Itoa(os.Getuid()))
}

// DefaultPaths groups every default location.
type DefaultPaths struct {
	DataDir    string
	ConfigDir  string
	StateDir   string
	RuntimeDir string

	ConfigFile   string
	DatabaseFile string
	SocketPath   string
	PIDFile      string
}

// GetDefaultPaths returns all default paths for the current user.
func GetDefaultPaths() *DefaultPaths {
	dataDir := DataDir()
	configDir := ConfigDir()
	stateDir := StateDir()
	runtimeDir := RuntimeDir()

	return &DefaultPaths{
		DataDir:    dataDir,
		ConfigDir:  configDir,
		StateDir:   stateDir,
		RuntimeDir: runtimeDir,

		ConfigFile:   filepath.Join(configDir, "config.toml"),
		DatabaseFile: filepath.Join(dataDir, "bindings.db"),
		SocketPath:   filepath.Join(runtimeDir, "hwkeysd.sock"),
		PIDFile:      filepath.Join(runtimeDir, "hwkeysd.pid"),
	}
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{
		"toml",
		"json",
		"yaml",
		"yml",
	}
}

// FindConfigFile searches the user config directory, then the system
// config directories, for config.<ext>. It returns "" when none exists.
func FindConfigFile() string {
	searchDirs := []string{ConfigDir()}
	for _, d := range xdg.ConfigDirs {
		searchDirs = append(searchDirs, filepath.Join(d, appName))
	}

	for _, dir := range searchDirs {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}

	return ""
}
