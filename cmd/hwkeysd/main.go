// hwkeysd - hardware key and screen-off gesture daemon
//
//	hwkeysd run      Run the daemon in the foreground (default)
//	hwkeysd check    Validate the config, catalogs and binding database
//	hwkeysd init     Write the default config if none exists
//	hwkeysd version  Print the version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"hwkeysd/internal/catalog"
	"hwkeysd/internal/config"
	"hwkeysd/internal/daemon"
	"hwkeysd/internal/logging"
	"hwkeysd/internal/store"
)

// Version is set at build time.
var Version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("hwkeysd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to config file")
	debug := fs.Bool("debug", false, "log at debug level")
	fs.Usage = func() { usage(stderr) }
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cmd := "run"
	if fs.NArg() > 0 {
		cmd = fs.Arg(0)
	}

	switch cmd {
	case "run":
		return cmdRun(*configPath, *debug, stderr)
	case "check":
		return cmdCheck(*configPath, stdout, stderr)
	case "init":
		return cmdInit(*configPath, stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "hwkeysd %s\n", Version)
		return 0
	case "help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", cmd)
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `hwkeysd - Hardware key and screen-off gesture daemon

USAGE:
    hwkeysd [options] [command]

COMMANDS:
    run         Run the daemon in the foreground (default)
    check       Validate the config, key catalog and binding database
    init        Write the default config file if it does not exist
    version     Print the version
    help        Show this help message

OPTIONS:
    -config <path>  Config file (default: $XDG_CONFIG_HOME/hwkeysd/config.toml)
    -debug          Log at debug level

SIGNALS:
    SIGHUP          Re-read every binding from the database
    SIGINT/SIGTERM  Shut down`)
}

func cmdRun(configPath string, debug bool, stderr io.Writer) int {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config %s: %v\n", loader.Path(), err)
		return 1
	}

	lc, err := daemon.LoggerConfig(cfg.Logging)
	if err != nil {
		fmt.Fprintf(stderr, "Error in logging config: %v\n", err)
		return 1
	}
	if debug {
		lc.Level = logging.LevelDebug
	}
	logger, err := logging.New(lc)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening log: %v\n", err)
		return 1
	}
	defer logger.Close()
	slog.SetDefault(logger.Logger)

	if err := cfg.EnsureDirectories(); err != nil {
		logger.Error("cannot create directories", "error", err)
		return 1
	}

	d, err := daemon.New(cfg, daemon.Options{
		Version: Version,
		Loader:  loader,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}

	crash := logging.NewCrashHandler(&logging.CrashHandlerConfig{
		CrashDir: cfg.Daemon.CrashDir,
		Version:  Version,
		Logger:   logger.WithComponent("crash"),
	})
	var runErr error
	if crash.Recover("main", nil, func() { runErr = d.Run(context.Background()) }) {
		d.Close()
		return 2
	}

	switch {
	case errors.Is(runErr, daemon.ErrAlreadyRunning):
		fmt.Fprintf(stderr, "hwkeysd is already running (pid file %s)\n", cfg.Daemon.PidFile)
		d.Close()
		return 1
	case runErr != nil:
		logger.Error("daemon stopped with error", "error", runErr)
		return 1
	}
	return 0
}

func cmdCheck(configPath string, stdout, stderr io.Writer) int {
	path := configPath
	if path == "" {
		path = config.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(stderr, "Config: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Config:     %s\n", path)

	failed := false
	if err := cfg.Validate(); err != nil {
		var verrs config.ValidationErrors
		if errors.As(err, &verrs) {
			for _, w := range verrs.Warnings() {
				fmt.Fprintf(stdout, "  warning: %s\n", w.Error())
			}
			for _, e := range verrs.Errors() {
				fmt.Fprintf(stdout, "  error:   %s\n", e.Error())
			}
			failed = verrs.HasErrors()
		} else {
			fmt.Fprintf(stdout, "  error:   %v\n", err)
			failed = true
		}
	}

	cat, err := catalog.Load(cfg.Catalog.KeysPath, cfg.Catalog.GesturesPath)
	if err != nil {
		fmt.Fprintf(stdout, "Catalog:    %v\n", err)
		failed = true
	} else {
		fmt.Fprintf(stdout, "Catalog:    %d categories, %d keys, %d gestures\n",
			len(cat.Categories()), len(cat.KeyCodes()), len(cat.Gestures()))
	}

	if _, err := os.Stat(cfg.Store.Path); os.IsNotExist(err) {
		fmt.Fprintf(stdout, "Bindings:   %s (not created yet)\n", cfg.Store.Path)
	} else if err := checkStore(cfg.Store.Path, stdout); err != nil {
		fmt.Fprintf(stdout, "Bindings:   %v\n", err)
		failed = true
	}

	if _, err := os.Stat(cfg.Daemon.CrashDir); err == nil {
		crash := logging.NewCrashHandler(&logging.CrashHandlerConfig{CrashDir: cfg.Daemon.CrashDir, Logger: logging.Discard()})
		if reports, err := crash.GetCrashReports(); err == nil && len(reports) > 0 {
			fmt.Fprintf(stdout, "Crashes:    %d dumps in %s\n", len(reports), cfg.Daemon.CrashDir)
		}
	}

	if failed {
		fmt.Fprintln(stdout, "\nCheck FAILED")
		return 1
	}
	fmt.Fprintln(stdout, "\nCheck passed")
	return 0
}

func checkStore(path string, stdout io.Writer) error {
	s, err := store.Open(path, store.Options{})
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Validate(); err != nil {
		return err
	}
	status, err := s.MigrationStatus()
	if err != nil {
		return err
	}
	all, err := s.All()
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Bindings:   %s (schema v%d, %d entries)\n", path, status.CurrentVersion, len(all))
	return nil
}

func cmdInit(configPath string, stdout, stderr io.Writer) int {
	path := configPath
	if path == "" {
		path = config.ConfigPath()
	}
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(stdout, "Config already exists: %s\n", path)
		return 0
	}

	_, _, err := config.LoadOrCreate(path)
	if _, statErr := os.Stat(path); statErr != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Wrote default config: %s\n", path)
	if err != nil {
		fmt.Fprintf(stdout, "Edit it before starting the daemon: %v\n", err)
	}
	return 0
}
