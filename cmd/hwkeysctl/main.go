// hwkeysctl is the control CLI for hwkeysd.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/term"

	"hwkeysd/internal/config"
	"hwkeysd/internal/daemon"
	"hwkeysd/internal/ipc"
)

// Version is set at build time.
var Version = "dev"

// errUsage marks a malformed command line; the message is already printed.
var errUsage = errors.New("usage")

// palette holds ANSI escapes, empty when output is not a terminal.
type palette struct {
	Reset, Bold, Dim, Green, Yellow, Red, Cyan string
}

func newPalette(w io.Writer) palette {
	if os.Getenv("NO_COLOR") != "" {
		return palette{}
	}
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return palette{}
	}
	return palette{
		Reset:  "\033[0m",
		Bold:   "\033[1m",
		Dim:    "\033[2m",
		Green:  "\033[32m",
		Yellow: "\033[33m",
		Red:    "\033[31m",
		Cyan:   "\033[36m",
	}
}

type cli struct {
	stdout, stderr io.Writer
	c              palette

	configPath string
	socketPath string
	asJSON     bool
	timeout    time.Duration

	cfg *config.Config
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	a := &cli{stdout: stdout, stderr: stderr, c: newPalette(stdout)}

	fs := flag.NewFlagSet("hwkeysctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&a.configPath, "config", "", "path to config file")
	fs.StringVar(&a.socketPath, "socket", "", "control socket (default: from config)")
	fs.BoolVar(&a.asJSON, "json", false, "print replies as JSON")
	fs.DurationVar(&a.timeout, "timeout", 10*time.Second, "request timeout")
	fs.Usage = func() { usage(stderr) }
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if fs.NArg() < 1 {
		usage(stderr)
		return 2
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	var err error
	switch cmd {
	case "status":
		err = a.cmdStatus(rest)
	case "health":
		err = a.cmdHealth(rest)
	case "get":
		err = a.cmdGet(rest)
	case "set":
		err = a.cmdSet(rest)
	case "unset":
		err = a.cmdUnset(rest)
	case "list":
		err = a.cmdList(rest)
	case "inject":
		err = a.cmdInject(rest)
	case "gesture":
		err = a.cmdGesture(rest)
	case "state":
		err = a.cmdState(rest)
	case "catalog":
		err = a.cmdCatalog(rest)
	case "history":
		err = a.cmdHistory(rest)
	case "stop":
		err = a.cmdStop(rest)
	case "reload":
		err = a.cmdReload()
	case "version":
		fmt.Fprintf(stdout, "hwkeysctl %s\n", Version)
	case "help":
		usage(stdout)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", cmd)
		usage(stderr)
		return 2
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		return 2
	default:
		a.printError(err)
		return 1
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `hwkeysctl - Control utility for hwkeysd

Usage: hwkeysctl [options] <command> [args]

Commands:
  status [-metrics]            Show daemon, engine and gesture state
  health [-full]               Show component health
  get <key>                    Print a binding
  set <key> <value>            Write a binding
  unset <key>                  Delete a binding, restoring the catalog default
  list [prefix]                List stored bindings
  inject [flags] <code> [act]  Inject a key event (act: tap, down, up, long_press)
  gesture <scan-code>          Inject a screen-off gesture
  state [<name> <on|off>]      Show or override a device state flag
  catalog                      Show the loaded keys, gestures and binding keys
  history [-n N]               Show recent binding changes from the database
  stop [-wait D]               Stop the daemon
  reload                       Ask the daemon to re-read every binding
  version                      Print the version
  help                         Show this help message

Options:
  -config <path>   Config file (default: $XDG_CONFIG_HOME/hwkeysd/config.toml)
  -socket <path>   Control socket, overriding the config
  -json            Print replies as JSON
  -timeout <dur>   Request timeout (default 10s)`)
}

// config loads the config once. A missing file yields the defaults.
func (a *cli) config() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg
	return cfg, nil
}

func (a *cli) socket() (string, error) {
	if a.socketPath != "" {
		return a.socketPath, nil
	}
	cfg, err := a.config()
	if err != nil {
		return "", err
	}
	return cfg.IPC.SocketPath, nil
}

func (a *cli) manager() (*daemon.Manager, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	return daemon.NewManager(cfg.Daemon.PidFile, cfg.Daemon.StateFile), nil
}

func (a *cli) connect() (*ipc.IPCClient, error) {
	path, err := a.socket()
	if err != nil {
		return nil, err
	}
	cfg := ipc.DefaultClientConfig(path)
	cfg.ClientVersion = Version
	cfg.RequestTimeout = a.timeout

	client := ipc.NewClient(cfg)
	if err := client.Connect(); err != nil {
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			fmt.Fprintf(a.stderr, "  %sTip%s: start the daemon with: hwkeysd run\n", a.c.Dim, a.c.Reset)
		}
		return nil, fmt.Errorf("cannot connect to daemon at %s: %w", path, err)
	}
	return client, nil
}

func (a *cli) printError(err error) {
	if ipc.IsPermissionDenied(err) {
		fmt.Fprintf(a.stderr, "%sError%s: %v (the daemon grants write access to its own user only)\n", a.c.Red, a.c.Reset, err)
		return
	}
	fmt.Fprintf(a.stderr, "%sError%s: %v\n", a.c.Red, a.c.Reset, err)
}

func (a *cli) printSection(title string) {
	fmt.Fprintf(a.stdout, "\n%s%s%s\n", a.c.Bold, title, a.c.Reset)
}

func (a *cli) field(name string, format string, args ...any) {
	fmt.Fprintf(a.stdout, "  %s%-14s%s %s\n", a.c.Dim, name, a.c.Reset, fmt.Sprintf(format, args...))
}

func (a *cli) usageError(msg string) error {
	fmt.Fprintf(a.stderr, "Usage: hwkeysctl %s\n", msg)
	return errUsage
}
