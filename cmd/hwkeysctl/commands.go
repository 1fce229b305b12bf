package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"hwkeysd/internal/ipc"
	"hwkeysd/internal/store"
)

func (a *cli) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), a.timeout)
}

// subFlags parses the flags of one command.
func (a *cli) subFlags(name string, args []string, define func(fs *flag.FlagSet)) ([]string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	define(fs)
	if err := fs.Parse(args); err != nil {
		return nil, errUsage
	}
	return fs.Args(), nil
}

func (a *cli) printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, string(data))
	return nil
}

func (a *cli) cmdStatus(args []string) error {
	var metrics bool
	if _, err := a.subFlags("status", args, func(fs *flag.FlagSet) {
		fs.BoolVar(&metrics, "metrics", false, "include counters")
	}); err != nil {
		return err
	}

	client, err := a.connect()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := a.ctx()
	defer cancel()
	status, err := client.Status(ctx, metrics)
	if err != nil {
		return fmt.Errorf("get status: %w", err)
	}
	if a.asJSON {
		return a.printJSON(status)
	}

	a.printSection("DAEMON")
	a.field("Version", "%s%s%s", a.c.Cyan, status.Version, a.c.Reset)
	a.field("PID", "%d", status.PID)
	a.field("Started", "%s", status.StartedAt.Format(time.RFC3339))
	a.field("Uptime", "%s", status.Uptime)
	a.field("Store", "%s", status.Store)
	a.field("Clients", "%d", status.Clients)

	a.printSection("DEVICE")
	for _, name := range sortedKeys(status.Signals) {
		a.field(name, "%s", a.onOff(status.Signals[name]))
	}

	a.printSection("ENGINE")
	a.field("Double tap", "%s", status.Engine.DoubleTapTimeout)
	a.field("Prewarm", "%s", strings.Join(status.Engine.Prewarm, ", "))
	if status.Engine.Prewarmed != "" {
		a.field("Prewarmed", "%s", status.Engine.Prewarmed)
	}
	for _, cat := range status.Engine.Categories {
		state := a.c.Green + "enabled" + a.c.Reset
		if cat.Disabled {
			state = a.c.Yellow + "disabled" + a.c.Reset
		}
		a.field("Category", "%s %s", cat.Key, state)
	}
	for _, b := range status.Engine.Buttons {
		line := fmt.Sprintf("%-10s tap=%s", fmt.Sprintf("(%d)", b.KeyCode), b.Tap)
		if b.Multi {
			line += fmt.Sprintf(" double=%s long=%s", b.DoubleTap, b.LongPress)
		}
		if b.Pressed {
			line += " " + a.c.Cyan + "pressed" + a.c.Reset
		}
		a.field(b.Name, "%s", line)
	}

	a.printSection("GESTURES")
	a.field("Registered", "%d", status.Gestures.Registered)
	a.field("Proximity", "%s", a.onOff(status.Gestures.Sensor))
	a.field("In flight", "%s", a.onOff(status.Gestures.InFlight))

	if len(status.Metrics) > 0 {
		a.printSection("METRICS")
		for _, name := range sortedKeys(status.Metrics) {
			a.field(name, "%v", status.Metrics[name])
		}
	}
	fmt.Fprintln(a.stdout)
	return nil
}

func (a *cli) cmdHealth(args []string) error {
	var full bool
	if _, err := a.subFlags("health", args, func(fs *flag.FlagSet) {
		fs.BoolVar(&full, "full", false, "run every check now")
	}); err != nil {
		return err
	}

	client, err := a.connect()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := a.ctx()
	defer cancel()
	report, err := client.Health(ctx, full)
	if err != nil {
		return fmt.Errorf("get health: %w", err)
	}
	if a.asJSON {
		return a.printJSON(report)
	}

	a.printSection("HEALTH")
	a.field("Status", "%s", a.status(string(report.Status)))
	a.field("Ready", "%s", a.onOff(report.Ready))
	a.field("Uptime", "%s", report.Uptime)
	for _, name := range sortedKeys(report.Components) {
		r := report.Components[name]
		msg := r.Message
		if r.Error != "" {
			msg = r.Error
		}
		a.field(name, "%s %s", a.status(string(r.Status)), msg)
	}
	fmt.Fprintln(a.stdout)
	return nil
}

func (a *cli) cmdGet(args []string) error {
	if len(args) != 1 {
		return a.usageError("get <key>")
	}
	client, err := a.connect()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := a.ctx()
	defer cancel()
	resp, err := client.GetBinding(ctx, args[0])
	if err != nil {
		return fmt.Errorf("get %s: %w", args[0], err)
	}
	if a.asJSON {
		return a.printJSON(resp)
	}
	if !resp.Found {
		fmt.Fprintf(a.stdout, "%s%s is not set (catalog default)%s\n", a.c.Dim, resp.Key, a.c.Reset)
		return nil
	}
	fmt.Fprintln(a.stdout, resp.Value)
	return nil
}

func (a *cli) cmdSet(args []string) error {
	if len(args) != 2 {
		return a.usageError("set <key> <value>")
	}
	client, err := a.connect()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := a.ctx()
	defer cancel()
	if err := client.PutBinding(ctx, args[0], args[1]); err != nil {
		return fmt.Errorf("set %s: %w", args[0], err)
	}
	fmt.Fprintf(a.stdout, "%s = %s\n", args[0], args[1])
	return nil
}

func (a *cli) cmdUnset(args []string) error {
	if len(args) != 1 {
		return a.usageError("unset <key>")
	}
	client, err := a.connect()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := a.ctx()
	defer cancel()
	found, err := client.DeleteBinding(ctx, args[0])
	if err != nil {
		return fmt.Errorf("unset %s: %w", args[0], err)
	}
	if !found {
		fmt.Fprintf(a.stdout, "%s was not set\n", args[0])
		return nil
	}
	fmt.Fprintf(a.stdout, "%s removed\n", args[0])
	return nil
}

func (a *cli) cmdList(args []string) error {
	if len(args) > 1 {
		return a.usageError("list [prefix]")
	}
	prefix := ""
	if len(args) == 1 {
		prefix = args[0]
	}

	client, err := a.connect()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := a.ctx()
	defer cancel()
	all, err := client.ListBindings(ctx, prefix)
	if err != nil {
		return fmt.Errorf("list bindings: %w", err)
	}
	if a.asJSON {
		return a.printJSON(all)
	}
	if len(all) == 0 {
		fmt.Fprintf(a.stdout, "%sNo bindings stored.%s\n", a.c.Dim, a.c.Reset)
		return nil
	}
	for _, k := range sortedKeys(all) {
		fmt.Fprintf(a.stdout, "%-32s %s\n", k, all[k])
	}
	return nil
}

func (a *cli) cmdInject(args []string) error {
	req := ipc.InjectKeyRequest{Action: ipc.InjectTap}
	rest, err := a.subFlags("inject", args, func(fs *flag.FlagSet) {
		fs.IntVar(&req.ScanCode, "scan", 0, "scan code")
		fs.IntVar(&req.Repeat, "repeat", 0, "repeat count of a down event")
		fs.BoolVar(&req.Canceled, "canceled", false, "mark an up event canceled")
	})
	if err != nil {
		return err
	}
	if len(rest) < 1 || len(rest) > 2 {
		return a.usageError("inject [-scan N] [-repeat N] [-canceled] <key-code> [tap|down|up|long_press]")
	}
	req.KeyCode, err = strconv.Atoi(rest[0])
	if err != nil || req.KeyCode <= 0 {
		return a.usageError("inject <key-code>: key code must be a positive integer")
	}
	if len(rest) == 2 {
		req.Action = rest[1]
	}

	client, err := a.connect()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := a.ctx()
	defer cancel()
	resp, err := client.InjectKey(ctx, req)
	if err != nil {
		return fmt.Errorf("inject: %w", err)
	}
	if a.asJSON {
		return a.printJSON(resp)
	}
	for _, r := range resp.Results {
		fmt.Fprintf(a.stdout, "%-16s %s\n", r.Event, a.consumed(r.Consumed))
	}
	return nil
}

func (a *cli) cmdGesture(args []string) error {
	if len(args) != 1 {
		return a.usageError("gesture <scan-code>")
	}
	scan, err := strconv.Atoi(args[0])
	if err != nil || scan <= 0 {
		return a.usageError("gesture <scan-code>: scan code must be a positive integer")
	}

	client, err := a.connect()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := a.ctx()
	defer cancel()
	consumed, err := client.InjectGesture(ctx, scan)
	if err != nil {
		return fmt.Errorf("gesture: %w", err)
	}
	fmt.Fprintf(a.stdout, "gesture %d %s\n", scan, a.consumed(consumed))
	return nil
}

func (a *cli) cmdState(args []string) error {
	if len(args) != 0 && len(args) != 2 {
		return a.usageError("state [<name> <on|off>]")
	}

	client, err := a.connect()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := a.ctx()
	defer cancel()

	var flags map[string]bool
	if len(args) == 0 {
		status, err := client.Status(ctx, false)
		if err != nil {
			return fmt.Errorf("get state: %w", err)
		}
		flags = status.Signals
	} else {
		v, err := parseOnOff(args[1])
		if err != nil {
			return a.usageError("state <name> <on|off>: " + err.Error())
		}
		flags, err = client.SetState(ctx, args[0], v)
		if err != nil {
			return fmt.Errorf("set state: %w", err)
		}
	}

	if a.asJSON {
		return a.printJSON(flags)
	}
	for _, name := range sortedKeys(flags) {
		fmt.Fprintf(a.stdout, "%-12s %s\n", name, a.onOff(flags[name]))
	}
	return nil
}

func (a *cli) cmdCatalog(args []string) error {
	if len(args) != 0 {
		return a.usageError("catalog")
	}
	client, err := a.connect()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := a.ctx()
	defer cancel()
	cat, err := client.Catalog(ctx)
	if err != nil {
		return fmt.Errorf("get catalog: %w", err)
	}
	if a.asJSON {
		return a.printJSON(cat)
	}

	for _, category := range cat.Categories {
		a.printSection(strings.ToUpper(category.Key))
		if category.DisabledKey != "" {
			a.field("Disable with", "%s", category.DisabledKey)
		}
		for _, k := range category.Keys {
			a.field(k.Name, "code %d, default %s", k.KeyCode, k.DefaultAction)
			fmt.Fprintf(a.stdout, "  %-14s %s%s%s\n", "", a.c.Dim, strings.Join(k.BindingKeys, " "), a.c.Reset)
		}
	}
	if len(cat.Gestures) > 0 {
		a.printSection("GESTURES")
		for _, g := range cat.Gestures {
			a.field(strconv.Itoa(g.ScanCode), "%s, default %s (%s)", g.Name, g.DefaultAction, g.BindingKey)
		}
	}
	fmt.Fprintln(a.stdout)
	return nil
}

// cmdHistory reads the database directly, so it works while the daemon
// is stopped.
func (a *cli) cmdHistory(args []string) error {
	limit := 50
	if _, err := a.subFlags("history", args, func(fs *flag.FlagSet) {
		fs.IntVar(&limit, "n", 50, "number of changes")
	}); err != nil {
		return err
	}

	cfg, err := a.config()
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.Store.Path); os.IsNotExist(err) {
		fmt.Fprintf(a.stdout, "%sNo binding database at %s.%s\n", a.c.Dim, cfg.Store.Path, a.c.Reset)
		return nil
	}

	s, err := store.Open(cfg.Store.Path, store.Options{})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer s.Close()

	entries, err := s.History(limit)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	if a.asJSON {
		return a.printJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(a.stdout, "No binding changes recorded.")
		return nil
	}
	writeHistory(a.stdout, entries)
	return nil
}

func writeHistory(w io.Writer, entries []store.HistoryEntry) {
	fmt.Fprintf(w, "%-20s %-32s %s\n", "Changed", "Key", "Value")
	fmt.Fprintln(w, strings.Repeat("-", 70))
	for _, e := range entries {
		value := e.Value
		if e.Deleted {
			value = "(deleted)"
		}
		fmt.Fprintf(w, "%-20s %-32s %s\n", e.ChangedAt.Local().Format("2006-01-02 15:04:05"), e.Name, value)
	}
}

func (a *cli) cmdStop(args []string) error {
	wait := 10 * time.Second
	if _, err := a.subFlags("stop", args, func(fs *flag.FlagSet) {
		fs.DurationVar(&wait, "wait", 10*time.Second, "time to wait for exit, 0 to return at once")
	}); err != nil {
		return err
	}

	m, err := a.manager()
	if err != nil {
		return err
	}
	if !m.IsRunning() {
		fmt.Fprintln(a.stdout, "hwkeysd is not running")
		return nil
	}
	if err := m.SignalStop(); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	if wait > 0 {
		if err := m.WaitForStop(wait); err != nil {
			return fmt.Errorf("stop: %w", err)
		}
	}
	fmt.Fprintln(a.stdout, "hwkeysd stopped")
	return nil
}

func (a *cli) cmdReload() error {
	m, err := a.manager()
	if err != nil {
		return err
	}
	if err := m.SignalReload(); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	fmt.Fprintln(a.stdout, "reload requested")
	return nil
}

func (a *cli) onOff(v bool) string {
	if v {
		return a.c.Green + "on" + a.c.Reset
	}
	return a.c.Dim + "off" + a.c.Reset
}

func (a *cli) consumed(v bool) string {
	if v {
		return a.c.Green + "consumed" + a.c.Reset
	}
	return a.c.Dim + "passed" + a.c.Reset
}

func (a *cli) status(s string) string {
	switch s {
	case "healthy":
		return a.c.Green + s + a.c.Reset
	case "degraded":
		return a.c.Yellow + s + a.c.Reset
	default:
		return a.c.Red + s + a.c.Reset
	}
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "1", "yes":
		return true, nil
	case "off", "false", "0", "no":
		return false, nil
	}
	return false, fmt.Errorf("%q is not on or off", s)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
