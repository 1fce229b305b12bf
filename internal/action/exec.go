package action

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
)

// Fallback is the ExecSink command key used for actions without their own
// entry.
const Fallback = "*"

// ExecSink runs a command per action. The command is started and reaped
// in the background; its exit status is only logged. The action and the
// long-press flag are exported to the child as HWKEYSD_ACTION and
// HWKEYSD_LONG_PRESS.
type ExecSink struct {
	commands map[string][]string
	logger   *slog.Logger
}

// NewExecSink returns a sink for the given action → argv table.
func NewExecSink(commands map[string][]string, logger *slog.Logger) *ExecSink {
	if logger == nil {
		logger = slog.Default()
	}
	table := make(map[string][]string, len(commands))
	for a, argv := range commands {
		if len(argv) > 0 {
			table[a] = append([]string(nil), argv...)
		}
	}
	return &ExecSink{commands: table, logger: logger}
}

func (s *ExecSink) ProcessAction(_ context.Context, action string, longPress bool) error {
	argv, ok := s.commands[action]
	if !ok {
		argv, ok = s.commands[Fallback]
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}

	// The child outlives the dispatch, so it must not inherit a context
	// that is cancelled when the event is done.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(),
		"HWKEYSD_ACTION="+action,
		"HWKEYSD_LONG_PRESS="+strconv.FormatBool(longPress),
	)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", argv[0], err)
	}

	go func() {
		if err := cmd.Wait(); err != nil {
			s.logger.Warn("action command failed", "action", action, "command", argv[0], "error", err)
		}
	}()
	return nil
}
