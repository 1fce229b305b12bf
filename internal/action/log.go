package action

import (
	"context"
	"log/slog"
)

// LogSink records actions in the log and does nothing else.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) ProcessAction(ctx context.Context, action string, longPress bool) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "action", "action", action, "long_press", longPress)
	return nil
}

func (s LogSink) Preload(ctx context.Context, action string) error {
	if s.Logger != nil {
		s.Logger.DebugContext(ctx, "preload", "action", action)
	}
	return nil
}

func (s LogSink) CancelPreload(ctx context.Context, action string) error {
	if s.Logger != nil {
		s.Logger.DebugContext(ctx, "cancel preload", "action", action)
	}
	return nil
}
