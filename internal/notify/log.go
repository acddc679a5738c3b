package notify

import (
	"context"
	"log/slog"
)

// LogNotifier writes notifications to the structured log. Default channel for
// deployments without an external paging or chat integration.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Channel returns the channel identifier.
func (l *LogNotifier) Channel() string { return "log" }

// Notify writes the notification at warn level.
func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	l.logger.WarnContext(ctx, n.Subject,
		"run_id", n.RunID,
		"step_id", n.StepID,
		"recipients", n.Recipients,
		"body", n.Body,
	)
	return nil
}

var _ Notifier = (*LogNotifier)(nil)
