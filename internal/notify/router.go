package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/opsflow-io/opsflow/pkg/schema"
)

// Router fans a notification out to the channels a policy names. Delivery is
// best-effort: one failing channel does not block the others, and notification
// failure never fails the run.
type Router struct {
	mu       sync.RWMutex
	channels map[string]Notifier
	logger   *slog.Logger
}

// NewRouter creates an empty Router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		channels: make(map[string]Notifier),
		logger:   logger,
	}
}

// Register adds a channel. Returns error on duplicate.
func (r *Router) Register(n Notifier) error {
	if n == nil {
		return schema.NewError(schema.ErrCodeValidation, "notifier is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.channels[n.Channel()]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "channel %q already registered", n.Channel())
	}
	r.channels[n.Channel()] = n
	return nil
}

// Dispatch sends the notification to every named channel. Unknown channels
// and delivery failures are logged and counted, not returned as errors.
func (r *Router) Dispatch(ctx context.Context, channels []string, n Notification) (sent, failed int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range channels {
		notifier, ok := r.channels[name]
		if !ok {
			r.logger.WarnContext(ctx, "notification channel not registered",
				"channel", name, "run_id", n.RunID, "step_id", n.StepID)
			failed++
			continue
		}
		if err := notifier.Notify(ctx, n); err != nil {
			r.logger.ErrorContext(ctx, "notification delivery failed",
				"channel", name, "run_id", n.RunID, "step_id", n.StepID, "error", err)
			failed++
			continue
		}
		sent++
	}
	return sent, failed
}
