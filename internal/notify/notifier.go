// Package notify delivers escalation notifications when a step exhausts its
// retries or an approval decision is needed. Channels map to Notifier
// implementations; a step's NotificationPolicy selects recipients per channel.
package notify

import (
	"context"
	"time"
)

// Notification is one escalation message.
type Notification struct {
	RunID      string         `json:"run_id"`
	StepID     string         `json:"step_id,omitempty"`
	Subject    string         `json:"subject"`
	Body       string         `json:"body,omitempty"`
	Recipients []string       `json:"recipients,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Notifier delivers notifications over one channel.
type Notifier interface {
	Channel() string
	Notify(ctx context.Context, n Notification) error
}
