// Package streaming is the in-process event bus. The engine publishes run
// audit events on it, external integrations push operational events and
// metric samples into it, and trigger evaluation subscribes to both.
package streaming

import (
	"context"
	"time"
)

// Topics carried on the hub.
const (
	// TopicRuns carries engine audit events mirrored from the event log.
	TopicRuns = "runs"
	// TopicOps carries external operational events that fire event triggers.
	TopicOps = "ops"
	// TopicMetrics carries metric samples consumed by threshold triggers.
	TopicMetrics = "metrics"
)

// StreamEvent is one message on the hub.
type StreamEvent struct {
	Topic     string    `json:"topic"`
	Type      string    `json:"event_type"`
	RunID     string    `json:"run_id,omitempty"`
	StepID    string    `json:"step_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MetricSample is the payload of a TopicMetrics event.
type MetricSample struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Filter specifies which events a subscriber wants to receive.
type Filter struct {
	Topic string   `json:"topic,omitempty"`
	RunID string   `json:"run_id,omitempty"`
	Types []string `json:"event_types,omitempty"`
}

// Hub provides pub/sub for engine and trigger events.
type Hub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter Filter) (<-chan StreamEvent, func(), error)
}
