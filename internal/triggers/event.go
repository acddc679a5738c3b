package triggers

import (
	"context"
	"encoding/json"

	"github.com/opsflow-io/opsflow/internal/streaming"
	"github.com/opsflow-io/opsflow/pkg/schema"
)

// subscribeOps attaches to the hub's operational topic. A nil hub disables
// event triggers; the returned channel is nil and never selected.
func (m *Manager) subscribeOps(ctx context.Context) (<-chan streaming.StreamEvent, func(), error) {
	if m.hub == nil {
		return nil, nil, nil
	}
	return m.hub.Subscribe(ctx, streaming.Filter{Topic: streaming.TopicOps})
}

// handleOpsEvent fires every event binding whose name matches the incoming
// operational event. The event payload rides into the run under the trigger
// provenance key.
func (m *Manager) handleOpsEvent(ctx context.Context, ev streaming.StreamEvent) {
	for _, b := range m.snapshotBindings() {
		if b.trigger.Kind != schema.TriggerKindEvent || b.trigger.Event != ev.Type {
			continue
		}
		m.fire(ctx, b, map[string]any{
			"kind":     string(schema.TriggerKindEvent),
			"event":    ev.Type,
			"payload":  normalizePayload(ev.Payload),
			"fired_at": ev.Timestamp,
		})
	}
}

// normalizePayload coerces arbitrary hub payloads into JSON-shaped values so
// they survive the context round-trip.
func normalizePayload(v any) any {
	if v == nil {
		return nil
	}
	switch v.(type) {
	case map[string]any, []any, string, float64, bool:
		return v
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

func marshalPayload(v map[string]any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
