package triggers

import (
	"context"
	"time"

	"github.com/opsflow-io/opsflow/internal/conditions"
	"github.com/opsflow-io/opsflow/pkg/schema"
)

// evalThresholds compares the latest cached sample of each threshold binding
// against its operator and value. A binding fires on crossing, then stays
// quiet until the cooldown elapses or the metric drops back under.
func (m *Manager) evalThresholds(ctx context.Context, now time.Time) {
	if m.metrics == nil {
		return
	}

	for _, b := range m.snapshotBindings() {
		if b.trigger.Kind != schema.TriggerKindThreshold {
			continue
		}
		sample, ok := m.metrics.Latest(b.trigger.Metric)
		if !ok {
			continue
		}

		breached := conditions.Compare(sample.Value, b.trigger.Operator, b.trigger.Value)

		m.mu.Lock()
		fire := false
		switch {
		case !breached:
			b.crossed = false
		case !b.crossed:
			b.crossed = true
			fire = true
			b.lastFired = now
		case now.Sub(b.lastFired) >= m.cooldown:
			fire = true
			b.lastFired = now
		}
		m.mu.Unlock()

		if !fire {
			continue
		}
		m.fire(ctx, b, map[string]any{
			"kind":      string(schema.TriggerKindThreshold),
			"metric":    b.trigger.Metric,
			"operator":  string(b.trigger.Operator),
			"threshold": b.trigger.Value,
			"value":     sample.Value,
			"fired_at":  now,
		})
	}
}
