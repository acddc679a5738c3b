package triggers

import (
	"context"
	"time"

	"github.com/opsflow-io/opsflow/pkg/schema"
)

// evalScheduled fires every scheduled binding whose next run time has passed
// and advances it to the following occurrence. A tick that covers several
// missed occurrences fires once; cron triggers are not a backlog queue.
func (m *Manager) evalScheduled(ctx context.Context, now time.Time) {
	for _, b := range m.snapshotBindings() {
		if b.trigger.Kind != schema.TriggerKindScheduled || b.schedule == nil {
			continue
		}

		m.mu.Lock()
		due := !b.nextRun.After(now)
		if due {
			b.nextRun = b.schedule.Next(now)
		}
		m.mu.Unlock()
		if !due {
			continue
		}

		m.fire(ctx, b, map[string]any{
			"kind":     string(schema.TriggerKindScheduled),
			"cron":     b.trigger.Cron,
			"fired_at": now,
		})
	}
}

// NextRun reports the next scheduled fire time for a definition's cron
// trigger, for status surfaces. ok is false when no scheduled binding exists.
func (m *Manager) NextRun(definitionID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bindings {
		if b.definitionID == definitionID && b.trigger.Kind == schema.TriggerKindScheduled {
			return b.nextRun, true
		}
	}
	return time.Time{}, false
}
