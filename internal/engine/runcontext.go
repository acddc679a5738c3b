package engine

import (
	"encoding/json"
	"maps"
	"sync"

	"github.com/opsflow-io/opsflow/pkg/schema"
)

// RunContext is the accumulating key-value state of one run. Steps read a
// frozen snapshot and their outputs are merged in one atomic batch after the
// step succeeds, so a step never observes a half-written context.
type RunContext struct {
	mu   sync.RWMutex
	data map[string]any
}

// NewRunContext creates a run context seeded with trigger provenance under
// the reserved "trigger" key.
func NewRunContext(trigger map[string]any) *RunContext {
	data := make(map[string]any)
	if trigger != nil {
		data[schema.TriggerContextKey] = trigger
	}
	return &RunContext{data: data}
}

// RestoreRunContext rebuilds a context from persisted or replayed state.
func RestoreRunContext(data map[string]any) *RunContext {
	if data == nil {
		data = make(map[string]any)
	}
	return &RunContext{data: data}
}

// Snapshot returns a shallow copy of the current context. Nested values are
// treated as immutable once merged; steps produce fresh values rather than
// mutating old ones.
func (rc *RunContext) Snapshot() map[string]any {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return maps.Clone(rc.data)
}

// Merge applies a step's extracted outputs as one batch. Writing the reserved
// trigger key is rejected; registration-time validation makes this
// unreachable for validated definitions.
func (rc *RunContext) Merge(outputs map[string]any) error {
	if len(outputs) == 0 {
		return nil
	}
	if _, ok := outputs[schema.TriggerContextKey]; ok {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"output key %q is reserved for trigger provenance", schema.TriggerContextKey)
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()
	for k, v := range outputs {
		rc.data[k] = v
	}
	return nil
}

// MarshalJSON serializes the current context for persistence.
func (rc *RunContext) MarshalJSON() ([]byte, error) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return json.Marshal(rc.data)
}

// Len returns the number of top-level keys.
func (rc *RunContext) Len() int {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return len(rc.data)
}
