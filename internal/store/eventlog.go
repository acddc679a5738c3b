package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opsflow-io/opsflow/pkg/schema"
)

// EventLog layers replay on top of a Store's append-only event stream. After
// a restart, ReplayRun reconstructs per-step state and the accumulated run
// context so an interrupted run resumes from its last completed step instead
// of starting over.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// Append records an event; the store assigns the per-run sequence.
func (el *EventLog) Append(ctx context.Context, event *Event) error {
	return el.store.AppendEvent(ctx, event)
}

// Events returns events for a run with sequence > since, ordered ascending.
func (el *EventLog) Events(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// ReplayResult is the state reconstructed from a run's event stream.
type ReplayResult struct {
	Steps   map[string]*StepRecord
	Context map[string]any
	// Parked reports whether the run was waiting on an approval when the
	// stream ends.
	Parked bool
}

// ReplayRun replays all events for a run. Returns an error if sequence gaps
// are detected: a gap means lost history and the run cannot be trusted.
func (el *EventLog) ReplayRun(ctx context.Context, runID string) (*ReplayResult, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	result := &ReplayResult{
		Steps:   make(map[string]*StepRecord),
		Context: make(map[string]any),
	}
	if len(events) == 0 {
		return result, nil
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence).
				WithRun(runID)
		}
	}

	for _, e := range events {
		el.applyEvent(result, e)
	}

	return result, nil
}

func (el *EventLog) applyEvent(result *ReplayResult, e *Event) {
	switch e.Type {
	case schema.EventContextMerged:
		var merged map[string]any
		if err := json.Unmarshal(e.Payload, &merged); err == nil {
			for k, v := range merged {
				result.Context[k] = v
			}
		}
		return

	case schema.EventRunParked:
		result.Parked = true
		return

	case schema.EventRunResumed:
		result.Parked = false
		return
	}

	if e.StepID == "" {
		return
	}

	rec, ok := result.Steps[e.StepID]
	if !ok {
		rec = &StepRecord{
			RunID:  e.RunID,
			StepID: e.StepID,
			Status: schema.StepStatusPending,
		}
		result.Steps[e.StepID] = rec
	}

	switch e.Type {
	case schema.EventStepSkipped:
		rec.Status = schema.StepStatusSkipped
		ts := e.Timestamp
		rec.CompletedAt = &ts

	case schema.EventStepGated:
		rec.Status = schema.StepStatusGated

	case schema.EventStepDispatching:
		rec.Status = schema.StepStatusDispatching
		if rec.StartedAt == nil {
			ts := e.Timestamp
			rec.StartedAt = &ts
		}
		rec.Attempt++

	case schema.EventStepRetrying:
		rec.Status = schema.StepStatusRetrying

	case schema.EventStepSucceeded:
		rec.Status = schema.StepStatusSucceeded
		ts := e.Timestamp
		rec.CompletedAt = &ts
		rec.Result = e.Payload
		if rec.StartedAt != nil {
			rec.DurationMs = ts.Sub(*rec.StartedAt).Milliseconds()
		}

	case schema.EventStepFailed:
		rec.Status = schema.StepStatusFailed
		ts := e.Timestamp
		rec.CompletedAt = &ts
		rec.Error = e.Payload

	case schema.EventApprovalGranted:
		// The step resumes dispatching after the grant; the next
		// step_dispatching event moves the status forward.

	case schema.EventApprovalRejected, schema.EventApprovalTimedOut:
		rec.Status = schema.StepStatusFailed
		ts := e.Timestamp
		rec.CompletedAt = &ts
		rec.Error = e.Payload
	}
}
