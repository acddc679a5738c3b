package engine

import (
	"context"
	"sync"

	"github.com/opsflow-io/opsflow/internal/store"
	"github.com/opsflow-io/opsflow/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the Store and EventLog; FSMs emit audit
// events on every transition through it.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// ValidRunTransitions defines the allowed state transitions for runs.
// waiting_approval parks the run outside the worker pool; a grant moves it
// back to running, a rejection or timeout aborts it.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:         {schema.RunStatusRunning, schema.RunStatusAborted},
	schema.RunStatusRunning:         {schema.RunStatusWaitingApproval, schema.RunStatusSucceeded, schema.RunStatusFailed, schema.RunStatusAborted},
	schema.RunStatusWaitingApproval: {schema.RunStatusRunning, schema.RunStatusFailed, schema.RunStatusAborted},
	schema.RunStatusSucceeded:       {},
	schema.RunStatusFailed:          {},
	schema.RunStatusAborted:         {},
}

// ValidStepTransitions defines the allowed state transitions for steps.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:     {schema.StepStatusSkipped, schema.StepStatusGated, schema.StepStatusDispatching, schema.StepStatusFailed},
	schema.StepStatusGated:       {schema.StepStatusDispatching, schema.StepStatusFailed},
	schema.StepStatusDispatching: {schema.StepStatusSucceeded, schema.StepStatusRetrying, schema.StepStatusFailed},
	schema.StepStatusRetrying:    {schema.StepStatusDispatching, schema.StepStatusFailed},
	schema.StepStatusSucceeded:   {},
	schema.StepStatusFailed:      {},
	schema.StepStatusSkipped:     {},
}

// --- Run FSM ---

type runHookKey struct {
	from, to schema.RunStatus
}

// RunFSM manages run lifecycle state transitions.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[runHookKey][]TransitionHook
	after    map[runHookKey][]TransitionHook
}

// NewRunFSM creates a RunFSM that emits events via the given appender.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{
		appender: appender,
		before:   make(map[runHookKey][]TransitionHook),
		after:    make(map[runHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a run transition.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a run transition.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a run state transition, emitting the
// corresponding audit event. The caller persists the new status to the store.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithRun(runID).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}

	key := runHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := runEventType(from, to); eventType != "" {
		event := &store.Event{
			RunID: runID,
			Type:  eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).
				WithRun(runID).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	allowed, ok := ValidRunTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

// runEventType maps a transition to its audit event. Re-entering running from
// waiting_approval is a resume, not a second start.
func runEventType(from, to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		if from == schema.RunStatusWaitingApproval {
			return schema.EventRunResumed
		}
		return schema.EventRunStarted
	case schema.RunStatusWaitingApproval:
		return schema.EventRunParked
	case schema.RunStatusSucceeded:
		return schema.EventRunSucceeded
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusAborted:
		return schema.EventRunAborted
	default:
		return ""
	}
}

// --- Step FSM ---

type stepHookKey struct {
	from, to schema.StepStatus
}

// StepFSM manages step lifecycle state transitions.
type StepFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[stepHookKey][]TransitionHook
	after    map[stepHookKey][]TransitionHook
}

// NewStepFSM creates a StepFSM that emits events via the given appender.
func NewStepFSM(appender EventAppender) *StepFSM {
	return &StepFSM{
		appender: appender,
		before:   make(map[stepHookKey][]TransitionHook),
		after:    make(map[stepHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a step transition.
func (f *StepFSM) OnBefore(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a step transition.
func (f *StepFSM) OnAfter(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a step state transition, emitting the
// corresponding audit event.
func (f *StepFSM) Transition(ctx context.Context, runID, stepID string, from, to schema.StepStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidStepTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithRun(runID).
			WithStep(stepID).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}

	key := stepHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := stepEventType(to); eventType != "" {
		event := &store.Event{
			RunID:  runID,
			StepID: stepID,
			Type:   eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit step event: %s", err.Error()).
				WithRun(runID).WithStep(stepID).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	allowed, ok := ValidStepTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusSkipped:
		return schema.EventStepSkipped
	case schema.StepStatusGated:
		return schema.EventStepGated
	case schema.StepStatusDispatching:
		return schema.EventStepDispatching
	case schema.StepStatusRetrying:
		return schema.EventStepRetrying
	case schema.StepStatusSucceeded:
		return schema.EventStepSucceeded
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	default:
		return ""
	}
}
