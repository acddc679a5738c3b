package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/opsflow-io/opsflow/internal/conditions"
	"github.com/opsflow-io/opsflow/internal/dispatch"
	"github.com/opsflow-io/opsflow/internal/expressions"
	"github.com/opsflow-io/opsflow/internal/notify"
	"github.com/opsflow-io/opsflow/internal/store"
	"github.com/opsflow-io/opsflow/pkg/schema"
)

// StepOutcome is the result of executing one step.
type StepOutcome struct {
	StepID  string
	Status  schema.StepStatus
	Outputs map[string]any
	// Params holds the interpolated parameters; for a gated step they become
	// the approval summary shown to the approver.
	Params map[string]any
	Err    *schema.FlowError
}

// StepExecutor runs a single step through its full lifecycle: conditions,
// guard, approval gate, parameter interpolation, dispatch with retries, and
// declared-output extraction. It owns step-level state; run-level decisions
// (fail-fast, parking, deadlines) stay with the Engine.
type StepExecutor struct {
	store        store.Store
	events       EventAppender
	stepFSM      *StepFSM
	dispatcher   dispatch.Dispatcher
	interpolator *expressions.Interpolator
	celEngine    *expressions.CELEngine
	jq           *expressions.GoJQEngine
	notifier     *notify.Router
	logger       *slog.Logger
}

// NewStepExecutor wires a step executor. notifier may be nil when escalation
// channels are not configured.
func NewStepExecutor(
	s store.Store,
	events EventAppender,
	stepFSM *StepFSM,
	dispatcher dispatch.Dispatcher,
	interpolator *expressions.Interpolator,
	celEngine *expressions.CELEngine,
	jq *expressions.GoJQEngine,
	notifier *notify.Router,
	logger *slog.Logger,
) *StepExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = s
	}
	return &StepExecutor{
		store:        s,
		events:       events,
		stepFSM:      stepFSM,
		dispatcher:   dispatcher,
		interpolator: interpolator,
		celEngine:    celEngine,
		jq:           jq,
		notifier:     notifier,
		logger:       logger,
	}
}

// Execute runs one step against a frozen context snapshot. rec carries the
// step's persisted state; a record in status gated means its approval has
// already been granted and dispatch proceeds directly.
//
// The returned error is reserved for infrastructure failures (store, event
// log) that should abort the run; step-level failures land in the outcome.
func (se *StepExecutor) Execute(ctx context.Context, run *store.Run, step schema.Step, rc *RunContext, rec *store.StepRecord) (*StepOutcome, error) {
	snapshot := rc.Snapshot()

	if rec.Status == schema.StepStatusPending {
		// Conditions and guard only apply on first entry; a gated step was
		// already admitted before it parked.
		proceed, condErr := se.admit(ctx, run, step, snapshot)
		if condErr != nil {
			return se.failStep(ctx, run, step, rec, condErr)
		}
		if !proceed {
			if err := se.stepFSM.Transition(ctx, run.ID, step.ID, rec.Status, schema.StepStatusSkipped); err != nil {
				return nil, err
			}
			rec.Status = schema.StepStatusSkipped
			now := time.Now().UTC()
			rec.CompletedAt = &now
			if err := se.store.UpsertStepRecord(ctx, rec); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeStore, "persist skipped step: %s", err.Error()).
					WithRun(run.ID).WithStep(step.ID).WithCause(err)
			}
			return &StepOutcome{StepID: step.ID, Status: schema.StepStatusSkipped}, nil
		}
	}

	params, err := se.interpolator.ResolveParams(ctx, step.Parameters, snapshot)
	if err != nil {
		var fe *schema.FlowError
		if !errors.As(err, &fe) {
			fe = schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
		}
		return se.failStep(ctx, run, step, rec, fe.WithRun(run.ID).WithStep(step.ID))
	}

	if step.HumanApprovalRequired && rec.Status == schema.StepStatusPending {
		if err := se.stepFSM.Transition(ctx, run.ID, step.ID, rec.Status, schema.StepStatusGated); err != nil {
			return nil, err
		}
		rec.Status = schema.StepStatusGated
		rec.Params = mustMarshal(params)
		if err := se.store.UpsertStepRecord(ctx, rec); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "persist gated step: %s", err.Error()).
				WithRun(run.ID).WithStep(step.ID).WithCause(err)
		}
		return &StepOutcome{StepID: step.ID, Status: schema.StepStatusGated, Params: params}, nil
	}

	return se.dispatchWithRetry(ctx, run, step, rc, rec, params)
}

// admit evaluates conditions and the CEL guard against the snapshot.
// Both must hold; a false result skips the step, an evaluation error fails it.
func (se *StepExecutor) admit(ctx context.Context, run *store.Run, step schema.Step, snapshot map[string]any) (bool, *schema.FlowError) {
	ok, err := conditions.EvaluateAll(snapshot, step.Conditions, conditions.Options{})
	if err != nil {
		var fe *schema.FlowError
		if !errors.As(err, &fe) {
			fe = schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
		}
		return false, fe.WithRun(run.ID).WithStep(step.ID)
	}
	if !ok {
		return false, nil
	}

	if step.Guard == "" {
		return true, nil
	}
	pass, err := se.celEngine.EvaluateBool(ctx, step.Guard, map[string]any{
		"context": snapshot,
		"run": map[string]any{
			"id":            run.ID,
			"definition_id": run.DefinitionID,
			"status":        string(run.Status),
		},
	})
	if err != nil {
		var fe *schema.FlowError
		if !errors.As(err, &fe) {
			fe = schema.NewError(schema.ErrCodeGuard, err.Error()).WithCause(err)
		}
		return false, fe.WithRun(run.ID).WithStep(step.ID)
	}
	return pass, nil
}

// dispatchWithRetry drives the dispatch attempt loop with the step's flat
// retry policy, then extracts declared outputs and merges them into the run
// context as one batch.
func (se *StepExecutor) dispatchWithRetry(ctx context.Context, run *store.Run, step schema.Step, rc *RunContext, rec *store.StepRecord, params map[string]any) (*StepOutcome, error) {
	var policy *schema.RetryPolicy
	if step.ErrorHandling != nil {
		policy = step.ErrorHandling.Retry
	}
	maxAttempts := MaxAttempts(policy)
	delay := RetryDelay(policy)

	req := dispatch.Request{
		RunID:      run.ID,
		StepID:     step.ID,
		Agent:      step.Agent,
		Service:    step.Service,
		Action:     step.Action,
		Parameters: params,
	}

	rec.Params = mustMarshal(params)
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := se.stepFSM.Transition(ctx, run.ID, step.ID, rec.Status, schema.StepStatusDispatching); err != nil {
			return nil, err
		}
		rec.Status = schema.StepStatusDispatching
		rec.Attempt++
		if rec.StartedAt == nil {
			now := time.Now().UTC()
			rec.StartedAt = &now
		}
		if err := se.store.UpsertStepRecord(ctx, rec); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "persist dispatching step: %s", err.Error()).
				WithRun(run.ID).WithStep(step.ID).WithCause(err)
		}

		started := time.Now()
		result, err := se.dispatcher.Dispatch(ctx, req)
		if err == nil {
			return se.completeStep(ctx, run, step, rc, rec, result, time.Since(started))
		}
		lastErr = err

		se.logger.WarnContext(ctx, "step dispatch failed",
			"run_id", run.ID, "step_id", step.ID,
			"attempt", rec.Attempt, "max_attempts", maxAttempts,
			"error", err)

		if !IsRetryableError(err) || attempt == maxAttempts {
			break
		}
		if err := se.stepFSM.Transition(ctx, run.ID, step.ID, rec.Status, schema.StepStatusRetrying); err != nil {
			return nil, err
		}
		rec.Status = schema.StepStatusRetrying
		if err := WaitRetry(ctx, delay); err != nil {
			lastErr = schema.NewError(schema.ErrCodeCancelled, "run cancelled during retry wait").
				WithRun(run.ID).WithStep(step.ID).WithCause(err)
			break
		}
	}

	fe := classifyDispatchFailure(lastErr, rec.Attempt, maxAttempts)
	fe.WithRun(run.ID).WithStep(step.ID)
	if step.ErrorHandling != nil && step.ErrorHandling.Notification != nil {
		se.escalate(ctx, run, step, step.ErrorHandling.Notification, fe)
	}
	return se.failStep(ctx, run, step, rec, fe)
}

// completeStep extracts declared outputs, merges them into the run context,
// and persists the succeeded record. An extraction failure fails the step:
// partial outputs never reach the context.
func (se *StepExecutor) completeStep(ctx context.Context, run *store.Run, step schema.Step, rc *RunContext, rec *store.StepRecord, result map[string]any, took time.Duration) (*StepOutcome, error) {
	outputs, err := se.jq.ExtractOutputs(ctx, step.Outputs, result)
	if err != nil {
		var fe *schema.FlowError
		if !errors.As(err, &fe) {
			fe = schema.NewError(schema.ErrCodeIncompleteOutput, err.Error()).WithCause(err)
		}
		return se.failStep(ctx, run, step, rec, fe.WithRun(run.ID).WithStep(step.ID))
	}

	if err := rc.Merge(outputs); err != nil {
		var fe *schema.FlowError
		if !errors.As(err, &fe) {
			fe = schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
		}
		return se.failStep(ctx, run, step, rec, fe.WithRun(run.ID).WithStep(step.ID))
	}

	if err := se.stepFSM.Transition(ctx, run.ID, step.ID, rec.Status, schema.StepStatusSucceeded); err != nil {
		return nil, err
	}

	if len(outputs) > 0 {
		event := &store.Event{
			RunID:   run.ID,
			StepID:  step.ID,
			Type:    schema.EventContextMerged,
			Payload: mustMarshal(outputs),
		}
		if err := se.events.AppendEvent(ctx, event); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "emit context event: %s", err.Error()).
				WithRun(run.ID).WithStep(step.ID).WithCause(err)
		}
	}

	now := time.Now().UTC()
	rec.Status = schema.StepStatusSucceeded
	rec.Result = mustMarshal(result)
	rec.CompletedAt = &now
	rec.DurationMs = took.Milliseconds()
	if err := se.store.UpsertStepRecord(ctx, rec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "persist succeeded step: %s", err.Error()).
			WithRun(run.ID).WithStep(step.ID).WithCause(err)
	}

	se.logger.InfoContext(ctx, "step succeeded",
		"run_id", run.ID, "step_id", step.ID,
		"attempt", rec.Attempt, "duration_ms", rec.DurationMs,
		"outputs", len(outputs))

	return &StepOutcome{StepID: step.ID, Status: schema.StepStatusSucceeded, Outputs: outputs}, nil
}

// failStep transitions the step to failed from whatever non-terminal state it
// is in and persists the error.
func (se *StepExecutor) failStep(ctx context.Context, run *store.Run, step schema.Step, rec *store.StepRecord, fe *schema.FlowError) (*StepOutcome, error) {
	if err := se.stepFSM.Transition(ctx, run.ID, step.ID, rec.Status, schema.StepStatusFailed); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	rec.Status = schema.StepStatusFailed
	rec.Error = mustMarshal(fe)
	rec.CompletedAt = &now
	if err := se.store.UpsertStepRecord(ctx, rec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "persist failed step: %s", err.Error()).
			WithRun(run.ID).WithStep(step.ID).WithCause(err)
	}

	se.logger.ErrorContext(ctx, "step failed",
		"run_id", run.ID, "step_id", step.ID,
		"code", fe.Code, "error", fe.Message)

	return &StepOutcome{StepID: step.ID, Status: schema.StepStatusFailed, Err: fe}, nil
}

// escalate fans the failure out to the step's notification channels and logs
// the result as events. Escalation failures never mask the step failure.
func (se *StepExecutor) escalate(ctx context.Context, run *store.Run, step schema.Step, policy *schema.NotificationPolicy, fe *schema.FlowError) {
	if se.notifier == nil {
		return
	}
	sent, failed := se.notifier.Dispatch(ctx, policy.Channels, notify.Notification{
		RunID:      run.ID,
		StepID:     step.ID,
		Subject:    "step " + step.ID + " exhausted retries",
		Body:       fe.Message,
		Recipients: policy.Recipients,
		Details:    map[string]any{"code": fe.Code, "attempt": fe.Details["attempts"]},
	})

	eventType := schema.EventNotificationSent
	if sent == 0 && failed > 0 {
		eventType = schema.EventNotificationFailed
	}
	event := &store.Event{
		RunID:   run.ID,
		StepID:  step.ID,
		Type:    eventType,
		Payload: mustMarshal(map[string]any{"sent": sent, "failed": failed, "channels": policy.Channels}),
	}
	if err := se.events.AppendEvent(ctx, event); err != nil {
		se.logger.WarnContext(ctx, "record notification event failed",
			"run_id", run.ID, "step_id", step.ID, "error", err)
	}
}

// classifyDispatchFailure wraps the final dispatch error: exhausted retryable
// failures become RETRY_EXHAUSTED, everything else keeps its own code.
func classifyDispatchFailure(err error, attempts, maxAttempts int) *schema.FlowError {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		if fe.IsRetryable() && attempts >= maxAttempts && maxAttempts > 1 {
			return schema.NewErrorf(schema.ErrCodeRetryExhausted,
				"dispatch failed after %d attempts: %s", attempts, fe.Message).
				WithDetails(map[string]any{"attempts": attempts, "last_code": fe.Code}).
				WithCause(fe)
		}
		return fe
	}
	if err == nil {
		err = errors.New("dispatch failed")
	}
	if IsRetryableError(err) && attempts >= maxAttempts && maxAttempts > 1 {
		return schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"dispatch failed after %d attempts: %s", attempts, err.Error()).
			WithDetails(map[string]any{"attempts": attempts}).
			WithCause(err)
	}
	return schema.NewError(schema.ErrCodeDispatch, err.Error()).WithCause(err)
}

// mustMarshal serializes values whose types are known to be marshalable
// (maps, FlowError). A marshal failure here means a programming error.
func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
