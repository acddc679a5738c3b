// Package engine executes workflow runs: it walks a definition's steps in
// order, drives the run and step state machines, parks runs on approval
// gates, and recovers interrupted runs from the event log on startup.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsflow-io/opsflow/internal/dispatch"
	"github.com/opsflow-io/opsflow/internal/expressions"
	"github.com/opsflow-io/opsflow/internal/notify"
	"github.com/opsflow-io/opsflow/internal/store"
	"github.com/opsflow-io/opsflow/internal/streaming"
	"github.com/opsflow-io/opsflow/pkg/schema"
)

// DefaultPoolSize is the default worker pool concurrency.
const DefaultPoolSize = 10

// DefaultDeadlineSlack scales the definition's estimated duration into the
// absolute run budget.
const DefaultDeadlineSlack = 1.5

// Config holds engine tunables.
type Config struct {
	PoolSize        int
	DeadlineSlack   float64
	ApprovalTimeout time.Duration
	SweepInterval   time.Duration
	Breaker         *dispatch.BreakerConfig
}

// Engine is the run scheduler. StartRun admits new runs into the worker pool,
// approval decisions resume or abort parked runs, and Recover picks up where
// a previous process left off.
type Engine struct {
	store     store.Store
	log       *store.EventLog
	runFSM    *RunFSM
	stepFSM   *StepFSM
	steps     *StepExecutor
	approvals *ApprovalManager
	pool      *WorkerPool
	hub       streaming.Hub
	config    Config
	logger    *slog.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// NewEngine wires the engine from its collaborators. hub and notifier may be
// nil; dispatching is wrapped in a per-agent circuit breaker.
func NewEngine(s store.Store, dispatcher dispatch.Dispatcher, notifier *notify.Router, hub streaming.Hub, cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.DeadlineSlack <= 0 {
		cfg.DeadlineSlack = DefaultDeadlineSlack
	}
	if logger == nil {
		logger = slog.Default()
	}

	breakerCfg := dispatch.DefaultBreakerConfig()
	if cfg.Breaker != nil {
		breakerCfg = *cfg.Breaker
	}
	guarded := dispatch.NewBreakerDispatcher(dispatcher, breakerCfg)

	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	interpolator := expressions.NewInterpolator(expressions.NewExprEngine())
	jq := expressions.NewGoJQEngine()

	appender := &mirroringAppender{store: s, hub: hub}
	runFSM := NewRunFSM(appender)
	stepFSM := NewStepFSM(appender)

	e := &Engine{
		store:     s,
		log:       store.NewEventLog(s),
		runFSM:    runFSM,
		stepFSM:   stepFSM,
		steps:     NewStepExecutor(s, appender, stepFSM, guarded, interpolator, celEngine, jq, notifier, logger),
		approvals: NewApprovalManager(s, appender, cfg.ApprovalTimeout, logger),
		pool:      NewWorkerPool(cfg.PoolSize),
		hub:       hub,
		config:    cfg,
		logger:    logger,
		inflight:  make(map[string]context.CancelFunc),
	}
	e.approvals.OnDecision(e.handleDecision)
	return e, nil
}

// Approvals exposes the approval manager for API surfaces.
func (e *Engine) Approvals() *ApprovalManager {
	return e.approvals
}

// Start launches background workers (the approval expiry sweeper).
func (e *Engine) Start(ctx context.Context) {
	e.approvals.StartSweeper(ctx, e.config.SweepInterval)
}

// Wait blocks until every scheduled run has finished or parked.
func (e *Engine) Wait() {
	e.pool.Wait()
}

// Shutdown stops accepting new runs and waits for in-flight ones to finish
// or park.
func (e *Engine) Shutdown() {
	e.approvals.Stop()
	e.pool.Shutdown()
}

// StartRun creates a run for the given definition and schedules it.
// version <= 0 resolves to the latest registered version. trigger records
// what fired the run and seeds the reserved context key.
func (e *Engine) StartRun(ctx context.Context, definitionID string, version int, trigger map[string]any) (*store.Run, error) {
	def, err := e.loadDefinition(ctx, definitionID, version)
	if err != nil {
		return nil, err
	}

	if def.Definition.Metadata.SingleFlight {
		active, err := e.hasActiveRun(ctx, def.ID)
		if err != nil {
			return nil, err
		}
		if active {
			return nil, schema.NewErrorf(schema.ErrCodeConflict,
				"definition %s is single-flight and already has an active run", def.ID)
		}
	}

	rc := NewRunContext(trigger)
	now := time.Now().UTC()
	run := &store.Run{
		ID:                uuid.NewString(),
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		Status:            schema.RunStatusPending,
		Trigger:           mustMarshal(trigger),
		Context:           mustMarshal(rc.Snapshot()),
		CreatedAt:         now,
	}
	if deadline := e.runDeadline(def.Definition.Metadata, now); deadline != nil {
		run.Deadline = deadline
	}

	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create run: %s", err.Error()).WithCause(err)
	}
	if err := e.appendRunEvent(ctx, run.ID, "", schema.EventRunCreated, map[string]any{
		"definition_id":      def.ID,
		"definition_version": def.Version,
		"trigger":            trigger,
	}); err != nil {
		return nil, err
	}

	if err := e.schedule(ctx, run, &def.Definition, rc, 0); err != nil {
		return nil, err
	}
	return run, nil
}

// Resume reschedules a run that is in the running state but has no live
// goroutine, continuing from its first non-terminal step. Recover uses it
// after replaying events. Resuming a terminal run is a no-op; a parked run
// can only be released by an approval decision.
func (e *Engine) Resume(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}
	if run.Status == schema.RunStatusWaitingApproval {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"cannot resume run in status %s", run.Status).WithRun(runID)
	}

	def, err := e.loadDefinition(ctx, run.DefinitionID, run.DefinitionVersion)
	if err != nil {
		return err
	}

	rc, start, err := e.restoreProgress(ctx, run, &def.Definition)
	if err != nil {
		return err
	}
	return e.schedule(ctx, run, &def.Definition, rc, start)
}

// GetRun returns a run projection.
func (e *Engine) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	return e.store.GetRun(ctx, runID)
}

// ListRuns returns run projections matching the filter.
func (e *Engine) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	return e.store.ListRuns(ctx, filter)
}

// Cancel aborts a run. A live run is cancelled through its context; a parked
// or pending one is transitioned directly.
func (e *Engine) Cancel(ctx context.Context, runID, reason string) error {
	e.mu.Lock()
	cancel, live := e.inflight[runID]
	e.mu.Unlock()
	if live {
		cancel()
		return nil
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"run already %s", run.Status).WithRun(runID)
	}

	fe := schema.NewError(schema.ErrCodeCancelled, reason).WithRun(runID)
	return e.finishRun(ctx, run, schema.RunStatusAborted, fe, nil)
}

// Recover reschedules runs a previous process left behind: pending runs start
// from scratch, running runs continue from their replayed state, parked runs
// stay parked for the sweeper and approvers.
func (e *Engine) Recover(ctx context.Context) error {
	for _, status := range []schema.RunStatus{schema.RunStatusPending, schema.RunStatusRunning} {
		st := status
		runs, err := e.store.ListRuns(ctx, store.RunFilter{Status: &st})
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "list %s runs: %s", st, err.Error()).WithCause(err)
		}
		for _, run := range runs {
			if err := e.Resume(ctx, run.ID); err != nil {
				e.logger.ErrorContext(ctx, "recover run failed", "run_id", run.ID, "error", err)
			}
		}
	}
	return nil
}

// schedule registers the run as in-flight and submits its execution to the
// pool. The submitted context is detached from the caller so an API request
// ending does not kill the run.
func (e *Engine) schedule(ctx context.Context, run *store.Run, def *schema.WorkflowDefinition, rc *RunContext, start int) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	e.mu.Lock()
	e.inflight[run.ID] = cancel
	e.mu.Unlock()

	err := e.pool.Submit(ctx, func(context.Context) error {
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.inflight, run.ID)
			e.mu.Unlock()
		}()
		return e.executeRun(runCtx, run, def, rc, start)
	})
	if err != nil {
		cancel()
		e.mu.Lock()
		delete(e.inflight, run.ID)
		e.mu.Unlock()
		return err
	}
	return nil
}

// executeRun walks the steps in order from start. Failure of any step fails
// the run immediately; a gated step parks it; passing the deadline aborts it.
func (e *Engine) executeRun(ctx context.Context, run *store.Run, def *schema.WorkflowDefinition, rc *RunContext, start int) error {
	if run.Status == schema.RunStatusPending {
		if err := e.runFSM.Transition(ctx, run.ID, run.Status, schema.RunStatusRunning); err != nil {
			return err
		}
		run.Status = schema.RunStatusRunning
		now := time.Now().UTC()
		running := schema.RunStatusRunning
		if err := e.store.UpdateRun(ctx, run.ID, store.RunUpdate{Status: &running, StartedAt: &now}); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "mark run running: %s", err.Error()).
				WithRun(run.ID).WithCause(err)
		}
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if run.Deadline != nil {
		execCtx, cancel = context.WithDeadline(ctx, *run.Deadline)
		defer cancel()
	}

	for i := start; i < len(def.Steps); i++ {
		step := def.Steps[i]

		if err := execCtx.Err(); err != nil {
			return e.abortFromContext(ctx, run, err)
		}

		rec, err := e.loadStepRecord(execCtx, run.ID, step.ID)
		if err != nil {
			return e.finishRun(ctx, run, schema.RunStatusFailed, toFlowError(err).WithRun(run.ID), rc)
		}
		if rec.Status.IsTerminal() {
			continue
		}

		if rec.Status == schema.StepStatusGated {
			cleared, handled, err := e.checkGate(ctx, run, step.ID, rec)
			if err != nil {
				return e.finishRun(ctx, run, schema.RunStatusFailed, toFlowError(err).WithRun(run.ID), rc)
			}
			if handled {
				return nil
			}
			if !cleared {
				return e.markParked(ctx, run, step.ID)
			}
		}

		outcome, err := e.steps.Execute(execCtx, run, step, rc, rec)
		if err != nil {
			if ctxErr := execCtx.Err(); ctxErr != nil {
				return e.abortFromContext(ctx, run, ctxErr)
			}
			return e.finishRun(ctx, run, schema.RunStatusFailed, toFlowError(err).WithRun(run.ID), rc)
		}

		switch outcome.Status {
		case schema.StepStatusGated:
			return e.parkRun(ctx, run, step.ID, outcome.Params)
		case schema.StepStatusFailed:
			if ctxErr := execCtx.Err(); ctxErr != nil {
				return e.abortFromContext(ctx, run, ctxErr)
			}
			return e.finishRun(ctx, run, schema.RunStatusFailed, outcome.Err, rc)
		case schema.StepStatusSucceeded:
			if err := e.persistContext(ctx, run.ID, rc); err != nil {
				return e.finishRun(ctx, run, schema.RunStatusFailed, toFlowError(err).WithRun(run.ID), rc)
			}
		}
		// Skipped steps leave the context untouched.
	}

	return e.finishRun(ctx, run, schema.RunStatusSucceeded, nil, rc)
}

// parkRun creates the approval and moves the run out of the pool. The
// goroutine returns; a grant reschedules from the gated step.
func (e *Engine) parkRun(ctx context.Context, run *store.Run, stepID string, summary map[string]any) error {
	if _, err := e.approvals.Request(ctx, run.ID, stepID, summary); err != nil {
		return e.finishRun(ctx, run, schema.RunStatusFailed, toFlowError(err), nil)
	}
	return e.markParked(ctx, run, stepID)
}

// markParked transitions the run to waiting_approval.
func (e *Engine) markParked(ctx context.Context, run *store.Run, stepID string) error {
	if err := e.runFSM.Transition(ctx, run.ID, run.Status, schema.RunStatusWaitingApproval); err != nil {
		return err
	}
	run.Status = schema.RunStatusWaitingApproval
	waiting := schema.RunStatusWaitingApproval
	if err := e.store.UpdateRun(ctx, run.ID, store.RunUpdate{Status: &waiting}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "park run: %s", err.Error()).
			WithRun(run.ID).WithCause(err)
	}
	e.logger.InfoContext(ctx, "run parked for approval", "run_id", run.ID, "step_id", stepID)
	return nil
}

// checkGate resolves what a gated step record means on entry: granted means
// dispatch may proceed, a still-pending approval re-parks the run, a lost
// approval is recreated, and a denial aborts the run. handled reports that the
// run's fate was decided here and the caller must stop.
func (e *Engine) checkGate(ctx context.Context, run *store.Run, stepID string, rec *store.StepRecord) (cleared, handled bool, err error) {
	aps, err := e.store.ListApprovals(ctx, store.ApprovalFilter{RunID: run.ID})
	if err != nil {
		return false, false, schema.NewErrorf(schema.ErrCodeStore, "list approvals: %s", err.Error()).
			WithRun(run.ID).WithCause(err)
	}
	var latest *store.Approval
	for _, ap := range aps {
		if ap.StepID == stepID {
			latest = ap
		}
	}

	switch {
	case latest == nil:
		// Gate recorded but the approval row never made it; recreate it from
		// the persisted interpolated parameters.
		return false, true, e.parkRun(ctx, run, stepID, unmarshalContext(rec.Params))
	case latest.Status == store.ApprovalStatusGranted:
		return true, false, nil
	case latest.Status == store.ApprovalStatusPending:
		return false, false, nil
	default:
		code := schema.ErrCodeApprovalRejected
		if latest.Status == store.ApprovalStatusExpired {
			code = schema.ErrCodeApprovalTimeout
		}
		fe := schema.NewErrorf(code, "approval %s was %s", latest.ID, latest.Status).
			WithRun(run.ID).WithStep(stepID)
		if _, err := e.steps.failStep(ctx, run, schema.Step{ID: stepID}, rec, fe); err != nil {
			return false, false, err
		}
		return false, true, e.finishRun(ctx, run, schema.RunStatusAborted, fe, nil)
	}
}

// handleDecision resumes or aborts a parked run once its approval resolves.
func (e *Engine) handleDecision(ctx context.Context, ap *store.Approval) {
	run, err := e.store.GetRun(ctx, ap.RunID)
	if err != nil {
		e.logger.ErrorContext(ctx, "load run for approval decision failed",
			"run_id", ap.RunID, "approval_id", ap.ID, "error", err)
		return
	}
	if run.Status != schema.RunStatusWaitingApproval {
		e.logger.WarnContext(ctx, "approval decided for non-parked run",
			"run_id", ap.RunID, "status", run.Status)
		return
	}

	if ap.Status == store.ApprovalStatusGranted {
		if err := e.resumeFromGate(ctx, run, ap.StepID); err != nil {
			e.logger.ErrorContext(ctx, "resume after approval failed",
				"run_id", run.ID, "error", err)
		}
		return
	}

	// Rejection and expiry fail the gated step and abort the run.
	code := schema.ErrCodeApprovalRejected
	if ap.Status == store.ApprovalStatusExpired {
		code = schema.ErrCodeApprovalTimeout
	}
	fe := schema.NewErrorf(code, "approval %s was %s", ap.ID, ap.Status).
		WithRun(run.ID).WithStep(ap.StepID)

	rec, err := e.loadStepRecord(ctx, run.ID, ap.StepID)
	if err == nil && !rec.Status.IsTerminal() {
		if _, err := e.steps.failStep(ctx, run, schema.Step{ID: ap.StepID}, rec, fe); err != nil {
			e.logger.ErrorContext(ctx, "fail gated step failed", "run_id", run.ID, "error", err)
		}
	}
	if err := e.finishRun(ctx, run, schema.RunStatusAborted, fe, nil); err != nil {
		e.logger.ErrorContext(ctx, "abort after approval denial failed",
			"run_id", run.ID, "error", err)
	}
}

// resumeFromGate transitions the run back to running and reschedules it from
// the gated step.
func (e *Engine) resumeFromGate(ctx context.Context, run *store.Run, stepID string) error {
	def, err := e.loadDefinition(ctx, run.DefinitionID, run.DefinitionVersion)
	if err != nil {
		return err
	}

	if err := e.runFSM.Transition(ctx, run.ID, run.Status, schema.RunStatusRunning); err != nil {
		return err
	}
	run.Status = schema.RunStatusRunning
	running := schema.RunStatusRunning
	if err := e.store.UpdateRun(ctx, run.ID, store.RunUpdate{Status: &running}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "unpark run: %s", err.Error()).
			WithRun(run.ID).WithCause(err)
	}

	rc := restoreContextFromRun(run)
	start := stepIndex(&def.Definition, stepID)
	if start < 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "gated step %s not in definition", stepID).
			WithRun(run.ID)
	}
	return e.schedule(ctx, run, &def.Definition, rc, start)
}

// restoreProgress rebuilds the run context and the resume index by replaying
// the event log, cross-checked against the persisted run context so the
// trigger provenance survives.
func (e *Engine) restoreProgress(ctx context.Context, run *store.Run, def *schema.WorkflowDefinition) (*RunContext, int, error) {
	replay, err := e.log.ReplayRun(ctx, run.ID)
	if err != nil {
		return nil, 0, err
	}

	data := make(map[string]any)
	if persisted := unmarshalContext(run.Context); persisted != nil {
		for k, v := range persisted {
			data[k] = v
		}
	}
	for k, v := range replay.Context {
		data[k] = v
	}
	rc := RestoreRunContext(data)

	// Refresh the materialized step records from the replayed truth. A step
	// caught mid-dispatch by the crash goes back to pending and dispatches
	// again; its attempt count carries over in the event stream.
	for _, rec := range replay.Steps {
		if rec.Status == schema.StepStatusDispatching || rec.Status == schema.StepStatusRetrying {
			rec.Status = schema.StepStatusPending
		}
		if err := e.store.UpsertStepRecord(ctx, rec); err != nil {
			return nil, 0, schema.NewErrorf(schema.ErrCodeStore, "refresh step record: %s", err.Error()).
				WithRun(run.ID).WithStep(rec.StepID).WithCause(err)
		}
	}

	start := 0
	for i, step := range def.Steps {
		rec, ok := replay.Steps[step.ID]
		if !ok || !rec.Status.IsTerminal() {
			start = i
			break
		}
		start = i + 1
	}
	return rc, start, nil
}

// finishRun moves the run to a terminal status and persists the result.
func (e *Engine) finishRun(ctx context.Context, run *store.Run, status schema.RunStatus, fe *schema.FlowError, rc *RunContext) error {
	if err := e.runFSM.Transition(ctx, run.ID, run.Status, status); err != nil {
		return err
	}
	run.Status = status

	now := time.Now().UTC()
	update := store.RunUpdate{Status: &status, CompletedAt: &now}
	if fe != nil {
		update.Error = mustMarshal(fe)
	}
	if rc != nil {
		update.Context = mustMarshal(rc.Snapshot())
	}
	if err := e.store.UpdateRun(ctx, run.ID, update); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "finish run: %s", err.Error()).
			WithRun(run.ID).WithCause(err)
	}

	if fe != nil {
		e.logger.WarnContext(ctx, "run finished", "run_id", run.ID, "status", status, "code", fe.Code, "error", fe.Message)
	} else {
		e.logger.InfoContext(ctx, "run finished", "run_id", run.ID, "status", status)
	}
	return nil
}

// abortFromContext maps a context error to the run's terminal state: deadline
// exceeded is a budget overrun, cancellation is an operator abort.
func (e *Engine) abortFromContext(ctx context.Context, run *store.Run, ctxErr error) error {
	var fe *schema.FlowError
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		fe = schema.NewError(schema.ErrCodeRunTimeout, "run exceeded its deadline").WithRun(run.ID)
		if err := e.appendRunEvent(ctx, run.ID, "", schema.EventRunTimedOut, map[string]any{
			"deadline": run.Deadline,
		}); err != nil {
			return err
		}
	} else {
		fe = schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithRun(run.ID)
	}
	return e.finishRun(ctx, run, schema.RunStatusAborted, fe, nil)
}

// persistContext writes the accumulated run context back to the run row.
func (e *Engine) persistContext(ctx context.Context, runID string, rc *RunContext) error {
	if err := e.store.UpdateRun(ctx, runID, store.RunUpdate{Context: mustMarshal(rc.Snapshot())}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "persist run context: %s", err.Error()).
			WithRun(runID).WithCause(err)
	}
	return nil
}

func (e *Engine) loadDefinition(ctx context.Context, id string, version int) (*store.Definition, error) {
	if version <= 0 {
		return e.store.GetLatestDefinition(ctx, id)
	}
	return e.store.GetDefinition(ctx, id, version)
}

func (e *Engine) loadStepRecord(ctx context.Context, runID, stepID string) (*store.StepRecord, error) {
	rec, err := e.store.GetStepRecord(ctx, runID, stepID)
	if err == nil {
		return rec, nil
	}
	var fe *schema.FlowError
	if errors.As(err, &fe) && fe.Code == schema.ErrCodeNotFound {
		return &store.StepRecord{RunID: runID, StepID: stepID, Status: schema.StepStatusPending}, nil
	}
	return nil, err
}

// hasActiveRun reports whether the definition has a run in any non-terminal
// state.
func (e *Engine) hasActiveRun(ctx context.Context, definitionID string) (bool, error) {
	for _, status := range []schema.RunStatus{
		schema.RunStatusPending, schema.RunStatusRunning, schema.RunStatusWaitingApproval,
	} {
		st := status
		runs, err := e.store.ListRuns(ctx, store.RunFilter{Status: &st, DefinitionID: definitionID, Limit: 1})
		if err != nil {
			return false, schema.NewErrorf(schema.ErrCodeStore, "list runs: %s", err.Error()).WithCause(err)
		}
		if len(runs) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// runDeadline derives the absolute budget from the estimated duration.
// An unparseable estimate is caught at registration; here it just means no
// deadline.
func (e *Engine) runDeadline(meta schema.Metadata, from time.Time) *time.Time {
	if meta.EstimatedDuration == "" {
		return nil
	}
	dur, err := time.ParseDuration(meta.EstimatedDuration)
	if err != nil || dur <= 0 {
		return nil
	}
	budget := time.Duration(float64(dur) * e.config.DeadlineSlack)
	deadline := from.Add(budget)
	return &deadline
}

func (e *Engine) appendRunEvent(ctx context.Context, runID, stepID, eventType string, payload map[string]any) error {
	event := &store.Event{
		RunID:   runID,
		StepID:  stepID,
		Type:    eventType,
		Payload: mustMarshal(payload),
	}
	appender := &mirroringAppender{store: e.store, hub: e.hub}
	if err := appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "append %s event: %s", eventType, err.Error()).
			WithRun(runID).WithCause(err)
	}
	return nil
}

// mirroringAppender appends to the durable log and mirrors the event onto the
// streaming hub. Hub delivery is best-effort; the log write is the source of
// truth.
type mirroringAppender struct {
	store store.Store
	hub   streaming.Hub
}

func (a *mirroringAppender) AppendEvent(ctx context.Context, event *store.Event) error {
	if err := a.store.AppendEvent(ctx, event); err != nil {
		return err
	}
	if a.hub != nil {
		_ = a.hub.Publish(ctx, streaming.StreamEvent{
			Topic:   streaming.TopicRuns,
			Type:    event.Type,
			RunID:   event.RunID,
			StepID:  event.StepID,
			Payload: event.Payload,
		})
	}
	return nil
}

// --- helpers ---

func stepIndex(def *schema.WorkflowDefinition, stepID string) int {
	for i, s := range def.Steps {
		if s.ID == stepID {
			return i
		}
	}
	return -1
}

func restoreContextFromRun(run *store.Run) *RunContext {
	return RestoreRunContext(unmarshalContext(run.Context))
}

func unmarshalContext(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil
	}
	return data
}

func toFlowError(err error) *schema.FlowError {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe
	}
	return schema.NewError(schema.ErrCodeStore, err.Error()).WithCause(err)
}
