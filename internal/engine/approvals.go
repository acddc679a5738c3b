package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsflow-io/opsflow/internal/store"
	"github.com/opsflow-io/opsflow/pkg/schema"
)

// DefaultApprovalTimeout bounds how long a gated step waits for a human.
// Past it the approval expires and counts as a rejection.
const DefaultApprovalTimeout = 24 * time.Hour

// DefaultSweepInterval is how often the expiry sweeper scans pending approvals.
const DefaultSweepInterval = time.Minute

// DecisionHandler receives every resolved approval: granted, rejected, or
// expired. The engine registers one to resume or abort the parked run.
type DecisionHandler func(ctx context.Context, ap *store.Approval)

// ApprovalManager owns the human-approval gates: it creates pending approvals
// for gated steps, resolves them on decisions, and expires the ones nobody
// answered in time.
type ApprovalManager struct {
	store   store.Store
	events  EventAppender
	timeout time.Duration
	logger  *slog.Logger

	mu        sync.Mutex
	onDecided DecisionHandler
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewApprovalManager creates an ApprovalManager. timeout <= 0 uses the default.
func NewApprovalManager(s store.Store, events EventAppender, timeout time.Duration, logger *slog.Logger) *ApprovalManager {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = s
	}
	return &ApprovalManager{
		store:   s,
		events:  events,
		timeout: timeout,
		logger:  logger,
		stop:    make(chan struct{}),
	}
}

// OnDecision registers the handler invoked for every resolved approval.
func (m *ApprovalManager) OnDecision(h DecisionHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDecided = h
}

// Request creates a pending approval for a gated step. summary carries the
// interpolated parameters the approver will see.
func (m *ApprovalManager) Request(ctx context.Context, runID, stepID string, summary map[string]any) (*store.Approval, error) {
	now := time.Now().UTC()
	timeoutAt := now.Add(m.timeout)
	ap := &store.Approval{
		ID:        uuid.NewString(),
		RunID:     runID,
		StepID:    stepID,
		Summary:   mustMarshal(summary),
		TimeoutAt: &timeoutAt,
		Status:    store.ApprovalStatusPending,
		CreatedAt: now,
	}
	if err := m.store.CreateApproval(ctx, ap); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create approval: %s", err.Error()).
			WithRun(runID).WithStep(stepID).WithCause(err)
	}

	event := &store.Event{
		RunID:   runID,
		StepID:  stepID,
		Type:    schema.EventApprovalRequested,
		Payload: mustMarshal(map[string]any{"approval_id": ap.ID, "timeout_at": timeoutAt}),
	}
	if err := m.events.AppendEvent(ctx, event); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "emit approval event: %s", err.Error()).
			WithRun(runID).WithStep(stepID).WithCause(err)
	}

	m.logger.InfoContext(ctx, "approval requested",
		"approval_id", ap.ID, "run_id", runID, "step_id", stepID, "timeout_at", timeoutAt)
	return ap, nil
}

// Approve grants a pending approval and hands the decision to the engine.
func (m *ApprovalManager) Approve(ctx context.Context, approvalID, decidedBy, reason string) (*store.Approval, error) {
	return m.resolve(ctx, approvalID, store.ApprovalStatusGranted, decidedBy, reason)
}

// Reject denies a pending approval and hands the decision to the engine.
func (m *ApprovalManager) Reject(ctx context.Context, approvalID, decidedBy, reason string) (*store.Approval, error) {
	return m.resolve(ctx, approvalID, store.ApprovalStatusRejected, decidedBy, reason)
}

// resolve moves a pending approval to its final status, emits the matching
// audit event, and invokes the decision handler.
func (m *ApprovalManager) resolve(ctx context.Context, approvalID, status, decidedBy, reason string) (*store.Approval, error) {
	decision := &store.Decision{
		Granted:   status == store.ApprovalStatusGranted,
		DecidedBy: decidedBy,
		Reason:    reason,
	}
	if err := m.store.ResolveApproval(ctx, approvalID, decision); err != nil {
		return nil, err
	}

	ap, err := m.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load approval: %s", err.Error()).WithCause(err)
	}
	eventType := schema.EventApprovalGranted
	if status == store.ApprovalStatusRejected {
		eventType = schema.EventApprovalRejected
	}
	event := &store.Event{
		RunID:   ap.RunID,
		StepID:  ap.StepID,
		Type:    eventType,
		Payload: mustMarshal(map[string]any{"approval_id": ap.ID, "decided_by": decidedBy, "reason": reason}),
	}
	if err := m.events.AppendEvent(ctx, event); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "emit approval event: %s", err.Error()).
			WithRun(ap.RunID).WithStep(ap.StepID).WithCause(err)
	}

	m.logger.InfoContext(ctx, "approval resolved",
		"approval_id", ap.ID, "run_id", ap.RunID, "step_id", ap.StepID,
		"status", status, "decided_by", decidedBy)

	m.notifyDecision(ctx, ap)
	return ap, nil
}

// StartSweeper runs the expiry loop until ctx is cancelled or Stop is called.
func (m *ApprovalManager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				if err := m.SweepExpired(ctx); err != nil {
					m.logger.WarnContext(ctx, "approval sweep failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the sweeper.
func (m *ApprovalManager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// SweepExpired expires every pending approval whose deadline passed.
// An expired approval is treated as a rejection by the decision handler.
func (m *ApprovalManager) SweepExpired(ctx context.Context) error {
	pending, err := m.store.ListApprovals(ctx, store.ApprovalFilter{Status: store.ApprovalStatusPending})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "list pending approvals: %s", err.Error()).WithCause(err)
	}

	now := time.Now().UTC()
	for _, ap := range pending {
		if ap.TimeoutAt == nil || ap.TimeoutAt.After(now) {
			continue
		}
		if err := m.expire(ctx, ap); err != nil {
			m.logger.WarnContext(ctx, "expire approval failed",
				"approval_id", ap.ID, "run_id", ap.RunID, "error", err)
		}
	}
	return nil
}

// expire marks one timed-out approval and hands it to the decision handler.
func (m *ApprovalManager) expire(ctx context.Context, ap *store.Approval) error {
	decision := &store.Decision{Expired: true, DecidedBy: "system", Reason: "approval timed out"}
	if err := m.store.ResolveApproval(ctx, ap.ID, decision); err != nil {
		// Already decided between the list and now; nothing to expire.
		var fe *schema.FlowError
		if errors.As(err, &fe) && fe.Code == schema.ErrCodeNotFound {
			return nil
		}
		return err
	}
	ap.Status = store.ApprovalStatusExpired

	event := &store.Event{
		RunID:   ap.RunID,
		StepID:  ap.StepID,
		Type:    schema.EventApprovalTimedOut,
		Payload: mustMarshal(map[string]any{"approval_id": ap.ID}),
	}
	if err := m.events.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit approval timeout event: %s", err.Error()).
			WithRun(ap.RunID).WithStep(ap.StepID).WithCause(err)
	}

	m.logger.InfoContext(ctx, "approval expired",
		"approval_id", ap.ID, "run_id", ap.RunID, "step_id", ap.StepID)

	m.notifyDecision(ctx, ap)
	return nil
}

func (m *ApprovalManager) notifyDecision(ctx context.Context, ap *store.Approval) {
	m.mu.Lock()
	handler := m.onDecided
	m.mu.Unlock()
	if handler != nil {
		handler(ctx, ap)
	}
}
