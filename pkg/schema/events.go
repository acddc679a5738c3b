package schema

// Event type constants for the append-only audit log.
const (
	EventRunCreated   = "run_created"
	EventRunStarted   = "run_started"
	EventRunSucceeded = "run_succeeded"
	EventRunFailed    = "run_failed"
	EventRunAborted   = "run_aborted"
	EventRunParked    = "run_parked"
	EventRunResumed   = "run_resumed"
	EventRunTimedOut  = "run_timed_out"

	EventStepSkipped     = "step_skipped"
	EventStepGated       = "step_gated"
	EventStepDispatching = "step_dispatching"
	EventStepRetrying    = "step_retrying"
	EventStepSucceeded   = "step_succeeded"
	EventStepFailed      = "step_failed"

	EventApprovalRequested = "approval_requested"
	EventApprovalGranted   = "approval_granted"
	EventApprovalRejected  = "approval_rejected"
	EventApprovalTimedOut  = "approval_timed_out"

	EventTriggerFired       = "trigger_fired"
	EventNotificationSent   = "notification_sent"
	EventNotificationFailed = "notification_failed"
	EventContextMerged      = "context_merged"
)

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusPending         RunStatus = "pending"
	RunStatusRunning         RunStatus = "running"
	RunStatusWaitingApproval RunStatus = "waiting_approval"
	RunStatusSucceeded       RunStatus = "succeeded"
	RunStatusFailed          RunStatus = "failed"
	RunStatusAborted         RunStatus = "aborted"
)

// IsTerminal reports whether the run status is final.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusAborted:
		return true
	default:
		return false
	}
}

// StepStatus represents the lifecycle state of a step within a run.
type StepStatus string

const (
	StepStatusPending     StepStatus = "pending"
	StepStatusSkipped     StepStatus = "skipped"
	StepStatusGated       StepStatus = "gated"
	StepStatusDispatching StepStatus = "dispatching"
	StepStatusRetrying    StepStatus = "retrying"
	StepStatusSucceeded   StepStatus = "succeeded"
	StepStatusFailed      StepStatus = "failed"
)

// IsTerminal reports whether the step status is final. Skipped counts as
// terminal-success: it never blocks the run.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusSkipped:
		return true
	default:
		return false
	}
}
