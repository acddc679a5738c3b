package store

import (
	"encoding/json"
	"time"

	"github.com/opsflow-io/opsflow/pkg/schema"
)

// Definition is a persisted, versioned workflow definition. Registering a new
// version never mutates an old one: in-flight runs keep the version they
// started with.
type Definition struct {
	ID         string                    `json:"id"`
	Version    int                       `json:"version"`
	Definition schema.WorkflowDefinition `json:"definition"`
	CreatedAt  time.Time                 `json:"created_at"`
}

// Run is the persisted representation of one workflow execution.
type Run struct {
	ID                string           `json:"id"`
	DefinitionID      string           `json:"definition_id"`
	DefinitionVersion int              `json:"definition_version"`
	Status            schema.RunStatus `json:"status"`
	// Trigger records provenance: what fired this run.
	Trigger json.RawMessage `json:"trigger,omitempty"`
	// Context is the accumulated key-value data steps read and write.
	Context json.RawMessage `json:"context,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
	// Deadline is the absolute run budget; past it the run is aborted.
	Deadline    *time.Time `json:"deadline,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// StepRecord is the materialized view of a step's current state within a run.
type StepRecord struct {
	RunID       string            `json:"run_id"`
	StepID      string            `json:"step_id"`
	Status      schema.StepStatus `json:"status"`
	Attempt     int               `json:"attempt"`
	Params      json.RawMessage   `json:"params,omitempty"`
	Result      json.RawMessage   `json:"result,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// Approval statuses.
const (
	ApprovalStatusPending  = "pending"
	ApprovalStatusGranted  = "granted"
	ApprovalStatusRejected = "rejected"
	ApprovalStatusExpired  = "expired"
)

// Approval is a human gate blocking a step until someone decides.
type Approval struct {
	ID      string `json:"id"`
	RunID   string `json:"run_id"`
	StepID  string `json:"step_id"`
	// Summary carries the interpolated parameters shown to the approver.
	Summary   json.RawMessage `json:"summary,omitempty"`
	TimeoutAt *time.Time      `json:"timeout_at,omitempty"`
	Status    string          `json:"status"`
	DecidedBy string          `json:"decided_by,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	DecidedAt *time.Time      `json:"decided_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Decision is the approver's response to a pending approval. Expired marks a
// system-issued denial from the timeout sweeper rather than a human rejection.
type Decision struct {
	Granted   bool   `json:"granted"`
	Expired   bool   `json:"expired,omitempty"`
	DecidedBy string `json:"decided_by,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Event is an immutable entry in the append-only run log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StepID    string          `json:"step_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// --- Filter and update types ---

// DefinitionFilter specifies criteria for listing definitions.
type DefinitionFilter struct {
	ID    string `json:"id,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       *schema.RunStatus `json:"status,omitempty"`
	DefinitionID string            `json:"definition_id,omitempty"`
	Since        *time.Time        `json:"since,omitempty"`
	Limit        int               `json:"limit,omitempty"`
	Offset       int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	Context     json.RawMessage   `json:"context,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	Deadline    *time.Time        `json:"deadline,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// ApprovalFilter specifies criteria for listing approvals.
type ApprovalFilter struct {
	RunID  string `json:"run_id,omitempty"`
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// EventFilter specifies criteria for listing events by type.
type EventFilter struct {
	RunID  string     `json:"run_id,omitempty"`
	StepID string     `json:"step_id,omitempty"`
	Since  *time.Time `json:"since,omitempty"`
	Limit  int        `json:"limit,omitempty"`
}
