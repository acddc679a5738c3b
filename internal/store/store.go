// Package store is the persistence layer: versioned workflow definitions,
// run state, per-step records, approval gates, and the append-only event log
// that makes runs resumable after a restart.
package store

import "context"

// Store defines the persistence contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Definitions (versioned, immutable once registered)
	PutDefinition(ctx context.Context, def *Definition) error
	GetDefinition(ctx context.Context, id string, version int) (*Definition, error)
	GetLatestDefinition(ctx context.Context, id string) (*Definition, error)
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*Definition, error)

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Step records (materialized view, rebuilt from events on resume)
	UpsertStepRecord(ctx context.Context, rec *StepRecord) error
	GetStepRecord(ctx context.Context, runID, stepID string) (*StepRecord, error)
	ListStepRecords(ctx context.Context, runID string) ([]*StepRecord, error)

	// Approvals
	CreateApproval(ctx context.Context, ap *Approval) error
	GetApproval(ctx context.Context, id string) (*Approval, error)
	ResolveApproval(ctx context.Context, id string, decision *Decision) error
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*Approval, error)

	// Event log (append-only, per-run sequence)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
