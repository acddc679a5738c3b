package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/opsflow-io/opsflow/pkg/schema"
)

func schemaConflict(format string, args ...any) error {
	return schema.NewErrorf(schema.ErrCodeConflict, format, args...)
}

// MemStore is an in-memory Store for tests and ephemeral deployments. State
// does not survive a restart; production setups use LibSQLStore.
type MemStore struct {
	mu          sync.RWMutex
	definitions map[string][]*Definition // id -> versions ascending
	runs        map[string]*Run
	steps       map[string]map[string]*StepRecord // runID -> stepID
	approvals   map[string]*Approval
	events      map[string][]*Event // runID -> ordered by sequence
	nextEventID int64
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		definitions: make(map[string][]*Definition),
		runs:        make(map[string]*Run),
		steps:       make(map[string]map[string]*StepRecord),
		approvals:   make(map[string]*Approval),
		events:      make(map[string][]*Event),
	}
}

// --- Definitions ---

func (m *MemStore) PutDefinition(ctx context.Context, def *Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.definitions[def.ID] {
		if existing.Version == def.Version {
			return schemaConflict("definition %s version %d already registered", def.ID, def.Version)
		}
	}

	cp := *def
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.definitions[def.ID] = append(m.definitions[def.ID], &cp)
	sort.Slice(m.definitions[def.ID], func(i, j int) bool {
		return m.definitions[def.ID][i].Version < m.definitions[def.ID][j].Version
	})
	return nil
}

func (m *MemStore) GetDefinition(ctx context.Context, id string, version int) (*Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.definitions[id] {
		if d.Version == version {
			cp := *d
			return &cp, nil
		}
	}
	return nil, storeNotFound("definition", id)
}

func (m *MemStore) GetLatestDefinition(ctx context.Context, id string) (*Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.definitions[id]
	if len(versions) == 0 {
		return nil, storeNotFound("definition", id)
	}
	cp := *versions[len(versions)-1]
	return &cp, nil
}

func (m *MemStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Definition
	ids := make([]string, 0, len(m.definitions))
	for id := range m.definitions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if filter.ID != "" && id != filter.ID {
			continue
		}
		versions := m.definitions[id]
		for i := len(versions) - 1; i >= 0; i-- {
			cp := *versions[i]
			out = append(out, &cp)
			if filter.Limit > 0 && len(out) >= filter.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// --- Runs ---

func (m *MemStore) CreateRun(ctx context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[run.ID]; exists {
		return schemaConflict("run %s already exists", run.ID)
	}

	cp := *run
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = now
	}
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemStore) GetRun(ctx context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, storeNotFound("run", id)
	}
	cp := *run
	return &cp, nil
}

func (m *MemStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return storeNotFound("run", id)
	}

	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.Context != nil {
		run.Context = update.Context
	}
	if update.Error != nil {
		run.Error = update.Error
	}
	if update.Deadline != nil {
		run.Deadline = update.Deadline
	}
	if update.StartedAt != nil {
		run.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		run.CompletedAt = update.CompletedAt
	}
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Run
	for _, run := range m.runs {
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		if filter.DefinitionID != "" && run.DefinitionID != filter.DefinitionID {
			continue
		}
		if filter.Since != nil && run.CreatedAt.Before(*filter.Since) {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Step records ---

func (m *MemStore) UpsertStepRecord(ctx context.Context, rec *StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byStep, ok := m.steps[rec.RunID]
	if !ok {
		byStep = make(map[string]*StepRecord)
		m.steps[rec.RunID] = byStep
	}
	cp := *rec
	byStep[rec.StepID] = &cp
	return nil
}

func (m *MemStore) GetStepRecord(ctx context.Context, runID, stepID string) (*StepRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.steps[runID][stepID]
	if !ok {
		return nil, storeNotFound("step_record", runID+"/"+stepID)
	}
	cp := *rec
	return &cp, nil
}

func (m *MemStore) ListStepRecords(ctx context.Context, runID string) ([]*StepRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*StepRecord
	for _, rec := range m.steps[runID] {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out, nil
}

// --- Approvals ---

func (m *MemStore) CreateApproval(ctx context.Context, ap *Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.approvals[ap.ID]; exists {
		return schemaConflict("approval %s already exists", ap.ID)
	}
	cp := *ap
	if cp.Status == "" {
		cp.Status = ApprovalStatusPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.approvals[ap.ID] = &cp
	return nil
}

func (m *MemStore) GetApproval(ctx context.Context, id string) (*Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ap, ok := m.approvals[id]
	if !ok {
		return nil, storeNotFound("approval", id)
	}
	cp := *ap
	return &cp, nil
}

func (m *MemStore) ResolveApproval(ctx context.Context, id string, decision *Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ap, ok := m.approvals[id]
	if !ok || ap.Status != ApprovalStatusPending {
		return storeNotFound("approval", id)
	}

	switch {
	case decision.Granted:
		ap.Status = ApprovalStatusGranted
	case decision.Expired:
		ap.Status = ApprovalStatusExpired
	default:
		ap.Status = ApprovalStatusRejected
	}
	ap.DecidedBy = decision.DecidedBy
	ap.Reason = decision.Reason
	now := time.Now().UTC()
	ap.DecidedAt = &now
	return nil
}

func (m *MemStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Approval
	for _, ap := range m.approvals {
		if filter.RunID != "" && ap.RunID != filter.RunID {
			continue
		}
		if filter.Status != "" && ap.Status != filter.Status {
			continue
		}
		cp := *ap
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Events ---

func (m *MemStore) AppendEvent(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextEventID++
	cp := *event
	cp.ID = m.nextEventID
	cp.Sequence = int64(len(m.events[event.RunID])) + 1
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	if len(event.Payload) > 0 {
		cp.Payload = append(json.RawMessage(nil), event.Payload...)
	}
	m.events[event.RunID] = append(m.events[event.RunID], &cp)

	event.ID = cp.ID
	event.Sequence = cp.Sequence
	return nil
}

func (m *MemStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for _, e := range m.events[runID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for runID, events := range m.events {
		if filter.RunID != "" && runID != filter.RunID {
			continue
		}
		for _, e := range events {
			if e.Type != eventType {
				continue
			}
			if filter.StepID != "" && e.StepID != filter.StepID {
				continue
			}
			if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
				continue
			}
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Maintenance ---

func (m *MemStore) Migrate(ctx context.Context) error { return nil }
func (m *MemStore) Vacuum(ctx context.Context) error  { return nil }
func (m *MemStore) Close() error                      { return nil }

var _ Store = (*MemStore)(nil)
