package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/opsflow-io/opsflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Definitions ---

func (s *LibSQLStore) PutDefinition(ctx context.Context, def *Definition) error {
	raw, err := json.Marshal(def.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO definitions (id, version, definition, created_at) VALUES (?, ?, ?, ?)`,
		def.ID, def.Version, string(raw), timeOrNow(def.CreatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"definition %s version %d already registered", def.ID, def.Version)
	}
	return err
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, id string, version int) (*Definition, error) {
	return s.scanDefinition(s.db.QueryRowContext(ctx,
		`SELECT id, version, definition, created_at FROM definitions WHERE id = ? AND version = ?`,
		id, version), fmt.Sprintf("%s@%d", id, version))
}

func (s *LibSQLStore) GetLatestDefinition(ctx context.Context, id string) (*Definition, error) {
	return s.scanDefinition(s.db.QueryRowContext(ctx,
		`SELECT id, version, definition, created_at FROM definitions
		 WHERE id = ? ORDER BY version DESC LIMIT 1`, id), id)
}

func (s *LibSQLStore) scanDefinition(row *sql.Row, key string) (*Definition, error) {
	d := &Definition{}
	var raw string
	err := row.Scan(&d.ID, &d.Version, &raw, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("definition", key)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(raw), &d.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return d, nil
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*Definition, error) {
	query := `SELECT id, version, definition, created_at FROM definitions`
	var args []any
	if filter.ID != "" {
		query += ` WHERE id = ?`
		args = append(args, filter.ID)
	}
	query += ` ORDER BY id, version DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*Definition
	for rows.Next() {
		d := &Definition{}
		var raw string
		if err := rows.Scan(&d.ID, &d.Version, &raw, &d.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &d.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

// --- Runs ---

const runColumns = `id, definition_id, definition_version, status, trigger_info, context, error, deadline, created_at, started_at, completed_at, updated_at`

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.DefinitionID, run.DefinitionVersion, string(run.Status),
		nullRaw(run.Trigger), nullRaw(run.Context), nullRaw(run.Error),
		nullTime(run.Deadline), timeOrNow(run.CreatedAt),
		nullTime(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func scanRun(scan func(dest ...any) error) (*Run, error) {
	r := &Run{}
	var (
		status                       string
		triggerJSON, ctxJSON, errJSON sql.NullString
		deadline, startedAt, completedAt sql.NullTime
	)
	if err := scan(&r.ID, &r.DefinitionID, &r.DefinitionVersion, &status,
		&triggerJSON, &ctxJSON, &errJSON, &deadline,
		&r.CreatedAt, &startedAt, &completedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = schema.RunStatus(status)
	r.Trigger = rawOrNil(triggerJSON)
	r.Context = rawOrNil(ctxJSON)
	r.Error = rawOrNil(errJSON)
	if deadline.Valid {
		r.Deadline = &deadline.Time
	}
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return r, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Context != nil {
		sets = append(sets, "context = ?")
		args = append(args, string(update.Context))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.Deadline != nil {
		sets = append(sets, "deadline = ?")
		args = append(args, *update.Deadline)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.DefinitionID != "" {
		where = append(where, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// --- Step records ---

func (s *LibSQLStore) UpsertStepRecord(ctx context.Context, rec *StepRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_records (run_id, step_id, status, attempt, params, result, error, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, step_id) DO UPDATE SET
		   status=excluded.status, attempt=excluded.attempt, params=excluded.params,
		   result=excluded.result, error=excluded.error, started_at=excluded.started_at,
		   completed_at=excluded.completed_at, duration_ms=excluded.duration_ms`,
		rec.RunID, rec.StepID, string(rec.Status), rec.Attempt,
		nullRaw(rec.Params), nullRaw(rec.Result), nullRaw(rec.Error),
		nullTime(rec.StartedAt), nullTime(rec.CompletedAt), rec.DurationMs,
	)
	return err
}

func (s *LibSQLStore) GetStepRecord(ctx context.Context, runID, stepID string) (*StepRecord, error) {
	rec := &StepRecord{}
	var status string
	var params, result, errJSON sql.NullString
	var startedAt, completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, step_id, status, attempt, params, result, error, started_at, completed_at, duration_ms
		 FROM step_records WHERE run_id = ? AND step_id = ?`, runID, stepID,
	).Scan(&rec.RunID, &rec.StepID, &status, &rec.Attempt, &params, &result, &errJSON,
		&startedAt, &completedAt, &rec.DurationMs)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step_record", runID+"/"+stepID)
	}
	if err != nil {
		return nil, err
	}
	rec.Status = schema.StepStatus(status)
	rec.Params = rawOrNil(params)
	rec.Result = rawOrNil(result)
	rec.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		rec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	return rec, nil
}

func (s *LibSQLStore) ListStepRecords(ctx context.Context, runID string) ([]*StepRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, step_id, status, attempt, params, result, error, started_at, completed_at, duration_ms
		 FROM step_records WHERE run_id = ?`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*StepRecord
	for rows.Next() {
		rec := &StepRecord{}
		var status string
		var params, result, errJSON sql.NullString
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&rec.RunID, &rec.StepID, &status, &rec.Attempt, &params, &result, &errJSON,
			&startedAt, &completedAt, &rec.DurationMs); err != nil {
			return nil, err
		}
		rec.Status = schema.StepStatus(status)
		rec.Params = rawOrNil(params)
		rec.Result = rawOrNil(result)
		rec.Error = rawOrNil(errJSON)
		if startedAt.Valid {
			rec.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			rec.CompletedAt = &completedAt.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// --- Approvals ---

func (s *LibSQLStore) CreateApproval(ctx context.Context, ap *Approval) error {
	status := ap.Status
	if status == "" {
		status = ApprovalStatusPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, run_id, step_id, summary, timeout_at, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ap.ID, ap.RunID, ap.StepID, nullRaw(ap.Summary),
		nullTime(ap.TimeoutAt), status, timeOrNow(ap.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetApproval(ctx context.Context, id string) (*Approval, error) {
	ap := &Approval{}
	var summary, decidedBy, reason sql.NullString
	var timeoutAt, decidedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, step_id, summary, timeout_at, status, decided_by, reason, decided_at, created_at
		 FROM approvals WHERE id = ?`, id,
	).Scan(&ap.ID, &ap.RunID, &ap.StepID, &summary, &timeoutAt, &ap.Status,
		&decidedBy, &reason, &decidedAt, &ap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("approval", id)
	}
	if err != nil {
		return nil, err
	}
	ap.Summary = rawOrNil(summary)
	ap.DecidedBy = decidedBy.String
	ap.Reason = reason.String
	if timeoutAt.Valid {
		ap.TimeoutAt = &timeoutAt.Time
	}
	if decidedAt.Valid {
		ap.DecidedAt = &decidedAt.Time
	}
	return ap, nil
}

func (s *LibSQLStore) ResolveApproval(ctx context.Context, id string, decision *Decision) error {
	status := ApprovalStatusRejected
	switch {
	case decision.Granted:
		status = ApprovalStatusGranted
	case decision.Expired:
		status = ApprovalStatusExpired
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, decided_by = ?, reason = ?, decided_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = 'pending'`,
		status, nullStr(decision.DecidedBy), nullStr(decision.Reason), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "approval", id)
}

func (s *LibSQLStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*Approval, error) {
	var where []string
	var args []any

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT id, run_id, step_id, summary, timeout_at, status, decided_by, reason, decided_at, created_at FROM approvals`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvals []*Approval
	for rows.Next() {
		ap := &Approval{}
		var summary, decidedBy, reason sql.NullString
		var timeoutAt, decidedAt sql.NullTime
		if err := rows.Scan(&ap.ID, &ap.RunID, &ap.StepID, &summary, &timeoutAt, &ap.Status,
			&decidedBy, &reason, &decidedAt, &ap.CreatedAt); err != nil {
			return nil, err
		}
		ap.Summary = rawOrNil(summary)
		ap.DecidedBy = decidedBy.String
		ap.Reason = reason.String
		if timeoutAt.Valid {
			ap.TimeoutAt = &timeoutAt.Time
		}
		if decidedAt.Valid {
			ap.DecidedAt = &decidedAt.Time
		}
		approvals = append(approvals, ap)
	}
	return approvals, rows.Err()
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Next per-run sequence. Single writer (MaxOpenConns=1) keeps this safe.
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.StepID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_id, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.StepID != "" {
		where = append(where, "step_id = ?")
		args = append(args, filter.StepID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, run_id, step_id, event_type, payload, timestamp, sequence FROM events WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY timestamp DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

var _ Store = (*LibSQLStore)(nil)
