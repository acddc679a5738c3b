package panel

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/opsflow-io/opsflow/internal/store"
	"github.com/opsflow-io/opsflow/pkg/schema"
)

// handleRegisterDefinition validates and stores a new definition version and
// binds its triggers. Versions are immutable: re-posting an existing
// (id, version) pair is a conflict.
func (s *Server) handleRegisterDefinition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var def schema.WorkflowDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	if s.deps.Validator != nil {
		result := s.deps.Validator.Validate(&def)
		if !result.Valid() {
			writeJSON(w, http.StatusUnprocessableEntity, result)
			return
		}
	}

	rec := &store.Definition{
		ID:         def.ID,
		Version:    def.Version,
		Definition: def,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.deps.Store.PutDefinition(ctx, rec); err != nil {
		writeFlowError(w, err)
		return
	}

	if s.deps.Triggers != nil {
		if err := s.deps.Triggers.Register(&def); err != nil {
			writeFlowError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":      def.ID,
		"version": def.Version,
	})
}

func (s *Server) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := s.deps.Store.ListDefinitions(r.Context(), store.DefinitionFilter{
		ID:    r.URL.Query().Get("id"),
		Limit: queryInt(r, "limit", 100),
	})
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"definitions": defs})
}

func (s *Server) handleGetDefinition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	version := queryInt(r, "version", 0)

	var (
		def *store.Definition
		err error
	)
	if version > 0 {
		def, err = s.deps.Store.GetDefinition(r.Context(), id, version)
	} else {
		def, err = s.deps.Store.GetLatestDefinition(r.Context(), id)
	}
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// handleStartRun starts a run manually. The caller becomes the trigger
// provenance.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DefinitionID string         `json:"definition_id"`
		Version      int            `json:"version"`
		Parameters   map[string]any `json:"parameters"`
		RequestedBy  string         `json:"requested_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.DefinitionID == "" {
		writeError(w, http.StatusBadRequest, "definition_id is required")
		return
	}

	requestedBy := body.RequestedBy
	if requestedBy == "" {
		requestedBy = "panel"
	}
	trigger := map[string]any{
		"kind":         "manual",
		"requested_by": requestedBy,
	}
	if len(body.Parameters) > 0 {
		trigger["parameters"] = body.Parameters
	}

	run, err := s.deps.Engine.StartRun(r.Context(), body.DefinitionID, body.Version, trigger)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		DefinitionID: r.URL.Query().Get("definition_id"),
		Limit:        queryInt(r, "limit", 100),
		Offset:       queryInt(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := schema.RunStatus(raw)
		filter.Status = &status
	}

	runs, err := s.deps.Store.ListRuns(r.Context(), filter)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleGetRun returns the run with its step records and event history.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	run, err := s.deps.Store.GetRun(ctx, id)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	steps, err := s.deps.Store.ListStepRecords(ctx, id)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	events, err := s.deps.Store.GetEvents(ctx, id, int64(queryInt(r, "since", 0)))
	if err != nil {
		writeFlowError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run":    run,
		"steps":  steps,
		"events": events,
	})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	reason := "cancelled via panel"
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Reason != "" {
		reason = body.Reason
	}

	if err := s.deps.Engine.Cancel(r.Context(), id, reason); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": id, "status": "cancelling"})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = store.ApprovalStatusPending
	}
	approvals, err := s.deps.Store.ListApprovals(r.Context(), store.ApprovalFilter{
		RunID:  r.URL.Query().Get("run_id"),
		Status: status,
		Limit:  queryInt(r, "limit", 100),
	})
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": approvals})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.decideApproval(w, r, true)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.decideApproval(w, r, false)
}

func (s *Server) decideApproval(w http.ResponseWriter, r *http.Request, grant bool) {
	id := r.PathValue("id")

	var body struct {
		DecidedBy string `json:"decided_by"`
		Reason    string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.DecidedBy == "" {
		writeError(w, http.StatusBadRequest, "decided_by is required")
		return
	}

	var (
		ap  *store.Approval
		err error
	)
	if grant {
		ap, err = s.deps.Approvals.Approve(r.Context(), id, body.DecidedBy, body.Reason)
	} else {
		ap, err = s.deps.Approvals.Reject(r.Context(), id, body.DecidedBy, body.Reason)
	}
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ap)
}

// writeFlowError maps FlowError codes onto HTTP statuses.
func writeFlowError(w http.ResponseWriter, err error) {
	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusInternalServerError
	switch fe.Code {
	case schema.ErrCodeNotFound:
		status = http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		status = http.StatusConflict
	case schema.ErrCodeValidation, schema.ErrCodeTypeMismatch, schema.ErrCodeMissingField:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, fe)
}
