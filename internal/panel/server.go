// Package panel is the operations surface: a JSON API for registering
// definitions, inspecting runs, deciding approvals, and an SSE stream of
// engine events.
package panel

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/opsflow-io/opsflow/internal/store"
	"github.com/opsflow-io/opsflow/internal/streaming"
	"github.com/opsflow-io/opsflow/internal/validation"
	"github.com/opsflow-io/opsflow/pkg/schema"
)

// RunController is the slice of the engine the panel drives.
type RunController interface {
	StartRun(ctx context.Context, definitionID string, version int, trigger map[string]any) (*store.Run, error)
	Cancel(ctx context.Context, runID, reason string) error
}

// ApprovalController decides pending approvals.
type ApprovalController interface {
	Approve(ctx context.Context, approvalID, decidedBy, reason string) (*store.Approval, error)
	Reject(ctx context.Context, approvalID, decidedBy, reason string) (*store.Approval, error)
}

// TriggerRegistrar binds a registered definition's triggers. Optional.
type TriggerRegistrar interface {
	Register(def *schema.WorkflowDefinition) error
}

// Deps holds the panel server's collaborators.
type Deps struct {
	Store     store.Store
	Engine    RunController
	Approvals ApprovalController
	Validator *validation.Validator
	Triggers  TriggerRegistrar
	Hub       streaming.Hub
	Logger    *slog.Logger
}

// Server serves the operations API.
type Server struct {
	deps Deps
}

// NewServer creates a panel server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for the panel routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Definitions.
	mux.HandleFunc("POST /api/definitions", s.handleRegisterDefinition)
	mux.HandleFunc("GET /api/definitions", s.handleListDefinitions)
	mux.HandleFunc("GET /api/definitions/{id}", s.handleGetDefinition)

	// Runs.
	mux.HandleFunc("POST /api/runs", s.handleStartRun)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.handleCancelRun)

	// Approvals.
	mux.HandleFunc("GET /api/approvals", s.handleListApprovals)
	mux.HandleFunc("POST /api/approvals/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /api/approvals/{id}/reject", s.handleReject)

	// SSE streams.
	mux.HandleFunc("GET /sse/runs", s.handleSSERuns)
	mux.HandleFunc("GET /sse/runs/{id}", s.handleSSERun)

	return mux
}
