// Package dispatch routes step actions to the agents that perform them. A
// step names an agent, a service on that agent, and an action; the registry
// resolves the agent to a Dispatcher (HTTP endpoint, MCP tool server, or an
// in-process handler) and forwards the interpolated parameters.
package dispatch

import (
	"context"

	"github.com/opsflow-io/opsflow/pkg/schema"
)

// Request carries one step action to an agent.
type Request struct {
	RunID      string         `json:"run_id"`
	StepID     string         `json:"step_id"`
	Agent      string         `json:"agent"`
	Service    string         `json:"service"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Dispatcher delivers a step action to an agent and returns the agent's
// result object. Errors carrying DISPATCH_ERROR are retryable; NON_RETRYABLE
// errors abort the step immediately.
type Dispatcher interface {
	Name() string
	Dispatch(ctx context.Context, req Request) (map[string]any, error)
}

// RetryableError wraps a transport failure as a retryable dispatch error.
func RetryableError(req Request, msg string, cause error) error {
	e := schema.NewError(schema.ErrCodeDispatch, msg).
		WithRun(req.RunID).
		WithStep(req.StepID).
		WithDetails(map[string]any{
			"agent":   req.Agent,
			"service": req.Service,
			"action":  req.Action,
		})
	if cause != nil {
		e = e.WithCause(cause)
	}
	return e
}

// PermanentError wraps an agent rejection as a non-retryable dispatch error.
func PermanentError(req Request, msg string, cause error) error {
	e := schema.NewError(schema.ErrCodeNonRetryable, msg).
		WithRun(req.RunID).
		WithStep(req.StepID).
		WithDetails(map[string]any{
			"agent":   req.Agent,
			"service": req.Service,
			"action":  req.Action,
		})
	if cause != nil {
		e = e.WithCause(cause)
	}
	return e
}
