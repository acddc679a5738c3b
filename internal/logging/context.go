// Package logging carries run correlation IDs through contexts so every log
// line emitted during a run can be tied back to it.
package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	stepIDKey
	definitionIDKey
)

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithStepID returns a context with the step ID set.
func WithStepID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stepIDKey, id)
}

// WithDefinitionID returns a context with the definition ID set.
func WithDefinitionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, definitionIDKey, id)
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// StepID extracts the step ID from the context, or "" if absent.
func StepID(ctx context.Context) string {
	v, _ := ctx.Value(stepIDKey).(string)
	return v
}

// DefinitionID extracts the definition ID from the context, or "" if absent.
func DefinitionID(ctx context.Context) string {
	v, _ := ctx.Value(definitionIDKey).(string)
	return v
}

// WithIDs sets all three correlation IDs on the context at once.
func WithIDs(ctx context.Context, runID, stepID, definitionID string) context.Context {
	ctx = WithRunID(ctx, runID)
	ctx = WithStepID(ctx, stepID)
	ctx = WithDefinitionID(ctx, definitionID)
	return ctx
}

// CorrelationHandler wraps an slog.Handler, injecting correlation IDs from
// the context into every record. Use with slog.New(NewCorrelationHandler(h))
// so callers logging via InfoContext get the IDs for free.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := RunID(ctx); v != "" {
		r.AddAttrs(slog.String("run_id", v))
	}
	if v := StepID(ctx); v != "" {
		r.AddAttrs(slog.String("step_id", v))
	}
	if v := DefinitionID(ctx); v != "" {
		r.AddAttrs(slog.String("definition_id", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
