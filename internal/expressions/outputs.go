package expressions

import (
	"context"
	"strings"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/opsflow-io/opsflow/pkg/schema"
)

// GoJQEngine evaluates jq expressions for declared-output extraction. A step
// declares outputs either as a bare key ("anomalies") copied verbatim from the
// dispatch result, or as "name=<jq expr>" where the jq expression reshapes the
// result before it is merged into the run context.
// Thread-safe: compiled *gojq.Code objects are cached and reused.
type GoJQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewGoJQEngine creates a new GoJQ expression engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{
		cache: make(map[string]*gojq.Code),
	}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string {
	return "jq"
}

// Evaluate compiles (or retrieves from cache) a jq expression and runs it
// against the dispatch result. jq expressions may yield multiple values; a
// single value is returned directly, multiple values come back as []any.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	code, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, normalizeForJQ(data))

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if evalErr, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeIncompleteOutput,
				"jq evaluation failed for %q: %s", expression, evalErr.Error()).
				WithCause(evalErr).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// Compile checks a jq expression without evaluating it. Used by definition
// validation to fail fast on malformed output specs.
func (e *GoJQEngine) Compile(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

// getOrCompile returns a cached compiled code or compiles and caches a new one.
func (e *GoJQEngine) getOrCompile(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if code, ok := e.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	code, err := gojq.Compile(query,
		// Sandbox: return empty env to block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = code
	return code, nil
}

// normalizeForJQ converts Go integer types to float64, matching jq's native
// number handling, recursively through maps and slices.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, nested := range val {
			out[k] = normalizeForJQ(nested)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, nested := range val {
			out[i] = normalizeForJQ(nested)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

var _ Engine = (*GoJQEngine)(nil)

// OutputSpec is one parsed entry of a step's declared outputs.
type OutputSpec struct {
	// Name is the context key the extracted value is stored under.
	Name string
	// Expr is an optional jq expression applied to the dispatch result.
	// Empty means "copy the result field named Name".
	Expr string
}

// ParseOutputSpec splits a declared output into name and optional jq
// expression. "anomalies" copies the field; "severity=.alerts[0].level" runs
// the jq expression against the whole dispatch result.
func ParseOutputSpec(raw string) (OutputSpec, error) {
	name, expr, found := strings.Cut(raw, "=")
	name = strings.TrimSpace(name)
	if name == "" {
		return OutputSpec{}, schema.NewErrorf(schema.ErrCodeValidation,
			"output spec %q has empty name", raw)
	}
	if !found {
		return OutputSpec{Name: name}, nil
	}
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return OutputSpec{}, schema.NewErrorf(schema.ErrCodeValidation,
			"output spec %q has empty jq expression", raw)
	}
	return OutputSpec{Name: name, Expr: expr}, nil
}

// ExtractOutputs resolves every declared output of a step against the dispatch
// result. Each declared name must resolve to a non-absent value; a miss fails
// the whole extraction with INCOMPLETE_OUTPUT, and nothing from a failed
// extraction is merged into the run context.
func (e *GoJQEngine) ExtractOutputs(ctx context.Context, declared []string, result map[string]any) (map[string]any, error) {
	if len(declared) == 0 {
		return map[string]any{}, nil
	}

	extracted := make(map[string]any, len(declared))
	for _, raw := range declared {
		spec, err := ParseOutputSpec(raw)
		if err != nil {
			return nil, err
		}

		if spec.Expr == "" {
			val, ok := result[spec.Name]
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeIncompleteOutput,
					"declared output %q missing from dispatch result", spec.Name).
					WithDetails(map[string]any{"output": spec.Name})
			}
			extracted[spec.Name] = val
			continue
		}

		val, err := e.Evaluate(ctx, spec.Expr, result)
		if err != nil {
			return nil, err
		}
		if val == nil {
			return nil, schema.NewErrorf(schema.ErrCodeIncompleteOutput,
				"declared output %q resolved to null via %q", spec.Name, spec.Expr).
				WithDetails(map[string]any{"output": spec.Name, "expression": spec.Expr})
		}
		extracted[spec.Name] = val
	}

	return extracted, nil
}
