package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opsflow-io/opsflow/pkg/schema"
)

// Interpolator resolves ${{ ... }} references inside step parameters before
// dispatch. Expressions run over the frozen run-context snapshot, so a
// parameter like {"target": "${{ detection.region }}"} carries forward output
// from an earlier step.
type Interpolator struct {
	engine *ExprEngine
}

// NewInterpolator creates an Interpolator backed by the given engine.
func NewInterpolator(engine *ExprEngine) *Interpolator {
	return &Interpolator{engine: engine}
}

// HasInterpolation reports whether a string contains a ${{ token.
func HasInterpolation(s string) bool {
	return strings.Contains(s, "${{")
}

// ResolveParams walks the parameter map and resolves every ${{ ... }} token
// against the context snapshot. Non-string values pass through untouched;
// nested maps and slices are walked recursively. The input is never mutated.
func (in *Interpolator) ResolveParams(ctx context.Context, params map[string]any, snapshot map[string]any) (map[string]any, error) {
	if len(params) == 0 {
		return params, nil
	}

	resolved := make(map[string]any, len(params))
	for k, v := range params {
		rv, err := in.resolveValue(ctx, v, snapshot)
		if err != nil {
			return nil, err
		}
		resolved[k] = rv
	}
	return resolved, nil
}

func (in *Interpolator) resolveValue(ctx context.Context, v any, snapshot map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		if !HasInterpolation(val) {
			return val, nil
		}
		return in.resolveString(ctx, val, snapshot)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, nested := range val {
			rv, err := in.resolveValue(ctx, nested, snapshot)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, nested := range val {
			rv, err := in.resolveValue(ctx, nested, snapshot)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

// resolveString resolves all ${{ ... }} tokens in a string. A string that is
// exactly one token keeps the expression's native type; mixed content is
// stitched back together as text.
func (in *Interpolator) resolveString(ctx context.Context, s string, snapshot map[string]any) (any, error) {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "${{") && strings.HasSuffix(trimmed, "}}") {
		inner := strings.TrimSpace(trimmed[3 : len(trimmed)-2])
		if inner != "" && !strings.Contains(inner, "${{") && !strings.Contains(inner, "}}") {
			return in.engine.Evaluate(ctx, inner, snapshot)
		}
	}

	var result strings.Builder
	result.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "${{")
		if idx == -1 {
			result.WriteString(s[i:])
			break
		}

		result.WriteString(s[i : i+idx])
		start := i + idx + 3

		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeValidation, "unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(s[start:end])
		if expr == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "empty interpolation token: ${{  }}")
		}
		if strings.Contains(expr, "${{") {
			return nil, schema.NewError(schema.ErrCodeValidation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}

		val, err := in.engine.Evaluate(ctx, expr, snapshot)
		if err != nil {
			return nil, err
		}
		result.WriteString(stringifyInline(val))

		i = end + 2
	}

	return result.String(), nil
}

// stringifyInline renders a resolved value for embedding into surrounding text.
func stringifyInline(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64, int, int64, bool:
		return fmt.Sprintf("%v", val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}
