// Package conditions evaluates typed step predicates against the accumulated
// run context. Conditions are validated at registration time; evaluation is a
// pure function of (context, condition).
package conditions

import (
	"strings"

	"github.com/opsflow-io/opsflow/pkg/schema"
)

// Options control evaluation behavior.
type Options struct {
	// Strict makes a missing field path an error instead of evaluating false.
	Strict bool
}

// Evaluate resolves cond.Field against the context via dotted-path lookup and
// applies the operator. A missing path evaluates false unless opts.Strict, in
// which case it fails with MISSING_FIELD. An operator unsupported for the
// resolved value's type fails with TYPE_MISMATCH; the caller must treat that
// as step failure, never as a silent pass or skip.
func Evaluate(context map[string]any, cond schema.Condition, opts Options) (bool, error) {
	resolved, ok := Lookup(context, cond.Field)
	if !ok {
		if opts.Strict {
			return false, schema.NewErrorf(schema.ErrCodeMissingField,
				"condition field %q not present in context", cond.Field)
		}
		return false, nil
	}

	if cond.Operator.Numeric() {
		return compareNumeric(resolved, cond)
	}
	return compareEquality(resolved, cond)
}

// EvaluateAll ANDs all conditions. Empty conditions evaluate true (step always
// runs). The first false or error short-circuits.
func EvaluateAll(context map[string]any, conds []schema.Condition, opts Options) (bool, error) {
	for _, c := range conds {
		ok, err := Evaluate(context, c, opts)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Lookup resolves a dotted path against nested map[string]any values.
// A leading "context." segment is stripped: definitions written against the
// shared context namespace address the same map the engine holds.
func Lookup(context map[string]any, path string) (any, bool) {
	path = strings.TrimPrefix(path, "context.")
	if path == "" {
		return nil, false
	}

	var current any = context
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func compareNumeric(resolved any, cond schema.Condition) (bool, error) {
	left, ok := toFloat(resolved)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeTypeMismatch,
			"operator %q requires a numeric field, got %T for %q", cond.Operator, resolved, cond.Field)
	}
	right, ok := toFloat(cond.Value)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeTypeMismatch,
			"operator %q requires a numeric literal, got %T for %q", cond.Operator, cond.Value, cond.Field)
	}

	switch cond.Operator {
	case schema.OpGt:
		return left > right, nil
	case schema.OpLt:
		return left < right, nil
	case schema.OpGe:
		return left >= right, nil
	case schema.OpLe:
		return left <= right, nil
	}
	return false, schema.NewErrorf(schema.ErrCodeValidation, "unsupported operator %q", cond.Operator)
}

func compareEquality(resolved any, cond schema.Condition) (bool, error) {
	// Numbers compare numerically even under ==/!= so that JSON's float64
	// decoding does not make 2 != 2.0.
	if lf, lok := toFloat(resolved); lok {
		if rf, rok := toFloat(cond.Value); rok {
			switch cond.Operator {
			case schema.OpEq:
				return lf == rf, nil
			case schema.OpNe:
				return lf != rf, nil
			}
		}
	}

	switch left := resolved.(type) {
	case string:
		right, ok := cond.Value.(string)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeTypeMismatch,
				"cannot compare string field %q with %T literal", cond.Field, cond.Value)
		}
		return equalityResult(left == right, cond.Operator)
	case bool:
		right, ok := cond.Value.(bool)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeTypeMismatch,
				"cannot compare bool field %q with %T literal", cond.Field, cond.Value)
		}
		return equalityResult(left == right, cond.Operator)
	}

	return false, schema.NewErrorf(schema.ErrCodeTypeMismatch,
		"operator %q unsupported for value of type %T at %q", cond.Operator, resolved, cond.Field)
}

func equalityResult(equal bool, op schema.Operator) (bool, error) {
	switch op {
	case schema.OpEq:
		return equal, nil
	case schema.OpNe:
		return !equal, nil
	}
	return false, schema.NewErrorf(schema.ErrCodeValidation, "unsupported operator %q", op)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// NumericLiteral reports whether v is a value the numeric operators accept,
// the same coercion rule compareNumeric applies at evaluation time. Validation
// uses it to reject conditions that could never pass.
func NumericLiteral(v any) bool {
	_, ok := toFloat(v)
	return ok
}

// Compare applies an operator to two float64 samples. Threshold triggers share
// these operator semantics with step conditions.
func Compare(sample float64, op schema.Operator, value float64) bool {
	switch op {
	case schema.OpGt:
		return sample > value
	case schema.OpLt:
		return sample < value
	case schema.OpGe:
		return sample >= value
	case schema.OpLe:
		return sample <= value
	case schema.OpEq:
		return sample == value
	case schema.OpNe:
		return sample != value
	}
	return false
}
