package conditions

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsflow-io/opsflow/pkg/schema"
)

func TestLookup_NestedPath(t *testing.T) {
	ctx := map[string]any{
		"risk": map[string]any{
			"score": 0.92,
		},
	}

	v, ok := Lookup(ctx, "risk.score")
	require.True(t, ok)
	assert.Equal(t, 0.92, v)
}

func TestLookup_ContextPrefixStripped(t *testing.T) {
	ctx := map[string]any{"riskScore": 7.0}

	v, ok := Lookup(ctx, "context.riskScore")
	require.True(t, ok)
	assert.Equal(t, 7.0, v)
}

func TestLookup_MissingPath(t *testing.T) {
	ctx := map[string]any{"a": map[string]any{"b": 1}}

	_, ok := Lookup(ctx, "a.c")
	assert.False(t, ok)

	// Traversing through a non-map value is also a miss.
	_, ok = Lookup(ctx, "a.b.c")
	assert.False(t, ok)
}

func TestEvaluate_MissingField_NonStrict_IsFalse(t *testing.T) {
	cond := schema.Condition{Field: "riskScore", Operator: schema.OpGt, Value: 5.0}

	ok, err := Evaluate(map[string]any{}, cond, Options{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluate_MissingField_Strict_Errors(t *testing.T) {
	cond := schema.Condition{Field: "riskScore", Operator: schema.OpGt, Value: 5.0}

	_, err := Evaluate(map[string]any{}, cond, Options{Strict: true})
	require.Error(t, err)

	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeMissingField, fe.Code)
}

func TestEvaluate_NumericOperators(t *testing.T) {
	ctx := map[string]any{"deviation": 2.5}

	cases := []struct {
		op    schema.Operator
		value float64
		want  bool
	}{
		{schema.OpGt, 2.0, true},
		{schema.OpGt, 3.0, false},
		{schema.OpLt, 3.0, true},
		{schema.OpGe, 2.5, true},
		{schema.OpLe, 2.4, false},
	}

	for _, tc := range cases {
		cond := schema.Condition{Field: "deviation", Operator: tc.op, Value: tc.value}
		got, err := Evaluate(ctx, cond, Options{})
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "op %s value %v", tc.op, tc.value)
	}
}

func TestEvaluate_NumericOperator_IntContextValue(t *testing.T) {
	// Context values produced in-process may be ints rather than float64.
	ctx := map[string]any{"count": 7}
	cond := schema.Condition{Field: "count", Operator: schema.OpGe, Value: 5.0}

	ok, err := Evaluate(ctx, cond, Options{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluate_NumericOperator_OnString_TypeMismatch(t *testing.T) {
	ctx := map[string]any{"status": "elevated"}
	cond := schema.Condition{Field: "status", Operator: schema.OpGt, Value: 5.0}

	_, err := Evaluate(ctx, cond, Options{})
	require.Error(t, err)

	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeTypeMismatch, fe.Code)
}

func TestEvaluate_StringEquality(t *testing.T) {
	ctx := map[string]any{"decision": "escalate"}

	eq := schema.Condition{Field: "decision", Operator: schema.OpEq, Value: "escalate"}
	ok, err := Evaluate(ctx, eq, Options{})
	require.NoError(t, err)
	assert.True(t, ok)

	ne := schema.Condition{Field: "decision", Operator: schema.OpNe, Value: "approve"}
	ok, err = Evaluate(ctx, ne, Options{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluate_StringVsNumberLiteral_TypeMismatch(t *testing.T) {
	ctx := map[string]any{"decision": "escalate"}
	cond := schema.Condition{Field: "decision", Operator: schema.OpEq, Value: 1.0}

	_, err := Evaluate(ctx, cond, Options{})
	require.Error(t, err)

	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeTypeMismatch, fe.Code)
}

func TestEvaluate_BoolEquality(t *testing.T) {
	ctx := map[string]any{"anomaly": true}
	cond := schema.Condition{Field: "anomaly", Operator: schema.OpEq, Value: true}

	ok, err := Evaluate(ctx, cond, Options{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluate_NumericEquality_MixedIntFloat(t *testing.T) {
	ctx := map[string]any{"count": 2}
	cond := schema.Condition{Field: "count", Operator: schema.OpEq, Value: 2.0}

	ok, err := Evaluate(ctx, cond, Options{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateAll_AndSemantics(t *testing.T) {
	ctx := map[string]any{"score": 8.0, "decision": "escalate"}

	conds := []schema.Condition{
		{Field: "score", Operator: schema.OpGt, Value: 5.0},
		{Field: "decision", Operator: schema.OpEq, Value: "escalate"},
	}
	ok, err := EvaluateAll(ctx, conds, Options{})
	require.NoError(t, err)
	assert.True(t, ok)

	conds[1].Value = "approve"
	ok, err = EvaluateAll(ctx, conds, Options{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateAll_Empty_AlwaysTrue(t *testing.T) {
	ok, err := EvaluateAll(nil, nil, Options{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompare_ThresholdSemantics(t *testing.T) {
	assert.True(t, Compare(3.0, schema.OpGt, 2.0))
	assert.False(t, Compare(2.0, schema.OpGt, 2.0))
	assert.True(t, Compare(2.0, schema.OpGe, 2.0))
	assert.True(t, Compare(1.5, schema.OpLt, 2.0))
	assert.True(t, Compare(2.0, schema.OpEq, 2.0))
	assert.True(t, Compare(2.1, schema.OpNe, 2.0))
}
