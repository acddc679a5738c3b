package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsflow-io/opsflow/internal/expressions"
	"github.com/opsflow-io/opsflow/pkg/schema"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	v, err := New(cel, expressions.NewGoJQEngine())
	require.NoError(t, err)
	return v
}

func validDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:      "disk-cleanup",
		Version: 1,
		Steps: []schema.Step{
			{
				ID: "detect", Type: schema.StepTypeDetect, Agent: "probe",
				Service: "disk", Action: "scan",
				Outputs: []string{"usage", "worst=.disks | max_by(.usage) | .name"},
			},
			{
				ID: "execute", Type: schema.StepTypeExecute, Agent: "remediator",
				Service: "disk", Action: "cleanup",
				Parameters: map[string]any{"target": "${{ context.worst }}"},
				Conditions: []schema.Condition{
					{Field: "usage", Operator: schema.OpGt, Value: 90},
				},
				Guard:   `context.usage > 90.0`,
				Outputs: []string{"freed"},
				ErrorHandling: &schema.ErrorHandling{
					Retry: &schema.RetryPolicy{Attempts: 2, DelayMs: 500},
				},
			},
		},
		Triggers: []schema.Trigger{
			{Kind: schema.TriggerKindScheduled, Cron: "*/15 * * * *"},
			{Kind: schema.TriggerKindThreshold, Metric: "disk_usage_percent", Operator: schema.OpGt, Value: 90},
		},
		Metadata: schema.Metadata{EstimatedDuration: "15m", Criticality: "high"},
	}
}

func TestValidator_AcceptsValidDefinition(t *testing.T) {
	v := newValidator(t)
	result := v.Validate(validDefinition())
	assert.True(t, result.Valid(), "unexpected errors: %+v", result.Errors)
	require.NoError(t, v.ValidateOrError(validDefinition()))
}

func TestValidator_NilDefinition(t *testing.T) {
	v := newValidator(t)
	result := v.Validate(nil)
	require.False(t, result.Valid())
}

func TestValidator_MissingRequiredFields(t *testing.T) {
	v := newValidator(t)
	def := &schema.WorkflowDefinition{ID: "x", Version: 1}
	result := v.Validate(def)
	require.False(t, result.Valid(), "empty steps must be rejected")
}

func TestValidator_StepWithoutAction(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	def.Steps[0].Action = ""
	result := v.Validate(def)
	require.False(t, result.Valid())
}

func TestValidator_InvalidStepType(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	def.Steps[0].Type = "banana"
	result := v.Validate(def)
	require.False(t, result.Valid())
}

func TestValidator_DuplicateStepIDs(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	def.Steps[1].ID = "detect"
	def.Steps[1].Outputs = nil
	result := v.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "duplicate step id")
}

func TestValidator_OverlappingOutputs(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	def.Steps[1].Outputs = []string{"usage"}
	result := v.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "already produced")
}

func TestValidator_ReservedOutputName(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	def.Steps[1].Outputs = []string{schema.TriggerContextKey}
	result := v.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "reserved")
}

func TestValidator_NumericOperatorWithStringLiteral(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	def.Steps[1].Conditions = []schema.Condition{
		{Field: "severity", Operator: schema.OpGt, Value: "high"},
	}
	result := v.Validate(def)
	require.False(t, result.Valid(), "a > condition with a string literal can never pass")
	assert.Contains(t, result.Errors[0].Message, "numeric literal")
	assert.Equal(t, "/steps/1/conditions/0/value", result.Errors[0].Path)
}

func TestValidator_NumericOperatorAcceptsIntLiteral(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	def.Steps[1].Conditions = []schema.Condition{
		{Field: "usage", Operator: schema.OpGe, Value: 90},
	}
	result := v.Validate(def)
	assert.True(t, result.Valid(), "unexpected errors: %+v", result.Errors)
}

func TestValidator_BadJQOutputExpression(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	def.Steps[1].Outputs = []string{"x=.foo[((("}
	result := v.Validate(def)
	require.False(t, result.Valid())
}

func TestValidator_BadGuardExpression(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	def.Steps[1].Guard = "context.usage >"
	result := v.Validate(def)
	require.False(t, result.Valid())
}

func TestValidator_BadCronExpression(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	def.Triggers[0].Cron = "99 99 * * *"
	result := v.Validate(def)
	require.False(t, result.Valid())
}

func TestValidator_ThresholdWithoutMetric(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	def.Triggers[1].Metric = ""
	result := v.Validate(def)
	require.False(t, result.Valid())
}

func TestValidator_EventTriggerWithoutEvent(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	def.Triggers = []schema.Trigger{{Kind: schema.TriggerKindEvent}}
	result := v.Validate(def)
	require.False(t, result.Valid())
}

func TestValidator_BadEstimatedDuration(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	def.Metadata.EstimatedDuration = "fifteen minutes"
	result := v.Validate(def)
	require.False(t, result.Valid())
}

func TestValidator_ZeroDelayRetryWarns(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	def.Steps[1].ErrorHandling.Retry.DelayMs = 0
	result := v.Validate(def)
	assert.True(t, result.Valid(), "warnings do not block registration")
	assert.NotEmpty(t, result.Warnings)
}
