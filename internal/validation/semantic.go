package validation

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opsflow-io/opsflow/internal/conditions"
	"github.com/opsflow-io/opsflow/internal/expressions"
	"github.com/opsflow-io/opsflow/pkg/schema"
)

// SemanticValidator enforces the rules JSON Schema cannot express: identifier
// uniqueness, output disjointness, reserved names, and the compilability of
// every guard, output expression, and cron schedule. Definitions rejected
// here would otherwise fail at run time, mid-incident.
type SemanticValidator struct {
	cel    *expressions.CELEngine
	jq     *expressions.GoJQEngine
	parser cron.Parser
}

// NewSemanticValidator creates a semantic validator with its own expression
// engines so validation warms the same compile caches execution uses.
func NewSemanticValidator(cel *expressions.CELEngine, jq *expressions.GoJQEngine) *SemanticValidator {
	return &SemanticValidator{
		cel:    cel,
		jq:     jq,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// ValidateSemantics runs every semantic check and aggregates the issues.
func (v *SemanticValidator) ValidateSemantics(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return result
	}

	v.checkSteps(def, result)
	v.checkTriggers(def, result)
	v.checkMetadata(def, result)
	return result
}

func (v *SemanticValidator) checkSteps(def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	seenSteps := make(map[string]struct{}, len(def.Steps))
	outputOwner := make(map[string]string)

	for i, step := range def.Steps {
		path := fmt.Sprintf("/steps/%d", i)

		if _, dup := seenSteps[step.ID]; dup {
			result.AddError(path+"/id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q", step.ID))
		}
		seenSteps[step.ID] = struct{}{}

		for j, raw := range step.Outputs {
			outPath := fmt.Sprintf("%s/outputs/%d", path, j)
			spec, err := expressions.ParseOutputSpec(raw)
			if err != nil {
				result.AddError(outPath, schema.ErrCodeValidation, err.Error())
				continue
			}
			if spec.Name == schema.TriggerContextKey {
				result.AddError(outPath, schema.ErrCodeValidation,
					fmt.Sprintf("output name %q is reserved for trigger provenance", schema.TriggerContextKey))
			}
			if owner, taken := outputOwner[spec.Name]; taken {
				result.AddError(outPath, schema.ErrCodeValidation,
					fmt.Sprintf("output %q already produced by step %q", spec.Name, owner))
			} else {
				outputOwner[spec.Name] = step.ID
			}
			if spec.Expr != "" && v.jq != nil {
				if err := v.jq.Compile(spec.Expr); err != nil {
					result.AddError(outPath, schema.ErrCodeValidation,
						fmt.Sprintf("output expression does not compile: %s", err.Error()))
				}
			}
		}

		for j, cond := range step.Conditions {
			condPath := fmt.Sprintf("%s/conditions/%d", path, j)
			if !cond.Operator.Valid() {
				result.AddError(condPath+"/operator", schema.ErrCodeValidation,
					fmt.Sprintf("unknown operator %q", string(cond.Operator)))
				continue
			}
			// A numeric operator with a non-numeric literal can never evaluate;
			// at run time it would fail every run with TYPE_MISMATCH.
			if cond.Operator.Numeric() && !conditions.NumericLiteral(cond.Value) {
				result.AddError(condPath+"/value", schema.ErrCodeValidation,
					fmt.Sprintf("operator %q requires a numeric literal, got %T", string(cond.Operator), cond.Value))
			}
		}

		if step.Guard != "" && v.cel != nil {
			if err := v.cel.Compile(step.Guard); err != nil {
				result.AddError(path+"/guard", schema.ErrCodeValidation,
					fmt.Sprintf("guard does not compile: %s", err.Error()))
			}
		}

		if step.ErrorHandling != nil && step.ErrorHandling.Retry != nil {
			if step.ErrorHandling.Retry.Attempts > 0 && step.ErrorHandling.Retry.DelayMs == 0 {
				result.AddWarning(path+"/error_handling/retry", schema.ErrCodeValidation,
					"retries configured with zero delay; dispatches will hammer the agent")
			}
		}
	}
}

func (v *SemanticValidator) checkTriggers(def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	for i, tr := range def.Triggers {
		path := fmt.Sprintf("/triggers/%d", i)

		switch tr.Kind {
		case schema.TriggerKindEvent:
			if tr.Event == "" {
				result.AddError(path, schema.ErrCodeValidation, "event trigger requires an event name")
			}
		case schema.TriggerKindScheduled:
			if tr.Cron == "" {
				result.AddError(path, schema.ErrCodeValidation, "scheduled trigger requires a cron expression")
				continue
			}
			if _, err := v.parser.Parse(tr.Cron); err != nil {
				result.AddError(path+"/cron", schema.ErrCodeValidation,
					fmt.Sprintf("invalid cron expression %q: %s", tr.Cron, err.Error()))
			}
		case schema.TriggerKindThreshold:
			if tr.Metric == "" {
				result.AddError(path, schema.ErrCodeValidation, "threshold trigger requires a metric name")
			}
			if !tr.Operator.Valid() {
				result.AddError(path+"/operator", schema.ErrCodeValidation,
					fmt.Sprintf("unknown operator %q", string(tr.Operator)))
			}
		default:
			result.AddError(path+"/kind", schema.ErrCodeValidation,
				fmt.Sprintf("unknown trigger kind %q", string(tr.Kind)))
		}
	}
}

func (v *SemanticValidator) checkMetadata(def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	if def.Metadata.EstimatedDuration == "" {
		return
	}
	dur, err := time.ParseDuration(def.Metadata.EstimatedDuration)
	if err != nil {
		result.AddError("/metadata/estimated_duration", schema.ErrCodeValidation,
			fmt.Sprintf("invalid duration %q: %s", def.Metadata.EstimatedDuration, err.Error()))
		return
	}
	if dur <= 0 {
		result.AddError("/metadata/estimated_duration", schema.ErrCodeValidation,
			"estimated duration must be positive")
	}
}
