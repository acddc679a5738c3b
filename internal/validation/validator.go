// Package validation is the registration gate: a definition that passes here
// can be executed without hitting compile or shape errors mid-run.
package validation

import (
	"github.com/opsflow-io/opsflow/internal/expressions"
	"github.com/opsflow-io/opsflow/pkg/schema"
)

// Validator runs the full pipeline: JSON Schema shape checks first, then the
// semantic rules. Semantic checks only run on a well-shaped definition so
// their errors point at real fields.
type Validator struct {
	shape    *JSONSchemaValidator
	semantic *SemanticValidator
}

// New creates the validation pipeline. The expression engines may be shared
// with the engine so compile caches are warmed at registration time.
func New(cel *expressions.CELEngine, jq *expressions.GoJQEngine) (*Validator, error) {
	shape, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &Validator{
		shape:    shape,
		semantic: NewSemanticValidator(cel, jq),
	}, nil
}

// Validate aggregates every issue found in the definition.
func (v *Validator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := v.shape.ValidateShape(def)
	if !result.Valid() {
		return result
	}
	result.Merge(v.semantic.ValidateSemantics(def))
	return result
}

// ValidateOrError is the registration entry point: nil on success, a
// VALIDATION_ERROR carrying every issue otherwise.
func (v *Validator) ValidateOrError(def *schema.WorkflowDefinition) error {
	return v.Validate(def).ToError()
}
