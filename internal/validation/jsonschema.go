package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/opsflow-io/opsflow/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition shape checks.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://opsflow.io/schemas/workflow.json",
  "type": "object",
  "required": ["id", "version", "steps"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "use_case_id": { "type": "string" },
    "version": { "type": "integer", "minimum": 1 },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "triggers": {
      "type": "array",
      "items": { "$ref": "#/$defs/trigger" }
    },
    "metadata": { "$ref": "#/$defs/metadata" }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "action"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "type": {
          "type": "string",
          "enum": ["detect", "analyze", "decide", "execute", "verify", "report"]
        },
        "agent": { "type": "string" },
        "service": { "type": "string" },
        "action": { "type": "string", "minLength": 1 },
        "parameters": { "type": "object" },
        "outputs": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "conditions": {
          "type": "array",
          "items": { "$ref": "#/$defs/condition" }
        },
        "guard": { "type": "string" },
        "human_approval_required": { "type": "boolean" },
        "error_handling": { "$ref": "#/$defs/error_handling" }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "required": ["field", "operator"],
      "properties": {
        "field": { "type": "string", "minLength": 1 },
        "operator": {
          "type": "string",
          "enum": ["==", "!=", ">", "<", ">=", "<="]
        },
        "value": {}
      },
      "additionalProperties": false
    },
    "trigger": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": {
          "type": "string",
          "enum": ["event", "scheduled", "threshold"]
        },
        "event": { "type": "string" },
        "cron": { "type": "string" },
        "metric": { "type": "string" },
        "operator": {
          "type": "string",
          "enum": ["==", "!=", ">", "<", ">=", "<="]
        },
        "value": { "type": "number" }
      },
      "additionalProperties": false
    },
    "error_handling": {
      "type": "object",
      "properties": {
        "retry": {
          "type": "object",
          "required": ["attempts"],
          "properties": {
            "attempts": { "type": "integer", "minimum": 0 },
            "delay_ms": { "type": "integer", "minimum": 0 }
          },
          "additionalProperties": false
        },
        "notification": {
          "type": "object",
          "required": ["recipients", "channels"],
          "properties": {
            "recipients": {
              "type": "array",
              "minItems": 1,
              "items": { "type": "string", "minLength": 1 }
            },
            "channels": {
              "type": "array",
              "minItems": 1,
              "items": { "type": "string", "minLength": 1 }
            }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "metadata": {
      "type": "object",
      "properties": {
        "required_services": { "type": "array", "items": { "type": "string" } },
        "required_agents": { "type": "array", "items": { "type": "string" } },
        "estimated_duration": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)+([0-9]+(ns|us|µs|ms|s|m|h))*$"
        },
        "criticality": {
          "type": "string",
          "enum": ["low", "medium", "high", "critical"]
        },
        "compliance_tags": { "type": "array", "items": { "type": "string" } },
        "single_flight": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

const workflowSchemaURL = "https://opsflow.io/schemas/workflow.json"

// JSONSchemaValidator checks a definition's shape against the embedded JSON
// Schema Draft 2020-12 document. Safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the embedded workflow schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	compiled, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &JSONSchemaValidator{workflowSchema: compiled}, nil
}

// ValidateShape returns every schema violation as an issue. Semantic checks
// that JSON Schema cannot express live in SemanticValidator.
func (v *JSONSchemaValidator) ValidateShape(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return result
	}

	doc, err := toJSONValue(def)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "failed to serialize workflow definition: "+err.Error())
		return result
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		for _, violation := range collectViolations(err) {
			result.AddError(violation.path, schema.ErrCodeValidation, violation.message)
		}
	}
	return result
}

type violation struct {
	path    string
	message string
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(err error) []violation {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []violation{{path: "/", message: err.Error()}}
	}
	return collectLeaves(verr)
}

func collectLeaves(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []violation{{path: loc, message: verr.Error()}}
	}

	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, collectLeaves(cause)...)
	}
	return out
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}
