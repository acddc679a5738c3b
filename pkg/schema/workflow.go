package schema

// WorkflowDefinition is the immutable, versioned workflow template.
// Definitions are validated and registered once; in-flight runs keep
// referencing the version they started with.
type WorkflowDefinition struct {
	ID        string    `json:"id"`
	UseCaseID string    `json:"use_case_id,omitempty"`
	Version   int       `json:"version"`
	Steps     []Step    `json:"steps"`
	Triggers  []Trigger `json:"triggers,omitempty"`
	Metadata  Metadata  `json:"metadata,omitempty"`
}

// Metadata carries descriptive and operational attributes of a definition.
type Metadata struct {
	RequiredServices  []string `json:"required_services,omitempty"`
	RequiredAgents    []string `json:"required_agents,omitempty"`
	EstimatedDuration string   `json:"estimated_duration,omitempty"` // Go duration, e.g. "15m"
	Criticality       string   `json:"criticality,omitempty"`        // low | medium | high | critical
	ComplianceTags    []string `json:"compliance_tags,omitempty"`
	SingleFlight      bool     `json:"single_flight,omitempty"` // dedup overlapping scheduled fires
}

// Step describes a single step in a workflow.
type Step struct {
	ID      string   `json:"id"`
	Name    string   `json:"name,omitempty"`
	Type    StepType `json:"type,omitempty"` // descriptive only; does not change execution semantics
	Agent   string   `json:"agent,omitempty"`
	Service string   `json:"service,omitempty"`
	Action  string   `json:"action"`

	// Parameters are passed verbatim to the dispatcher after ${{ }} interpolation.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Outputs names the context keys this step contributes. A value may be a
	// bare result key or "name=<jq expr>" to extract from the dispatch result.
	Outputs []string `json:"outputs,omitempty"`

	// Conditions must all hold for the step to run; empty means always run.
	Conditions []Condition `json:"conditions,omitempty"`

	// Guard is an optional CEL expression ANDed with Conditions.
	Guard string `json:"guard,omitempty"`

	HumanApprovalRequired bool           `json:"human_approval_required,omitempty"`
	ErrorHandling         *ErrorHandling `json:"error_handling,omitempty"`
}

// StepType enumerates the descriptive kinds of steps.
type StepType string

const (
	StepTypeDetect  StepType = "detect"
	StepTypeAnalyze StepType = "analyze"
	StepTypeDecide  StepType = "decide"
	StepTypeExecute StepType = "execute"
	StepTypeVerify  StepType = "verify"
	StepTypeReport  StepType = "report"
)

// StepTypes lists all valid step types.
var StepTypes = []StepType{
	StepTypeDetect, StepTypeAnalyze, StepTypeDecide,
	StepTypeExecute, StepTypeVerify, StepTypeReport,
}

// Condition is a typed predicate over the run context, parsed and validated at
// registration time rather than evaluation time.
type Condition struct {
	Field    string   `json:"field"`    // dotted path, optional "context." prefix
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// Operator enumerates condition and threshold comparison operators.
type Operator string

const (
	OpEq Operator = "=="
	OpNe Operator = "!="
	OpGt Operator = ">"
	OpLt Operator = "<"
	OpGe Operator = ">="
	OpLe Operator = "<="
)

// Operators lists all valid operators.
var Operators = []Operator{OpEq, OpNe, OpGt, OpLt, OpGe, OpLe}

// Numeric reports whether the operator requires numeric operands.
func (o Operator) Numeric() bool {
	switch o {
	case OpGt, OpLt, OpGe, OpLe:
		return true
	default:
		return false
	}
}

// Valid reports whether the operator is one of the supported six.
func (o Operator) Valid() bool {
	for _, op := range Operators {
		if o == op {
			return true
		}
	}
	return false
}

// ErrorHandling configures per-step failure behavior.
type ErrorHandling struct {
	Retry        *RetryPolicy        `json:"retry,omitempty"`
	Notification *NotificationPolicy `json:"notification,omitempty"`
}

// RetryPolicy configures retry behavior for a step. The delay is flat per
// attempt, matching the declarative schema.
type RetryPolicy struct {
	Attempts int `json:"attempts"` // extra attempts after the first failure
	DelayMs  int `json:"delay_ms,omitempty"`
}

// NotificationPolicy configures escalation on retry exhaustion.
type NotificationPolicy struct {
	Recipients []string `json:"recipients"`
	Channels   []string `json:"channels"`
}

// TriggerKind discriminates the Trigger tagged union.
type TriggerKind string

const (
	TriggerKindEvent     TriggerKind = "event"
	TriggerKindScheduled TriggerKind = "scheduled"
	TriggerKindThreshold TriggerKind = "threshold"
)

// Trigger is a stateless descriptor of a condition under which a new run starts.
type Trigger struct {
	Kind TriggerKind `json:"kind"`

	// Event trigger.
	Event string `json:"event,omitempty"`

	// Scheduled trigger (5-field cron expression).
	Cron string `json:"cron,omitempty"`

	// Threshold trigger.
	Metric   string   `json:"metric,omitempty"`
	Operator Operator `json:"operator,omitempty"`
	Value    float64  `json:"value,omitempty"`
}

// TriggerContextKey is the reserved run-context key holding trigger provenance.
// Step outputs may not use this name.
const TriggerContextKey = "trigger"
