package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeTypeMismatch      = "TYPE_MISMATCH"
	ErrCodeMissingField      = "MISSING_FIELD"
	ErrCodeIncompleteOutput  = "INCOMPLETE_OUTPUT"
	ErrCodeDispatch          = "DISPATCH_ERROR"
	ErrCodeNonRetryable      = "NON_RETRYABLE"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeApprovalTimeout   = "APPROVAL_TIMEOUT"
	ErrCodeApprovalRejected  = "APPROVAL_REJECTED"
	ErrCodeRunTimeout        = "RUN_TIMEOUT"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeGuard             = "GUARD_ERROR"
)

// FlowError is the structured error type for all engine operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	RunID   string         `json:"run_id,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	switch {
	case e.RunID != "" && e.StepID != "":
		return fmt.Sprintf("[%s] run %s step %s: %s", e.Code, e.RunID, e.StepID, e.Message)
	case e.StepID != "":
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	case e.RunID != "":
		return fmt.Sprintf("[%s] run %s: %s", e.Code, e.RunID, e.Message)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithRun attaches a run ID to the error.
func (e *FlowError) WithRun(runID string) *FlowError {
	e.RunID = runID
	return e
}

// WithStep attaches a step ID to the error.
func (e *FlowError) WithStep(stepID string) *FlowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// IsRetryable reports whether the error code permits another dispatch attempt.
// Dispatch, store, and timeout classes are retryable; everything that signals a
// definition, approval, or transition problem is not.
func (e *FlowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeDispatch, ErrCodeStore:
		return true
	default:
		return false
	}
}
