package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeConfig            = "CONFIG_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeGuardExceeded     = "GUARD_EXCEEDED"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeAgent             = "AGENT_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
)

// FlowError is the structured error type for all engine operations.
// Configuration errors additionally carry the offending step and the
// step summaries accumulated so far (under the "steps_so_far" detail key)
// so callers can present a coherent failure trail.
type FlowError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	StepSlug string         `json:"step_slug,omitempty"`
	Cause    error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.StepSlug != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepSlug, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
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

// WithStep attaches the offending step slug.
func (e *FlowError) WithStep(slug string) *FlowError {
	e.StepSlug = slug
	return e
}

// WithStepTitle attaches the step's display title as a detail.
func (e *FlowError) WithStepTitle(title string) *FlowError {
	return e.WithDetail("step_title", title)
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details, replacing any existing map.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// WithDetail sets a single detail key, allocating the map if needed.
func (e *FlowError) WithDetail(key string, value any) *FlowError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithSteps attaches the step trail accumulated before the failure.
func (e *FlowError) WithSteps(steps []StepSummary) *FlowError {
	return e.WithDetail("steps_so_far", steps)
}

// IsRetryable reports whether the failure class may succeed on a retry.
// Only persistence hiccups qualify; graph, parameter and collaborator
// problems will fail the same way twice.
func (e *FlowError) IsRetryable() bool {
	return e.Code == ErrCodeStore
}

// AsFlowError unwraps err to a *FlowError if one is in the chain.
func AsFlowError(err error) (*FlowError, bool) {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// IsCode reports whether err carries the given flow error code.
func IsCode(err error, code string) bool {
	fe, ok := AsFlowError(err)
	return ok && fe.Code == code
}
