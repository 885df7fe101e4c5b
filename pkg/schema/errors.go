package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeDefinition        = "DEFINITION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeDuplicateTrigger  = "DUPLICATE_TRIGGER"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeTimeoutAction     = "TIMEOUT_ACTION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
)

// EngineError is the structured error type for all engine operations.
type EngineError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	StepCode string         `json:"step_code,omitempty"`
	Cause    error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.StepCode != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepCode, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step code to the error.
func (e *EngineError) WithStep(stepCode string) *EngineError {
	e.StepCode = stepCode
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	e.Details = details
	return e
}

// CodeOf returns the engine error code of err, or "" if err is not an
// EngineError.
func CodeOf(err error) string {
	if ee, ok := err.(*EngineError); ok {
		return ee.Code
	}
	return ""
}

// IsConflict reports whether err is a stale-version write rejection.
// Callers must re-read and either no-op or retry against fresh state.
func IsConflict(err error) bool {
	return CodeOf(err) == ErrCodeConflict
}

// IsNotFound reports whether err is a missing-record error.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}
