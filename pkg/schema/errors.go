package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeStepNotFound      = "STEP_NOT_FOUND"
	ErrCodeRunNotFound       = "RUN_NOT_FOUND"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeStepNotRetryable  = "STEP_NOT_RETRYABLE"
	ErrCodeNoHandler         = "NO_HANDLER"
	ErrCodePolicyDenied      = "POLICY_DENIED"
	ErrCodeGateRejected      = "GATE_REJECTED"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
)

// NofxError is the structured error type for all orchestration operations.
type NofxError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *NofxError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *NofxError) Unwrap() error {
	return e.Cause
}

// NewError creates a new NofxError.
func NewError(code, message string) *NofxError {
	return &NofxError{Code: code, Message: message}
}

// NewErrorf creates a new NofxError with a formatted message.
func NewErrorf(code, format string, args ...any) *NofxError {
	return &NofxError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *NofxError) WithStep(stepID string) *NofxError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *NofxError) WithCause(err error) *NofxError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *NofxError) WithDetails(details map[string]any) *NofxError {
	e.Details = details
	return e
}

// StepNotFound builds the stable error returned when a retry targets a step
// that does not exist or belongs to a different run. The message is the
// literal "step_not_found" so calling layers can map it to a 404 without
// string-matching free text.
func StepNotFound(stepID string) *NofxError {
	return NewError(ErrCodeStepNotFound, "step_not_found").WithStep(stepID)
}

// StepNotRetryable builds the stable error returned when a retry targets a
// step whose status is not a retryable terminal state. The message carries
// the offending status so callers can surface a 409-style conflict.
func StepNotRetryable(stepID string, status StepStatus) *NofxError {
	return NewErrorf(ErrCodeStepNotRetryable, "step_not_retryable:%s", status).WithStep(stepID)
}
