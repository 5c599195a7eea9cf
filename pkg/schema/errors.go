package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeConfig            = "CONFIG_ERROR"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeAgentInvocation   = "AGENT_INVOCATION"
	ErrCodeCircuitAbort      = "CIRCUIT_ABORT"
	ErrCodeApprovalTimeout   = "APPROVAL_TIMEOUT"
	ErrCodeAlreadyRunning    = "ALREADY_RUNNING"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeBridgeDispatch    = "BRIDGE_DISPATCH"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeVault             = "VAULT_ERROR"
)

// FabulaError is the structured error type for all fabula operations.
type FabulaError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	State   string         `json:"state,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FabulaError) Error() string {
	if e.State != "" {
		return fmt.Sprintf("[%s] state %s: %s", e.Code, e.State, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FabulaError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FabulaError.
func NewError(code, message string) *FabulaError {
	return &FabulaError{Code: code, Message: message}
}

// NewErrorf creates a new FabulaError with a formatted message.
func NewErrorf(code, format string, args ...any) *FabulaError {
	return &FabulaError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithState attaches a workflow state name to the error.
func (e *FabulaError) WithState(state string) *FabulaError {
	e.State = state
	return e
}

// WithCause attaches an underlying cause.
func (e *FabulaError) WithCause(err error) *FabulaError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FabulaError) WithDetails(details map[string]any) *FabulaError {
	e.Details = details
	return e
}

// IsRetryable reports whether the error class is worth retrying.
// Config, validation and control-flow errors are terminal; transient
// execution, store and invocation errors are not.
func (e *FabulaError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTimeout, ErrCodeExecution, ErrCodeAgentInvocation, ErrCodeStore:
		return true
	default:
		return false
	}
}
