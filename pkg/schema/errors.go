package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeAdapter           = "ADAPTER_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeDuplicateEvent    = "DUPLICATE_EVENT"
	ErrCodeDelivery          = "DELIVERY_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"
)

// GrimoireError is the structured error type for all grimoire operations.
type GrimoireError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	RecordID string         `json:"record_id,omitempty"`
	Cause    error          `json:"-"`
}

func (e *GrimoireError) Error() string {
	if e.RecordID != "" {
		return fmt.Sprintf("[%s] record %s: %s", e.Code, e.RecordID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *GrimoireError) Unwrap() error {
	return e.Cause
}

// NewError creates a new GrimoireError.
func NewError(code, message string) *GrimoireError {
	return &GrimoireError{Code: code, Message: message}
}

// NewErrorf creates a new GrimoireError with a formatted message.
func NewErrorf(code, format string, args ...any) *GrimoireError {
	return &GrimoireError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithRecord attaches a generation record ID to the error.
func (e *GrimoireError) WithRecord(recordID string) *GrimoireError {
	e.RecordID = recordID
	return e
}

// WithCause attaches an underlying cause.
func (e *GrimoireError) WithCause(err error) *GrimoireError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *GrimoireError) WithDetails(details map[string]any) *GrimoireError {
	e.Details = details
	return e
}
