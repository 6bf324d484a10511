package scan

import "fmt"

// RequestError is a synchronous, machine-readable rejection of an API
// request. Kind is stable across releases; Message is for humans.
type RequestError struct {
	Kind    string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Request error kinds.
const (
	ErrKindValidation = "ValidationError"
	ErrKindNotFound   = "NotFound"
	ErrKindProvider   = "ProviderError"
	ErrKindTimeout    = "Timeout"
	ErrKindInternal   = "InternalError"
)

func validationError(format string, args ...any) *RequestError {
	return &RequestError{Kind: ErrKindValidation, Message: fmt.Sprintf(format, args...)}
}
