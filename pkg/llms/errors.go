package llms

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies provider failures. All kinds are recoverable at the
// agent loop layer except where the loop's propagation policy says
// otherwise (invalid credentials and quota terminate the scan).
type ErrorKind string

const (
	ErrorNetwork          ErrorKind = "network"
	ErrorQuotaExceeded    ErrorKind = "quota_exceeded"
	ErrorInvalidAPIKey    ErrorKind = "invalid_api_key"
	ErrorModelUnavailable ErrorKind = "model_unavailable"
	ErrorMalformed        ErrorKind = "malformed"
)

// ProviderError wraps a backend failure with its classification.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s provider: %s: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s provider: %s", e.Provider, e.Kind)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError classifies err under kind.
func NewProviderError(provider string, kind ErrorKind, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}

// KindOf extracts the error kind, defaulting to network for plain
// transport errors and malformed otherwise.
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorNetwork
	}
	return ErrorMalformed
}

// Terminal reports whether the error kind must fail the scan rather than
// be retried.
func Terminal(err error) bool {
	switch KindOf(err) {
	case ErrorInvalidAPIKey, ErrorQuotaExceeded:
		return true
	default:
		return false
	}
}

// classifyStatus maps an HTTP status to an error kind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return ErrorInvalidAPIKey
	case status == 429:
		return ErrorQuotaExceeded
	case status == 404 || status >= 500:
		return ErrorModelUnavailable
	default:
		return ErrorMalformed
	}
}
