package executor

import (
	"errors"
	"fmt"
)

// ErrorKind classifies tool execution failures for the error taxonomy
// surfaced in error events.
type ErrorKind string

const (
	KindNotInstalled        ErrorKind = "not_installed"
	KindTimedOut            ErrorKind = "timed_out"
	KindCancelled           ErrorKind = "cancelled"
	KindNonZeroExit         ErrorKind = "non_zero_exit"
	KindOutputLimitExceeded ErrorKind = "output_limit_exceeded"
	KindParseFailed         ErrorKind = "parse_failed"
)

// Error wraps a tool execution failure with its classification. The
// ParseFailed kind is produced by the toolbox parsers, not the engine
// itself; it lives here so the whole tool error taxonomy is one type.
type Error struct {
	Tool string
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool %s: %s: %v", e.Tool, e.Kind, e.Err)
	}
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified execution error.
func NewError(tool string, kind ErrorKind, err error) *Error {
	return &Error{Tool: tool, Kind: kind, Err: err}
}

// KindOf extracts the classification from err, or empty if err is not an
// execution error.
func KindOf(err error) ErrorKind {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}
