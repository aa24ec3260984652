package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies one core failure for the calling layer.
// Params: caller-error and dependency-error constants.
// Returns: stable kind consumed by transport mapping.
type ErrorKind string

const (
	// KindNotFound marks an unknown alert or threshold id.
	KindNotFound ErrorKind = "NOT_FOUND"
	// KindInvalidState marks a transition not permitted from the current state.
	KindInvalidState ErrorKind = "INVALID_STATE"
	// KindValidation marks a missing or empty required input.
	KindValidation ErrorKind = "VALIDATION"
	// KindDependency marks an unavailable persistence or notification collaborator.
	KindDependency ErrorKind = "DEPENDENCY"
)

// Error is one structured core failure with kind and message.
// Params: error kind, human message, and optional wrapped cause.
// Returns: typed failure surfaced to the invoking layer.
type Error struct {
	Kind    ErrorKind
	Message string
	cause   error
}

// Error renders kind-qualified message.
// Params: none.
// Returns: formatted error string.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
// Params: none.
// Returns: wrapped error or nil.
func (e *Error) Unwrap() error {
	return e.cause
}

// NotFoundError builds a NotFound failure.
// Params: format string and args.
// Returns: typed error.
func NotFoundError(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// InvalidStateError builds an InvalidState failure.
// Params: format string and args.
// Returns: typed error.
func InvalidStateError(format string, args ...any) error {
	return &Error{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

// ValidationError builds a Validation failure.
// Params: format string and args.
// Returns: typed error.
func ValidationError(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// DependencyError wraps a collaborator failure.
// Params: message and underlying cause.
// Returns: typed error with wrapped cause.
func DependencyError(message string, cause error) error {
	return &Error{Kind: KindDependency, Message: message, cause: cause}
}

// KindOf extracts the error kind from any error chain.
// Params: error value possibly wrapping a domain error.
// Returns: matched kind or KindDependency for unclassified errors.
func KindOf(err error) ErrorKind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindDependency
}

// IsKind reports whether the error chain carries the given kind.
// Params: error value and expected kind.
// Returns: true on kind match.
func IsKind(err error, kind ErrorKind) bool {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind == kind
	}
	return false
}
