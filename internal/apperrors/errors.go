// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation      = errors.New("validation error")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrAlreadyTerminal = errors.New("already terminal")
	ErrStaleTransition = errors.New("stale transition")
	ErrUnavailable     = errors.New("unavailable")
	ErrInternal        = errors.New("internal error")
)

// Error is a classified error carrying the context needed by callers and the API layer.
type Error struct {
	Sentinel error  // classification, matched with errors.Is
	Message  string // human-readable message
	Field    string // validation: offending field (e.g. "launchInput.image")
	Resource string // not found / conflict: resource name (e.g. "job")
	ID       string // not found / conflict: resource identifier
	Op       string // internal / unavailable: failing operation (e.g. "docker.containerCreate")
	Cause    error
}

func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause, so errors.Is matches either.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{Sentinel: ErrValidation, Message: message, Field: field}
}

// Validationf is Validation with a format string.
func Validationf(field, format string, args ...any) error {
	return Validation(field, fmt.Sprintf(format, args...))
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
		ID:       id,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{Sentinel: ErrConflict, Message: reason, Resource: resource, ID: id}
}

// AlreadyTerminal reports an operation on a resource that has already reached a final state.
func AlreadyTerminal(resource, id, status string) error {
	return &Error{
		Sentinel: ErrAlreadyTerminal,
		Message:  fmt.Sprintf("%s %s is already %s", resource, id, status),
		Resource: resource,
		ID:       id,
	}
}

// Stale reports a compare-and-swap write whose expected state no longer holds.
func Stale(resource, id, expected, actual string) error {
	return &Error{
		Sentinel: ErrStaleTransition,
		Message:  fmt.Sprintf("%s %s: expected status %s, found %s", resource, id, expected, actual),
		Resource: resource,
		ID:       id,
	}
}

// Unavailable wraps a failure of a dependency that is expected to recover.
func Unavailable(op string, cause error) error {
	return &Error{
		Sentinel: ErrUnavailable,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}
