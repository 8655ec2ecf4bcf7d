// Package apperrors classifies engine failures so that callers can react with
// errors.Is and the HTTP layer can pick a status code.
package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrLaunch     = errors.New("launch error")
	ErrTimeout    = errors.New("timeout")
	ErrCancelled  = errors.New("cancelled")
	ErrInternal   = errors.New("internal error")
)

// Error is a classified error. Unwrap yields the sentinel, Cause keeps the
// underlying failure for logging.
type Error struct {
	Sentinel error
	Message  string
	Field    string // validation errors
	Resource string // not found / conflict
	ID       string
	Op       string
	Cause    error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Sentinel
}

func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
		ID:       id,
	}
}

func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
		ID:       id,
	}
}

// Launch reports that an execution unit could not be created or started.
func Launch(op string, cause error) error {
	return &Error{
		Sentinel: ErrLaunch,
		Message:  fmt.Sprintf("launch error: %v", cause),
		Op:       op,
		Cause:    cause,
	}
}

func Timeout(limitSeconds int) error {
	return &Error{
		Sentinel: ErrTimeout,
		Message:  fmt.Sprintf("timeout: exceeded %ds", limitSeconds),
	}
}

func Cancelled(reason string) error {
	return &Error{
		Sentinel: ErrCancelled,
		Message:  reason,
	}
}

func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// FieldOf returns the offending field of a validation error, if any.
func FieldOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Field
	}
	return ""
}
