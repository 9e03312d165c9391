// Package errors provides error code definitions for the editing coordinator.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code surfaced to API clients.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Lease errors
	ErrLeaseLost ErrorCode = "LEASE_LOST"
	ErrLockHeld  ErrorCode = "LOCK_HELD"

	// Draft errors
	ErrDraftNotFound   ErrorCode = "DRAFT_NOT_FOUND"
	ErrVersionConflict ErrorCode = "VERSION_CONFLICT"

	// Handshake errors
	ErrRequestNotFound   ErrorCode = "REQUEST_NOT_FOUND"
	ErrRequestNotPending ErrorCode = "REQUEST_NOT_PENDING"
	ErrHandshakeExpired  ErrorCode = "HANDSHAKE_EXPIRED"
	ErrHandshakeRejected ErrorCode = "HANDSHAKE_REJECTED"

	// Transport errors
	ErrTransportDegraded ErrorCode = "TRANSPORT_DEGRADED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Action  string // concrete next step for the user, may be empty
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithAction attaches an actionable next step to the error and returns it.
func (e *AppError) WithAction(action string) *AppError {
	e.Action = action
	return e
}

// Is checks if an error is of a specific code.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// CodeOf returns the error code of err, or ErrInternal when err does
// not carry one.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}
