package domain

import (
	"errors"
	"fmt"
)

// Storage level errors. Adapters wrap these so callers can use errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrVersionMismatch = errors.New("version mismatch")
)

// ErrorCode is the reason reported to HTTP and realtime callers.
type ErrorCode string

const (
	CodeValidation          ErrorCode = "validation"
	CodeMissingNeighbors    ErrorCode = "missing_neighbors"
	CodeNotFound            ErrorCode = "not_found"
	CodeInvalidNeighbor     ErrorCode = "invalid_neighbor"
	CodeInvalidNeighborList ErrorCode = "invalid_neighbor_list"
	CodeInvalidNeighbors    ErrorCode = "invalid_neighbors"
	CodeConflict            ErrorCode = "conflict"
	CodeForbidden           ErrorCode = "forbidden"
	CodeInternal            ErrorCode = "internal_error"
)

const internalMessage = "internal error"

// Error is returned by the service layer. Current is set for conflicts.
type Error struct {
	Code    ErrorCode
	Message string
	Current *CardSnapshot
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error with the given code.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Validation builds a validation error.
func Validation(format string, args ...any) *Error {
	return NewError(CodeValidation, format, args...)
}

// Conflict builds a conflict error carrying the live card.
func Conflict(current *CardSnapshot) *Error {
	return &Error{Code: CodeConflict, Message: "card changed and your view is stale", Current: current}
}

// Internal wraps an unexpected failure.
func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Message: internalMessage, Err: err}
}

// CodeOf classifies err. Unknown errors are internal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, ErrNotFound) {
		return CodeNotFound
	}
	return CodeInternal
}

// IsValidationClass reports whether code describes malformed input.
func IsValidationClass(code ErrorCode) bool {
	switch code {
	case CodeValidation, CodeMissingNeighbors, CodeInvalidNeighbor, CodeInvalidNeighborList, CodeInvalidNeighbors:
		return true
	}
	return false
}

// PublicMessage returns a message safe to show to callers.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != CodeInternal {
		return e.Message
	}
	if errors.Is(err, ErrNotFound) {
		return "card not found"
	}
	return internalMessage
}

// CurrentCard returns the live snapshot carried by a conflict, if any.
func CurrentCard(err error) *CardSnapshot {
	var e *Error
	if errors.As(err, &e) {
		return e.Current
	}
	return nil
}
