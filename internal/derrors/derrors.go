// Package derrors defines the domain error taxonomy. Expected outcomes
// (illegal transition, no drivers, duplicate key) are regular error values
// callers branch on with errors.Is; only infrastructure failures abort an
// operation outright.
package derrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is the stable machine-readable identifier carried on every
// user-visible error response.
type Code string

const (
	CodeValidation        Code = "validation_error"
	CodeIllegalTransition Code = "illegal_transition"
	CodeStaleVersion      Code = "stale_version"
	CodeNoDriversFound    Code = "no_drivers_found"
	CodeNotFound          Code = "not_found"
	CodeConflict          Code = "conflict"
	CodeUnauthorized      Code = "unauthorized"
	CodeUnavailable       Code = "service_unavailable"
	CodeInternal          Code = "internal_error"
)

type Error struct {
	Code    Code
	Message string
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is matches any *Error with the same code, so sentinels below work with
// errors.Is regardless of wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

var (
	ErrValidation        = &Error{Code: CodeValidation, Message: "invalid input"}
	ErrIllegalTransition = &Error{Code: CodeIllegalTransition, Message: "illegal state transition"}
	ErrStaleVersion      = &Error{Code: CodeStaleVersion, Message: "version conflict"}
	ErrNoDriversFound    = &Error{Code: CodeNoDriversFound, Message: "no drivers found"}
	ErrNotFound          = &Error{Code: CodeNotFound, Message: "resource not found"}
	ErrConflict          = &Error{Code: CodeConflict, Message: "conflicting request"}
	ErrUnauthorized      = &Error{Code: CodeUnauthorized, Message: "unauthorized"}
	ErrUnavailable       = &Error{Code: CodeUnavailable, Message: "service unavailable"}
)

// New builds an error with the given code and a caller-supplied message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(err error, code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), wrapped: err}
}

// CodeOf extracts the taxonomy code, defaulting to internal_error for
// errors that never passed through this package.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HTTPStatus maps a code to its REST status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeIllegalTransition, CodeStaleVersion, CodeConflict:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNoDriversFound, CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
