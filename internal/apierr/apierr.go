// Package apierr defines the error taxonomy surfaced to API callers.
package apierr

import (
	"errors"
	"net/http"
)

// Code is a stable, machine readable error identifier.
type Code string

const (
	CodeInvalidJSON           Code = "INVALID_JSON"
	CodeInvalidInput          Code = "INVALID_INPUT"
	CodeInvalidGenerationType Code = "INVALID_GENERATION_TYPE"
	CodeInvalidPayload        Code = "INVALID_PAYLOAD"
	CodeUnauthorized          Code = "UNAUTHORIZED"
	CodeIdentityMismatch      Code = "USER_MISMATCH"
	CodeValidation            Code = "VALIDATION_ERROR"
	CodeForbidden             Code = "FORBIDDEN"
	CodeRateLimitExceeded     Code = "RATE_LIMIT_EXCEEDED"
	CodeProvider              Code = "PROVIDER_ERROR"
	CodeInternal              Code = "INTERNAL_ERROR"
)

// Error is an error with an HTTP status and a public code and message.
// Details carries per-field reasons for validation failures.
type Error struct {
	Status  int
	Code    Code
	Message string
	Details map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same code, so sentinels
// below can be matched with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrInvalidInput      = &Error{Status: http.StatusBadRequest, Code: CodeInvalidInput}
	ErrUnauthorized      = &Error{Status: http.StatusUnauthorized, Code: CodeUnauthorized}
	ErrIdentityMismatch  = &Error{Status: http.StatusForbidden, Code: CodeIdentityMismatch}
	ErrValidation        = &Error{Status: http.StatusBadRequest, Code: CodeValidation}
	ErrForbidden         = &Error{Status: http.StatusForbidden, Code: CodeForbidden}
	ErrRateLimitExceeded = &Error{Status: http.StatusTooManyRequests, Code: CodeRateLimitExceeded}
	ErrInternal          = &Error{Status: http.StatusInternalServerError, Code: CodeInternal}
)

// New creates an Error.
func New(status int, code Code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

func InvalidInput(message string) *Error {
	return New(http.StatusBadRequest, CodeInvalidInput, message)
}

func Unauthorized(message string) *Error {
	return New(http.StatusUnauthorized, CodeUnauthorized, message)
}

func IdentityMismatch(message string) *Error {
	return New(http.StatusForbidden, CodeIdentityMismatch, message)
}

func Forbidden(message string) *Error {
	return New(http.StatusForbidden, CodeForbidden, message)
}

func RateLimitExceeded(message string) *Error {
	return New(http.StatusTooManyRequests, CodeRateLimitExceeded, message)
}

// Validation creates a ValidationError carrying one reason per failing field.
func Validation(details map[string]string) *Error {
	return &Error{
		Status:  http.StatusBadRequest,
		Code:    CodeValidation,
		Message: "Request validation failed.",
		Details: details,
	}
}

// Internal wraps a failure that is not attributable to the caller.
func Internal(err error) *Error {
	return &Error{
		Status:  http.StatusInternalServerError,
		Code:    CodeInternal,
		Message: "An unexpected internal error occurred.",
		Err:     err,
	}
}

// From returns err as an *Error, classifying anything else as internal.
func From(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Internal(err)
}

// Provider wraps a failure of the upstream generative model.
func Provider(message string, err error) *Error {
	return &Error{
		Status:  http.StatusInternalServerError,
		Code:    CodeProvider,
		Message: message,
		Err:     err,
	}
}
