// Package apperr provides typed application errors with a wire-level error kind.
package apperr

import (
	"net/http"

	"github.com/cockroachdb/errors"
)

// Kind classifies an error for clients and for the HTTP layer.
type Kind string

const (
	KindValidation Kind = "validation_error"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindBusy       Kind = "busy"
	KindTimeout    Kind = "timeout"
	KindHardware   Kind = "hardware_unavailable"
	KindStorage    Kind = "storage_error"
	KindIntegrity  Kind = "integrity_error"
	KindInternal   Kind = "internal_error"
)

// Error is an application error carrying a kind and optional structured details.
type Error struct {
	kind    Kind
	message string
	details map[string]any
	cause   error
}

// New creates a new application error.
func New(kind Kind, message string) *Error {
	return &Error{kind: kind, message: message}
}

// Newf creates a new application error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, message: errors.Newf(format, args...).Error()}
}

// Wrap wraps a cause with a kind and message. Returns nil if err is nil.
func Wrap(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, message: message, cause: err}
}

// WithDetails attaches structured details and returns the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.details = details
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Kind returns the error kind.
func (e *Error) Kind() Kind {
	return e.kind
}

// Message returns the human-readable message without the cause chain.
func (e *Error) Message() string {
	return e.message
}

// Details returns the structured details, which may be nil.
func (e *Error) Details() map[string]any {
	return e.details
}

// KindOf returns the kind of err, or KindInternal when err carries no kind.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.kind
	}
	return KindInternal
}

// MessageOf returns the application message of err, falling back to err.Error().
func MessageOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.message
	}
	return err.Error()
}

// DetailsOf returns the structured details of err, which may be nil.
func DetailsOf(err error) map[string]any {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.details
	}
	return nil
}

// HTTPStatus maps an error kind to an HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindBusy:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindHardware:
		return http.StatusServiceUnavailable
	case KindIntegrity:
		return http.StatusBadRequest
	case KindStorage, KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
