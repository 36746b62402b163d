// Package errs defines the error kinds surfaced to API clients and their
// HTTP status mapping. The estimator, ledger and controller raise *Error
// values; the HTTP layer translates anything else to INTERNAL.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	Auth       Kind = "AUTH"
	Forbidden  Kind = "FORBIDDEN"
	NotFound   Kind = "NOT_FOUND"
	Validation Kind = "VALIDATION"
	Policy     Kind = "POLICY"
	State      Kind = "STATE"
	Config     Kind = "CONFIG"
	Internal   Kind = "INTERNAL"
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind from an error chain, defaulting to Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Message returns the client-facing message for an error chain.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// HTTPStatus maps an error chain to its response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Auth:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Validation, Policy, State:
		return http.StatusBadRequest
	case Config, Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
