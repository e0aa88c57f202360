package auth

import (
	"errors"
	"net/http"
)

// Error kinds. Match with errors.Is.
var (
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
	ErrForbidden          = errors.New("forbidden")
	ErrAccountLocked      = errors.New("account locked")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
)

// Error is a typed failure carrying a user-facing message and optional
// machine-readable fields for the response body.
type Error struct {
	Kind    error
	Code    string
	Message string
	Fields  map[string]any
}

func (e *Error) Error() string { return e.Message }
func (e *Error) Unwrap() error { return e.Kind }

// Status maps the kind to an HTTP status code.
func (e *Error) Status() int { return StatusOf(e.Kind) }

func newError(kind error, msg string) *Error { return &Error{Kind: kind, Message: msg} }

// StatusOf returns the HTTP status for err, 500 when err has no known kind.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrInvalidToken), errors.Is(err, ErrTokenExpired),
		errors.Is(err, ErrAccountLocked), errors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// Constructors used across the package and by the middleware.

func Unauthenticated(msg string) *Error { return newError(ErrUnauthenticated, msg) }
func Forbidden(msg string) *Error       { return newError(ErrForbidden, msg) }
func Validation(msg string) *Error      { return newError(ErrValidation, msg) }
func NotFound(msg string) *Error        { return newError(ErrNotFound, msg) }
