package domain

import (
	"errors"
	"net/http"
)

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned by stores when a uniqueness or conditional-update check fails.
	ErrConflict = errors.New("record conflict")
	// ErrStale is returned by FinalizeSession when the results no longer match the
	// participants' stored scores.
	ErrStale = errors.New("record changed since read")
)

// Kind classifies every error the session service returns.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindInvalidTransition Kind = "invalid_transition"
	KindInternal          Kind = "internal"
)

// HTTPStatus maps an error kind to the status the REST facade answers with.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindInvalidTransition:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified service error.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil && e.Kind == KindInternal {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: KindNotFound}) works.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// PublicMessage is the text safe to hand to clients.
func (e *Error) PublicMessage() string {
	if e.Kind == KindInternal {
		return "internal error"
	}
	return e.Message
}

func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

func InvalidTransition(message string) *Error {
	return &Error{Kind: KindInvalidTransition, Message: message}
}

// Internal wraps an unexpected failure, usually from storage.
func Internal(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: message, Cause: cause}
}

// KindOf reports the kind of err. Unclassified errors are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// PublicMessage returns the client-facing message for any error.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.PublicMessage()
	}
	return "internal error"
}
