package storage

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a storage fault without binding callers to a
// specific backend's native error type.
type ErrorKind string

const (
	ErrKindNotFound    ErrorKind = "not_found"
	ErrKindConflict    ErrorKind = "conflict"
	ErrKindInvalid     ErrorKind = "invalid"
	ErrKindUnavailable ErrorKind = "unavailable" // transient; safe to retry
	ErrKindFatal       ErrorKind = "fatal"       // non-transient; abort the caller
)

// Error wraps a storage fault with its kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Kind is an alias kept for readability at call sites (storage.Kind ==
// storage.ErrorKind); both names resolve to the same type.
type Kind = ErrorKind

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("storage: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("storage: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a *Error, the form every Contract implementation should
// return for operation failures.
func NewError(op string, kind ErrorKind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// IsNotFound reports whether err (or any error it wraps) is a storage
// not-found fault.
func IsNotFound(err error) bool { return hasKind(err, ErrKindNotFound) }

// IsConflict reports whether err is a storage conflict fault.
func IsConflict(err error) bool { return hasKind(err, ErrKindConflict) }

func hasKind(err error, kind ErrorKind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// Sentinel errors for callers that only care about the category, not the
// originating operation.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrInvalid     = errors.New("invalid argument")
	ErrUnavailable = errors.New("storage unavailable")
)
