// Package errs defines the error taxonomy shared by image sources, feature
// extraction and the session controller.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel kinds. Match them with errors.Is.
var (
	// ErrDecode means the image content could not be parsed.
	ErrDecode = errors.New("decode error")
	// ErrNotFound means the operation referenced a stale or missing id.
	ErrNotFound = errors.New("not found")
	// ErrAuth means the backend cannot authenticate. Never retried.
	ErrAuth = errors.New("authentication failed")
	// ErrIO is a transient local or network failure.
	ErrIO = errors.New("i/o error")
)

// Kind is the serialisable name of an error class.
type Kind string

const (
	KindDecode   Kind = "decode"
	KindNotFound Kind = "not_found"
	KindAuth     Kind = "auth"
	KindIO       Kind = "io"
	KindCanceled Kind = "canceled"
	KindUnknown  Kind = "unknown"
)

// Error carries the failing operation and image id alongside its kind.
type Error struct {
	Op   string
	ID   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.ID != "" {
		msg += " " + e.ID
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", msg, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", msg, e.Kind)
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New builds an *Error of the given kind.
func New(kind error, op, id string, cause error) error {
	return &Error{Op: op, ID: id, Kind: kind, Err: cause}
}

// NotFound is shorthand for New(ErrNotFound, ...).
func NotFound(op, id string, cause error) error { return New(ErrNotFound, op, id, cause) }

// Decode is shorthand for New(ErrDecode, ...).
func Decode(op, id string, cause error) error { return New(ErrDecode, op, id, cause) }

// Auth is shorthand for New(ErrAuth, ...).
func Auth(op, id string, cause error) error { return New(ErrAuth, op, id, cause) }

// IO is shorthand for New(ErrIO, ...).
func IO(op, id string, cause error) error { return New(ErrIO, op, id, cause) }

// KindOf classifies err. Auth wins over everything else because it is
// session-fatal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuth):
		return KindAuth
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrDecode):
		return KindDecode
	case errors.Is(err, ErrIO), errors.Is(err, context.DeadlineExceeded):
		return KindIO
	default:
		return KindUnknown
	}
}

// Retryable reports whether err is a transient failure worth another attempt.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrAuth) {
		return false
	}
	return errors.Is(err, ErrIO) || errors.Is(err, context.DeadlineExceeded)
}
