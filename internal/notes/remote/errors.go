package remote

import (
	"errors"
	"fmt"
)

// Error kinds returned by the client. Every *Error unwraps to exactly one.
var (
	// ErrTransient means the call failed for a reason that may go away on
	// retry: network failure, timeout, 5xx, 408 or 429.
	ErrTransient = errors.New("transient remote failure")

	// ErrValidation means the remote rejected the payload: a 4xx not covered
	// by another kind, or a 2xx envelope with success=false.
	ErrValidation = errors.New("remote rejected request")

	// ErrNotFound means the remote has no note with the identifier.
	ErrNotFound = errors.New("note not found on remote")

	// ErrConflict means the remote already holds a note with the identifier.
	ErrConflict = errors.New("note already exists on remote")
)

// Error describes a failed remote call.
type Error struct {
	// Op is the HTTP method and path, e.g. "PUT /notes/abc".
	Op string
	// StatusCode is the HTTP status, 0 when no response was received.
	StatusCode int
	// Message is the envelope message or response status text.
	Message string
	// Kind is one of the package error kinds.
	Kind error
	// Err is the underlying transport or decoding error, if any.
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Kind)
	}
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// IsTransient reports whether err is worth retrying later unchanged.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsNotFound reports whether err means the remote has no such note.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// kindForStatus classifies a non-2xx status code.
func kindForStatus(code int) error {
	switch {
	case code == 404:
		return ErrNotFound
	case code == 409:
		return ErrConflict
	case code == 408 || code == 429 || code >= 500:
		return ErrTransient
	default:
		return ErrValidation
	}
}
