package multipart

import (
	"errors"
	"fmt"
)

// Reasons for an *Error. Match with errors.Is.
var (
	ErrMissingStartBoundary = errors.New("missing start boundary")
	ErrUnterminatedPart     = errors.New("unterminated part")
	ErrDuplicateIdentity    = errors.New("part reachable under two identities")
	ErrNoSuchPart           = errors.New("no such part")
	ErrClosed               = errors.New("closed")
	ErrIO                   = errors.New("i/o error")
)

// Error is returned by all operations in this package. Reason is one of the
// Err* variables, Err is the underlying error, if any.
type Error struct {
	Reason error
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Reason.Error()
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Err}
}

func newError(reason error, format string, args ...any) *Error {
	return &Error{reason, fmt.Errorf(format, args...)}
}

// asError returns err as *Error, wrapping it with reason ErrIO if it isn't one
// already.
func asError(err error) *Error {
	var xerr *Error
	if errors.As(err, &xerr) {
		return xerr
	}
	return &Error{ErrIO, err}
}

// reasonLabel returns the metrics label for the reason of err.
func reasonLabel(err error) string {
	switch {
	case errors.Is(err, ErrMissingStartBoundary):
		return "missing-start-boundary"
	case errors.Is(err, ErrUnterminatedPart):
		return "unterminated-part"
	case errors.Is(err, ErrDuplicateIdentity):
		return "duplicate-identity"
	case errors.Is(err, ErrNoSuchPart):
		return "no-such-part"
	case errors.Is(err, ErrClosed):
		return "closed"
	}
	return "io"
}
