// Copyright 2025 James Ross
package core

import "fmt"

// Kind is the error taxonomy from spec.md section 7.
type Kind string

const (
	KindInvalidArgument Kind = "invalid_argument"
	KindBackend         Kind = "backend"
	KindHandlerFailure  Kind = "handler_failure"
	KindOverflow        Kind = "overflow"
	KindConflict        Kind = "conflict"
	KindNotFound        Kind = "not_found"
	KindClosed          Kind = "closed"
)

// Error is the error type public Queue methods use for the failures
// they classify, discriminated by Kind so callers can branch with
// errors.As. Some transport and shutdown errors (for example a context
// deadline from Close) are returned as they are, not wrapped in an Error.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("jobqueue: %s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("jobqueue: %s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is supports errors.Is(err, &core.Error{Kind: core.KindNotFound}) style
// checks: it reports true for any *Error target with the same Kind; the
// target's Op, Message and Err are ignored.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newErr(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: msg, Err: err}
}

func InvalidArgument(op, msg string) error { return newErr(KindInvalidArgument, op, msg, nil) }
func Backend(op string, err error) error   { return newErr(KindBackend, op, "transport error", err) }
func Overflow(op, msg string) error        { return newErr(KindOverflow, op, msg, nil) }
func Conflict(op, msg string) error        { return newErr(KindConflict, op, msg, nil) }
func NotFound(op, msg string) error        { return newErr(KindNotFound, op, msg, nil) }
func Closed(op string) error               { return newErr(KindClosed, op, "queue is closed", nil) }

// KindOf extracts the Kind from err, or "" if err is not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if err == nil {
		return ""
	}
	if as, ok := err.(*Error); ok {
		e = as
	} else {
		return ""
	}
	return e.Kind
}
