package datalayer

import (
	"errors"
	"fmt"
)

// Kind classifies data layer failures.
type Kind string

const (
	// KindInvalidInput covers empty or malformed requests and unknown pages.
	KindInvalidInput Kind = "invalid_input"
	// KindUnknownVariable means the variable key is not in the catalog.
	KindUnknownVariable Kind = "unknown_variable"
	// KindLoadFailed means the field loader failed.
	KindLoadFailed Kind = "load_failed"
	// KindBackendUnavailable means the compute backend could not serve a
	// request and the local implementation answered instead.
	KindBackendUnavailable Kind = "backend_unavailable"
	// KindNotification marks a failed notification call. It is only logged.
	KindNotification Kind = "notification"
)

// Error is a classified data layer error.
type Error struct {
	Kind     Kind
	Op       string
	Variable string
	Err      error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Variable != "" {
		msg += " " + e.Variable
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func invalidInput(op, format string, args ...any) error {
	return &Error{Kind: KindInvalidInput, Op: op, Err: fmt.Errorf(format, args...)}
}
