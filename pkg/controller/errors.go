package controller

import (
	"errors"
	"fmt"
)

// Kind classifies controller failures. Callers branch on the kind
// instead of inspecting vendor error types.
type Kind string

const (
	// KindConfiguration marks missing endpoint or model settings at
	// session or client creation time.
	KindConfiguration Kind = "configuration"

	// KindConcurrency marks run, pause, or resume requests made in an
	// incompatible controller state.
	KindConcurrency Kind = "concurrency"

	// KindTransientSession marks session-level faults (drain failures,
	// stale bus references). Runs recover from these locally; the kind
	// only appears on auxiliary session operations.
	KindTransientSession Kind = "transient_session"

	// KindFatalAgent marks agent construction or execution failures
	// that no rebuild could recover.
	KindFatalAgent Kind = "fatal_agent"

	// KindTimeout marks a bounded cross-lane call that elapsed before
	// the work settled.
	KindTimeout Kind = "timeout"

	// KindShutdown marks operations attempted after Shutdown.
	KindShutdown Kind = "shutdown"
)

// Error is the single error type the controller surfaces to callers.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("controller: %s: %v", e.Message, e.Err)
	}
	return "controller: " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func wrapError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// IsKind reports whether err is a controller Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var cerr *Error
	return errors.As(err, &cerr) && cerr.Kind == kind
}
