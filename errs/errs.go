// Package errs defines the error taxonomy shared by every runtime
// component. Every fallible operation in this module returns a plain Go
// error; when that error originates inside the runtime it is always an
// *Error carrying one of the Kind values below, so callers can branch on
// Kind or use errors.Is/errors.As without parsing strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind tags an Error with the category of failure. Components consult Kind
// to decide retryability, to pick an HTTP status when surfacing errors at
// an API boundary, or to route the failure to system:error.
type Kind string

const (
	// NotFound reports a missing registry entry, process, or checkpoint.
	NotFound Kind = "not_found"
	// AlreadyExists reports a duplicate registration.
	AlreadyExists Kind = "already_exists"
	// ValidationError reports malformed input or a missing required field.
	ValidationError Kind = "validation_error"
	// NoTransition reports that a process cannot advance on the given event.
	NoTransition Kind = "no_transition"
	// GuardFailed reports that a transition's guard predicate returned false.
	GuardFailed Kind = "guard_failed"
	// NotOwned reports that a checkpoint does not belong to the named process.
	NotOwned Kind = "not_owned"
	// CircularDependency reports a cycle in a task dependency graph.
	CircularDependency Kind = "circular_dependency"
	// DependencyFailed reports that a required dependency did not complete.
	DependencyFailed Kind = "dependency_failed"
	// Timeout reports that a handler exceeded its deadline.
	Timeout Kind = "timeout"
	// Cancelled reports that an operation was cancelled before completion.
	Cancelled Kind = "cancelled"
	// CircuitOpen reports that a resilience gate refused the call.
	CircuitOpen Kind = "circuit_open"
	// HookFailed reports that a registered hook returned or threw an error
	// during a pre-phase.
	HookFailed Kind = "hook_failed"
	// Internal reports an unexpected invariant violation.
	Internal Kind = "internal"
)

// Error is the concrete error type returned by every fallible runtime
// operation. It preserves a causal chain via Cause so errors.Is/errors.As
// keep working across retries and component boundaries, the same way
// toolerrors.ToolError does for tool invocation failures.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New constructs an Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf formats according to a format specifier and returns an *Error of the
// given kind.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind that wraps cause. If cause is
// already an *Error, its Kind is preserved only if kind is empty.
func Wrap(kind Kind, cause error, message string) *Error {
	if cause == nil {
		return &Error{Kind: kind, Message: message}
	}
	if kind == "" {
		var e *Error
		if errors.As(cause, &e) {
			kind = e.Kind
		} else {
			kind = Internal
		}
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Cause.Error())
	}
	return e.Message
}

// Unwrap returns the wrapped cause, enabling errors.Is/errors.As to walk
// the chain.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind. This lets
// callers write errors.Is(err, errs.New(errs.NotFound, "")) as a kind
// check without caring about the message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// Of reports the Kind of err if it is (or wraps) an *Error, and whether one
// was found.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return errors.Is(err, New(kind, ""))
}
