// Package errors provides typed error handling for the egress-limiter
// control plane.
//
// This package defines domain-specific error types that enable better error
// classification, debugging, and user feedback. All errors support the standard
// errors.Is() and errors.As() functions for error inspection.
package errors

import (
	"errors"
	"fmt"
)

// ErrorKind represents the category of an error.
type ErrorKind int

const (
	// KindNotFound indicates a resource (rule, record, program) was not found.
	KindNotFound ErrorKind = iota
	// KindAlreadyExists indicates a resource already exists.
	KindAlreadyExists
	// KindInvalidState indicates an operation was attempted in an invalid state.
	KindInvalidState
	// KindRuleMalformed indicates a rate or bucket value failed to parse.
	KindRuleMalformed
	// KindPermission indicates a permission error.
	KindPermission
	// KindPrecondition indicates a required kernel feature, bpffs mount,
	// or cgroup v2 root is absent.
	KindPrecondition
	// KindKernelRefused indicates a verifier rejection, attach conflict,
	// or permission denial surfaced by a kernel syscall.
	KindKernelRefused
	// KindProcessVanished indicates a PID disappeared mid-operation.
	KindProcessVanished
	// KindReconcileConflict indicates the requested attach mode differs
	// from the mode currently observed on the host.
	KindReconcileConflict
	// KindInternal indicates an internal error.
	KindInternal
)

// String returns a human-readable name for the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindAlreadyExists:
		return "already exists"
	case KindInvalidState:
		return "invalid state"
	case KindRuleMalformed:
		return "rule malformed"
	case KindPermission:
		return "permission denied"
	case KindPrecondition:
		return "precondition missing"
	case KindKernelRefused:
		return "kernel refused"
	case KindProcessVanished:
		return "process vanished"
	case KindReconcileConflict:
		return "reconcile conflict"
	case KindInternal:
		return "internal error"
	default:
		return "unknown error"
	}
}

// LimiterError represents an error that occurred during a control-plane
// operation.
type LimiterError struct {
	// Op is the operation that failed (e.g., "set", "move", "unset").
	Op string
	// Target identifies the rule or PID the operation acted on, if applicable.
	Target string
	// Err is the underlying error.
	Err error
	// Kind is the error classification.
	Kind ErrorKind
	// Detail provides additional context about the error.
	Detail string
}

// Error returns the error message.
func (e *LimiterError) Error() string {
	if e == nil {
		return "<nil>"
	}

	var msg string
	if e.Target != "" {
		msg = fmt.Sprintf("%s: ", e.Target)
	}
	if e.Op != "" {
		msg += fmt.Sprintf("%s: ", e.Op)
	}
	if e.Detail != "" {
		msg += e.Detail
	} else {
		msg += e.Kind.String()
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *LimiterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether the error matches the target.
// It matches if the target is a *LimiterError with the same Kind,
// or if the underlying error matches.
func (e *LimiterError) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	if t, ok := target.(*LimiterError); ok {
		return e.Kind == t.Kind
	}
	return false
}

// New creates a new LimiterError with the given kind.
func New(kind ErrorKind, op string, detail string) *LimiterError {
	return &LimiterError{Op: op, Kind: kind, Detail: detail}
}

// Wrap wraps an error with operation context.
func Wrap(err error, kind ErrorKind, op string) *LimiterError {
	return &LimiterError{Op: op, Err: err, Kind: kind}
}

// WrapWithTarget wraps an error with operation and target context.
func WrapWithTarget(err error, kind ErrorKind, op string, target string) *LimiterError {
	return &LimiterError{Op: op, Target: target, Err: err, Kind: kind}
}

// WrapWithDetail wraps an error with additional detail.
func WrapWithDetail(err error, kind ErrorKind, op string, detail string) *LimiterError {
	return &LimiterError{Op: op, Err: err, Kind: kind, Detail: detail}
}

// IsKind checks if an error is of a specific kind.
func IsKind(err error, kind ErrorKind) bool {
	var lerr *LimiterError
	if errors.As(err, &lerr) {
		return lerr.Kind == kind
	}
	return false
}

// GetKind returns the error kind if the error is a LimiterError.
func GetKind(err error) (ErrorKind, bool) {
	var lerr *LimiterError
	if errors.As(err, &lerr) {
		return lerr.Kind, true
	}
	return 0, false
}

// Re-export standard library functions for convenience.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
)
