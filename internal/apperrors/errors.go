// Package apperrors defines the abstract error taxonomy shared by every
// component: a task outcome is always one of these kinds, never a bare
// Go error, so the Task Processor can decide retry/fail/dead-letter
// without knowing anything about where the error came from.
package apperrors

import "fmt"

// Kind is one of the abstract error kinds from the orchestration spec.
type Kind string

const (
	CapabilityMismatch Kind = "capability_mismatch"
	NoProviderAvailable Kind = "no_provider_available"
	QuotaExhausted      Kind = "quota_exhausted"
	ProviderTransport    Kind = "provider_transport"
	ProviderReject       Kind = "provider_reject"
	Timeout              Kind = "timeout"
	Cancelled            Kind = "cancelled"
	CyclicDependency     Kind = "cyclic_dependency"
	UnknownStageRef      Kind = "unknown_stage_ref"
	BadCondition         Kind = "bad_condition"
	Internal             Kind = "internal"
	AlreadyExists        Kind = "already_exists"
	NotFound             Kind = "not_found"
)

// retryable mirrors the propagation policy from the spec: transient kinds
// are absorbed by the processor and surfaced only via attempt counters,
// terminal kinds are stored on the task and published on the event bus.
var retryable = map[Kind]bool{
	NoProviderAvailable: true,
	QuotaExhausted:      true,
	ProviderTransport:    true,
	Timeout:              true,
}

// Error is the concrete error type every component returns. Cause is the
// underlying error (transport failure, parse error, ...) wrapped for
// %w-style unwrapping; Message is a human-readable summary independent of
// Cause (Cause may be nil, e.g. for CapabilityMismatch).
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the Task Processor should requeue the task
// with backoff rather than mark it Failed/DeadLettered.
func (e *Error) Retryable() bool { return retryable[e.Kind] }

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind around an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is an *Error of the given kind. Errors.As is
// deliberately not required of callers — this is the common case.
func Is(err error, kind Kind) bool {
	ae, ok := err.(*Error)
	if !ok {
		return false
	}
	return ae.Kind == kind
}

// RetryableErr reports whether err (if it is an *Error) should be retried.
// A non-*Error is treated as non-retryable — unexpected errors are a bug,
// not a transient condition, and should surface rather than loop silently.
func RetryableErr(err error) bool {
	ae, ok := err.(*Error)
	if !ok {
		return false
	}
	return ae.Retryable()
}
