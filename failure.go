package durable

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FailureKind classifies an activity failure.
type FailureKind int

const (
	// FailureBusiness is a domain-level rejection reported by an activity,
	// for example insufficient funds. It triggers compensation and is
	// resolved into the saga's terminal result, never propagated further.
	FailureBusiness FailureKind = iota
	// FailureTransient is a transport-level error from the invoker. The
	// invoker may retry it; once retries exhaust it is surfaced to the
	// engine and treated like a business failure.
	FailureTransient
	// FailureTimeout is an activity call that exceeded the invoker's
	// deadline. The engine treats it like a business failure.
	FailureTimeout
	// FailureCompensation is a compensating activity that itself failed.
	// There is no defined recovery; the instance is marked failed with
	// this failure attached so it is never silently dropped.
	FailureCompensation
)

// String returns the string representation of the FailureKind.
func (k FailureKind) String() string {
	switch k {
	case FailureBusiness:
		return "business"
	case FailureTransient:
		return "transient"
	case FailureTimeout:
		return "timeout"
	case FailureCompensation:
		return "compensation"
	default:
		return fmt.Sprintf("Unknown FailureKind: %d", int(k))
	}
}

// MarshalJSON implements the json.Marshaler interface for FailureKind.
func (k FailureKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for FailureKind.
func (k *FailureKind) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	switch str {
	case "business":
		*k = FailureBusiness
	case "transient":
		*k = FailureTransient
	case "timeout":
		*k = FailureTimeout
	case "compensation":
		*k = FailureCompensation
	default:
		return fmt.Errorf("invalid FailureKind: %s", str)
	}

	return nil
}

// Failure is the structured outcome of a failed activity call. It is
// serializable so it can be recorded in history events and carried into the
// saga's terminal result instead of a free-text message.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Error implements the error interface for Failure.
func (f *Failure) Error() string {
	return fmt.Sprintf("%s failure: %s", f.Kind, f.Message)
}

// NewBusinessFailure creates a domain-level activity failure.
func NewBusinessFailure(message string) *Failure {
	return &Failure{Kind: FailureBusiness, Message: message}
}

// NewTransientFailure creates a retryable transport-level failure.
func NewTransientFailure(err error) *Failure {
	return &Failure{Kind: FailureTransient, Message: err.Error()}
}

// NewTimeoutFailure creates a failure for a call that exceeded its deadline.
func NewTimeoutFailure(activity string) *Failure {
	return &Failure{Kind: FailureTimeout, Message: fmt.Sprintf("activity %s timed out", activity)}
}

// AsFailure extracts a *Failure from an activity error, classifying plain
// errors as transient so the invoker may retry them.
func AsFailure(err error) *Failure {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure
	}
	return NewTransientFailure(err)
}

// ErrCorruptHistory indicates an event sequence that could never have been
// produced by the engine, for example an outcome for a call that was never
// scheduled. It is fatal for the instance.
var ErrCorruptHistory = errors.New("corrupt history")

// ErrInstanceNotFound indicates a history store has no events for the
// requested instance.
var ErrInstanceNotFound = errors.New("instance not found")

// DeterminismError indicates that replaying history produced a different
// decision than the one recorded. It means the history and the engine code
// have diverged, and is fatal for the instance.
type DeterminismError struct {
	Recorded string
	Expected string
}

// Error implements the error interface for DeterminismError.
func (e *DeterminismError) Error() string {
	return fmt.Sprintf(
		"determinism violation: history recorded activity %q where replay expects %q",
		e.Recorded, e.Expected,
	)
}
