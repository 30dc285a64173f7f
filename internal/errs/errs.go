// Package errs defines the engine's error taxonomy. Every externally visible
// failure carries a Kind so transports can map it without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindUnknown           Kind = "unknown"
	KindArtifactLoad      Kind = "artifact_load"
	KindPlacementMismatch Kind = "placement_mismatch"
	KindBatchTimeout      Kind = "batch_timeout"
	KindExecution         Kind = "execution"
	KindPoolExhausted     Kind = "pool_exhausted"
	KindQueueFull         Kind = "overloaded"
	KindInvalidRequest    Kind = "invalid_request"
	KindCancelled         Kind = "cancelled"
	KindShuttingDown      Kind = "shutting_down"
	KindNoDevice          Kind = "no_device"
)

// Error is the concrete error type used across the engine.
type Error struct {
	Kind   Kind
	Op     string
	Device string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Device != "" {
		msg += " (device " + e.Device + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds an Error of the given kind with a formatted cause.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// OnDevice attaches a device id.
func (e *Error) OnDevice(device string) *Error {
	e.Device = device
	return e
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

// IsRetryable reports whether the caller may retry the same request later.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindPoolExhausted, KindQueueFull:
		return true
	}
	return false
}

// IsOverloaded reports backpressure rejections (dispatch queue full).
func IsOverloaded(err error) bool { return Is(err, KindQueueFull) }

// Sentinel-style constructors for the common kinds.

func QueueFull(capacity int) error {
	return Newf(KindQueueFull, "dispatch", "dispatch queue at capacity %d", capacity)
}

func PoolExhausted(msg string) error {
	return New(KindPoolExhausted, "dispatch", errors.New(msg))
}

func ShuttingDown(op string) error {
	return New(KindShuttingDown, op, nil)
}

func Invalid(format string, args ...any) error {
	return Newf(KindInvalidRequest, "submit", format, args...)
}
