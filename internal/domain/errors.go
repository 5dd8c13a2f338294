package domain

import "errors"

// Error kinds surfaced by the core. Call sites wrap them with fmt.Errorf("%w: ...")
// and callers match with errors.Is.
var (
	// ErrValidation marks bad caller input. Never retried.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks an unknown or expired session or task id.
	ErrNotFound = errors.New("not found")
	// ErrStoreUnavailable marks a failure to reach the state store.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrUpstream marks a rejection or failure reported by the chat provider.
	ErrUpstream = errors.New("upstream error")
	// ErrTimeout marks a turn whose deadline elapsed without a terminal answer.
	ErrTimeout = errors.New("turn deadline exceeded")
)

// ErrInvalidTransition is returned when a task state change is not allowed
// by the state machine.
var ErrInvalidTransition = errors.New("invalid task state transition")
