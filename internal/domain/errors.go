package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidID is returned when an ID is malformed or invalid.
	ErrInvalidID = errors.New("invalid ID")

	// ErrInvalidQueueType is returned when a queue type is not one of the
	// known queue categories.
	ErrInvalidQueueType = errors.New("invalid queue type")

	// ErrInvalidTransition is returned when a task state transition is not
	// permitted by the task state machine.
	ErrInvalidTransition = errors.New("invalid task state transition")

	// ErrNotRetryable is returned when retry is requested on a task that is
	// not in a failed or timed-out state.
	ErrNotRetryable = errors.New("task is not retryable")

	// ErrInvalidFilter is returned when a list filter predicate is malformed.
	ErrInvalidFilter = errors.New("invalid list filter")
)
