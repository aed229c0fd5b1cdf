package store

import (
	"errors"
	"fmt"
)

// Common store errors used across all store implementations.
var (
	// ErrNotFound is returned when a requested entity does not exist in the store.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate is returned when an operation would create a duplicate
	// of a unique entity.
	ErrDuplicate = errors.New("entity already exists")

	// ErrInvalidEntity is returned when an entity fails validation before
	// being stored. Check the wrapped error for specific validation details.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrTransactionFailed is returned when a database transaction fails
	// to commit or when an operation within a transaction fails.
	ErrTransactionFailed = errors.New("transaction failed")

	// Entity-specific "not found" errors

	// ErrTaskNotFound indicates that the requested task does not exist.
	ErrTaskNotFound = fmt.Errorf("%w: task", ErrNotFound)

	// ErrFileNotFound indicates that the requested library file does not exist.
	ErrFileNotFound = fmt.Errorf("%w: file", ErrNotFound)

	// ErrFieldNotFound indicates that the requested list field does not exist.
	ErrFieldNotFound = fmt.Errorf("%w: field", ErrNotFound)

	// ErrActiveTaskExists indicates that a task with the same identity
	// (file for content processing, list/item/field triple for enrichment)
	// already exists in a pending or processing state. Enqueueing a
	// duplicate is a conflict, never a silent merge.
	ErrActiveTaskExists = fmt.Errorf("%w: active task for identity", ErrDuplicate)
)

// IsNotFoundError checks if the error is any kind of "not found" error.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflictError checks if the error is any kind of "duplicate" error,
// including the active-task identity conflict.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrDuplicate)
}
