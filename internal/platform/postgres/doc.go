// Package postgres provides PostgreSQL implementations of the store
// interfaces defined in internal/store. All state transitions that move a
// task out of the processing state are compare-and-swap updates guarded by
// the current status column, so concurrent writers (worker vs. watchdog)
// resolve to exactly one winner.
package postgres
