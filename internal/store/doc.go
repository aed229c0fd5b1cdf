// Package store defines the persistence interfaces of the task
// orchestration service and the errors their implementations return.
// Implementations live in internal/platform/postgres.
package store
