// Package queue contains the task orchestration core: per-queue worker
// pools that poll the task tables, executors that drive each task family
// through its state machine, a watchdog that expires overdue tasks, and
// the scheduler that exposes the mutation and status surface used by the
// API layer.
//
// Ownership rules: claiming a task is the only pending→processing
// transition, and only the claiming worker writes the task out of
// processing — except for the watchdog's timeout sweep. Both paths are
// compare-and-swap updates guarded by the current status, so a race
// between them resolves to exactly one winner.
package queue
