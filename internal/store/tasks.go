package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/george-ai/taskqueue/internal/domain"
)

// QueueCountsResult couples the live per-state counts of one queue with the
// completion time of its most recently finished task.
type QueueCountsResult struct {
	Counts          domain.QueueCounts
	LastProcessedAt *time.Time
}

// ContentTaskStore persists content processing tasks.
//
// Claim, Finish and Expire are the state-machine edges: all of them are
// compare-and-swap operations guarded by the current state, so a worker's
// natural completion and the watchdog's timeout sweep can race safely —
// whichever transition commits first wins and the loser is a no-op.
type ContentTaskStore interface {
	// Create persists a new pending task. Returns ErrActiveTaskExists if a
	// pending or processing task already exists for the same file.
	Create(ctx context.Context, task *domain.ContentProcessingTask) error

	// GetByID retrieves a task. Returns ErrTaskNotFound if absent.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.ContentProcessingTask, error)

	// ClaimPending atomically moves up to limit pending, non-cancelled
	// tasks to processing (FIFO order) and returns them. Concurrent
	// claimers never receive the same task.
	ClaimPending(ctx context.Context, limit int) ([]*domain.ContentProcessingTask, error)

	// SaveProgress persists the task's phase columns while it is still
	// processing and returns the task's current cancellation flag so the
	// worker can observe cooperative cancellation between phases. The
	// write is a no-op if the task has left the processing state.
	SaveProgress(ctx context.Context, task *domain.ContentProcessingTask) (cancelled bool, err error)

	// FinishProcessing writes the task's terminal snapshot, guarded by
	// status = processing. Returns false if the task already reached a
	// terminal state through another path (watchdog timeout, bulk cancel).
	FinishProcessing(ctx context.Context, task *domain.ContentProcessingTask) (bool, error)

	// CancelPending moves one pending task directly to cancelled.
	// Returns false if the task was no longer pending.
	CancelPending(ctx context.Context, id uuid.UUID) (bool, error)

	// FlagCancellation sets the cancellation flag on one processing task
	// without taking ownership of it.
	FlagCancellation(ctx context.Context, id uuid.UUID) error

	// CancelActive cancels all active tasks, optionally scoped to a
	// library: pending tasks transition immediately, processing tasks are
	// flagged. Returns the number of affected tasks.
	CancelActive(ctx context.Context, libraryID *uuid.UUID) (int64, error)

	// RetryTerminal resets failed and timed-out tasks (optionally scoped
	// to a library) to pending, discarding partial phase results.
	RetryTerminal(ctx context.Context, libraryID *uuid.UUID) (int64, error)

	// DeleteFailed deletes failed and timed-out tasks in scope.
	DeleteFailed(ctx context.Context, libraryID *uuid.UUID) (int64, error)

	// DeletePending deletes pending tasks in scope.
	DeletePending(ctx context.Context, libraryID *uuid.UUID) (int64, error)

	// ExpireOverdue moves processing tasks whose deadline has passed to
	// timed_out. Tasks without a timeout use defaultTimeout; a
	// defaultTimeout of zero leaves them untouched. Returns the number of
	// expired tasks.
	ExpireOverdue(ctx context.Context, now time.Time, defaultTimeout time.Duration) (int64, error)

	// ResetOrphanedProcessing resets processing tasks found at startup
	// (no live owner) back to pending, discarding partial phase results.
	ResetOrphanedProcessing(ctx context.Context) (int64, error)

	// Counts returns the live per-state counts.
	Counts(ctx context.Context) (QueueCountsResult, error)

	// WithTx returns a store bound to the given transaction.
	WithTx(tx *sql.Tx) ContentTaskStore
}

// EnrichmentTaskStore persists enrichment tasks, keyed by the
// (list, item, field) triple.
type EnrichmentTaskStore interface {
	// Create persists a new pending task. Returns ErrActiveTaskExists if
	// an active task exists for the same (list, item, field) triple.
	Create(ctx context.Context, task *domain.EnrichmentTask) error

	// CreateBatch persists many pending tasks, skipping identities that
	// already have an active task. Returns the number created.
	CreateBatch(ctx context.Context, tasks []*domain.EnrichmentTask) (int64, error)

	// GetByID retrieves a task. Returns ErrTaskNotFound if absent.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.EnrichmentTask, error)

	// ClaimPending atomically moves up to limit pending, non-cancelled
	// tasks to processing, ordered by priority descending then creation
	// time ascending. Tasks whose context fields are unresolved are
	// skipped and the next eligible task is selected instead, so gated
	// tasks never starve the tasks that would resolve their dependencies.
	ClaimPending(ctx context.Context, limit int) ([]*domain.EnrichmentTask, error)

	// Release returns a claimed task to pending without recording a
	// failure. Used by the dependency gate when a task's context fields
	// are not yet resolved.
	Release(ctx context.Context, id uuid.UUID) error

	// FinishProcessing writes the task's terminal snapshot, guarded by
	// status = processing. Returns false if the guard failed.
	FinishProcessing(ctx context.Context, task *domain.EnrichmentTask) (bool, error)

	// ListPending returns the pending tasks for a (list, field) pair.
	// Used by task-set reconciliation.
	ListPending(ctx context.Context, listID, fieldID uuid.UUID) ([]*domain.EnrichmentTask, error)

	// ActiveItemIDs returns the item IDs that currently have an active
	// task for the (list, field) pair.
	ActiveItemIDs(ctx context.Context, listID, fieldID uuid.UUID) (map[uuid.UUID]bool, error)

	// DeletePendingByIDs deletes the given tasks if still pending.
	DeletePendingByIDs(ctx context.Context, ids []uuid.UUID) (int64, error)

	// DeletePending deletes pending tasks, optionally scoped by list,
	// field and item. A nil listID clears pending tasks across all lists.
	DeletePending(ctx context.Context, listID, fieldID, itemID *uuid.UUID) (int64, error)

	// DeleteNonActive deletes pending, failed, timed-out and cancelled
	// tasks in scope. Processing tasks are left alone.
	DeleteNonActive(ctx context.Context, listID uuid.UUID, fieldID, itemID *uuid.UUID) (int64, error)

	// RetryTerminal resets failed and timed-out tasks (optionally scoped
	// to a list) to pending.
	RetryTerminal(ctx context.Context, listID *uuid.UUID) (int64, error)

	// DeleteFailed deletes failed and timed-out tasks in scope.
	DeleteFailed(ctx context.Context, listID *uuid.UUID) (int64, error)

	// ExpireOverdue moves processing tasks past their deadline to timed_out.
	ExpireOverdue(ctx context.Context, now time.Time, defaultTimeout time.Duration) (int64, error)

	// ResetOrphanedProcessing resets processing tasks back to pending.
	ResetOrphanedProcessing(ctx context.Context) (int64, error)

	// Counts returns the live per-state counts.
	Counts(ctx context.Context) (QueueCountsResult, error)

	// WithTx returns a store bound to the given transaction.
	WithTx(tx *sql.Tx) EnrichmentTaskStore
}

// AutomationTaskStore persists automation tasks, keyed by the
// (automation, item) pair.
type AutomationTaskStore interface {
	// Create persists a new pending task. Returns ErrActiveTaskExists if
	// an active task exists for the same (automation, item) pair.
	Create(ctx context.Context, task *domain.AutomationTask) error

	// GetByID retrieves a task. Returns ErrTaskNotFound if absent.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.AutomationTask, error)

	// ClaimPending atomically moves up to limit pending, non-cancelled
	// tasks to processing, ordered by priority then creation time.
	ClaimPending(ctx context.Context, limit int) ([]*domain.AutomationTask, error)

	// FinishProcessing writes the task's terminal snapshot, guarded by
	// status = processing.
	FinishProcessing(ctx context.Context, task *domain.AutomationTask) (bool, error)

	// RetryTerminal resets failed and timed-out tasks to pending.
	RetryTerminal(ctx context.Context) (int64, error)

	// DeleteFailed deletes failed and timed-out tasks.
	DeleteFailed(ctx context.Context) (int64, error)

	// DeletePending deletes pending tasks.
	DeletePending(ctx context.Context) (int64, error)

	// ExpireOverdue moves processing tasks past their deadline to timed_out.
	ExpireOverdue(ctx context.Context, now time.Time, defaultTimeout time.Duration) (int64, error)

	// ResetOrphanedProcessing resets processing tasks back to pending.
	ResetOrphanedProcessing(ctx context.Context) (int64, error)

	// Counts returns the live per-state counts.
	Counts(ctx context.Context) (QueueCountsResult, error)
}
