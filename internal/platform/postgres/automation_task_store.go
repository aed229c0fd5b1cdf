package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/george-ai/taskqueue/internal/domain"
	"github.com/george-ai/taskqueue/internal/platform/logger"
	"github.com/george-ai/taskqueue/internal/store"
)

const automationTaskColumns = `
	id, automation_id, item_id, action, config, result, status, priority,
	timeout_ms, timed_out, cancelled, error_message, created_at,
	started_at, finished_at, failed_at`

// AutomationTaskStore implements store.AutomationTaskStore using PostgreSQL.
type AutomationTaskStore struct {
	db store.DBTX
}

// NewAutomationTaskStore creates a new AutomationTaskStore.
func NewAutomationTaskStore(db store.DBTX) *AutomationTaskStore {
	return &AutomationTaskStore{db: db}
}

// Ensure AutomationTaskStore implements store.AutomationTaskStore interface
var _ store.AutomationTaskStore = (*AutomationTaskStore)(nil)

// Create persists a new pending task. The partial unique index on
// (automation_id, item_id) rejects a second active task for the pair.
func (s *AutomationTaskStore) Create(ctx context.Context, task *domain.AutomationTask) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO automation_tasks (
			id, automation_id, item_id, action, config, status, priority,
			timeout_ms, timed_out, cancelled, error_message, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.AutomationID,
		task.ItemID,
		task.Action,
		rawJSONOrNull(task.Config),
		task.State,
		task.Priority,
		timeoutToMs(task.Timeout),
		task.TimedOut,
		task.Cancelled,
		nullString(task.ErrorMessage),
		task.CreatedAt.UTC(),
	)
	if err != nil {
		logger.FromContext(ctx).Error("failed to create automation task",
			"task_id", task.ID,
			"automation_id", task.AutomationID,
			"item_id", task.ItemID,
			"error", err)
		return MapError(err)
	}
	return nil
}

// GetByID retrieves a task by its ID.
func (s *AutomationTaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.AutomationTask, error) {
	query := `SELECT ` + automationTaskColumns + ` FROM automation_tasks WHERE id = $1`
	task, err := automationTaskFromRow(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrTaskNotFound
		}
		return nil, MapError(err)
	}
	return task, nil
}

// ClaimPending atomically moves up to limit pending, non-cancelled tasks to
// processing, ordered by priority descending then creation time ascending.
func (s *AutomationTaskStore) ClaimPending(ctx context.Context, limit int) ([]*domain.AutomationTask, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `
		UPDATE automation_tasks
		SET status = $1, started_at = $2
		WHERE id IN (
			SELECT id FROM automation_tasks
			WHERE status = $3 AND cancelled = FALSE
			ORDER BY priority DESC, created_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + automationTaskColumns

	rows, err := s.db.QueryContext(ctx, query,
		domain.TaskStateProcessing,
		time.Now().UTC(),
		domain.TaskStatePending,
		limit,
	)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.AutomationTask
	for rows.Next() {
		task, err := automationTaskFromRow(rows)
		if err != nil {
			return nil, MapError(err)
		}
		tasks = append(tasks, task)
	}
	return tasks, MapError(rows.Err())
}

// FinishProcessing writes the task's terminal snapshot, guarded by
// status = processing. Returns false if another transition won the race.
func (s *AutomationTaskStore) FinishProcessing(ctx context.Context, task *domain.AutomationTask) (bool, error) {
	query := `
		UPDATE automation_tasks
		SET status = $1, timed_out = $2, cancelled = $3, error_message = $4,
		    result = $5, finished_at = $6, failed_at = $7
		WHERE id = $8 AND status = $9
	`
	result, err := s.db.ExecContext(ctx, query,
		task.State,
		task.TimedOut,
		task.Cancelled,
		nullString(task.ErrorMessage),
		rawJSONOrNull(task.Result),
		nullTime(task.FinishedAt),
		nullTime(task.FailedAt),
		task.ID,
		domain.TaskStateProcessing,
	)
	if err != nil {
		return false, MapError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, MapError(err)
	}
	return affected > 0, nil
}

// RetryTerminal resets failed and timed-out tasks to pending, discarding
// any partial result.
func (s *AutomationTaskStore) RetryTerminal(ctx context.Context) (int64, error) {
	query := `
		UPDATE automation_tasks
		SET status = $1, timed_out = FALSE, cancelled = FALSE,
		    error_message = NULL, result = NULL, started_at = NULL,
		    finished_at = NULL, failed_at = NULL
		WHERE status IN ($2, $3)
	`
	result, err := s.db.ExecContext(ctx, query,
		domain.TaskStatePending,
		domain.TaskStateFailed,
		domain.TaskStateTimedOut,
	)
	if err != nil {
		return 0, MapError(err)
	}
	affected, err := result.RowsAffected()
	return affected, MapError(err)
}

// DeleteFailed deletes failed and timed-out tasks.
func (s *AutomationTaskStore) DeleteFailed(ctx context.Context) (int64, error) {
	query := `DELETE FROM automation_tasks WHERE status IN ($1, $2)`
	result, err := s.db.ExecContext(ctx, query,
		domain.TaskStateFailed,
		domain.TaskStateTimedOut,
	)
	if err != nil {
		return 0, MapError(err)
	}
	affected, err := result.RowsAffected()
	return affected, MapError(err)
}

// DeletePending deletes pending tasks.
func (s *AutomationTaskStore) DeletePending(ctx context.Context) (int64, error) {
	query := `DELETE FROM automation_tasks WHERE status = $1`
	result, err := s.db.ExecContext(ctx, query, domain.TaskStatePending)
	if err != nil {
		return 0, MapError(err)
	}
	affected, err := result.RowsAffected()
	return affected, MapError(err)
}

// ExpireOverdue moves processing tasks past their deadline to timed_out.
func (s *AutomationTaskStore) ExpireOverdue(ctx context.Context, now time.Time, defaultTimeout time.Duration) (int64, error) {
	query := `
		UPDATE automation_tasks
		SET status = $1, timed_out = TRUE, failed_at = $2
		WHERE status = $3
		  AND started_at IS NOT NULL
		  AND (
		    (timeout_ms IS NOT NULL AND started_at + timeout_ms * interval '1 millisecond' < $2)
		    OR (timeout_ms IS NULL AND $4::bigint > 0 AND started_at + $4 * interval '1 millisecond' < $2)
		  )
	`
	result, err := s.db.ExecContext(ctx, query,
		domain.TaskStateTimedOut,
		now.UTC(),
		domain.TaskStateProcessing,
		defaultTimeout.Milliseconds(),
	)
	if err != nil {
		return 0, MapError(err)
	}
	affected, err := result.RowsAffected()
	return affected, MapError(err)
}

// ResetOrphanedProcessing resets processing tasks found at startup back to
// pending.
func (s *AutomationTaskStore) ResetOrphanedProcessing(ctx context.Context) (int64, error) {
	query := `
		UPDATE automation_tasks
		SET status = $1, started_at = NULL, result = NULL
		WHERE status = $2
	`
	result, err := s.db.ExecContext(ctx, query,
		domain.TaskStatePending,
		domain.TaskStateProcessing,
	)
	if err != nil {
		return 0, MapError(err)
	}
	affected, err := result.RowsAffected()
	return affected, MapError(err)
}

// Counts returns the live per-state counts.
func (s *AutomationTaskStore) Counts(ctx context.Context) (store.QueueCountsResult, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = $1),
			COUNT(*) FILTER (WHERE status = $2),
			COUNT(*) FILTER (WHERE status IN ($3, $4)),
			COUNT(*) FILTER (WHERE status IN ($5, $6)),
			MAX(finished_at) FILTER (WHERE status = $5)
		FROM automation_tasks
	`
	var result store.QueueCountsResult
	var lastProcessed sql.NullTime
	err := s.db.QueryRowContext(ctx, query,
		domain.TaskStatePending,
		domain.TaskStateProcessing,
		domain.TaskStateFailed,
		domain.TaskStateTimedOut,
		domain.TaskStateCompleted,
		domain.TaskStateCancelled,
	).Scan(
		&result.Counts.Pending,
		&result.Counts.Processing,
		&result.Counts.Failed,
		&result.Counts.Completed,
		&lastProcessed,
	)
	if err != nil {
		return store.QueueCountsResult{}, MapError(err)
	}
	result.LastProcessedAt = timePtr(lastProcessed)
	return result, nil
}

// automationTaskFromRow scans one task row in automationTaskColumns order.
func automationTaskFromRow(row rowScanner) (*domain.AutomationTask, error) {
	var (
		task         domain.AutomationTask
		config       []byte
		result       []byte
		timeoutMs    sql.NullInt64
		errorMessage sql.NullString
		startedAt    sql.NullTime
		finishedAt   sql.NullTime
		failedAt     sql.NullTime
	)

	err := row.Scan(
		&task.ID,
		&task.AutomationID,
		&task.ItemID,
		&task.Action,
		&config,
		&result,
		&task.State,
		&task.Priority,
		&timeoutMs,
		&task.TimedOut,
		&task.Cancelled,
		&errorMessage,
		&task.CreatedAt,
		&startedAt,
		&finishedAt,
		&failedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Config = config
	task.Result = result
	task.Timeout = msToTimeout(timeoutMs)
	task.ErrorMessage = stringVal(errorMessage)
	task.CreatedAt = task.CreatedAt.UTC()
	task.StartedAt = timePtr(startedAt)
	task.FinishedAt = timePtr(finishedAt)
	task.FailedAt = timePtr(failedAt)

	return &task, nil
}
