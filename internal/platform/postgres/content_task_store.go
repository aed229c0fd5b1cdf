package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/george-ai/taskqueue/internal/domain"
	"github.com/george-ai/taskqueue/internal/platform/logger"
	"github.com/george-ai/taskqueue/internal/store"
)

// contentTaskColumns is the column list shared by every SELECT/RETURNING
// of content processing tasks. Scan order must match contentTaskFromRow.
const contentTaskColumns = `
	id, file_id, library_id, status, priority, timeout_ms, timed_out,
	cancelled, error_message, extraction_status, extraction_started_at,
	extraction_finished_at, embedding_status, embedding_started_at,
	embedding_finished_at, sub_tasks, markdown_file, chunk_count,
	chunk_size, created_at, started_at, finished_at, failed_at`

// ContentTaskStore implements store.ContentTaskStore using PostgreSQL.
type ContentTaskStore struct {
	db store.DBTX
}

// NewContentTaskStore creates a new ContentTaskStore.
func NewContentTaskStore(db store.DBTX) *ContentTaskStore {
	return &ContentTaskStore{db: db}
}

// Ensure ContentTaskStore implements store.ContentTaskStore interface
var _ store.ContentTaskStore = (*ContentTaskStore)(nil)

// WithTx returns a store bound to the given transaction.
func (s *ContentTaskStore) WithTx(tx *sql.Tx) store.ContentTaskStore {
	return &ContentTaskStore{db: tx}
}

// Create persists a new pending task. The partial unique index on file_id
// (uq_active_content_task_file) rejects a second active task per file;
// that violation is surfaced as store.ErrActiveTaskExists.
func (s *ContentTaskStore) Create(ctx context.Context, task *domain.ContentProcessingTask) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	subTasks, err := json.Marshal(task.SubTasks)
	if err != nil {
		return fmt.Errorf("failed to marshal sub task results: %w", err)
	}

	query := `
		INSERT INTO content_processing_tasks (
			id, file_id, library_id, status, priority, timeout_ms,
			timed_out, cancelled, error_message, extraction_status,
			embedding_status, sub_tasks, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = s.db.ExecContext(ctx, query,
		task.ID,
		task.FileID,
		task.LibraryID,
		task.State,
		task.Priority,
		timeoutToMs(task.Timeout),
		task.TimedOut,
		task.Cancelled,
		nullString(task.ErrorMessage),
		task.Extraction,
		task.Embedding,
		subTasks,
		task.CreatedAt.UTC(),
	)
	if err != nil {
		logger.FromContext(ctx).Error("failed to create content processing task",
			"task_id", task.ID,
			"file_id", task.FileID,
			"error", err)
		return MapError(err)
	}
	return nil
}

// GetByID retrieves a task by its ID.
func (s *ContentTaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.ContentProcessingTask, error) {
	query := `SELECT ` + contentTaskColumns + ` FROM content_processing_tasks WHERE id = $1`
	task, err := contentTaskFromRow(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrTaskNotFound
		}
		return nil, MapError(err)
	}
	return task, nil
}

// ClaimPending atomically moves up to limit pending, non-cancelled tasks to
// processing and returns them. FOR UPDATE SKIP LOCKED keeps concurrent
// claimers from receiving the same row. Content processing dispatches in
// FIFO order within the priority band.
func (s *ContentTaskStore) ClaimPending(ctx context.Context, limit int) ([]*domain.ContentProcessingTask, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `
		UPDATE content_processing_tasks
		SET status = $1, started_at = $2
		WHERE id IN (
			SELECT id FROM content_processing_tasks
			WHERE status = $3 AND cancelled = FALSE
			ORDER BY priority DESC, created_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + contentTaskColumns

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

	var tasks []*domain.ContentProcessingTask
	for rows.Next() {
		task, err := contentTaskFromRow(rows)
		if err != nil {
			return nil, MapError(err)
		}
		tasks = append(tasks, task)
	}
	return tasks, MapError(rows.Err())
}

// SaveProgress persists the task's phase columns while it is still
// processing and returns the current cancellation flag. Returns
// store.ErrTaskNotFound if the task has left the processing state, which
// tells the worker it lost ownership.
func (s *ContentTaskStore) SaveProgress(ctx context.Context, task *domain.ContentProcessingTask) (bool, error) {
	subTasks, err := json.Marshal(task.SubTasks)
	if err != nil {
		return false, fmt.Errorf("failed to marshal sub task results: %w", err)
	}

	query := `
		UPDATE content_processing_tasks
		SET extraction_status = $1, extraction_started_at = $2,
		    extraction_finished_at = $3, embedding_status = $4,
		    embedding_started_at = $5, embedding_finished_at = $6,
		    sub_tasks = $7, markdown_file = $8, chunk_count = $9,
		    chunk_size = $10
		WHERE id = $11 AND status = $12
		RETURNING cancelled
	`
	var cancelled bool
	err = s.db.QueryRowContext(ctx, query,
		task.Extraction,
		nullTime(task.ExtractionStartedAt),
		nullTime(task.ExtractionFinishedAt),
		task.Embedding,
		nullTime(task.EmbeddingStartedAt),
		nullTime(task.EmbeddingFinishedAt),
		subTasks,
		nullString(task.MarkdownFile),
		task.ChunkCount,
		task.ChunkSize,
		task.ID,
		domain.TaskStateProcessing,
	).Scan(&cancelled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, store.ErrTaskNotFound
		}
		return false, MapError(err)
	}
	return cancelled, nil
}

// FinishProcessing writes the task's terminal snapshot, guarded by
// status = processing. Returns false if another transition won the race.
func (s *ContentTaskStore) FinishProcessing(ctx context.Context, task *domain.ContentProcessingTask) (bool, error) {
	subTasks, err := json.Marshal(task.SubTasks)
	if err != nil {
		return false, fmt.Errorf("failed to marshal sub task results: %w", err)
	}

	query := `
		UPDATE content_processing_tasks
		SET status = $1, timed_out = $2, cancelled = $3, error_message = $4,
		    extraction_status = $5, extraction_started_at = $6,
		    extraction_finished_at = $7, embedding_status = $8,
		    embedding_started_at = $9, embedding_finished_at = $10,
		    sub_tasks = $11, markdown_file = $12, chunk_count = $13,
		    chunk_size = $14, finished_at = $15, failed_at = $16
		WHERE id = $17 AND status = $18
	`
	result, err := s.db.ExecContext(ctx, query,
		task.State,
		task.TimedOut,
		task.Cancelled,
		nullString(task.ErrorMessage),
		task.Extraction,
		nullTime(task.ExtractionStartedAt),
		nullTime(task.ExtractionFinishedAt),
		task.Embedding,
		nullTime(task.EmbeddingStartedAt),
		nullTime(task.EmbeddingFinishedAt),
		subTasks,
		nullString(task.MarkdownFile),
		task.ChunkCount,
		task.ChunkSize,
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

// CancelPending moves one pending task directly to cancelled.
func (s *ContentTaskStore) CancelPending(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE content_processing_tasks
		SET status = $1, cancelled = TRUE, finished_at = $2,
		    extraction_status = $3, embedding_status = $3
		WHERE id = $4 AND status = $5
	`
	result, err := s.db.ExecContext(ctx, query,
		domain.TaskStateCancelled,
		time.Now().UTC(),
		domain.PhaseStatusSkipped,
		id,
		domain.TaskStatePending,
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

// FlagCancellation sets the cancellation flag on a processing task without
// taking ownership; the owning worker observes it cooperatively.
func (s *ContentTaskStore) FlagCancellation(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE content_processing_tasks
		SET cancelled = TRUE
		WHERE id = $1 AND status = $2
	`
	_, err := s.db.ExecContext(ctx, query, id, domain.TaskStateProcessing)
	return MapError(err)
}

// CancelActive cancels all active tasks in scope: pending tasks transition
// immediately, processing tasks are flagged for cooperative cancellation.
func (s *ContentTaskStore) CancelActive(ctx context.Context, libraryID *uuid.UUID) (int64, error) {
	pendingQuery := `
		UPDATE content_processing_tasks
		SET status = $1, cancelled = TRUE, finished_at = $2,
		    extraction_status = $3, embedding_status = $3
		WHERE status = $4 AND ($5::uuid IS NULL OR library_id = $5)
	`
	pendingResult, err := s.db.ExecContext(ctx, pendingQuery,
		domain.TaskStateCancelled,
		time.Now().UTC(),
		domain.PhaseStatusSkipped,
		domain.TaskStatePending,
		libraryID,
	)
	if err != nil {
		return 0, MapError(err)
	}
	pendingCount, err := pendingResult.RowsAffected()
	if err != nil {
		return 0, MapError(err)
	}

	processingQuery := `
		UPDATE content_processing_tasks
		SET cancelled = TRUE
		WHERE status = $1 AND cancelled = FALSE AND ($2::uuid IS NULL OR library_id = $2)
	`
	processingResult, err := s.db.ExecContext(ctx, processingQuery,
		domain.TaskStateProcessing,
		libraryID,
	)
	if err != nil {
		return 0, MapError(err)
	}
	processingCount, err := processingResult.RowsAffected()
	if err != nil {
		return 0, MapError(err)
	}

	return pendingCount + processingCount, nil
}

// RetryTerminal resets failed and timed-out tasks in scope to pending,
// discarding partial phase results so retried tasks restart from the
// beginning of the extraction phase.
func (s *ContentTaskStore) RetryTerminal(ctx context.Context, libraryID *uuid.UUID) (int64, error) {
	query := `
		UPDATE content_processing_tasks
		SET status = $1, timed_out = FALSE, cancelled = FALSE,
		    error_message = NULL, started_at = NULL, finished_at = NULL,
		    failed_at = NULL, extraction_status = $2,
		    extraction_started_at = NULL, extraction_finished_at = NULL,
		    embedding_status = $2, embedding_started_at = NULL,
		    embedding_finished_at = NULL, sub_tasks = NULL,
		    markdown_file = NULL, chunk_count = 0, chunk_size = 0
		WHERE status IN ($3, $4) AND ($5::uuid IS NULL OR library_id = $5)
	`
	result, err := s.db.ExecContext(ctx, query,
		domain.TaskStatePending,
		domain.PhaseStatusPending,
		domain.TaskStateFailed,
		domain.TaskStateTimedOut,
		libraryID,
	)
	if err != nil {
		return 0, MapError(err)
	}
	affected, err := result.RowsAffected()
	return affected, MapError(err)
}

// DeleteFailed deletes failed and timed-out tasks in scope.
func (s *ContentTaskStore) DeleteFailed(ctx context.Context, libraryID *uuid.UUID) (int64, error) {
	query := `
		DELETE FROM content_processing_tasks
		WHERE status IN ($1, $2) AND ($3::uuid IS NULL OR library_id = $3)
	`
	result, err := s.db.ExecContext(ctx, query,
		domain.TaskStateFailed,
		domain.TaskStateTimedOut,
		libraryID,
	)
	if err != nil {
		return 0, MapError(err)
	}
	affected, err := result.RowsAffected()
	return affected, MapError(err)
}

// DeletePending deletes pending tasks in scope.
func (s *ContentTaskStore) DeletePending(ctx context.Context, libraryID *uuid.UUID) (int64, error) {
	query := `
		DELETE FROM content_processing_tasks
		WHERE status = $1 AND ($2::uuid IS NULL OR library_id = $2)
	`
	result, err := s.db.ExecContext(ctx, query, domain.TaskStatePending, libraryID)
	if err != nil {
		return 0, MapError(err)
	}
	affected, err := result.RowsAffected()
	return affected, MapError(err)
}

// ExpireOverdue moves processing tasks past their deadline to timed_out in
// one compare-and-swap sweep. A worker finishing the same task naturally
// loses or wins against this update atomically; the loser's write is a
// no-op.
func (s *ContentTaskStore) ExpireOverdue(ctx context.Context, now time.Time, defaultTimeout time.Duration) (int64, error) {
	query := `
		UPDATE content_processing_tasks
		SET status = $1, timed_out = TRUE, failed_at = $2,
		    extraction_status = CASE extraction_status
		        WHEN $3 THEN $4
		        WHEN $5 THEN $6
		        ELSE extraction_status END,
		    embedding_status = CASE embedding_status
		        WHEN $3 THEN $4
		        WHEN $5 THEN $6
		        ELSE embedding_status END
		WHERE status = $7
		  AND started_at IS NOT NULL
		  AND (
		    (timeout_ms IS NOT NULL AND started_at + timeout_ms * interval '1 millisecond' < $2)
		    OR (timeout_ms IS NULL AND $8::bigint > 0 AND started_at + $8 * interval '1 millisecond' < $2)
		  )
	`
	result, err := s.db.ExecContext(ctx, query,
		domain.TaskStateTimedOut,
		now.UTC(),
		domain.PhaseStatusRunning,
		domain.PhaseStatusFailed,
		domain.PhaseStatusPending,
		domain.PhaseStatusSkipped,
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
// pending. Partial phase results are discarded: external state written by
// a crashed worker cannot be assumed consistent.
func (s *ContentTaskStore) ResetOrphanedProcessing(ctx context.Context) (int64, error) {
	query := `
		UPDATE content_processing_tasks
		SET status = $1, started_at = NULL, extraction_status = $2,
		    extraction_started_at = NULL, extraction_finished_at = NULL,
		    embedding_status = $2, embedding_started_at = NULL,
		    embedding_finished_at = NULL, sub_tasks = NULL,
		    markdown_file = NULL, chunk_count = 0, chunk_size = 0
		WHERE status = $3
	`
	result, err := s.db.ExecContext(ctx, query,
		domain.TaskStatePending,
		domain.PhaseStatusPending,
		domain.TaskStateProcessing,
	)
	if err != nil {
		return 0, MapError(err)
	}
	affected, err := result.RowsAffected()
	return affected, MapError(err)
}

// Counts returns the live per-state counts. Cancelled tasks count as
// completed work (they carry a finished_at), timed-out tasks count as
// failures.
func (s *ContentTaskStore) Counts(ctx context.Context) (store.QueueCountsResult, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = $1),
			COUNT(*) FILTER (WHERE status = $2),
			COUNT(*) FILTER (WHERE status IN ($3, $4)),
			COUNT(*) FILTER (WHERE status IN ($5, $6)),
			MAX(finished_at) FILTER (WHERE status = $5)
		FROM content_processing_tasks
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

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// contentTaskFromRow scans one task row in contentTaskColumns order.
func contentTaskFromRow(row rowScanner) (*domain.ContentProcessingTask, error) {
	var (
		task         domain.ContentProcessingTask
		timeoutMs    sql.NullInt64
		errorMessage sql.NullString
		subTasks     []byte
		markdownFile sql.NullString
		chunkCount   sql.NullInt64
		chunkSize    sql.NullInt64
		startedAt    sql.NullTime
		extStarted   sql.NullTime
		extFinished  sql.NullTime
		embStarted   sql.NullTime
		embFinished  sql.NullTime
		finishedAt   sql.NullTime
		failedAt     sql.NullTime
	)

	err := row.Scan(
		&task.ID,
		&task.FileID,
		&task.LibraryID,
		&task.State,
		&task.Priority,
		&timeoutMs,
		&task.TimedOut,
		&task.Cancelled,
		&errorMessage,
		&task.Extraction,
		&extStarted,
		&extFinished,
		&task.Embedding,
		&embStarted,
		&embFinished,
		&subTasks,
		&markdownFile,
		&chunkCount,
		&chunkSize,
		&task.CreatedAt,
		&startedAt,
		&finishedAt,
		&failedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Timeout = msToTimeout(timeoutMs)
	task.ErrorMessage = stringVal(errorMessage)
	task.MarkdownFile = stringVal(markdownFile)
	if chunkCount.Valid {
		task.ChunkCount = int(chunkCount.Int64)
	}
	if chunkSize.Valid {
		task.ChunkSize = chunkSize.Int64
	}
	task.CreatedAt = task.CreatedAt.UTC()
	task.StartedAt = timePtr(startedAt)
	task.ExtractionStartedAt = timePtr(extStarted)
	task.ExtractionFinishedAt = timePtr(extFinished)
	task.EmbeddingStartedAt = timePtr(embStarted)
	task.EmbeddingFinishedAt = timePtr(embFinished)
	task.FinishedAt = timePtr(finishedAt)
	task.FailedAt = timePtr(failedAt)

	if len(subTasks) > 0 {
		if err := json.Unmarshal(subTasks, &task.SubTasks); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sub task results: %w", err)
		}
	}

	return &task, nil
}
