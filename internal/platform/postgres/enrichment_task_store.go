package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/george-ai/taskqueue/internal/domain"
	"github.com/george-ai/taskqueue/internal/platform/logger"
	"github.com/george-ai/taskqueue/internal/store"
)

const enrichmentTaskColumns = `
	id, list_id, field_id, item_id, status, priority, timeout_ms,
	timed_out, cancelled, error_message, enriched_value, issues,
	created_at, started_at, finished_at, failed_at`

// EnrichmentTaskStore implements store.EnrichmentTaskStore using PostgreSQL.
type EnrichmentTaskStore struct {
	db store.DBTX
}

// NewEnrichmentTaskStore creates a new EnrichmentTaskStore.
func NewEnrichmentTaskStore(db store.DBTX) *EnrichmentTaskStore {
	return &EnrichmentTaskStore{db: db}
}

// Ensure EnrichmentTaskStore implements store.EnrichmentTaskStore interface
var _ store.EnrichmentTaskStore = (*EnrichmentTaskStore)(nil)

// WithTx returns a store bound to the given transaction.
func (s *EnrichmentTaskStore) WithTx(tx *sql.Tx) store.EnrichmentTaskStore {
	return &EnrichmentTaskStore{db: tx}
}

// Create persists a new pending task. The partial unique index on
// (list_id, item_id, field_id) rejects a second active task for the triple.
func (s *EnrichmentTaskStore) Create(ctx context.Context, task *domain.EnrichmentTask) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO enrichment_tasks (
			id, list_id, field_id, item_id, status, priority, timeout_ms,
			timed_out, cancelled, error_message, issues, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.ListID,
		task.FieldID,
		task.ItemID,
		task.State,
		task.Priority,
		timeoutToMs(task.Timeout),
		task.TimedOut,
		task.Cancelled,
		nullString(task.ErrorMessage),
		issuesToColumn(task.Issues),
		task.CreatedAt.UTC(),
	)
	if err != nil {
		logger.FromContext(ctx).Error("failed to create enrichment task",
			"task_id", task.ID,
			"list_id", task.ListID,
			"field_id", task.FieldID,
			"item_id", task.ItemID,
			"error", err)
		return MapError(err)
	}
	return nil
}

// CreateBatch persists many pending tasks in one statement. Triples that
// already carry an active task are skipped via ON CONFLICT DO NOTHING
// against the partial unique index.
func (s *EnrichmentTaskStore) CreateBatch(ctx context.Context, tasks []*domain.EnrichmentTask) (int64, error) {
	if len(tasks) == 0 {
		return 0, nil
	}

	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(`
		INSERT INTO enrichment_tasks (
			id, list_id, field_id, item_id, status, priority, timeout_ms,
			timed_out, cancelled, created_at
		) VALUES `)
	for i, task := range tasks {
		if err := task.Validate(); err != nil {
			return 0, fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 10
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10)
		args = append(args,
			task.ID,
			task.ListID,
			task.FieldID,
			task.ItemID,
			task.State,
			task.Priority,
			timeoutToMs(task.Timeout),
			task.TimedOut,
			task.Cancelled,
			task.CreatedAt.UTC(),
		)
	}
	sb.WriteString(` ON CONFLICT (list_id, item_id, field_id) WHERE status IN ('pending', 'processing') DO NOTHING`)

	result, err := s.db.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, MapError(err)
	}
	affected, err := result.RowsAffected()
	return affected, MapError(err)
}

// GetByID retrieves a task by its ID.
func (s *EnrichmentTaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.EnrichmentTask, error) {
	query := `SELECT ` + enrichmentTaskColumns + ` FROM enrichment_tasks WHERE id = $1`
	task, err := enrichmentTaskFromRow(s.db.QueryRowContext(ctx, query, id))
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
// Tasks whose field has an unresolved context value are skipped at claim
// time, so a gated task never occupies a slot that an eligible lower-ranked
// task could use. The placeholder list mirrors domain.IsMissingValue. Tasks
// whose field row is gone are still claimed; the executor fails them.
func (s *EnrichmentTaskStore) ClaimPending(ctx context.Context, limit int) ([]*domain.EnrichmentTask, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `
		UPDATE enrichment_tasks
		SET status = $1, started_at = $2
		WHERE id IN (
			SELECT t.id FROM enrichment_tasks t
			LEFT JOIN list_fields f ON f.id = t.field_id
			WHERE t.status = $3 AND t.cancelled = FALSE
			AND NOT EXISTS (
				SELECT 1
				FROM unnest(f.context_field_ids) AS ctx(field_id)
				LEFT JOIN list_item_values v
					ON v.file_id = t.item_id AND v.field_id = ctx.field_id
				WHERE v.value IS NULL
					OR lower(btrim(v.value)) IN ('', 'unknown', 'n/a', 'na', 'none', 'null')
			)
			ORDER BY t.priority DESC, t.created_at ASC
			LIMIT $4
			FOR UPDATE OF t SKIP LOCKED
		)
		RETURNING ` + enrichmentTaskColumns

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

	var tasks []*domain.EnrichmentTask
	for rows.Next() {
		task, err := enrichmentTaskFromRow(rows)
		if err != nil {
			return nil, MapError(err)
		}
		tasks = append(tasks, task)
	}
	return tasks, MapError(rows.Err())
}

// Release returns a claimed task to pending without recording a failure.
// The claim's started_at is cleared so the task does not look overdue to
// the watchdog while it waits for its dependencies.
func (s *EnrichmentTaskStore) Release(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE enrichment_tasks
		SET status = $1, started_at = NULL
		WHERE id = $2 AND status = $3
	`
	_, err := s.db.ExecContext(ctx, query,
		domain.TaskStatePending,
		id,
		domain.TaskStateProcessing,
	)
	return MapError(err)
}

// FinishProcessing writes the task's terminal snapshot, guarded by
// status = processing. Returns false if another transition won the race.
func (s *EnrichmentTaskStore) FinishProcessing(ctx context.Context, task *domain.EnrichmentTask) (bool, error) {
	query := `
		UPDATE enrichment_tasks
		SET status = $1, timed_out = $2, cancelled = $3, error_message = $4,
		    enriched_value = $5, issues = $6, finished_at = $7, failed_at = $8
		WHERE id = $9 AND status = $10
	`
	result, err := s.db.ExecContext(ctx, query,
		task.State,
		task.TimedOut,
		task.Cancelled,
		nullString(task.ErrorMessage),
		task.EnrichedValue,
		issuesToColumn(task.Issues),
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

// ListPending returns the pending tasks for a (list, field) pair.
func (s *EnrichmentTaskStore) ListPending(ctx context.Context, listID, fieldID uuid.UUID) ([]*domain.EnrichmentTask, error) {
	query := `
		SELECT ` + enrichmentTaskColumns + `
		FROM enrichment_tasks
		WHERE list_id = $1 AND field_id = $2 AND status = $3
	`
	rows, err := s.db.QueryContext(ctx, query, listID, fieldID, domain.TaskStatePending)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.EnrichmentTask
	for rows.Next() {
		task, err := enrichmentTaskFromRow(rows)
		if err != nil {
			return nil, MapError(err)
		}
		tasks = append(tasks, task)
	}
	return tasks, MapError(rows.Err())
}

// ActiveItemIDs returns the item IDs with an active (pending or processing)
// task for the (list, field) pair.
func (s *EnrichmentTaskStore) ActiveItemIDs(ctx context.Context, listID, fieldID uuid.UUID) (map[uuid.UUID]bool, error) {
	query := `
		SELECT item_id FROM enrichment_tasks
		WHERE list_id = $1 AND field_id = $2 AND status IN ($3, $4)
	`
	rows, err := s.db.QueryContext(ctx, query,
		listID, fieldID, domain.TaskStatePending, domain.TaskStateProcessing)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	active := make(map[uuid.UUID]bool)
	for rows.Next() {
		var itemID uuid.UUID
		if err := rows.Scan(&itemID); err != nil {
			return nil, MapError(err)
		}
		active[itemID] = true
	}
	return active, MapError(rows.Err())
}

// DeletePendingByIDs deletes the given tasks if still pending.
func (s *EnrichmentTaskStore) DeletePendingByIDs(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query := `
		DELETE FROM enrichment_tasks
		WHERE status = $1 AND id = ANY($2::uuid[])
	`
	result, err := s.db.ExecContext(ctx, query, domain.TaskStatePending, uuidArray(ids))
	if err != nil {
		return 0, MapError(err)
	}
	affected, err := result.RowsAffected()
	return affected, MapError(err)
}

// DeletePending deletes pending tasks, optionally scoped by list, field and
// item.
func (s *EnrichmentTaskStore) DeletePending(ctx context.Context, listID, fieldID, itemID *uuid.UUID) (int64, error) {
	query := `
		DELETE FROM enrichment_tasks
		WHERE status = $1
		  AND ($2::uuid IS NULL OR list_id = $2)
		  AND ($3::uuid IS NULL OR field_id = $3)
		  AND ($4::uuid IS NULL OR item_id = $4)
	`
	result, err := s.db.ExecContext(ctx, query, domain.TaskStatePending, listID, fieldID, itemID)
	if err != nil {
		return 0, MapError(err)
	}
	affected, err := result.RowsAffected()
	return affected, MapError(err)
}

// DeleteNonActive deletes pending, failed, timed-out and cancelled tasks in
// scope. Processing tasks are left alone so a running enrichment keeps its
// task row until it finishes.
func (s *EnrichmentTaskStore) DeleteNonActive(ctx context.Context, listID uuid.UUID, fieldID, itemID *uuid.UUID) (int64, error) {
	query := `
		DELETE FROM enrichment_tasks
		WHERE status <> $1 AND list_id = $2
		  AND ($3::uuid IS NULL OR field_id = $3)
		  AND ($4::uuid IS NULL OR item_id = $4)
	`
	result, err := s.db.ExecContext(ctx, query, domain.TaskStateProcessing, listID, fieldID, itemID)
	if err != nil {
		return 0, MapError(err)
	}
	affected, err := result.RowsAffected()
	return affected, MapError(err)
}

// RetryTerminal resets failed and timed-out tasks in scope to pending,
// discarding any partial enrichment result.
func (s *EnrichmentTaskStore) RetryTerminal(ctx context.Context, listID *uuid.UUID) (int64, error) {
	query := `
		UPDATE enrichment_tasks
		SET status = $1, timed_out = FALSE, cancelled = FALSE,
		    error_message = NULL, enriched_value = NULL, issues = NULL,
		    started_at = NULL, finished_at = NULL, failed_at = NULL
		WHERE status IN ($2, $3) AND ($4::uuid IS NULL OR list_id = $4)
	`
	result, err := s.db.ExecContext(ctx, query,
		domain.TaskStatePending,
		domain.TaskStateFailed,
		domain.TaskStateTimedOut,
		listID,
	)
	if err != nil {
		return 0, MapError(err)
	}
	affected, err := result.RowsAffected()
	return affected, MapError(err)
}

// DeleteFailed deletes failed and timed-out tasks in scope.
func (s *EnrichmentTaskStore) DeleteFailed(ctx context.Context, listID *uuid.UUID) (int64, error) {
	query := `
		DELETE FROM enrichment_tasks
		WHERE status IN ($1, $2) AND ($3::uuid IS NULL OR list_id = $3)
	`
	result, err := s.db.ExecContext(ctx, query,
		domain.TaskStateFailed,
		domain.TaskStateTimedOut,
		listID,
	)
	if err != nil {
		return 0, MapError(err)
	}
	affected, err := result.RowsAffected()
	return affected, MapError(err)
}

// ExpireOverdue moves processing tasks past their deadline to timed_out.
func (s *EnrichmentTaskStore) ExpireOverdue(ctx context.Context, now time.Time, defaultTimeout time.Duration) (int64, error) {
	query := `
		UPDATE enrichment_tasks
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
func (s *EnrichmentTaskStore) ResetOrphanedProcessing(ctx context.Context) (int64, error) {
	query := `
		UPDATE enrichment_tasks
		SET status = $1, started_at = NULL, enriched_value = NULL, issues = NULL
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
func (s *EnrichmentTaskStore) Counts(ctx context.Context) (store.QueueCountsResult, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = $1),
			COUNT(*) FILTER (WHERE status = $2),
			COUNT(*) FILTER (WHERE status IN ($3, $4)),
			COUNT(*) FILTER (WHERE status IN ($5, $6)),
			MAX(finished_at) FILTER (WHERE status = $5)
		FROM enrichment_tasks
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

// enrichmentTaskFromRow scans one task row in enrichmentTaskColumns order.
func enrichmentTaskFromRow(row rowScanner) (*domain.EnrichmentTask, error) {
	var (
		task          domain.EnrichmentTask
		timeoutMs     sql.NullInt64
		errorMessage  sql.NullString
		enrichedValue sql.NullString
		issues        sql.NullString
		startedAt     sql.NullTime
		finishedAt    sql.NullTime
		failedAt      sql.NullTime
	)

	err := row.Scan(
		&task.ID,
		&task.ListID,
		&task.FieldID,
		&task.ItemID,
		&task.State,
		&task.Priority,
		&timeoutMs,
		&task.TimedOut,
		&task.Cancelled,
		&errorMessage,
		&enrichedValue,
		&issues,
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
	if enrichedValue.Valid {
		task.EnrichedValue = &enrichedValue.String
	}
	task.Issues = columnToIssues(issues)
	task.CreatedAt = task.CreatedAt.UTC()
	task.StartedAt = timePtr(startedAt)
	task.FinishedAt = timePtr(finishedAt)
	task.FailedAt = timePtr(failedAt)

	return &task, nil
}

// issuesToColumn flattens the issue list to its newline-joined column
// value. Issue texts never contain newlines; the prompt contract asks the
// model for single-line findings.
func issuesToColumn(issues []string) sql.NullString {
	if len(issues) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: strings.Join(issues, "\n"), Valid: true}
}

// columnToIssues splits the newline-joined column value back to a list.
func columnToIssues(col sql.NullString) []string {
	if !col.Valid || col.String == "" {
		return nil
	}
	return strings.Split(col.String, "\n")
}

// uuidArray renders a UUID slice as a PostgreSQL array literal for ANY().
func uuidArray(ids []uuid.UUID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return "{" + strings.Join(parts, ",") + "}"
}
