package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/george-ai/taskqueue/internal/domain"
	"github.com/george-ai/taskqueue/internal/store"
)

// EnrichmentExecutor generates LLM-computed field values for list items.
// The dependency gate — every context field of the target field must hold a
// resolved cached value for the item — is enforced at claim time by the
// store, which skips ineligible tasks in favor of the next eligible one.
// The executor re-checks the gate before generating and releases the task
// back to pending (not failed) if a dependency was lost between claim and
// run.
type EnrichmentExecutor struct {
	tasks  store.EnrichmentTaskStore
	files  store.FileStore
	lists  store.ListStore
	engine EnrichmentEngine
	logger *slog.Logger
}

// NewEnrichmentExecutor creates an executor for the enrichment queue.
func NewEnrichmentExecutor(
	tasks store.EnrichmentTaskStore,
	files store.FileStore,
	lists store.ListStore,
	engine EnrichmentEngine,
	logger *slog.Logger,
) *EnrichmentExecutor {
	return &EnrichmentExecutor{
		tasks:  tasks,
		files:  files,
		lists:  lists,
		engine: engine,
		logger: logger,
	}
}

// Queue returns the queue type this executor serves.
func (e *EnrichmentExecutor) Queue() domain.QueueType {
	return domain.QueueTypeEnrichment
}

// ClaimPending claims up to limit eligible pending tasks and wraps each in
// a TaskRun. The store skips dependency-gated tasks; a task whose
// dependency disappears after claiming is released during the run.
func (e *EnrichmentExecutor) ClaimPending(ctx context.Context, limit int) ([]TaskRun, error) {
	claimed, err := e.tasks.ClaimPending(ctx, limit)
	if err != nil {
		return nil, err
	}

	runs := make([]TaskRun, 0, len(claimed))
	for _, task := range claimed {
		task := task
		runs = append(runs, TaskRun{
			TaskID:  task.ID,
			Timeout: task.Timeout,
			Run: func(ctx context.Context) {
				e.process(ctx, task)
			},
			Fail: func(ctx context.Context, message string) {
				e.fail(ctx, task, e.logger.With("task_id", task.ID), message)
			},
		})
	}
	return runs, nil
}

func (e *EnrichmentExecutor) process(ctx context.Context, task *domain.EnrichmentTask) {
	persistCtx := context.WithoutCancel(ctx)
	log := e.logger.With(
		"task_id", task.ID,
		"list_id", task.ListID,
		"field_id", task.FieldID,
		"item_id", task.ItemID,
	)

	field, err := e.lists.GetField(persistCtx, task.FieldID)
	if err != nil {
		if errors.Is(err, store.ErrFieldNotFound) {
			e.fail(persistCtx, task, log, "field no longer exists")
			return
		}
		e.fail(persistCtx, task, log, "failed to load field: "+err.Error())
		return
	}
	if !field.Enrichable() {
		e.fail(persistCtx, task, log, fmt.Sprintf("field %q is not enrichable", field.Name))
		return
	}

	item, err := e.files.GetByID(persistCtx, task.ItemID)
	if err != nil {
		if errors.Is(err, store.ErrFileNotFound) {
			e.fail(persistCtx, task, log, "item no longer exists")
			return
		}
		e.fail(persistCtx, task, log, "failed to load item: "+err.Error())
		return
	}

	contextValues, gated, err := e.resolveContext(persistCtx, task.ItemID, field)
	if err != nil {
		e.fail(persistCtx, task, log, "failed to resolve context fields: "+err.Error())
		return
	}
	if gated {
		log.Info("context fields unresolved, releasing task back to pending")
		if err := e.tasks.Release(persistCtx, task.ID); err != nil {
			log.Error("failed to release gated task", "error", err)
		}
		return
	}

	result, err := e.engine.Generate(ctx, EnrichmentRequest{
		Prompt:         field.GenerationPrompt,
		FieldName:      field.Name,
		Item:           item,
		ContextValues:  contextValues,
		UseVectorStore: field.UseVectorStore,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			e.expire(persistCtx, task, log)
			return
		}
		log.Warn("enrichment generation failed", "error", err)
		e.fail(persistCtx, task, log, err.Error())
		return
	}

	task.EnrichedValue = &result.Value
	task.Issues = result.Issues
	if err := task.Complete(time.Now()); err != nil {
		log.Error("failed to record task completion", "error", err)
		return
	}
	if !e.finish(persistCtx, task, log) {
		return
	}

	// The value cache is only written by the run that owns the terminal
	// transition, so a timed-out duplicate can never clobber a fresh value.
	if err := e.lists.UpsertValue(persistCtx, &domain.ItemValue{
		FileID:    task.ItemID,
		FieldID:   task.FieldID,
		Value:     &result.Value,
		UpdatedAt: time.Now(),
	}); err != nil {
		log.Error("failed to cache enrichment value", "error", err)
		return
	}
	log.Info("enrichment task completed", "issue_count", len(result.Issues))
}

// resolveContext loads the cached values of the field's context fields.
// Returns gated=true if any context value is missing or a placeholder.
func (e *EnrichmentExecutor) resolveContext(ctx context.Context, itemID uuid.UUID, field *domain.ListField) (map[string]string, bool, error) {
	if len(field.ContextFieldIDs) == 0 {
		return nil, false, nil
	}

	values, err := e.lists.GetValues(ctx, itemID, field.ContextFieldIDs)
	if err != nil {
		return nil, false, err
	}

	resolved := make(map[string]string, len(field.ContextFieldIDs))
	for _, contextFieldID := range field.ContextFieldIDs {
		value, ok := values[contextFieldID]
		if !ok || domain.IsMissingValue(value) {
			return nil, true, nil
		}
		contextField, err := e.lists.GetField(ctx, contextFieldID)
		if err != nil {
			return nil, false, err
		}
		resolved[contextField.Name] = *value
	}
	return resolved, false, nil
}

func (e *EnrichmentExecutor) fail(ctx context.Context, task *domain.EnrichmentTask, log *slog.Logger, message string) {
	if task.State == domain.TaskStateProcessing {
		if err := task.Fail(time.Now(), message); err != nil {
			log.Error("failed to record task failure", "error", err)
			return
		}
	}
	if !e.finish(ctx, task, log) {
		return
	}

	// Record the error in the value cache too, so list views can surface
	// it next to the (stale or absent) value.
	msg := message
	if err := e.lists.UpsertValue(ctx, &domain.ItemValue{
		FileID:       task.ItemID,
		FieldID:      task.FieldID,
		ErrorMessage: &msg,
		UpdatedAt:    time.Now(),
	}); err != nil {
		log.Error("failed to cache enrichment error", "error", err)
	}
}

func (e *EnrichmentExecutor) expire(ctx context.Context, task *domain.EnrichmentTask, log *slog.Logger) {
	log.Warn("task deadline exceeded")
	if err := task.Expire(time.Now()); err != nil {
		log.Error("failed to record task timeout", "error", err)
		return
	}
	e.finish(ctx, task, log)
}

// finish persists the terminal snapshot. Returns true if this run owned
// the transition.
func (e *EnrichmentExecutor) finish(ctx context.Context, task *domain.EnrichmentTask, log *slog.Logger) bool {
	won, err := e.tasks.FinishProcessing(ctx, task)
	if err != nil {
		log.Error("failed to persist terminal task state",
			"state", task.State,
			"error", err)
		return false
	}
	if !won {
		log.Warn("task already transitioned elsewhere, result discarded",
			"state", task.State)
	}
	return won
}
