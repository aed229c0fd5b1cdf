package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/george-ai/taskqueue/internal/domain"
	"github.com/george-ai/taskqueue/internal/events"
	"github.com/george-ai/taskqueue/internal/store"
)

// Scheduler is the orchestration facade over the queue system: it owns the
// per-queue workers and the watchdog, creates tasks, and serves the
// mutation and status surface the API layer exposes.
type Scheduler struct {
	transactor      store.Transactor
	contentTasks    store.ContentTaskStore
	enrichmentTasks store.EnrichmentTaskStore
	automationTasks store.AutomationTaskStore
	files           store.FileStore
	lists           store.ListStore

	workers  map[domain.QueueType]*Worker
	watchdog *Watchdog
	emitter  events.EventEmitter

	defaultTimeout time.Duration
	logger         *slog.Logger
}

// SchedulerParams collects the scheduler's dependencies.
type SchedulerParams struct {
	Transactor      store.Transactor
	ContentTasks    store.ContentTaskStore
	EnrichmentTasks store.EnrichmentTaskStore
	AutomationTasks store.AutomationTaskStore
	Files           store.FileStore
	Lists           store.ListStore
	Workers         map[domain.QueueType]*Worker
	Watchdog        *Watchdog
	Emitter         events.EventEmitter
	DefaultTimeout  time.Duration
	Logger          *slog.Logger
}

// NewScheduler wires up a scheduler. Workers must cover every queue type
// in domain.AllQueueTypes.
func NewScheduler(params SchedulerParams) (*Scheduler, error) {
	for _, queueType := range domain.AllQueueTypes {
		if _, ok := params.Workers[queueType]; !ok {
			return nil, fmt.Errorf("missing worker for queue type %q", queueType)
		}
	}
	return &Scheduler{
		transactor:      params.Transactor,
		contentTasks:    params.ContentTasks,
		enrichmentTasks: params.EnrichmentTasks,
		automationTasks: params.AutomationTasks,
		files:           params.Files,
		lists:           params.Lists,
		workers:         params.Workers,
		watchdog:        params.Watchdog,
		emitter:         params.Emitter,
		defaultTimeout:  params.DefaultTimeout,
		logger:          params.Logger,
	}, nil
}

// RecoverOrphanedTasks resets processing tasks left behind by a previous
// run to pending. Called once at startup, before any worker starts.
func (s *Scheduler) RecoverOrphanedTasks(ctx context.Context) error {
	resets := []struct {
		queueType domain.QueueType
		reset     func(context.Context) (int64, error)
	}{
		{domain.QueueTypeContentProcessing, s.contentTasks.ResetOrphanedProcessing},
		{domain.QueueTypeEnrichment, s.enrichmentTasks.ResetOrphanedProcessing},
		{domain.QueueTypeAutomation, s.automationTasks.ResetOrphanedProcessing},
	}

	for _, r := range resets {
		count, err := r.reset(ctx)
		if err != nil {
			return fmt.Errorf("failed to recover orphaned %s tasks: %w", r.queueType, err)
		}
		if count > 0 {
			s.logger.Warn("reset orphaned processing tasks to pending",
				"queue_type", r.queueType,
				"reset_count", count)
		}
	}
	return nil
}

// StartQueueWorker starts the worker for one queue type.
func (s *Scheduler) StartQueueWorker(ctx context.Context, queueType domain.QueueType) (OperationResult, error) {
	worker, err := s.worker(queueType)
	if err != nil {
		return OperationResult{}, err
	}
	if worker.IsRunning() {
		return OperationResult{Success: true, Message: fmt.Sprintf("%s worker already running", queueType)}, nil
	}
	worker.Start()
	s.emit(ctx, events.EventQueueStarted, queueType, nil)
	return OperationResult{Success: true, Message: fmt.Sprintf("%s worker started", queueType)}, nil
}

// StopQueueWorker stops the worker for one queue type. In-flight tasks
// drain naturally.
func (s *Scheduler) StopQueueWorker(ctx context.Context, queueType domain.QueueType) (OperationResult, error) {
	worker, err := s.worker(queueType)
	if err != nil {
		return OperationResult{}, err
	}
	if !worker.IsRunning() {
		return OperationResult{Success: true, Message: fmt.Sprintf("%s worker already stopped", queueType)}, nil
	}
	worker.Stop()
	s.emit(ctx, events.EventQueueStopped, queueType, nil)
	return OperationResult{Success: true, Message: fmt.Sprintf("%s worker stopped", queueType)}, nil
}

// StartAllQueueWorkers starts every worker and the watchdog. There is no
// atomicity across queues; each worker starts independently.
func (s *Scheduler) StartAllQueueWorkers(ctx context.Context) (OperationResult, error) {
	var started []string
	for _, queueType := range domain.AllQueueTypes {
		result, err := s.StartQueueWorker(ctx, queueType)
		if err != nil {
			return OperationResult{}, err
		}
		started = append(started, result.Message)
	}
	if s.watchdog != nil {
		s.watchdog.Start()
	}
	return OperationResult{Success: true, Message: strings.Join(started, "; ")}, nil
}

// StopAllQueueWorkers stops every worker and the watchdog.
func (s *Scheduler) StopAllQueueWorkers(ctx context.Context) (OperationResult, error) {
	var stopped []string
	for _, queueType := range domain.AllQueueTypes {
		result, err := s.StopQueueWorker(ctx, queueType)
		if err != nil {
			return OperationResult{}, err
		}
		stopped = append(stopped, result.Message)
	}
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	return OperationResult{Success: true, Message: strings.Join(stopped, "; ")}, nil
}

// RetryFailedTasks resets failed and timed-out tasks of one queue back to
// pending. Partial results are discarded; retried tasks restart from the
// beginning. The optional scope narrows content tasks by library and
// enrichment tasks by list.
func (s *Scheduler) RetryFailedTasks(ctx context.Context, queueType domain.QueueType, scopeID *uuid.UUID) (OperationResult, error) {
	var (
		count int64
		err   error
	)
	switch queueType {
	case domain.QueueTypeContentProcessing:
		count, err = s.contentTasks.RetryTerminal(ctx, scopeID)
	case domain.QueueTypeEnrichment:
		count, err = s.enrichmentTasks.RetryTerminal(ctx, scopeID)
	case domain.QueueTypeAutomation:
		count, err = s.automationTasks.RetryTerminal(ctx)
	default:
		return OperationResult{}, fmt.Errorf("%w: %q", domain.ErrInvalidQueueType, queueType)
	}
	if err != nil {
		return OperationResult{}, fmt.Errorf("failed to retry %s tasks: %w", queueType, err)
	}

	s.logger.Info("retried failed tasks", "queue_type", queueType, "retried_count", count)
	s.emit(ctx, events.EventTasksRetried, queueType, map[string]any{"count": count})
	return OperationResult{
		Success:       true,
		Message:       fmt.Sprintf("retried %d failed %s tasks", count, queueType),
		AffectedCount: count,
	}, nil
}

// ClearFailedTasks deletes failed and timed-out tasks of one queue.
func (s *Scheduler) ClearFailedTasks(ctx context.Context, queueType domain.QueueType, scopeID *uuid.UUID) (OperationResult, error) {
	var (
		count int64
		err   error
	)
	switch queueType {
	case domain.QueueTypeContentProcessing:
		count, err = s.contentTasks.DeleteFailed(ctx, scopeID)
	case domain.QueueTypeEnrichment:
		count, err = s.enrichmentTasks.DeleteFailed(ctx, scopeID)
	case domain.QueueTypeAutomation:
		count, err = s.automationTasks.DeleteFailed(ctx)
	default:
		return OperationResult{}, fmt.Errorf("%w: %q", domain.ErrInvalidQueueType, queueType)
	}
	if err != nil {
		return OperationResult{}, fmt.Errorf("failed to clear failed %s tasks: %w", queueType, err)
	}

	s.logger.Info("cleared failed tasks", "queue_type", queueType, "deleted_count", count)
	return OperationResult{
		Success:       true,
		Message:       fmt.Sprintf("cleared %d failed %s tasks", count, queueType),
		AffectedCount: count,
	}, nil
}

// ClearPendingTasks deletes pending tasks of one queue. Processing tasks
// are never touched.
func (s *Scheduler) ClearPendingTasks(ctx context.Context, queueType domain.QueueType, scopeID *uuid.UUID) (OperationResult, error) {
	var (
		count int64
		err   error
	)
	switch queueType {
	case domain.QueueTypeContentProcessing:
		count, err = s.contentTasks.DeletePending(ctx, scopeID)
	case domain.QueueTypeEnrichment:
		count, err = s.enrichmentTasks.DeletePending(ctx, scopeID, nil, nil)
	case domain.QueueTypeAutomation:
		count, err = s.automationTasks.DeletePending(ctx)
	default:
		return OperationResult{}, fmt.Errorf("%w: %q", domain.ErrInvalidQueueType, queueType)
	}
	if err != nil {
		return OperationResult{}, fmt.Errorf("failed to clear pending %s tasks: %w", queueType, err)
	}

	s.logger.Info("cleared pending tasks", "queue_type", queueType, "deleted_count", count)
	return OperationResult{
		Success:       true,
		Message:       fmt.Sprintf("cleared %d pending %s tasks", count, queueType),
		AffectedCount: count,
	}, nil
}

// CancelProcessingTask requests cancellation of one content processing
// task. Pending tasks are cancelled synchronously; processing tasks only
// have their flag set and finish cooperatively; terminal tasks are an
// idempotent no-op. The fileID must match the task's file.
func (s *Scheduler) CancelProcessingTask(ctx context.Context, taskID, fileID uuid.UUID) (OperationResult, error) {
	task, err := s.contentTasks.GetByID(ctx, taskID)
	if err != nil {
		return OperationResult{}, err
	}
	if task.FileID != fileID {
		return OperationResult{}, fmt.Errorf("%w: task %s does not belong to file %s", domain.ErrValidation, taskID, fileID)
	}

	switch {
	case task.State.Terminal():
		return OperationResult{
			Success: true,
			Message: fmt.Sprintf("task already %s, nothing to cancel", task.State),
		}, nil
	case task.State == domain.TaskStatePending:
		cancelled, err := s.contentTasks.CancelPending(ctx, taskID)
		if err != nil {
			return OperationResult{}, err
		}
		if !cancelled {
			// Claimed between the read and the cancel; fall through to
			// the cooperative path.
			if err := s.contentTasks.FlagCancellation(ctx, taskID); err != nil {
				return OperationResult{}, err
			}
			return OperationResult{Success: true, Message: "cancellation requested", AffectedCount: 1}, nil
		}
		s.emit(ctx, events.EventTaskCancelled, domain.QueueTypeContentProcessing, map[string]any{"task_id": taskID})
		return OperationResult{Success: true, Message: "pending task cancelled", AffectedCount: 1}, nil
	default:
		if err := s.contentTasks.FlagCancellation(ctx, taskID); err != nil {
			return OperationResult{}, err
		}
		s.emit(ctx, events.EventTaskCancelled, domain.QueueTypeContentProcessing, map[string]any{"task_id": taskID})
		return OperationResult{Success: true, Message: "cancellation requested", AffectedCount: 1}, nil
	}
}

// CancelContentProcessingTasks cancels all active content tasks, optionally
// scoped to one library.
func (s *Scheduler) CancelContentProcessingTasks(ctx context.Context, libraryID *uuid.UUID) (OperationResult, error) {
	count, err := s.contentTasks.CancelActive(ctx, libraryID)
	if err != nil {
		return OperationResult{}, fmt.Errorf("failed to cancel content tasks: %w", err)
	}

	s.logger.Info("cancelled active content tasks", "cancelled_count", count)
	return OperationResult{
		Success:       true,
		Message:       fmt.Sprintf("cancelled %d content processing tasks", count),
		AffectedCount: count,
	}, nil
}

// CreateContentProcessingTask creates a pending task for one file. Returns
// store.ErrActiveTaskExists if the file already has an active task.
func (s *Scheduler) CreateContentProcessingTask(ctx context.Context, fileID uuid.UUID) (*domain.ContentProcessingTask, error) {
	file, err := s.files.GetByID(ctx, fileID)
	if err != nil {
		return nil, err
	}

	task, err := domain.NewContentProcessingTask(file.ID, file.LibraryID, s.defaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if err := s.contentTasks.Create(ctx, task); err != nil {
		return nil, err
	}

	s.logger.Info("created content processing task",
		"task_id", task.ID,
		"file_id", fileID)
	s.emit(ctx, events.EventTaskCreated, domain.QueueTypeContentProcessing, map[string]any{
		"task_id": task.ID,
		"file_id": fileID,
	})
	return task, nil
}

// CreateMissingContentExtractionTasks backfills tasks for every file of a
// library that has none at all. Files with an existing task in any state
// are left alone, which makes the operation idempotent.
func (s *Scheduler) CreateMissingContentExtractionTasks(ctx context.Context, libraryID uuid.UUID) (OperationResult, error) {
	missing, err := s.files.MissingExtractionTask(ctx, libraryID)
	if err != nil {
		return OperationResult{}, fmt.Errorf("failed to find files without tasks: %w", err)
	}

	var created int64
	for _, file := range missing {
		task, err := domain.NewContentProcessingTask(file.ID, file.LibraryID, s.defaultTimeout)
		if err != nil {
			return OperationResult{}, fmt.Errorf("%w: %v", domain.ErrValidation, err)
		}
		if err := s.contentTasks.Create(ctx, task); err != nil {
			if errors.Is(err, store.ErrActiveTaskExists) {
				continue
			}
			return OperationResult{}, err
		}
		created++
	}

	if created > 0 {
		s.logger.Info("backfilled content processing tasks",
			"library_id", libraryID,
			"created_count", created)
	}
	return OperationResult{
		Success:       true,
		Message:       fmt.Sprintf("created %d content processing tasks", created),
		AffectedCount: created,
	}, nil
}

// EnrichmentTaskSetRequest describes one reconciliation run: which field
// to enrich, optionally narrowed to one item, filtered by predicates over
// cached values, or restricted to items whose current value is missing.
type EnrichmentTaskSetRequest struct {
	ListID            uuid.UUID
	FieldID           uuid.UUID
	ItemID            *uuid.UUID
	Filters           []domain.FieldFilter
	OnlyMissingValues bool
	Priority          int
}

// CreateEnrichmentTasks reconciles the pending task set of one (list,
// field) pair with the requested target item set: it creates tasks for
// items that need one, removes stale pending tasks for items that fell out
// of the target set, and cleans up cached values of archived items.
// Cleanup and creation run in one transaction.
func (s *Scheduler) CreateEnrichmentTasks(ctx context.Context, req EnrichmentTaskSetRequest) (EnrichmentTaskSetResult, error) {
	field, err := s.lists.GetField(ctx, req.FieldID)
	if err != nil {
		return EnrichmentTaskSetResult{}, err
	}
	if field.ListID != req.ListID {
		return EnrichmentTaskSetResult{}, fmt.Errorf("%w: field %s does not belong to list %s", domain.ErrValidation, req.FieldID, req.ListID)
	}
	if !field.Enrichable() {
		return EnrichmentTaskSetResult{}, fmt.Errorf("%w: field %q is not enrichable", domain.ErrValidation, field.Name)
	}

	items, err := s.lists.ResolveItems(ctx, req.ListID, req.ItemID, req.Filters)
	if err != nil {
		return EnrichmentTaskSetResult{}, err
	}

	if req.OnlyMissingValues {
		var narrowed []*domain.LibraryFile
		for _, item := range items {
			cached, err := s.lists.GetValue(ctx, item.ID, req.FieldID)
			if err != nil {
				return EnrichmentTaskSetResult{}, err
			}
			if cached == nil || domain.IsMissingValue(cached.Value) {
				narrowed = append(narrowed, item)
			}
		}
		items = narrowed
	}

	targetItems := make(map[uuid.UUID]bool, len(items))
	for _, item := range items {
		targetItems[item.ID] = true
	}

	var result EnrichmentTaskSetResult
	err = s.transactor.RunInTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		taskStore := s.enrichmentTasks.WithTx(tx)
		listStore := s.lists.WithTx(tx)

		// Full reconciliation only: a single-item run must not disturb
		// tasks for the rest of the list.
		if req.ItemID == nil {
			pending, err := taskStore.ListPending(ctx, req.ListID, req.FieldID)
			if err != nil {
				return err
			}
			var stale []uuid.UUID
			for _, task := range pending {
				if !targetItems[task.ItemID] {
					stale = append(stale, task.ID)
				}
			}
			result.CleanedUpTasksCount, err = taskStore.DeletePendingByIDs(ctx, stale)
			if err != nil {
				return err
			}

			result.CleanedUpEnrichmentsCount, err = listStore.DeleteOrphanValues(ctx, req.ListID, req.FieldID)
			if err != nil {
				return err
			}
		}

		active, err := taskStore.ActiveItemIDs(ctx, req.ListID, req.FieldID)
		if err != nil {
			return err
		}

		var newTasks []*domain.EnrichmentTask
		for _, item := range items {
			if active[item.ID] {
				continue
			}
			task, err := domain.NewEnrichmentTask(req.ListID, req.FieldID, item.ID, req.Priority, s.defaultTimeout)
			if err != nil {
				return fmt.Errorf("%w: %v", domain.ErrValidation, err)
			}
			newTasks = append(newTasks, task)
		}

		result.CreatedTasksCount, err = taskStore.CreateBatch(ctx, newTasks)
		return err
	})
	if err != nil {
		return EnrichmentTaskSetResult{}, err
	}

	result.Success = true
	result.Message = fmt.Sprintf("created %d tasks, removed %d stale tasks, cleaned %d orphaned values",
		result.CreatedTasksCount, result.CleanedUpTasksCount, result.CleanedUpEnrichmentsCount)
	s.logger.Info("reconciled enrichment task set",
		"list_id", req.ListID,
		"field_id", req.FieldID,
		"created_count", result.CreatedTasksCount,
		"cleaned_tasks_count", result.CleanedUpTasksCount,
		"cleaned_values_count", result.CleanedUpEnrichmentsCount)
	s.emit(ctx, events.EventTaskCreated, domain.QueueTypeEnrichment, map[string]any{
		"list_id":       req.ListID,
		"field_id":      req.FieldID,
		"created_count": result.CreatedTasksCount,
	})
	return result, nil
}

// DeletePendingEnrichmentTasks removes pending enrichment tasks scoped by
// list and optionally field and item.
func (s *Scheduler) DeletePendingEnrichmentTasks(ctx context.Context, listID uuid.UUID, fieldID, itemID *uuid.UUID) (OperationResult, error) {
	count, err := s.enrichmentTasks.DeletePending(ctx, &listID, fieldID, itemID)
	if err != nil {
		return OperationResult{}, fmt.Errorf("failed to delete pending enrichment tasks: %w", err)
	}
	return OperationResult{
		Success:       true,
		Message:       fmt.Sprintf("deleted %d pending enrichment tasks", count),
		AffectedCount: count,
	}, nil
}

// ClearListEnrichments deletes cached enrichment values and their
// non-active tasks for a list, optionally narrowed to one field and/or
// item. Processing tasks keep running; their eventual result re-populates
// the cache.
func (s *Scheduler) ClearListEnrichments(ctx context.Context, listID uuid.UUID, fieldID, itemID *uuid.UUID) (OperationResult, error) {
	var deletedValues int64
	err := s.transactor.RunInTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		deletedValues, err = s.lists.WithTx(tx).DeleteValues(ctx, listID, fieldID, itemID)
		if err != nil {
			return err
		}
		_, err = s.enrichmentTasks.WithTx(tx).DeleteNonActive(ctx, listID, fieldID, itemID)
		return err
	})
	if err != nil {
		return OperationResult{}, fmt.Errorf("failed to clear list enrichments: %w", err)
	}

	s.logger.Info("cleared list enrichments",
		"list_id", listID,
		"deleted_values_count", deletedValues)
	return OperationResult{
		Success:       true,
		Message:       fmt.Sprintf("cleared %d enrichment values", deletedValues),
		AffectedCount: deletedValues,
	}, nil
}

// GetQueueSystemStatus returns the live system aggregate. Counts come from
// the task tables on every call; nothing here is cached.
func (s *Scheduler) GetQueueSystemStatus(ctx context.Context) (*domain.QueueSystemStatus, error) {
	counts := map[domain.QueueType]func(context.Context) (store.QueueCountsResult, error){
		domain.QueueTypeContentProcessing: s.contentTasks.Counts,
		domain.QueueTypeEnrichment:        s.enrichmentTasks.Counts,
		domain.QueueTypeAutomation:        s.automationTasks.Counts,
	}

	status := &domain.QueueSystemStatus{
		AllWorkersRunning: true,
		LastUpdated:       time.Now().UTC(),
	}
	for _, queueType := range domain.AllQueueTypes {
		result, err := counts[queueType](ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count %s tasks: %w", queueType, err)
		}

		running := s.workers[queueType].IsRunning()
		if !running {
			status.AllWorkersRunning = false
		}
		status.TotalPendingTasks += result.Counts.Pending
		status.TotalProcessingTasks += result.Counts.Processing
		status.TotalFailedTasks += result.Counts.Failed
		status.Queues = append(status.Queues, domain.QueueStatus{
			QueueType:       queueType,
			IsRunning:       running,
			QueueCounts:     result.Counts,
			LastProcessedAt: result.LastProcessedAt,
		})
	}
	return status, nil
}

// Shutdown stops everything and waits for in-flight tasks to drain.
func (s *Scheduler) Shutdown(ctx context.Context) {
	if _, err := s.StopAllQueueWorkers(ctx); err != nil {
		s.logger.Error("failed to stop queue workers", "error", err)
	}
	for _, worker := range s.workers {
		worker.Drain()
	}
}

func (s *Scheduler) worker(queueType domain.QueueType) (*Worker, error) {
	worker, ok := s.workers[queueType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidQueueType, queueType)
	}
	return worker, nil
}

// emit publishes a queue lifecycle event. Emission failures are logged and
// swallowed: events are advisory, never part of an operation's contract.
func (s *Scheduler) emit(ctx context.Context, eventType events.EventType, queueType domain.QueueType, payload map[string]any) {
	if s.emitter == nil {
		return
	}
	event, err := events.NewQueueEvent(eventType, queueType, payload)
	if err != nil {
		s.logger.Error("failed to build queue event", "event_type", eventType, "error", err)
		return
	}
	if err := s.emitter.EmitEvent(ctx, event); err != nil {
		s.logger.Error("failed to emit queue event", "event_type", eventType, "error", err)
	}
}
