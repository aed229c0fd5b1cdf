package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/george-ai/taskqueue/internal/domain"
	"github.com/george-ai/taskqueue/internal/store"
)

// ContentExecutor drives content processing tasks through their two
// phases: extraction then embedding. Extraction failure forces the
// embedding phase to skipped and fails the task.
type ContentExecutor struct {
	tasks      store.ContentTaskStore
	extraction ExtractionEngine
	embedding  EmbeddingEngine
	logger     *slog.Logger
}

// NewContentExecutor creates an executor for the content processing queue.
func NewContentExecutor(
	tasks store.ContentTaskStore,
	extraction ExtractionEngine,
	embedding EmbeddingEngine,
	logger *slog.Logger,
) *ContentExecutor {
	return &ContentExecutor{
		tasks:      tasks,
		extraction: extraction,
		embedding:  embedding,
		logger:     logger,
	}
}

// Queue returns the queue type this executor serves.
func (e *ContentExecutor) Queue() domain.QueueType {
	return domain.QueueTypeContentProcessing
}

// ClaimPending claims up to limit pending tasks and wraps each in a
// TaskRun.
func (e *ContentExecutor) ClaimPending(ctx context.Context, limit int) ([]TaskRun, error) {
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
				e.fail(ctx, task, e.logger.With("task_id", task.ID, "file_id", task.FileID), message)
			},
		})
	}
	return runs, nil
}

// process runs one claimed task to a terminal state. Store writes use a
// context detached from the task deadline so terminal states are still
// recorded after a timeout fires.
func (e *ContentExecutor) process(ctx context.Context, task *domain.ContentProcessingTask) {
	persistCtx := context.WithoutCancel(ctx)
	log := e.logger.With("task_id", task.ID, "file_id", task.FileID)

	log.Info("processing content task")

	// Extraction phase.
	if err := task.StartExtraction(time.Now()); err != nil {
		log.Error("cannot start extraction phase", "error", err)
		e.fail(persistCtx, task, log, "invalid task state: "+err.Error())
		return
	}
	if e.checkpoint(persistCtx, task, log) {
		return
	}

	extracted, err := e.extraction.Extract(ctx, ExtractionRequest{
		FileID:    task.FileID,
		LibraryID: task.LibraryID,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			e.expire(persistCtx, task, log)
			return
		}
		log.Warn("extraction failed", "error", err)
		if ferr := task.FailExtraction(time.Now(), err.Error()); ferr != nil {
			log.Error("failed to record extraction failure", "error", ferr)
		}
		e.finish(persistCtx, task, log)
		return
	}
	if err := task.FinishExtraction(time.Now(), extracted.MarkdownFile, extracted.SubTasks); err != nil {
		log.Error("failed to finish extraction phase", "error", err)
		e.fail(persistCtx, task, log, "invalid task state: "+err.Error())
		return
	}
	if e.checkpoint(persistCtx, task, log) {
		return
	}

	// Embedding phase.
	if err := task.StartEmbedding(time.Now()); err != nil {
		log.Error("cannot start embedding phase", "error", err)
		e.fail(persistCtx, task, log, "invalid task state: "+err.Error())
		return
	}
	if e.checkpoint(persistCtx, task, log) {
		return
	}

	embedded, err := e.embedding.Embed(ctx, EmbeddingRequest{
		FileID:       task.FileID,
		LibraryID:    task.LibraryID,
		MarkdownFile: task.MarkdownFile,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			e.expire(persistCtx, task, log)
			return
		}
		log.Warn("embedding failed", "error", err)
		if ferr := task.FailEmbedding(time.Now(), err.Error()); ferr != nil {
			log.Error("failed to record embedding failure", "error", ferr)
		}
		e.finish(persistCtx, task, log)
		return
	}
	if err := task.FinishEmbedding(time.Now(), embedded.ChunkCount, embedded.ChunkSize); err != nil {
		log.Error("failed to finish embedding phase", "error", err)
		e.fail(persistCtx, task, log, "invalid task state: "+err.Error())
		return
	}

	e.finish(persistCtx, task, log)
	log.Info("content task completed",
		"chunk_count", embedded.ChunkCount,
		"chunk_size", embedded.ChunkSize)
}

// checkpoint saves the task's phase progress and observes the cooperative
// cancellation flag. Returns true if the task ended here.
func (e *ContentExecutor) checkpoint(ctx context.Context, task *domain.ContentProcessingTask, log *slog.Logger) bool {
	cancelled, err := e.tasks.SaveProgress(ctx, task)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			// The task left the processing state under us: the watchdog
			// expired it, or a bulk operation removed it. Ownership lost.
			log.Warn("task no longer processing, abandoning run")
			return true
		}
		log.Error("failed to save task progress", "error", err)
		e.fail(ctx, task, log, "persistence failure: "+err.Error())
		return true
	}
	if !cancelled {
		return false
	}

	log.Info("cancellation observed, discarding partial output")
	task.AbortPhases(time.Now())
	if err := task.ObserveCancellation(time.Now()); err != nil {
		log.Error("failed to record cancellation", "error", err)
		return true
	}
	e.finish(ctx, task, log)
	return true
}

func (e *ContentExecutor) fail(ctx context.Context, task *domain.ContentProcessingTask, log *slog.Logger, message string) {
	task.AbortPhases(time.Now())
	if task.State == domain.TaskStateProcessing {
		if err := task.Fail(time.Now(), message); err != nil {
			log.Error("failed to record task failure", "error", err)
			return
		}
	}
	e.finish(ctx, task, log)
}

func (e *ContentExecutor) expire(ctx context.Context, task *domain.ContentProcessingTask, log *slog.Logger) {
	log.Warn("task deadline exceeded")
	task.AbortPhases(time.Now())
	if err := task.Expire(time.Now()); err != nil {
		log.Error("failed to record task timeout", "error", err)
		return
	}
	e.finish(ctx, task, log)
}

func (e *ContentExecutor) finish(ctx context.Context, task *domain.ContentProcessingTask, log *slog.Logger) {
	won, err := e.tasks.FinishProcessing(ctx, task)
	if err != nil {
		log.Error("failed to persist terminal task state",
			"state", task.State,
			"error", err)
		return
	}
	if !won {
		// Another transition (watchdog timeout, bulk cancel) committed
		// first; its result stands.
		log.Warn("task already transitioned elsewhere, result discarded",
			"state", task.State)
	}
}
