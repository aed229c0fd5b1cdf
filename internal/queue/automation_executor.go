package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/george-ai/taskqueue/internal/domain"
	"github.com/george-ai/taskqueue/internal/store"
)

// AutomationExecutor runs connector actions for automation tasks.
type AutomationExecutor struct {
	tasks     store.AutomationTaskStore
	connector ConnectorExecutor
	logger    *slog.Logger
}

// NewAutomationExecutor creates an executor for the automation queue.
func NewAutomationExecutor(
	tasks store.AutomationTaskStore,
	connector ConnectorExecutor,
	logger *slog.Logger,
) *AutomationExecutor {
	return &AutomationExecutor{
		tasks:     tasks,
		connector: connector,
		logger:    logger,
	}
}

// Queue returns the queue type this executor serves.
func (e *AutomationExecutor) Queue() domain.QueueType {
	return domain.QueueTypeAutomation
}

// ClaimPending claims up to limit pending tasks and wraps each in a
// TaskRun.
func (e *AutomationExecutor) ClaimPending(ctx context.Context, limit int) ([]TaskRun, error) {
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

func (e *AutomationExecutor) process(ctx context.Context, task *domain.AutomationTask) {
	persistCtx := context.WithoutCancel(ctx)
	log := e.logger.With(
		"task_id", task.ID,
		"automation_id", task.AutomationID,
		"item_id", task.ItemID,
		"action", task.Action,
	)

	result, err := e.connector.Execute(ctx, ConnectorRequest{
		Action: task.Action,
		Config: task.Config,
		ItemID: task.ItemID,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			log.Warn("task deadline exceeded")
			if eerr := task.Expire(time.Now()); eerr != nil {
				log.Error("failed to record task timeout", "error", eerr)
				return
			}
			e.finish(persistCtx, task, log)
			return
		}
		log.Warn("connector action failed", "error", err)
		if ferr := task.Fail(time.Now(), err.Error()); ferr != nil {
			log.Error("failed to record task failure", "error", ferr)
			return
		}
		e.finish(persistCtx, task, log)
		return
	}

	task.Result = result
	if err := task.Complete(time.Now()); err != nil {
		log.Error("failed to record task completion", "error", err)
		return
	}
	e.finish(persistCtx, task, log)
	log.Info("automation task completed")
}

func (e *AutomationExecutor) fail(ctx context.Context, task *domain.AutomationTask, log *slog.Logger, message string) {
	if task.State == domain.TaskStateProcessing {
		if err := task.Fail(time.Now(), message); err != nil {
			log.Error("failed to record task failure", "error", err)
			return
		}
	}
	e.finish(ctx, task, log)
}

func (e *AutomationExecutor) finish(ctx context.Context, task *domain.AutomationTask, log *slog.Logger) {
	won, err := e.tasks.FinishProcessing(ctx, task)
	if err != nil {
		log.Error("failed to persist terminal task state",
			"state", task.State,
			"error", err)
		return
	}
	if !won {
		log.Warn("task already transitioned elsewhere, result discarded",
			"state", task.State)
	}
}
