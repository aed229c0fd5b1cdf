package queue

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/george-ai/taskqueue/internal/domain"
)

func newTestContentTask(t *testing.T, tasks *memContentStore) *domain.ContentProcessingTask {
	t.Helper()
	task, err := domain.NewContentProcessingTask(uuidNew(), uuidNew(), time.Minute)
	require.NoError(t, err)
	require.NoError(t, tasks.Create(context.Background(), task))
	return task
}

func claimOne(t *testing.T, executor TaskExecutor) TaskRun {
	t.Helper()
	runs, err := executor.ClaimPending(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	return runs[0]
}

func TestContentExecutor_HappyPath(t *testing.T) {
	tasks := newMemContentStore()
	extraction := &fakeExtraction{}
	embedding := &fakeEmbedding{}
	executor := NewContentExecutor(tasks, extraction, embedding, slog.Default())

	task := newTestContentTask(t, tasks)
	run := claimOne(t, executor)
	run.Run(context.Background())

	stored, err := tasks.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateCompleted, stored.State)
	assert.Equal(t, domain.PhaseStatusCompleted, stored.Extraction)
	assert.Equal(t, domain.PhaseStatusCompleted, stored.Embedding)
	assert.Equal(t, "extracted.md", stored.MarkdownFile)
	assert.Equal(t, 12, stored.ChunkCount)
	assert.Equal(t, int64(4096), stored.ChunkSize)
	assert.NotNil(t, stored.FinishedAt)
	assert.Len(t, stored.SubTasks, 1)
	assert.Equal(t, 1, extraction.calls)
	assert.Equal(t, 1, embedding.calls)
}

func TestContentExecutor_ExtractionFailureSkipsEmbedding(t *testing.T) {
	tasks := newMemContentStore()
	extraction := &fakeExtraction{err: errors.New("unsupported mime type")}
	embedding := &fakeEmbedding{}
	executor := NewContentExecutor(tasks, extraction, embedding, slog.Default())

	task := newTestContentTask(t, tasks)
	run := claimOne(t, executor)
	run.Run(context.Background())

	stored, err := tasks.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateFailed, stored.State)
	assert.Equal(t, domain.PhaseStatusFailed, stored.Extraction)
	assert.Equal(t, domain.PhaseStatusSkipped, stored.Embedding)
	assert.Equal(t, "unsupported mime type", stored.ErrorMessage)
	assert.NotNil(t, stored.FailedAt)
	assert.Equal(t, 0, embedding.calls)
}

func TestContentExecutor_EmbeddingFailureFailsTask(t *testing.T) {
	tasks := newMemContentStore()
	executor := NewContentExecutor(tasks, &fakeExtraction{}, &fakeEmbedding{err: errors.New("vector store unavailable")}, slog.Default())

	task := newTestContentTask(t, tasks)
	claimOne(t, executor).Run(context.Background())

	stored, err := tasks.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateFailed, stored.State)
	assert.Equal(t, domain.PhaseStatusCompleted, stored.Extraction)
	assert.Equal(t, domain.PhaseStatusFailed, stored.Embedding)
	assert.Equal(t, "vector store unavailable", stored.ErrorMessage)
}

// A crashed run is failed through the TaskRun failure handler instead of
// lingering in processing until the watchdog sweep.
func TestContentExecutor_FailureHandlerPersistsFailedState(t *testing.T) {
	tasks := newMemContentStore()
	executor := NewContentExecutor(tasks, &fakeExtraction{}, &fakeEmbedding{}, slog.Default())

	task := newTestContentTask(t, tasks)
	run := claimOne(t, executor)
	require.NotNil(t, run.Fail)
	run.Fail(context.Background(), "panic: nil map write")

	stored, err := tasks.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateFailed, stored.State)
	assert.Equal(t, "panic: nil map write", stored.ErrorMessage)
	assert.NotNil(t, stored.FailedAt)
	assert.Equal(t, domain.PhaseStatusSkipped, stored.Extraction)
	assert.Equal(t, domain.PhaseStatusSkipped, stored.Embedding)
}

func TestContentExecutor_CancellationObservedBetweenPhases(t *testing.T) {
	tasks := newMemContentStore()
	extraction := &fakeExtraction{}
	embedding := &fakeEmbedding{}
	executor := NewContentExecutor(tasks, extraction, embedding, slog.Default())

	task := newTestContentTask(t, tasks)
	run := claimOne(t, executor)

	// Flag arrives while the task is claimed but before it runs; the
	// first checkpoint must observe it.
	require.NoError(t, tasks.FlagCancellation(context.Background(), task.ID))
	run.Run(context.Background())

	stored, err := tasks.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateCancelled, stored.State)
	assert.True(t, stored.Cancelled)
	assert.NotNil(t, stored.FinishedAt)
	assert.Equal(t, 0, extraction.calls)
	assert.Equal(t, 0, embedding.calls)
}

func TestContentExecutor_DeadlineBecomesTimedOut(t *testing.T) {
	tasks := newMemContentStore()
	executor := NewContentExecutor(tasks, &fakeExtraction{}, &fakeEmbedding{}, slog.Default())

	task := newTestContentTask(t, tasks)
	run := claimOne(t, executor)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	run.Run(ctx)

	stored, err := tasks.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateTimedOut, stored.State)
	assert.True(t, stored.TimedOut)
	assert.NotNil(t, stored.FailedAt)
}

func TestContentExecutor_LosesRaceToWatchdog(t *testing.T) {
	tasks := newMemContentStore()
	executor := NewContentExecutor(tasks, &fakeExtraction{}, &fakeEmbedding{}, slog.Default())

	task := newTestContentTask(t, tasks)
	run := claimOne(t, executor)

	// Watchdog expires the task before the worker finishes. Backdate the
	// claim so the sweep sees it as overdue.
	stored := tasks.tasks[task.ID]
	past := time.Now().Add(-time.Hour)
	stored.StartedAt = &past
	expired, err := tasks.ExpireOverdue(context.Background(), time.Now(), 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), expired)

	run.Run(context.Background())

	// The watchdog's transition stands; the worker's completion lost.
	final, err := tasks.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateTimedOut, final.State)
	assert.True(t, final.TimedOut)
}
