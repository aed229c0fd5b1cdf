package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/george-ai/taskqueue/internal/domain"
)

// TaskRun is one claimed task ready to execute. Run owns the task's full
// lifecycle from processing to a terminal state; it receives a context
// bounded by the task's timeout.
type TaskRun struct {
	TaskID  uuid.UUID
	Timeout time.Duration
	Run     func(ctx context.Context)

	// Fail persists the failed terminal state with the given message. The
	// worker invokes it when Run panics, so a crashed run never leaves its
	// task stuck in processing.
	Fail func(ctx context.Context, message string)
}

// TaskExecutor claims pending tasks for one queue type and turns each into
// a TaskRun. Claiming must be atomic: concurrent executors never receive
// the same task.
type TaskExecutor interface {
	Queue() domain.QueueType
	ClaimPending(ctx context.Context, limit int) ([]TaskRun, error)
}

// WorkerConfig tunes one queue worker.
type WorkerConfig struct {
	// Concurrency caps the number of tasks in flight at once.
	Concurrency int

	// PollInterval is how often the worker looks for pending tasks.
	PollInterval time.Duration

	// DefaultTimeout bounds tasks that carry no timeout of their own.
	// Zero means such tasks run unbounded.
	DefaultTimeout time.Duration
}

// Worker runs one queue type's poll loop. Start and Stop are idempotent;
// Stop halts polling without cancelling in-flight tasks, which drain
// naturally.
type Worker struct {
	executor TaskExecutor
	config   WorkerConfig
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	loopWG  sync.WaitGroup

	inflightMu sync.Mutex
	inflight   int
	taskWG     sync.WaitGroup
}

// NewWorker creates a worker for the executor's queue type.
func NewWorker(executor TaskExecutor, config WorkerConfig, logger *slog.Logger) *Worker {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	return &Worker{
		executor: executor,
		config:   config,
		logger:   logger.With("queue_type", executor.Queue()),
	}
}

// Queue returns the queue type this worker serves.
func (w *Worker) Queue() domain.QueueType {
	return w.executor.Queue()
}

// IsRunning reports whether the poll loop is active.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Start begins the poll loop. Starting a running worker is a no-op.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.running = true
	w.loopWG.Add(1)
	go w.loop(ctx)

	w.logger.Info("queue worker started",
		"concurrency", w.config.Concurrency,
		"poll_interval", w.config.PollInterval.String())
}

// Stop halts polling and returns immediately. In-flight tasks keep their
// own contexts and finish on their own. Stopping a stopped worker is a
// no-op.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.cancel()
	w.running = false
	w.logger.Info("queue worker stopping, in-flight tasks draining")
}

// Drain blocks until the poll loop and all in-flight tasks have finished.
// Used by shutdown and tests; the Stop contract itself stays non-blocking.
func (w *Worker) Drain() {
	w.loopWG.Wait()
	w.taskWG.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	defer w.loopWG.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	// Immediate first poll so a freshly started worker does not sit idle
	// for a full interval.
	w.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Worker) poll(ctx context.Context) {
	capacity := w.capacity()
	if capacity <= 0 {
		return
	}

	runs, err := w.executor.ClaimPending(ctx, capacity)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("failed to claim pending tasks", "error", err)
		}
		return
	}

	for _, run := range runs {
		w.launch(run)
	}
}

func (w *Worker) capacity() int {
	w.inflightMu.Lock()
	defer w.inflightMu.Unlock()
	return w.config.Concurrency - w.inflight
}

func (w *Worker) launch(run TaskRun) {
	w.inflightMu.Lock()
	w.inflight++
	w.inflightMu.Unlock()
	w.taskWG.Add(1)

	go func() {
		defer func() {
			w.inflightMu.Lock()
			w.inflight--
			w.inflightMu.Unlock()
			w.taskWG.Done()
		}()
		defer func() {
			if r := recover(); r != nil {
				// A panicking executor must never take the pool down;
				// the task itself still ends up failed, not stuck in
				// processing.
				w.logger.Error("task execution panicked",
					"task_id", run.TaskID,
					"panic", r)
				if run.Fail != nil {
					run.Fail(context.Background(), fmt.Sprintf("panic: %v", r))
				}
			}
		}()

		// The run context is deliberately not derived from the poll loop:
		// stopping the worker lets in-flight tasks drain instead of
		// cancelling them.
		ctx := context.Background()
		timeout := run.Timeout
		if timeout <= 0 {
			timeout = w.config.DefaultTimeout
		}
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		run.Run(ctx)
	}()
}
