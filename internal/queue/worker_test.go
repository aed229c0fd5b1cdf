package queue

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/george-ai/taskqueue/internal/domain"
)

// scriptedExecutor hands out a fixed set of runs, at most limit per claim.
type scriptedExecutor struct {
	mu   sync.Mutex
	runs []TaskRun

	claimLimits []int
}

func (s *scriptedExecutor) Queue() domain.QueueType { return domain.QueueTypeContentProcessing }

func (s *scriptedExecutor) ClaimPending(_ context.Context, limit int) ([]TaskRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimLimits = append(s.claimLimits, limit)
	n := limit
	if n > len(s.runs) {
		n = len(s.runs)
	}
	claimed := s.runs[:n]
	s.runs = s.runs[n:]
	return claimed, nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestWorker_StartStopIdempotent(t *testing.T) {
	worker := NewWorker(&scriptedExecutor{}, WorkerConfig{
		Concurrency:  1,
		PollInterval: 10 * time.Millisecond,
	}, slog.Default())

	assert.False(t, worker.IsRunning())
	worker.Start()
	worker.Start()
	assert.True(t, worker.IsRunning())

	worker.Stop()
	worker.Stop()
	assert.False(t, worker.IsRunning())
	worker.Drain()
}

func TestWorker_RunsClaimedTasks(t *testing.T) {
	var mu sync.Mutex
	ran := make(map[uuid.UUID]bool)

	executor := &scriptedExecutor{}
	for i := 0; i < 3; i++ {
		id := uuid.New()
		executor.runs = append(executor.runs, TaskRun{
			TaskID: id,
			Run: func(context.Context) {
				mu.Lock()
				ran[id] = true
				mu.Unlock()
			},
		})
	}

	worker := NewWorker(executor, WorkerConfig{
		Concurrency:  2,
		PollInterval: 10 * time.Millisecond,
	}, slog.Default())
	worker.Start()
	defer func() {
		worker.Stop()
		worker.Drain()
	}()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ran) == 3
	})
}

func TestWorker_RespectsConcurrencyLimit(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 8)

	executor := &scriptedExecutor{}
	for i := 0; i < 4; i++ {
		executor.runs = append(executor.runs, TaskRun{
			TaskID: uuid.New(),
			Run: func(context.Context) {
				started <- struct{}{}
				<-release
			},
		})
	}

	worker := NewWorker(executor, WorkerConfig{
		Concurrency:  2,
		PollInterval: 10 * time.Millisecond,
	}, slog.Default())
	worker.Start()
	defer func() {
		worker.Stop()
		close(release)
		worker.Drain()
	}()

	// Two tasks enter, then claims must pause until a slot frees.
	<-started
	<-started
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, started, 0)

	executor.mu.Lock()
	for _, limit := range executor.claimLimits {
		assert.LessOrEqual(t, limit, 2)
	}
	executor.mu.Unlock()

	release <- struct{}{}
	<-started
}

func TestWorker_PanicDoesNotKillPool(t *testing.T) {
	var mu sync.Mutex
	survived := false

	executor := &scriptedExecutor{runs: []TaskRun{
		{TaskID: uuid.New(), Run: func(context.Context) { panic("executor bug") }},
		{TaskID: uuid.New(), Run: func(context.Context) {
			mu.Lock()
			survived = true
			mu.Unlock()
		}},
	}}

	worker := NewWorker(executor, WorkerConfig{
		Concurrency:  1,
		PollInterval: 10 * time.Millisecond,
	}, slog.Default())
	worker.Start()
	defer func() {
		worker.Stop()
		worker.Drain()
	}()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return survived
	})
}

func TestWorker_PanicFailsTask(t *testing.T) {
	var mu sync.Mutex
	var failureMessage string

	executor := &scriptedExecutor{runs: []TaskRun{{
		TaskID: uuid.New(),
		Run:    func(context.Context) { panic("executor bug") },
		Fail: func(_ context.Context, message string) {
			mu.Lock()
			failureMessage = message
			mu.Unlock()
		},
	}}}

	worker := NewWorker(executor, WorkerConfig{
		Concurrency:  1,
		PollInterval: 10 * time.Millisecond,
	}, slog.Default())
	worker.Start()
	defer func() {
		worker.Stop()
		worker.Drain()
	}()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return failureMessage != ""
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "panic: executor bug", failureMessage)
}

func TestWorker_StopLetsInflightDrain(t *testing.T) {
	blocked := make(chan struct{})
	done := make(chan struct{})

	executor := &scriptedExecutor{runs: []TaskRun{{
		TaskID: uuid.New(),
		Run: func(ctx context.Context) {
			<-blocked
			// The run context must survive Stop.
			require.NoError(t, ctx.Err())
			close(done)
		},
	}}}

	worker := NewWorker(executor, WorkerConfig{
		Concurrency:  1,
		PollInterval: 5 * time.Millisecond,
	}, slog.Default())
	worker.Start()

	waitFor(t, time.Second, func() bool {
		executor.mu.Lock()
		defer executor.mu.Unlock()
		return len(executor.runs) == 0
	})

	worker.Stop()
	assert.False(t, worker.IsRunning())

	close(blocked)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("in-flight task did not finish after Stop")
	}
	worker.Drain()
}

func TestWorker_DefaultTimeoutApplied(t *testing.T) {
	gotDeadline := make(chan bool, 1)

	executor := &scriptedExecutor{runs: []TaskRun{{
		TaskID: uuid.New(),
		// No per-task timeout; the worker default must apply.
		Run: func(ctx context.Context) {
			_, ok := ctx.Deadline()
			gotDeadline <- ok
		},
	}}}

	worker := NewWorker(executor, WorkerConfig{
		Concurrency:    1,
		PollInterval:   5 * time.Millisecond,
		DefaultTimeout: time.Minute,
	}, slog.Default())
	worker.Start()
	defer func() {
		worker.Stop()
		worker.Drain()
	}()

	select {
	case ok := <-gotDeadline:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}
