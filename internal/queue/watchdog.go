package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/george-ai/taskqueue/internal/domain"
)

// Expirer is the slice of the task stores the watchdog needs.
type Expirer interface {
	ExpireOverdue(ctx context.Context, now time.Time, defaultTimeout time.Duration) (int64, error)
}

// WatchdogConfig tunes the timeout sweep.
type WatchdogConfig struct {
	// Interval is how often the sweep runs.
	Interval time.Duration

	// DefaultTimeout applies to processing tasks that carry no timeout of
	// their own. Zero leaves such tasks alone.
	DefaultTimeout time.Duration
}

// Watchdog periodically moves overdue processing tasks to timed_out. Each
// sweep is one compare-and-swap UPDATE per queue, so it never races a
// finishing worker into a double transition: whichever write commits first
// wins.
type Watchdog struct {
	stores map[domain.QueueType]Expirer
	config WatchdogConfig
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWatchdog creates a watchdog over the given per-queue stores.
func NewWatchdog(stores map[domain.QueueType]Expirer, config WatchdogConfig, logger *slog.Logger) *Watchdog {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	return &Watchdog{
		stores: stores,
		config: config,
		logger: logger,
	}
}

// Start begins the sweep loop. Idempotent.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.running = true
	w.wg.Add(1)
	go w.loop(ctx)

	w.logger.Info("task watchdog started",
		"interval", w.config.Interval.String(),
		"default_timeout", w.config.DefaultTimeout.String())
}

// Stop halts the sweep loop and waits for an in-progress sweep. Idempotent.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.cancel()
	w.running = false
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("task watchdog stopped")
}

func (w *Watchdog) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one timeout pass over every queue. Exposed for tests and for
// forced sweeps at startup.
func (w *Watchdog) Sweep(ctx context.Context) {
	now := time.Now()
	for queueType, taskStore := range w.stores {
		expired, err := taskStore.ExpireOverdue(ctx, now, w.config.DefaultTimeout)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error("timeout sweep failed",
					"queue_type", queueType,
					"error", err)
			}
			continue
		}
		if expired > 0 {
			w.logger.Warn("expired overdue tasks",
				"queue_type", queueType,
				"expired_count", expired)
		}
	}
}
