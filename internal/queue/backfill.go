package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/george-ai/taskqueue/internal/store"
)

// backfillTimeout bounds one full backfill sweep.
const backfillTimeout = 5 * time.Minute

// BackfillSweeper periodically walks every library and creates content
// processing tasks for files that have none. Files crawled while the
// system was down, or whose task creation was lost, are picked up here;
// the per-library operation is idempotent so overlapping runs are safe.
type BackfillSweeper struct {
	scheduler *Scheduler
	files     store.FileStore
	cron      *cron.Cron
	spec      string
	logger    *slog.Logger
}

// NewBackfillSweeper creates a sweeper with a cron spec (standard five
// field syntax, e.g. "*/15 * * * *").
func NewBackfillSweeper(scheduler *Scheduler, files store.FileStore, spec string, logger *slog.Logger) *BackfillSweeper {
	return &BackfillSweeper{
		scheduler: scheduler,
		files:     files,
		cron:      cron.New(),
		spec:      spec,
		logger:    logger.With("component", "backfill_sweeper"),
	}
}

// Start registers the sweep job and starts the cron loop.
func (b *BackfillSweeper) Start() error {
	if _, err := b.cron.AddFunc(b.spec, b.runSweep); err != nil {
		return err
	}
	b.cron.Start()
	b.logger.Info("backfill sweeper started", "schedule", b.spec)
	return nil
}

// Stop halts the cron loop and waits for a running sweep to finish.
func (b *BackfillSweeper) Stop() {
	ctx := b.cron.Stop()
	<-ctx.Done()
	b.logger.Info("backfill sweeper stopped")
}

func (b *BackfillSweeper) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), backfillTimeout)
	defer cancel()
	b.Sweep(ctx)
}

// Sweep runs one backfill pass across all libraries. Exposed for tests.
func (b *BackfillSweeper) Sweep(ctx context.Context) {
	libraryIDs, err := b.files.LibraryIDs(ctx)
	if err != nil {
		b.logger.Error("failed to list libraries for backfill", "error", err)
		return
	}

	var created int64
	for _, libraryID := range libraryIDs {
		result, err := b.scheduler.CreateMissingContentExtractionTasks(ctx, libraryID)
		if err != nil {
			b.logger.Error("backfill failed for library",
				"library_id", libraryID,
				"error", err)
			continue
		}
		created += result.AffectedCount
	}
	if created > 0 {
		b.logger.Info("backfill sweep created tasks",
			"library_count", len(libraryIDs),
			"created_count", created)
	}
}
