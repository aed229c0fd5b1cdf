package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/george-ai/taskqueue/internal/config"
	"github.com/george-ai/taskqueue/internal/domain"
	"github.com/george-ai/taskqueue/internal/events"
	"github.com/george-ai/taskqueue/internal/platform/gemini"
	"github.com/george-ai/taskqueue/internal/platform/logger"
	"github.com/george-ai/taskqueue/internal/platform/postgres"
	"github.com/george-ai/taskqueue/internal/platform/remote"
	"github.com/george-ai/taskqueue/internal/queue"
	"github.com/george-ai/taskqueue/internal/store"
)

// application holds the wired dependencies of the running server.
type application struct {
	config    *config.Config
	logger    *slog.Logger
	db        *sql.DB
	scheduler *queue.Scheduler
	backfill  *queue.BackfillSweeper
}

// newApplication loads configuration and wires every component: database,
// stores, engines, workers, watchdog, scheduler and the optional backfill
// sweeper.
func newApplication(ctx context.Context) (*application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.Setup(cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logger: %w", err)
	}
	log.Info("configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"auto_start", cfg.Queue.AutoStart)

	db, err := openDatabase(ctx, cfg.Database.URL, log)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(db, log); err != nil {
		return nil, err
	}

	contentTasks := postgres.NewContentTaskStore(db)
	enrichmentTasks := postgres.NewEnrichmentTaskStore(db)
	automationTasks := postgres.NewAutomationTaskStore(db)
	files := postgres.NewFileStore(db)
	lists := postgres.NewListStore(db)

	enricher, err := gemini.NewEnricher(ctx, log, cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to create enrichment engine: %w", err)
	}
	engines := remote.NewEngines(cfg.Engines, log)

	pollInterval := time.Duration(cfg.Queue.PollIntervalMs) * time.Millisecond
	defaultTimeout := time.Duration(cfg.Queue.DefaultTimeoutMs) * time.Millisecond

	workers := map[domain.QueueType]*queue.Worker{
		domain.QueueTypeContentProcessing: queue.NewWorker(
			queue.NewContentExecutor(contentTasks, engines.Extraction, engines.Embedding, log),
			queue.WorkerConfig{
				Concurrency:    cfg.Queue.ContentWorkers,
				PollInterval:   pollInterval,
				DefaultTimeout: defaultTimeout,
			}, log),
		domain.QueueTypeEnrichment: queue.NewWorker(
			queue.NewEnrichmentExecutor(enrichmentTasks, files, lists, enricher, log),
			queue.WorkerConfig{
				Concurrency:    cfg.Queue.EnrichmentWorkers,
				PollInterval:   pollInterval,
				DefaultTimeout: defaultTimeout,
			}, log),
		domain.QueueTypeAutomation: queue.NewWorker(
			queue.NewAutomationExecutor(automationTasks, engines.Connector, log),
			queue.WorkerConfig{
				Concurrency:    cfg.Queue.AutomationWorkers,
				PollInterval:   pollInterval,
				DefaultTimeout: defaultTimeout,
			}, log),
	}

	watchdog := queue.NewWatchdog(map[domain.QueueType]queue.Expirer{
		domain.QueueTypeContentProcessing: contentTasks,
		domain.QueueTypeEnrichment:        enrichmentTasks,
		domain.QueueTypeAutomation:        automationTasks,
	}, queue.WatchdogConfig{
		Interval:       time.Duration(cfg.Queue.WatchdogIntervalMs) * time.Millisecond,
		DefaultTimeout: defaultTimeout,
	}, log)

	scheduler, err := queue.NewScheduler(queue.SchedulerParams{
		Transactor:      store.NewTransactor(db),
		ContentTasks:    contentTasks,
		EnrichmentTasks: enrichmentTasks,
		AutomationTasks: automationTasks,
		Files:           files,
		Lists:           lists,
		Workers:         workers,
		Watchdog:        watchdog,
		Emitter:         events.NewInMemoryEventEmitter(log),
		DefaultTimeout:  defaultTimeout,
		Logger:          log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	app := &application{
		config:    cfg,
		logger:    log,
		db:        db,
		scheduler: scheduler,
	}
	if cfg.Queue.BackfillCron != "" {
		app.backfill = queue.NewBackfillSweeper(scheduler, files, cfg.Queue.BackfillCron, log)
	}
	return app, nil
}

// run starts workers and serves HTTP until a shutdown signal arrives.
func (app *application) run() error {
	ctx := context.Background()

	// Processing rows left over from a previous run have no live owner.
	if err := app.scheduler.RecoverOrphanedTasks(ctx); err != nil {
		return fmt.Errorf("failed to recover orphaned tasks: %w", err)
	}

	if app.config.Queue.AutoStart {
		if _, err := app.scheduler.StartAllQueueWorkers(ctx); err != nil {
			return fmt.Errorf("failed to start queue workers: %w", err)
		}
	}
	if app.backfill != nil {
		if err := app.backfill.Start(); err != nil {
			return fmt.Errorf("failed to start backfill sweeper: %w", err)
		}
	}

	return app.serveHTTP(ctx, app.setupRouter())
}

// cleanup stops background work and releases resources. Runs after the
// HTTP server has drained.
func (app *application) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if app.backfill != nil {
		app.backfill.Stop()
	}
	app.scheduler.Shutdown(ctx)

	if err := app.db.Close(); err != nil {
		app.logger.Error("failed to close database", "error", err)
	}
}
