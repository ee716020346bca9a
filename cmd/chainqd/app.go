package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/errgroup"

	"github.com/queueworks/chainq/internal/api"
	"github.com/queueworks/chainq/internal/config"
	"github.com/queueworks/chainq/internal/platform/logger"
	"github.com/queueworks/chainq/internal/platform/postgres"
	redisPlatform "github.com/queueworks/chainq/internal/platform/redis"
	"github.com/queueworks/chainq/internal/registry"
	"github.com/queueworks/chainq/internal/scheduler"
	"github.com/queueworks/chainq/internal/store"
	"github.com/queueworks/chainq/internal/task"
	"github.com/queueworks/chainq/internal/worker"
)

// application holds the shared daemon dependencies to simplify management
// and ensure proper cleanup on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger

	db    *sql.DB
	redis *redis.Client

	stores    store.Stores
	registry  *registry.Registry
	queue     *task.Queue
	scheduler *scheduler.Scheduler
	worker    *worker.Runner
}

// initializeApp loads configuration, establishes the backing connections
// and wires every daemon component.
func initializeApp(ctx context.Context) (*application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.Setup(cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logger: %w", err)
	}

	db, err := setupAppDatabase(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to set up database: %w", err)
	}

	rdb, err := setupRedisClient(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to set up redis: %w", err)
	}

	return newApplication(cfg, log, db, rdb)
}

// newApplication wires the queue core and its hosts over already
// established connections.
func newApplication(
	cfg *config.Config,
	log *slog.Logger,
	db *sql.DB,
	rdb *redis.Client,
) (*application, error) {
	app := &application{
		config: cfg,
		logger: log,
		db:     db,
		redis:  rdb,
	}

	taskStore := postgres.NewPostgresTaskStore(db, log)
	repeatingStore := postgres.NewPostgresRepeatingTaskStore(db, log)
	app.stores = store.Stores{Tasks: taskStore, RepeatingTasks: repeatingStore}
	transactor := postgres.NewTransactor(db, taskStore, repeatingStore, log)

	app.registry = registry.New()
	if err := registerBuiltins(app.registry); err != nil {
		return nil, fmt.Errorf("failed to register builtin functions: %w", err)
	}

	locks := redisPlatform.NewLocker(rdb)
	channel := redisPlatform.NewChannel(rdb, cfg.Queue.Stream, cfg.Queue.Group, cfg.Queue.Capacity, log)

	queue, err := task.NewQueue(task.Deps{
		Stores:   app.stores,
		Tx:       transactor,
		Locks:    locks,
		Logs:     redisPlatform.NewLogBuffer(rdb, cfg.Queue.LogBufferTTL),
		Channel:  channel,
		Registry: app.registry,
		Logger:   log,
	}, task.Options{
		LockTTL:      cfg.Queue.LockTTL,
		PollInterval: cfg.Queue.PollInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create task queue: %w", err)
	}
	app.queue = queue

	app.scheduler, err = scheduler.New(scheduler.Deps{
		Stores:   app.stores,
		Tx:       transactor,
		Queue:    queue,
		Locks:    locks,
		Registry: app.registry,
		Logger:   log,
	}, scheduler.Options{
		Interval: cfg.Scheduler.TickInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	app.worker, err = worker.NewRunner(queue, channel, worker.Config{
		WorkerCount: cfg.Worker.Concurrency,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker runner: %w", err)
	}

	log.Info("Application initialized successfully")
	return app, nil
}

// Run hosts the worker pool, the scheduler, the purge loop and the status
// server until ctx is cancelled, then shuts them down together.
func (app *application) Run(ctx context.Context) error {
	handler := api.NewRouter(
		api.NewStatusHandler(app.queue, app.stores, app.registry, app.logger),
		app.logger,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.worker.Run(ctx) })
	g.Go(func() error { return app.scheduler.Run(ctx) })
	g.Go(func() error { return app.purgeExpired(ctx) })
	g.Go(func() error { return app.startStatusServer(ctx, handler) })

	app.logger.Info("Daemon started",
		"port", app.config.Server.Port,
		"workers", app.config.Worker.Concurrency,
		"stream", app.config.Queue.Stream)

	if err := g.Wait(); err != nil {
		return fmt.Errorf("daemon stopped: %w", err)
	}

	app.logger.Info("Daemon stopped")
	return nil
}

// purgeExpired reaps done task records past their result expiry on a fixed
// cadence. Referenced records survive a pass, so task trees disappear
// leaf-first over successive runs.
func (app *application) purgeExpired(ctx context.Context) error {
	ticker := time.NewTicker(app.config.Queue.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			purged, err := app.stores.Tasks.PurgeExpired(ctx, time.Now())
			if err != nil {
				app.logger.Error("Failed to purge expired tasks", "error", err)
				continue
			}
			if purged > 0 {
				app.logger.Info("Purged expired tasks", "count", purged)
			}
		}
	}
}

// cleanup handles graceful shutdown of the daemon's connections.
func (app *application) cleanup() {
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Error("Error closing redis connection", "error", err)
		}
	}

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("Error closing database connection", "error", err)
		}
	}
}
