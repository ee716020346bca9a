// Package scheduler spawns tasks from repeating task templates on their
// cron cadence. Templates never execute themselves: each firing
// materialises a fresh task and hands it to the queue, then moves the
// template's bookkeeping forward.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/queueworks/chainq/internal/cronspec"
	"github.com/queueworks/chainq/internal/domain"
	"github.com/queueworks/chainq/internal/registry"
	"github.com/queueworks/chainq/internal/store"
	"github.com/queueworks/chainq/internal/task"
)

// Defaults applied by New when the corresponding option is unset.
const (
	// defaultInterval bounds the latency between a template coming due and
	// its task spawning. Cron resolution is one minute, so half of that is
	// plenty.
	defaultInterval = 30 * time.Second

	// fireLockTTL caps how long one firing may hold a template's lock.
	fireLockTTL = 2 * time.Second
)

// Deps bundles the collaborators a Scheduler coordinates. All fields
// except Logger are required.
type Deps struct {
	Stores   store.Stores
	Tx       store.Transactor
	Queue    *task.Queue
	Locks    task.Locker
	Registry *registry.Registry
	Logger   *slog.Logger
}

// Options tunes scheduler behavior. Zero values fall back to defaults.
type Options struct {
	// Interval is the polling cadence of Run.
	Interval time.Duration

	// Now supplies timestamps; tests inject a fixed clock. Cron
	// expressions are evaluated in the returned time's location, the
	// local clock by default.
	Now func() time.Time
}

// Scheduler walks due repeating task templates and fires them. Each firing
// is guarded by a per-template lock and re-checks the template's due time
// under it, so concurrent schedulers never double-spawn a run.
type Scheduler struct {
	deps Deps
	opts Options
}

// New wires the scheduler to its collaborators.
func New(deps Deps, opts Options) (*Scheduler, error) {
	if deps.Stores.Tasks == nil || deps.Stores.RepeatingTasks == nil {
		return nil, errors.New("scheduler requires task and repeating task stores")
	}
	if deps.Tx == nil {
		return nil, errors.New("scheduler requires a transactor")
	}
	if deps.Queue == nil {
		return nil, errors.New("scheduler requires a task queue")
	}
	if deps.Locks == nil {
		return nil, errors.New("scheduler requires a locker")
	}
	if deps.Registry == nil {
		return nil, errors.New("scheduler requires a function registry")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Logger = deps.Logger.With(slog.String("component", "scheduler"))
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	return &Scheduler{deps: deps, opts: opts}, nil
}

func (s *Scheduler) now() time.Time {
	if s.opts.Now != nil {
		return s.opts.Now()
	}
	return time.Now()
}

func (s *Scheduler) storesFor(ctx context.Context) store.Stores {
	return store.StoresFromContext(ctx, s.deps.Stores)
}

// ScheduleOptions adjust a new template.
type ScheduleOptions struct {
	// ResultTTL overrides the default retention on spawned task results.
	ResultTTL time.Duration

	// NoCoalesce lets runs stack up while earlier ones are still active.
	NoCoalesce bool
}

// Schedule validates and persists a new repeating task template with its
// first run time computed from the crontab. The crontab must satisfy the
// strict five-field grammar and funcName must resolve in the registry, so
// a template can never reach the store pointing at a function no worker
// knows.
func (s *Scheduler) Schedule(ctx context.Context, crontab, funcName string, args []any, kwargs map[string]any, opts ScheduleOptions) (*domain.RepeatingTask, error) {
	if err := cronspec.Validate(crontab); err != nil {
		return nil, err
	}
	if _, err := s.deps.Registry.Resolve(funcName); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	rt, err := domain.NewRepeatingTask(crontab, funcName, args, kwargs)
	if err != nil {
		return nil, err
	}
	if opts.ResultTTL > 0 {
		rt.ResultTTL = opts.ResultTTL
	}
	rt.Coalesce = !opts.NoCoalesce

	next, err := cronspec.Next(crontab, s.now())
	if err != nil {
		return nil, err
	}
	first := next.UTC()
	rt.NextRun = &first

	if err := s.storesFor(ctx).RepeatingTasks.Create(ctx, rt); err != nil {
		return nil, fmt.Errorf("failed to create repeating task: %w", err)
	}

	s.deps.Logger.Info("repeating task scheduled",
		slog.String("repeating_task_id", rt.ID.String()),
		slog.String("crontab", rt.Crontab),
		slog.String("func", rt.FuncName),
		slog.Time("next_run", first))
	return rt, nil
}

// Tick fires every template that is due at the current time. A template
// that fails to fire is logged and skipped so one broken schedule cannot
// starve the rest.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now()
	due, err := s.storesFor(ctx).RepeatingTasks.ListDue(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to list due repeating tasks: %w", err)
	}

	for _, rt := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.fire(ctx, rt.ID, now); err != nil {
			s.deps.Logger.Error("failed to fire repeating task",
				slog.String("repeating_task_id", rt.ID.String()),
				slog.String("func", rt.FuncName),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// fire spawns one run of the given template. The template is re-read under
// its lock: when another scheduler fired it first, the refreshed next run
// is in the future and this call backs off without side effects.
//
// A coalescing template with a run still active advances its bookkeeping
// without spawning, otherwise every tick would re-fire it until the active
// run finished.
func (s *Scheduler) fire(ctx context.Context, id uuid.UUID, now time.Time) error {
	unlock, err := s.deps.Locks.Acquire(ctx, "repeating:"+id.String(), fireLockTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire lock for repeating task %s: %w", id, err)
	}
	defer func() {
		if err := unlock(ctx); err != nil {
			s.deps.Logger.Warn("failed to release repeating task lock",
				slog.String("repeating_task_id", id.String()),
				slog.String("error", err.Error()))
		}
	}()

	stores := s.storesFor(ctx)
	rt, err := stores.RepeatingTasks.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rt.NextRun == nil || rt.NextRun.After(now) {
		return nil
	}

	next, err := cronspec.Next(rt.Crontab, now)
	if err != nil {
		return err
	}

	if rt.Coalesce {
		active, err := stores.Tasks.CountActive(ctx, rt.FuncName)
		if err != nil {
			return fmt.Errorf("failed to count active tasks for %s: %w", rt.FuncName, err)
		}
		if active > 0 {
			s.deps.Logger.Info("coalescing repeating task",
				slog.String("repeating_task_id", rt.ID.String()),
				slog.String("func", rt.FuncName),
				slog.Int("active", active))
			rt.Advance(now, next)
			if err := stores.RepeatingTasks.Update(ctx, rt); err != nil {
				return fmt.Errorf("failed to advance repeating task %s: %w", rt.ID, err)
			}
			return nil
		}
	}

	s.deps.Logger.Info("launching scheduled task",
		slog.String("repeating_task_id", rt.ID.String()),
		slog.String("func", rt.FuncName))

	// The spawned task and the advanced bookkeeping commit together; the
	// submission happens after, the same as any other post-commit send.
	var spawned *domain.Task
	err = s.deps.Tx.InTransaction(ctx, func(ctx context.Context, txStores store.Stores) error {
		t, err := s.deps.Queue.Delay(ctx, rt.Signature(), task.ChainOptions{
			NoSubmit:  true,
			ResultTTL: rt.ResultTTL,
		})
		if err != nil {
			return err
		}
		spawned = t

		rt.Advance(now, next)
		return txStores.RepeatingTasks.Update(ctx, rt)
	})
	if err != nil {
		return fmt.Errorf("failed to spawn run of repeating task %s: %w", rt.ID, err)
	}

	return s.deps.Queue.Submit(ctx, spawned)
}

// Run ticks until ctx is done. It returns nil on a clean stop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.deps.Logger.Info("scheduler started",
		slog.Duration("interval", s.opts.Interval))

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.deps.Logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				if ctx.Err() != nil {
					s.deps.Logger.Info("scheduler stopped")
					return nil
				}
				s.deps.Logger.Error("scheduler tick failed",
					slog.String("error", err.Error()))
			}
		}
	}
}
