// Package worker consumes task notifications and drives claimed tasks
// through the queue's state machine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/queueworks/chainq/internal/domain"
	"github.com/queueworks/chainq/internal/store"
	"github.com/queueworks/chainq/internal/task"
)

// Source delivers claimed task ids. Implementations must hand each
// published id to exactly one consumer; the redis stream channel does this
// with consumer groups, the in-process channel with a shared Go channel.
type Source interface {
	Consume(ctx context.Context, fn func(context.Context, uuid.UUID) error) error
}

// Config holds configuration for the worker runner.
type Config struct {
	// WorkerCount determines how many tasks may execute concurrently.
	// Each worker runs its own consume loop, so a long task never stalls
	// the others.
	WorkerCount int
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{WorkerCount: 2}
}

// Runner executes tasks claimed from a Source. A claimed id is re-checked
// against the store before running: only tasks still in queued status
// execute, so redeliveries and stale notifications fall through harmlessly.
type Runner struct {
	queue  *task.Queue
	source Source
	config Config
	logger *slog.Logger
}

// NewRunner wires a Runner to the queue it drives and the source it claims
// task ids from.
func NewRunner(queue *task.Queue, source Source, config Config, logger *slog.Logger) (*Runner, error) {
	if queue == nil {
		return nil, errors.New("worker runner requires a task queue")
	}
	if source == nil {
		return nil, errors.New("worker runner requires a task source")
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = DefaultConfig().WorkerCount
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		queue:  queue,
		source: source,
		config: config,
		logger: logger.With(slog.String("component", "worker")),
	}, nil
}

// Run consumes and executes tasks until ctx is done. It returns nil on a
// clean stop.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("worker runner started",
		slog.Int("worker_count", r.config.WorkerCount))

	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.config.WorkerCount; i++ {
		workerID := i
		eg.Go(func() error {
			logger := r.logger.With(slog.Int("worker_id", workerID))
			logger.Debug("starting worker")
			defer logger.Debug("stopping worker")

			return r.source.Consume(ctx, func(ctx context.Context, id uuid.UUID) error {
				return r.Handle(ctx, id)
			})
		})
	}

	err := eg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("task consumption stopped: %w", err)
	}

	r.logger.Info("worker runner stopped")
	return nil
}

// Handle executes one claimed task end to end: mark it running, invoke its
// function, and record success or failure. Functions that parked the task
// in waiting or completed it themselves leave nothing to record.
//
// A panicking function is recovered into the failure cascade with its stack
// attached, so one bad task cannot take the worker down.
func (r *Runner) Handle(ctx context.Context, id uuid.UUID) error {
	logger := r.logger.With(slog.String("task_id", id.String()))

	t, err := r.queue.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			logger.Warn("claimed task no longer exists")
			return nil
		}
		return fmt.Errorf("failed to load claimed task %s: %w", id, err)
	}

	if t.Status != domain.StatusQueued {
		logger.Warn("skipping task no longer queued",
			slog.String("status", string(t.Status)))
		return nil
	}

	result, runErr := r.execute(ctx, t)

	// The function may have moved the task itself: revoked it, parked it
	// waiting on a subtask, or completed it through the queue. Decide the
	// outcome against the fresh record.
	fresh, err := r.queue.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to reload task %s after execution: %w", id, err)
	}

	if runErr != nil {
		if err := r.queue.Failure(ctx, fresh, runErr); err != nil {
			return fmt.Errorf("failed to record failure of task %s: %w", id, err)
		}
		return nil
	}

	if fresh.Status == domain.StatusWaiting || fresh.Status.IsDone() {
		return nil
	}

	if err := r.queue.Success(ctx, fresh, result); err != nil {
		return fmt.Errorf("failed to record success of task %s: %w", id, err)
	}
	return nil
}

// execute runs the task's function, converting a panic into an error
// carrying the recovered value and stack.
func (r *Runner) execute(ctx context.Context, t *domain.Task) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &task.PanicError{Value: p, Stack: string(debug.Stack())}
		}
	}()
	return r.queue.Start(ctx, t, nil)
}
