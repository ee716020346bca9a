package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/queueworks/chainq/internal/domain"
	"github.com/queueworks/chainq/internal/registry"
	"github.com/queueworks/chainq/internal/store"
)

// Defaults applied by NewQueue when the corresponding option is unset.
const (
	defaultLockTTL      = 2 * time.Second
	defaultPollInterval = 500 * time.Millisecond
)

// Deps bundles the collaborators a Queue coordinates. All fields except
// Logger are required.
type Deps struct {
	Stores   store.Stores
	Tx       store.Transactor
	Locks    Locker
	Logs     LogBuffer
	Channel  Channel
	Registry *registry.Registry
	Logger   *slog.Logger
}

// Options tunes queue behavior. Zero values fall back to defaults.
type Options struct {
	// LockTTL bounds how long a per-task lock stays held before expiring.
	LockTTL time.Duration

	// PollInterval is the re-read cadence used by Wait.
	PollInterval time.Duration

	// Now supplies timestamps; tests inject a fixed clock.
	Now func() time.Time
}

// Queue drives every task state transition. One Queue serves servers,
// workers, and the scheduler alike; the per-task distributed lock, not the
// Queue instance, is what serializes competing mutations.
type Queue struct {
	deps Deps
	opts Options
}

// NewQueue wires the state machine to its collaborators.
func NewQueue(deps Deps, opts Options) (*Queue, error) {
	if deps.Stores.Tasks == nil {
		return nil, errors.New("task queue requires a task store")
	}
	if deps.Tx == nil {
		return nil, errors.New("task queue requires a transactor")
	}
	if deps.Locks == nil {
		return nil, errors.New("task queue requires a locker")
	}
	if deps.Logs == nil {
		return nil, errors.New("task queue requires a log buffer")
	}
	if deps.Channel == nil {
		return nil, errors.New("task queue requires a message channel")
	}
	if deps.Registry == nil {
		return nil, errors.New("task queue requires a function registry")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &Queue{deps: deps, opts: opts}, nil
}

// storesFor resolves the store bundle for ctx, preferring an ambient
// transaction so queue operations inside atomic task functions observe that
// function's uncommitted writes.
func (q *Queue) storesFor(ctx context.Context) store.Stores {
	return store.StoresFromContext(ctx, q.deps.Stores)
}

func (q *Queue) now() time.Time {
	if q.opts.Now != nil {
		return q.opts.Now().UTC()
	}
	return time.Now().UTC()
}

func (q *Queue) lock(ctx context.Context, id uuid.UUID) (UnlockFunc, error) {
	unlock, err := q.deps.Locks.Acquire(ctx, id.String(), q.opts.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock for task %s: %w", id, err)
	}
	return unlock, nil
}

func (q *Queue) release(ctx context.Context, unlock UnlockFunc, id uuid.UUID) {
	if err := unlock(ctx); err != nil {
		q.deps.Logger.Warn("failed to release task lock",
			slog.String("task_id", id.String()),
			slog.String("error", err.Error()))
	}
}

// Get returns the current record for the given task id.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return q.storesFor(ctx).Tasks.GetByID(ctx, id)
}

// refresh re-reads t's record and replaces t's fields in place.
func (q *Queue) refresh(ctx context.Context, t *domain.Task) error {
	fresh, err := q.storesFor(ctx).Tasks.GetByID(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("failed to refresh task %s: %w", t.ID, err)
	}
	t.RefreshFrom(fresh)
	return nil
}

// Submit transitions a pending task to queued and notifies a worker. Safe
// to call from any actor: the per-task lock serializes competing
// submissions, a revoked task is silently skipped, and any other non-pending
// status reports domain.ErrDuplicateSubmission. Extra arguments are spliced
// in front of the task's stored arguments before commit, which is how a
// predecessor's result reaches its successor.
//
// The worker notification is published only after the status change is
// durable, so a worker that receives the task id always observes the queued
// record.
func (q *Queue) Submit(ctx context.Context, t *domain.Task, preArgs ...any) error {
	unlock, err := q.lock(ctx, t.ID)
	if err != nil {
		return err
	}
	locked := true
	defer func() {
		if locked {
			q.release(ctx, unlock, t.ID)
		}
	}()

	// Reload in case another actor changed the record since it was read.
	if err := q.refresh(ctx, t); err != nil {
		return err
	}

	if t.Status == domain.StatusRevoked {
		q.deps.Logger.Info("skipping submission of revoked task",
			slog.String("task_id", t.ID.String()))
		return nil
	}
	if t.Status != domain.StatusPending {
		return fmt.Errorf("task %s in status %q: %w",
			t.ID, t.Status, domain.ErrDuplicateSubmission)
	}

	t.Status = domain.StatusQueued
	if len(preArgs) > 0 {
		t.Signature = t.Signature.PrependArgs(preArgs...)
	}

	err = q.deps.Tx.InTransaction(ctx, func(txCtx context.Context, s store.Stores) error {
		return s.Tasks.Update(txCtx, t)
	})
	if err != nil {
		return fmt.Errorf("failed to queue task %s: %w", t.ID, err)
	}

	// Publication happens outside the lock: a saturated channel makes send
	// re-acquire it to park the task in retry.
	locked = false
	q.release(ctx, unlock, t.ID)

	id := t.ID
	store.OnCommit(ctx, func(postCtx context.Context) {
		q.send(postCtx, id)
	})

	q.deps.Logger.Info("task queued",
		slog.String("task_id", t.ID.String()),
		slog.String("func", t.Signature.FuncName))
	return nil
}

// send publishes the task id to the message channel. On a full channel the
// task is parked in retry for an external sweeper to resubmit. Any other
// publish failure only logs: the status commit has already happened and the
// record stays queued.
func (q *Queue) send(ctx context.Context, id uuid.UUID) {
	err := q.deps.Channel.Publish(ctx, id)
	if err == nil {
		return
	}
	if !errors.Is(err, ErrChannelFull) {
		q.deps.Logger.Error("failed to publish task",
			slog.String("task_id", id.String()),
			slog.String("error", err.Error()))
		return
	}

	q.deps.Logger.Warn("message channel full, parking task in retry",
		slog.String("task_id", id.String()))

	unlock, err := q.lock(ctx, id)
	if err != nil {
		q.deps.Logger.Error("failed to lock task for retry parking",
			slog.String("task_id", id.String()),
			slog.String("error", err.Error()))
		return
	}
	defer q.release(ctx, unlock, id)

	s := q.storesFor(ctx)
	t, err := s.Tasks.GetByID(ctx, id)
	if err != nil {
		q.deps.Logger.Error("failed to load task for retry parking",
			slog.String("task_id", id.String()),
			slog.String("error", err.Error()))
		return
	}
	t.Status = domain.StatusRetry
	if err := s.Tasks.Update(ctx, t); err != nil {
		q.deps.Logger.Error("failed to park task in retry",
			slog.String("task_id", id.String()),
			slog.String("error", err.Error()))
	}
}

// Start marks the task running and executes its function. It is invoked by
// the worker that claimed the task id from the channel; claim exclusivity
// means no lock is needed here. A non-nil upstream result is prepended to
// the call arguments. The return value is handed back to the caller, which
// decides between Success and Failure.
//
// Functions registered as atomic run inside a store transaction: their
// writes, and any queue operations they perform, commit together or not at
// all, and panics roll the transaction back before propagating.
func (q *Queue) Start(ctx context.Context, t *domain.Task, upstream any) (any, error) {
	t.Status = domain.StatusRunning
	t.StampStarted(q.now())
	if err := q.storesFor(ctx).Tasks.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to mark task %s running: %w", t.ID, err)
	}

	tf, err := q.deps.Registry.Resolve(t.Signature.FuncName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve task function: %w", err)
	}

	args := t.Signature.Args
	if upstream != nil {
		args = append([]any{upstream}, args...)
	}
	call := registry.Call{Task: t, Args: args, Kwargs: t.Signature.Kwargs}

	q.deps.Logger.Info("task started",
		slog.String("task_id", t.ID.String()),
		slog.String("func", tf.Name),
		slog.Bool("atomic", tf.Atomic))

	if !tf.Atomic {
		return tf.Handler(ctx, call)
	}

	var out any
	err = q.deps.Tx.InTransaction(ctx, func(txCtx context.Context, _ store.Stores) error {
		var handlerErr error
		out, handlerErr = tf.Handler(txCtx, call)
		return handlerErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Success records a successful completion: it stores the result (keeping
// any previously recorded one when result is nil), stamps the finish time,
// computes the result expiry, and snapshots the task's log buffer into the
// record. After the commit it notifies the parent for fan-in and submits
// every chained successor with this task's result.
func (q *Queue) Success(ctx context.Context, t *domain.Task, result any) error {
	q.deps.Logger.Info("task succeeded",
		slog.String("task_id", t.ID.String()),
		slog.String("func", t.Signature.FuncName))

	t.Status = domain.StatusSuccess
	if result != nil {
		t.Details.Result = result
	}
	t.StampFinished(q.now())
	t.SetResultExpiry()
	q.snapshotLogs(ctx, t)

	err := q.deps.Tx.InTransaction(ctx, func(txCtx context.Context, s store.Stores) error {
		if err := s.Tasks.Update(txCtx, t); err != nil {
			return err
		}
		id, res := t.ID, t.Result()
		store.OnCommit(txCtx, func(postCtx context.Context) {
			q.postSuccess(postCtx, id, res)
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record success for task %s: %w", t.ID, err)
	}
	return nil
}

// postSuccess runs after a success commit: fan-in to the parent, then
// submission of chained successors. Failures here are logged rather than
// returned, since the task's own completion has already committed.
func (q *Queue) postSuccess(ctx context.Context, id uuid.UUID, result any) {
	s := q.storesFor(ctx)

	t, err := s.Tasks.GetByID(ctx, id)
	if err != nil {
		q.deps.Logger.Error("failed to load task after success",
			slog.String("task_id", id.String()),
			slog.String("error", err.Error()))
		return
	}

	if t.ParentID != nil {
		parent, err := s.Tasks.GetByID(ctx, *t.ParentID)
		if err != nil {
			q.deps.Logger.Error("failed to load parent after success",
				slog.String("task_id", id.String()),
				slog.String("parent_id", t.ParentID.String()),
				slog.String("error", err.Error()))
		} else if err := q.ChildSucceeded(ctx, parent, t, result); err != nil {
			q.deps.Logger.Error("failed to notify parent of child success",
				slog.String("task_id", id.String()),
				slog.String("parent_id", parent.ID.String()),
				slog.String("error", err.Error()))
		}
	}

	successors, err := s.Tasks.ListSuccessors(ctx, id)
	if err != nil {
		q.deps.Logger.Error("failed to list successors",
			slog.String("task_id", id.String()),
			slog.String("error", err.Error()))
		return
	}
	for _, succ := range successors {
		if err := q.submitSuccessor(ctx, succ, result); err != nil {
			if errors.Is(err, domain.ErrDuplicateSubmission) {
				q.deps.Logger.Debug("successor already submitted",
					slog.String("task_id", succ.ID.String()))
				continue
			}
			q.deps.Logger.Error("failed to submit successor",
				slog.String("task_id", succ.ID.String()),
				slog.String("error", err.Error()))
		}
	}
}

func (q *Queue) submitSuccessor(ctx context.Context, succ *domain.Task, result any) error {
	if result != nil {
		return q.Submit(ctx, succ, result)
	}
	return q.Submit(ctx, succ)
}

// ChildSucceeded folds a finished child's result into the parent and applies
// the fan-in rule: once every child is successful, the parent itself
// succeeds. The result lands on the parent only when the child is the one
// the parent is waiting on and the parent has not already erred; a parent
// in a terminal state never transitions again. Children finishing
// concurrently may race on the parent record; a version conflict is
// resolved by re-reading the parent and evaluating again.
func (q *Queue) ChildSucceeded(ctx context.Context, parent, child *domain.Task, result any) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			if refreshErr := q.refresh(ctx, parent); refreshErr != nil {
				return refreshErr
			}
		}
		err = q.childSucceededOnce(ctx, parent, child, result)
		if !store.IsConflictError(err) {
			return err
		}
	}
	return err
}

func (q *Queue) childSucceededOnce(ctx context.Context, parent, child *domain.Task, result any) error {
	s := q.storesFor(ctx)

	waitingOnChild := parent.WaitingOnID != nil && *parent.WaitingOnID == child.ID
	if waitingOnChild && !parent.Status.IsError() {
		parent.Details.Result = result
		if err := s.Tasks.Update(ctx, parent); err != nil {
			return fmt.Errorf("failed to store child result on task %s: %w", parent.ID, err)
		}
	}

	// Terminal parents keep their status; the fan-in rule only completes
	// parents still in flight.
	if parent.Status.IsDone() {
		return nil
	}

	children, err := s.Tasks.ListChildren(ctx, parent.ID)
	if err != nil {
		return fmt.Errorf("failed to list children of task %s: %w", parent.ID, err)
	}
	for _, c := range children {
		if c.Status != domain.StatusSuccess {
			return nil
		}
	}

	q.deps.Logger.Info("all children succeeded",
		slog.String("task_id", parent.ID.String()),
		slog.String("func", parent.Signature.FuncName))
	return q.Success(ctx, parent, nil)
}

// Failure records an error outcome and cascades it up the ancestor chain: a
// waiting ancestor becomes incomplete (its dependency failed, not its own
// code), anything else still in flight becomes failure. Ancestors already
// terminal keep their status but do not stop the walk. Once the whole chain
// is persisted, every affected task's error callbacks run, outermost
// ancestor first; a callback's panic or error is isolated so it cannot
// starve the remaining callbacks.
func (q *Queue) Failure(ctx context.Context, t *domain.Task, cause error) error {
	if cause == nil {
		cause = errors.New("task failed")
	}

	visited := make(map[uuid.UUID]bool)
	var affected []*domain.Task

	cur := t
	for {
		if visited[cur.ID] {
			return fmt.Errorf("parent chain of task %s forms a cycle at %s", t.ID, cur.ID)
		}
		visited[cur.ID] = true

		mutated, err := q.failOne(ctx, cur, cause)
		if store.IsConflictError(err) {
			if refreshErr := q.refresh(ctx, cur); refreshErr != nil {
				return refreshErr
			}
			mutated, err = q.failOne(ctx, cur, cause)
		}
		if err != nil {
			return err
		}
		if mutated {
			affected = append(affected, cur)
		}

		if cur.ParentID == nil {
			break
		}
		parent, err := q.storesFor(ctx).Tasks.GetByID(ctx, *cur.ParentID)
		if err != nil {
			return fmt.Errorf("failed to load parent of task %s: %w", cur.ID, err)
		}
		cur = parent
	}

	for i := len(affected) - 1; i >= 0; i-- {
		q.runErrbacks(ctx, affected[i], cause)
	}
	return nil
}

// failOne persists the failure outcome on a single task and reports whether
// it mutated the record. Tasks already terminal are left untouched.
func (q *Queue) failOne(ctx context.Context, t *domain.Task, cause error) (bool, error) {
	if t.Status.IsDone() {
		return false, nil
	}

	t.Details.Error = cause.Error()
	t.Details.Exception = exceptionName(cause)
	if stack := stackOf(cause); stack != "" {
		t.Details.Traceback = stack
	}

	if t.Status == domain.StatusWaiting {
		t.Status = domain.StatusIncomplete
		q.deps.Logger.Error("task incomplete",
			slog.String("task_id", t.ID.String()),
			slog.String("func", t.Signature.FuncName),
			slog.String("error", t.Details.Error))
	} else {
		t.Status = domain.StatusFailure
		q.deps.Logger.Error("task failed",
			slog.String("task_id", t.ID.String()),
			slog.String("func", t.Signature.FuncName),
			slog.String("error", t.Details.Error),
			slog.String("exception", t.Details.Exception))
	}

	t.StampFinished(q.now())
	q.snapshotLogs(ctx, t)

	if err := q.storesFor(ctx).Tasks.Update(ctx, t); err != nil {
		return false, fmt.Errorf("failed to record failure for task %s: %w", t.ID, err)
	}
	return true, nil
}

// runErrbacks invokes every error callback registered on the task, passing
// the causing error ahead of the callback's own arguments.
func (q *Queue) runErrbacks(ctx context.Context, t *domain.Task, cause error) {
	for _, sig := range t.Details.Errbacks {
		q.runErrback(ctx, t, sig, cause)
	}
}

func (q *Queue) runErrback(ctx context.Context, t *domain.Task, sig domain.Signature, cause error) {
	defer func() {
		if r := recover(); r != nil {
			q.deps.Logger.Error("error callback panicked",
				slog.String("task_id", t.ID.String()),
				slog.String("func", sig.FuncName),
				slog.Any("panic", r))
		}
	}()

	tf, err := q.deps.Registry.Resolve(sig.FuncName)
	if err != nil {
		q.deps.Logger.Error("failed to resolve error callback",
			slog.String("task_id", t.ID.String()),
			slog.String("func", sig.FuncName),
			slog.String("error", err.Error()))
		return
	}

	call := registry.Call{
		Task:   t,
		Args:   append([]any{cause}, sig.Args...),
		Kwargs: sig.Kwargs,
	}
	if _, err := tf.Handler(ctx, call); err != nil {
		q.deps.Logger.Error("error callback failed",
			slog.String("task_id", t.ID.String()),
			slog.String("func", sig.FuncName),
			slog.String("error", err.Error()))
	}
}

// AddErrback registers an error callback signature on the task. Callbacks
// run when the task fails, receiving the task and the causing error ahead
// of their own arguments.
func (q *Queue) AddErrback(ctx context.Context, t *domain.Task, sig domain.Signature) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	t.Details.Errbacks = append(t.Details.Errbacks, sig)
	if err := q.storesFor(ctx).Tasks.Update(ctx, t); err != nil {
		return fmt.Errorf("failed to register error callback on task %s: %w", t.ID, err)
	}
	return nil
}

// Waiting parks the task until child finishes, claiming the child as a
// subtask when it has no parent yet. Reassigning a child that already
// belongs to a different parent reports domain.ErrReparenting. An optional
// provisional result may be recorded alongside.
func (q *Queue) Waiting(ctx context.Context, t *domain.Task, child *domain.Task, result any) error {
	s := q.storesFor(ctx)

	if child != nil && (child.ParentID == nil || *child.ParentID != t.ID) {
		if child.ParentID != nil {
			return fmt.Errorf("task %s already belongs to %s: %w",
				child.ID, *child.ParentID, domain.ErrReparenting)
		}
		parentID := t.ID
		child.ParentID = &parentID
		if err := s.Tasks.Update(ctx, child); err != nil {
			return fmt.Errorf("failed to claim task %s as subtask: %w", child.ID, err)
		}
	}

	q.deps.Logger.Info("task waiting",
		slog.String("task_id", t.ID.String()),
		slog.String("func", t.Signature.FuncName))

	t.Status = domain.StatusWaiting
	t.WaitingOnID = nil
	if child != nil {
		childID := child.ID
		t.WaitingOnID = &childID
	}
	if result != nil {
		t.Details.Result = result
	}
	if err := s.Tasks.Update(ctx, t); err != nil {
		return fmt.Errorf("failed to mark task %s waiting: %w", t.ID, err)
	}
	return nil
}

// Revoke cancels the task and its entire subtree: subtasks and chained
// successors, recursively. Records already terminal keep their status, but
// the cascade still descends through them so a finished node's pending
// descendants are cancelled too. Running work is not interrupted;
// revocation only stops tasks that have not started, enforced by the
// revoked check at the top of Submit.
func (q *Queue) Revoke(ctx context.Context, t *domain.Task) error {
	s := q.storesFor(ctx)

	visited := make(map[uuid.UUID]bool)
	pending := []uuid.UUID{t.ID}

	for len(pending) > 0 {
		id := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if visited[id] {
			continue
		}
		visited[id] = true

		if err := q.revokeOne(ctx, id); err != nil {
			return err
		}

		children, err := s.Tasks.ListChildren(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to list children of task %s: %w", id, err)
		}
		for _, c := range children {
			pending = append(pending, c.ID)
		}

		successors, err := s.Tasks.ListSuccessors(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to list successors of task %s: %w", id, err)
		}
		for _, n := range successors {
			pending = append(pending, n.ID)
		}
	}

	return q.refresh(ctx, t)
}

// revokeOne flips a single task to revoked under its lock, unless it has
// already reached a terminal state.
func (q *Queue) revokeOne(ctx context.Context, id uuid.UUID) error {
	unlock, err := q.lock(ctx, id)
	if err != nil {
		return err
	}
	defer q.release(ctx, unlock, id)

	s := q.storesFor(ctx)
	t, err := s.Tasks.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load task %s for revocation: %w", id, err)
	}
	if t.Status.IsDone() {
		return nil
	}

	t.Status = domain.StatusRevoked
	if err := s.Tasks.Update(ctx, t); err != nil {
		return fmt.Errorf("failed to revoke task %s: %w", id, err)
	}

	q.deps.Logger.Info("task revoked",
		slog.String("task_id", id.String()),
		slog.String("func", t.Signature.FuncName))
	return nil
}

// Retry resets a terminal or parked task to pending and submits it again.
// Bookkeeping from the previous run is cleared first.
func (q *Queue) Retry(ctx context.Context, t *domain.Task) error {
	if err := q.reset(ctx, t); err != nil {
		return err
	}
	return q.Submit(ctx, t)
}

// reset returns the task to pending under its lock, clearing the previous
// run's execution bookkeeping.
func (q *Queue) reset(ctx context.Context, t *domain.Task) error {
	unlock, err := q.lock(ctx, t.ID)
	if err != nil {
		return err
	}
	defer q.release(ctx, unlock, t.ID)

	if err := q.refresh(ctx, t); err != nil {
		return err
	}

	t.Status = domain.StatusPending
	t.Started = nil
	t.Finished = nil
	t.Details = domain.Details{}
	t.AtRisk = domain.AtRiskNone
	if err := q.storesFor(ctx).Tasks.Update(ctx, t); err != nil {
		return fmt.Errorf("failed to reset task %s: %w", t.ID, err)
	}
	return nil
}

// Wait blocks until the task reaches a terminal status, polling the record
// store. A zero timeout waits until ctx is done. Elapsing the timeout is
// not an error: Wait stops polling and leaves the last observed record on
// t, so callers inspect t.Status themselves. Wait is meant for external
// callers; workers never block on other tasks.
func (q *Queue) Wait(ctx context.Context, t *domain.Task, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = q.now().Add(timeout)
	}

	for {
		if err := q.refresh(ctx, t); err != nil {
			return err
		}
		if t.Status.IsDone() {
			return nil
		}
		if !deadline.IsZero() && !q.now().Before(deadline) {
			q.deps.Logger.Debug("wait deadline elapsed",
				slog.String("task_id", t.ID.String()),
				slog.String("status", string(t.Status)))
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(q.opts.PollInterval):
		}
	}
}

// snapshotLogs copies the task's live log buffer into the record for
// permanent retention. A buffer read failure is logged and leaves any
// existing snapshot in place.
func (q *Queue) snapshotLogs(ctx context.Context, t *domain.Task) {
	entries, err := q.deps.Logs.Read(ctx, logKey(t.ID))
	if err != nil {
		q.deps.Logger.Warn("failed to read log buffer",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()))
		return
	}
	t.Details.Logs = entries
}
