package task

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/queueworks/chainq/internal/domain"
)

// ChainOptions adjust how a composed task is created and linked.
type ChainOptions struct {
	// Parent owns the new task. When nil and Previous is set, the
	// predecessor's parent is inherited so that logging and revocation keep
	// scoping to the same root.
	Parent *domain.Task

	// Previous is the predecessor whose success submits the new task.
	Previous *domain.Task

	// NoSubmit leaves the task pending even when it could run immediately.
	NoSubmit bool

	// ResultTTL overrides the default retention for the task's result.
	ResultTTL time.Duration
}

// Chain creates a task linked after a predecessor. The predecessor's
// success submits it with the predecessor's result as the first argument.
// If the resolved parent has already succeeded, the task is submitted
// immediately: the fan-in events that would normally pick it up have
// already fired and will not come again. Otherwise it stays pending, which
// keeps chained tasks from racing ahead of a still-running predecessor.
func (q *Queue) Chain(ctx context.Context, sig domain.Signature, opts ChainOptions) (*domain.Task, error) {
	t, err := domain.NewTask(sig)
	if err != nil {
		return nil, err
	}
	if opts.ResultTTL > 0 {
		t.ResultTTL = opts.ResultTTL
	}

	var parentID *uuid.UUID
	switch {
	case opts.Parent != nil:
		id := opts.Parent.ID
		parentID = &id
	case opts.Previous != nil && opts.Previous.ParentID != nil:
		id := *opts.Previous.ParentID
		parentID = &id
	}
	t.ParentID = parentID
	if opts.Previous != nil {
		id := opts.Previous.ID
		t.PreviousID = &id
	}

	if err := q.storesFor(ctx).Tasks.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	q.deps.Logger.Debug("task created",
		"task_id", t.ID.String(),
		"func", t.Signature.FuncName)

	if parentID != nil && !opts.NoSubmit {
		if err := q.submitIfParentSucceeded(ctx, t, *parentID); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// submitIfParentSucceeded submits a freshly chained task when its parent
// has already reached success. A successor normally rides its predecessor's
// success hook; if the surrounding tree finished before this task existed,
// that hook has already run and the task would sit pending forever.
func (q *Queue) submitIfParentSucceeded(ctx context.Context, t *domain.Task, parentID uuid.UUID) error {
	unlock, err := q.lock(ctx, parentID)
	if err != nil {
		return err
	}
	defer q.release(ctx, unlock, parentID)

	s := q.storesFor(ctx)
	parent, err := s.Tasks.GetByID(ctx, parentID)
	if err != nil {
		return fmt.Errorf("failed to load parent %s: %w", parentID, err)
	}
	if parent.Status != domain.StatusSuccess {
		return nil
	}

	var preArgs []any
	if t.PreviousID != nil {
		prev, err := s.Tasks.GetByID(ctx, *t.PreviousID)
		if err != nil {
			return fmt.Errorf("failed to load predecessor %s: %w", *t.PreviousID, err)
		}
		if prev.Status == domain.StatusSuccess && prev.Result() != nil {
			preArgs = append(preArgs, prev.Result())
		}
	}
	return q.Submit(ctx, t, preArgs...)
}

// Delay creates a standalone task, optionally under a parent, and submits
// it right away unless NoSubmit is set. The Previous option is ignored:
// delayed tasks have no predecessor and are never gated.
func (q *Queue) Delay(ctx context.Context, sig domain.Signature, opts ChainOptions) (*domain.Task, error) {
	create := opts
	create.Previous = nil
	create.NoSubmit = true

	t, err := q.Chain(ctx, sig, create)
	if err != nil {
		return nil, err
	}
	if !opts.NoSubmit {
		if err := q.Submit(ctx, t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Subtask creates and submits a child task of parent. The child runs
// concurrently with the parent; the parent is not complete until every
// child succeeds, and typically calls Waiting to block on one of them.
func (q *Queue) Subtask(ctx context.Context, parent *domain.Task, sig domain.Signature) (*domain.Task, error) {
	return q.Delay(ctx, sig, ChainOptions{Parent: parent})
}

// ChainAfter creates a task that runs after prev with prev's result as its
// first argument, inheriting prev's parent.
func (q *Queue) ChainAfter(ctx context.Context, prev *domain.Task, sig domain.Signature) (*domain.Task, error) {
	return q.Chain(ctx, sig, ChainOptions{Previous: prev})
}
