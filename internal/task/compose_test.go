package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queueworks/chainq/internal/domain"
)

func TestDelay_CreatesAndSubmits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.q.Delay(ctx, addSig(), ChainOptions{})
	require.NoError(t, err)

	stored := f.mustGet(t, task.ID)
	assert.Equal(t, domain.StatusQueued, stored.Status)
	assert.Nil(t, stored.ParentID)
	assert.Nil(t, stored.PreviousID)
	assert.Equal(t, domain.DefaultResultTTL, stored.ResultTTL)

	ids := f.drain()
	require.Len(t, ids, 1)
	assert.Equal(t, task.ID, ids[0])
}

func TestDelay_NoSubmitLeavesPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.q.Delay(ctx, addSig(), ChainOptions{NoSubmit: true})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPending, f.mustGet(t, task.ID).Status)
	assert.Empty(t, f.drain())
}

func TestDelay_AppliesResultTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.q.Delay(ctx, addSig(), ChainOptions{NoSubmit: true, ResultTTL: time.Hour})
	require.NoError(t, err)

	assert.Equal(t, time.Hour, f.mustGet(t, task.ID).ResultTTL)
}

func TestDelay_RejectsInvalidSignature(t *testing.T) {
	f := newFixture(t)

	_, err := f.q.Delay(context.Background(), domain.Signature{}, ChainOptions{})
	require.ErrorIs(t, err, domain.ErrEmptyFuncName)
}

func TestSubtask_SetsParentAndSubmits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	parent, err := f.q.Delay(ctx, sigFor("parent"), ChainOptions{NoSubmit: true})
	require.NoError(t, err)

	child, err := f.q.Subtask(ctx, parent, sigFor("child"))
	require.NoError(t, err)

	stored := f.mustGet(t, child.ID)
	require.NotNil(t, stored.ParentID)
	assert.Equal(t, parent.ID, *stored.ParentID)
	assert.Nil(t, stored.PreviousID)
	assert.Equal(t, domain.StatusQueued, stored.Status)

	ids := f.drain()
	require.Len(t, ids, 1)
	assert.Equal(t, child.ID, ids[0])
}

func TestChain_LinksPredecessorAndInheritsParent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root, err := f.q.Delay(ctx, sigFor("root"), ChainOptions{NoSubmit: true})
	require.NoError(t, err)
	prev, err := f.q.Subtask(ctx, root, sigFor("step.one"))
	require.NoError(t, err)

	next, err := f.q.Chain(ctx, sigFor("step.two"), ChainOptions{Previous: prev})
	require.NoError(t, err)

	stored := f.mustGet(t, next.ID)
	require.NotNil(t, stored.PreviousID)
	assert.Equal(t, prev.ID, *stored.PreviousID)
	require.NotNil(t, stored.ParentID)
	assert.Equal(t, root.ID, *stored.ParentID,
		"a chained task scopes to its predecessor's root")
	assert.Equal(t, domain.StatusPending, stored.Status,
		"an unfinished parent gates immediate submission")
}

func TestChain_ExplicitParentWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inherited, err := f.q.Delay(ctx, sigFor("inherited"), ChainOptions{NoSubmit: true})
	require.NoError(t, err)
	prev, err := f.q.Subtask(ctx, inherited, sigFor("step.one"))
	require.NoError(t, err)
	explicit, err := f.q.Delay(ctx, sigFor("explicit"), ChainOptions{NoSubmit: true})
	require.NoError(t, err)

	next, err := f.q.Chain(ctx, sigFor("step.two"), ChainOptions{
		Parent:   explicit,
		Previous: prev,
		NoSubmit: true,
	})
	require.NoError(t, err)

	stored := f.mustGet(t, next.ID)
	require.NotNil(t, stored.ParentID)
	assert.Equal(t, explicit.ID, *stored.ParentID)
}

func TestChain_SubmitsImmediatelyWhenParentAlreadySucceeded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root, err := f.q.Delay(ctx, sigFor("root"), ChainOptions{NoSubmit: true})
	require.NoError(t, err)
	prev, err := f.q.Subtask(ctx, root, sigFor("produce"))
	require.NoError(t, err)

	// The lone subtask succeeding completes the whole tree: nothing would
	// ever submit a successor chained onto it afterwards.
	require.NoError(t, f.q.Success(ctx, prev, "val"))
	require.Equal(t, domain.StatusSuccess, f.mustGet(t, root.ID).Status)
	f.drain()

	late, err := f.q.Chain(ctx, sigFor("late.consumer"), ChainOptions{Previous: prev})
	require.NoError(t, err)

	stored := f.mustGet(t, late.ID)
	assert.Equal(t, domain.StatusQueued, stored.Status,
		"chaining onto a finished tree submits immediately")
	require.NotEmpty(t, stored.Signature.Args)
	assert.Equal(t, "val", stored.Signature.Args[0],
		"the predecessor's result still rides along")

	ids := f.drain()
	require.Len(t, ids, 1)
	assert.Equal(t, late.ID, ids[0])
}

func TestChain_NoSubmitSkipsTheGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root, err := f.q.Delay(ctx, sigFor("root"), ChainOptions{NoSubmit: true})
	require.NoError(t, err)
	prev, err := f.q.Subtask(ctx, root, sigFor("produce"))
	require.NoError(t, err)
	require.NoError(t, f.q.Success(ctx, prev, "val"))
	f.drain()

	late, err := f.q.Chain(ctx, sigFor("late.consumer"), ChainOptions{Previous: prev, NoSubmit: true})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPending, f.mustGet(t, late.ID).Status)
	assert.Empty(t, f.drain())
}

func TestChainAfter_Convenience(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.q.Delay(ctx, sigFor("first"), ChainOptions{NoSubmit: true})
	require.NoError(t, err)

	second, err := f.q.ChainAfter(ctx, first, sigFor("second"))
	require.NoError(t, err)

	stored := f.mustGet(t, second.ID)
	require.NotNil(t, stored.PreviousID)
	assert.Equal(t, first.ID, *stored.PreviousID)
	assert.Nil(t, stored.ParentID)
	assert.Equal(t, domain.StatusPending, stored.Status)
}
