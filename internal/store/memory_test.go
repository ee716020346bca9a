package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/queueworks/chainq/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStoredTask(t *testing.T, s TaskStore, funcName string) *domain.Task {
	t.Helper()
	task, err := domain.NewTask(domain.NewSignature(funcName, nil, nil))
	require.NoError(t, err)
	require.NoError(t, s.Create(context.Background(), task))
	return task
}

func TestMemoryTaskStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStores().Tasks()

	task, err := domain.NewTask(domain.NewSignature("reports.build", []any{42}, nil))
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, task))

	// Duplicate IDs are refused.
	err = s.Create(ctx, task)
	assert.ErrorIs(t, err, ErrDuplicate)

	got, err := s.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, domain.StatusPending, got.Status)

	// Argument values come back as they would from a JSONB column.
	require.Len(t, got.Signature.Args, 1)
	assert.EqualValues(t, 42, got.Signature.Args[0])

	_, err = s.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestMemoryTaskStore_CreateInvalid(t *testing.T) {
	s := NewMemoryStores().Tasks()

	err := s.Create(context.Background(), &domain.Task{})
	assert.ErrorIs(t, err, ErrInvalidEntity)
}

func TestMemoryTaskStore_UpdateVersioning(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStores().Tasks()
	task := newStoredTask(t, s, "reports.build")

	task.Status = domain.StatusQueued
	require.NoError(t, s.Update(ctx, task))
	assert.Equal(t, int64(2), task.Version, "successful update should advance the caller's version")

	// A stale copy loses the version race.
	stale := *task
	stale.Version = 1
	err := s.Update(ctx, &stale)
	assert.ErrorIs(t, err, ErrConflict)

	// The current copy still wins.
	task.Status = domain.StatusRunning
	require.NoError(t, s.Update(ctx, task))

	got, err := s.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.Equal(t, int64(3), got.Version)

	missing, err := domain.NewTask(domain.NewSignature("reports.build", nil, nil))
	require.NoError(t, err)
	err = s.Update(ctx, missing)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestMemoryTaskStore_ListChildrenAndSuccessors(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStores().Tasks()

	parent := newStoredTask(t, s, "batch.run")

	makeLinked := func(funcName string, link func(*domain.Task)) *domain.Task {
		task, err := domain.NewTask(domain.NewSignature(funcName, nil, nil))
		require.NoError(t, err)
		link(task)
		require.NoError(t, s.Create(ctx, task))
		return task
	}

	childA := makeLinked("batch.shard", func(task *domain.Task) { task.ParentID = &parent.ID })
	childB := makeLinked("batch.shard", func(task *domain.Task) { task.ParentID = &parent.ID })
	next := makeLinked("batch.finish", func(task *domain.Task) { task.PreviousID = &parent.ID })

	children, err := s.ListChildren(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, childA.ID, children[0].ID, "children should come back in submission order")
	assert.Equal(t, childB.ID, children[1].ID)

	successors, err := s.ListSuccessors(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, successors, 1)
	assert.Equal(t, next.ID, successors[0].ID)

	none, err := s.ListChildren(ctx, next.ID)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryTaskStore_CountActive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStores().Tasks()

	newStoredTask(t, s, "cache.refresh")

	running := newStoredTask(t, s, "cache.refresh")
	running.Status = domain.StatusRunning
	require.NoError(t, s.Update(ctx, running))

	done := newStoredTask(t, s, "cache.refresh")
	done.Status = domain.StatusSuccess
	require.NoError(t, s.Update(ctx, done))

	// Retry does not count as active.
	parked := newStoredTask(t, s, "cache.refresh")
	parked.Status = domain.StatusRetry
	require.NoError(t, s.Update(ctx, parked))

	newStoredTask(t, s, "other.func")

	count, err := s.CountActive(ctx, "cache.refresh")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "pending and running tasks are active; success and retry are not")
}

func TestMemoryTaskStore_CountByStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStores().Tasks()

	newStoredTask(t, s, "a.one")
	newStoredTask(t, s, "a.two")
	failed := newStoredTask(t, s, "a.three")
	failed.Status = domain.StatusFailure
	require.NoError(t, s.Update(ctx, failed))

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[domain.StatusPending])
	assert.Equal(t, 1, counts[domain.StatusFailure])
}

func TestMemoryTaskStore_PurgeExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStores().Tasks()
	now := time.Now().UTC()

	finish := func(task *domain.Task, expiry time.Time) {
		task.Status = domain.StatusSuccess
		task.StampFinished(now.Add(-time.Hour))
		task.ResultExpiry = &expiry
		require.NoError(t, s.Update(ctx, task))
	}

	expired := newStoredTask(t, s, "reports.build")
	finish(expired, now.Add(-time.Minute))

	fresh := newStoredTask(t, s, "reports.build")
	finish(fresh, now.Add(time.Hour))

	// Still pending, no expiry set.
	active := newStoredTask(t, s, "reports.build")

	// An expired parent survives while a child still references it.
	parent := newStoredTask(t, s, "reports.build")
	finish(parent, now.Add(-time.Minute))
	child, err := domain.NewTask(domain.NewSignature("reports.render", nil, nil))
	require.NoError(t, err)
	child.ParentID = &parent.ID
	require.NoError(t, s.Create(ctx, child))

	purged, err := s.PurgeExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = s.GetByID(ctx, expired.ID)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	for _, id := range []uuid.UUID{fresh.ID, active.ID, parent.ID, child.ID} {
		_, err = s.GetByID(ctx, id)
		assert.NoError(t, err)
	}
}

func TestMemoryRepeatingTaskStore_CRUDAndDue(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStores()
	s := m.RepeatingTasks()

	rt, err := domain.NewRepeatingTask("*/10 * * * *", "cache.refresh", nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, rt))

	err = s.Create(ctx, rt)
	assert.ErrorIs(t, err, ErrDuplicate)

	got, err := s.GetByID(ctx, rt.ID)
	require.NoError(t, err)
	assert.Equal(t, "cache.refresh", got.FuncName)

	_, err = s.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrRepeatingTaskNotFound)

	// Never-scheduled templates are not due.
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	due, err := s.ListDue(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)

	rt.Advance(now.Add(-20*time.Minute), now.Add(-10*time.Minute))
	require.NoError(t, s.Update(ctx, rt))

	later, err := domain.NewRepeatingTask("0 0 * * *", "reports.nightly", nil, nil)
	require.NoError(t, err)
	later.Advance(now, now.Add(12*time.Hour))
	require.NoError(t, s.Create(ctx, later))

	due, err = s.ListDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, rt.ID, due[0].ID)
}
