package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLocker_NilClientPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewLocker(nil)
	})
}

func TestLocker_MutualExclusion(t *testing.T) {
	_, client := setupRedis(t)
	locker := NewLocker(client)
	ctx := context.Background()

	unlock, err := locker.Acquire(ctx, "task:a", time.Minute)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(waitCtx, "task:a", time.Minute)
	require.Error(t, err, "a held lock must not be acquired twice")

	require.NoError(t, unlock(ctx))

	unlock, err = locker.Acquire(ctx, "task:a", time.Minute)
	require.NoError(t, err, "a released lock is free for the next holder")
	require.NoError(t, unlock(ctx))
}

func TestLocker_KeysAreIndependent(t *testing.T) {
	_, client := setupRedis(t)
	locker := NewLocker(client)
	ctx := context.Background()

	unlockA, err := locker.Acquire(ctx, "task:a", time.Minute)
	require.NoError(t, err)

	unlockB, err := locker.Acquire(ctx, "task:b", time.Minute)
	require.NoError(t, err, "locks on different keys must not contend")

	require.NoError(t, unlockB(ctx))
	require.NoError(t, unlockA(ctx))
}

func TestLocker_ExpiredLeaseCanBeReacquired(t *testing.T) {
	s, client := setupRedis(t)
	locker := NewLocker(client)
	ctx := context.Background()

	_, err := locker.Acquire(ctx, "task:a", 50*time.Millisecond)
	require.NoError(t, err)

	// The holder dies without releasing; its lease lapses instead.
	s.FastForward(100 * time.Millisecond)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	unlock, err := locker.Acquire(waitCtx, "task:a", time.Minute)
	require.NoError(t, err, "an expired lease must not block new holders")
	require.NoError(t, unlock(ctx))
}

func TestLocker_UnlockReportsLapsedLease(t *testing.T) {
	s, client := setupRedis(t)
	locker := NewLocker(client)
	ctx := context.Background()

	unlock, err := locker.Acquire(ctx, "task:a", 50*time.Millisecond)
	require.NoError(t, err)

	s.FastForward(100 * time.Millisecond)

	err = unlock(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lapsed")
}
