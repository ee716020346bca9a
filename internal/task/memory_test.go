package task

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queueworks/chainq/internal/domain"
)

func TestMemoryLocker_MutualExclusion(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	unlock, err := l.Acquire(ctx, "task:1", 0)
	require.NoError(t, err)

	blocked, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(blocked, "task:1", 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// A different key is a different lock.
	other, err := l.Acquire(ctx, "task:2", 0)
	require.NoError(t, err)
	require.NoError(t, other(ctx))

	require.NoError(t, unlock(ctx))

	again, err := l.Acquire(ctx, "task:1", 0)
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestMemoryLocker_TTLExpiry(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	// Never unlocked; the ttl has to free it.
	_, err := l.Acquire(ctx, "task:1", 20*time.Millisecond)
	require.NoError(t, err)

	waiting, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	unlock, err := l.Acquire(waiting, "task:1", 0)
	require.NoError(t, err, "expiry releases an abandoned lock")
	require.NoError(t, unlock(ctx))
}

func TestMemoryLocker_UnlockIsIdempotent(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	unlock, err := l.Acquire(ctx, "task:1", 0)
	require.NoError(t, err)
	require.NoError(t, unlock(ctx))
	require.NoError(t, unlock(ctx))

	// The double unlock must not have freed a slot twice.
	held, err := l.Acquire(ctx, "task:1", 0)
	require.NoError(t, err)

	blocked, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(blocked, "task:1", 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, held(ctx))
}

func TestMemoryChannel_PublishUntilFull(t *testing.T) {
	ch := NewMemoryChannel(2)
	ctx := context.Background()

	require.NoError(t, ch.Publish(ctx, uuid.New()))
	require.NoError(t, ch.Publish(ctx, uuid.New()))

	err := ch.Publish(ctx, uuid.New())
	require.ErrorIs(t, err, ErrChannelFull)
	assert.Contains(t, err.Error(), "capacity 2")
}

func TestMemoryChannel_ConsumeDelivers(t *testing.T) {
	ch := NewMemoryChannel(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := uuid.New()
	second := uuid.New()
	require.NoError(t, ch.Publish(ctx, first))
	require.NoError(t, ch.Publish(ctx, second))

	got := make(chan uuid.UUID, 4)
	errc := make(chan error, 1)
	go func() {
		errc <- ch.Consume(ctx, func(_ context.Context, id uuid.UUID) error {
			got <- id
			return nil
		})
	}()

	assert.Equal(t, first, <-got)
	assert.Equal(t, second, <-got)

	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
}

func TestMemoryLogBuffer_AppendReadDrop(t *testing.T) {
	buf := NewMemoryLogBuffer()
	ctx := context.Background()

	missing, err := buf.Read(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, missing)

	require.NoError(t, buf.Append(ctx, "k", domain.LogEntry{Message: "one"}))
	require.NoError(t, buf.Append(ctx, "k", domain.LogEntry{Message: "two"}))

	entries, err := buf.Read(ctx, "k")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "one", entries[0].Message)
	assert.Equal(t, "two", entries[1].Message)

	// Reads hand out copies.
	entries[0].Message = "mutated"
	entries, err = buf.Read(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "one", entries[0].Message)

	buf.Drop("k")
	entries, err = buf.Read(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
