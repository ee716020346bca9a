package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"

	"github.com/queueworks/chainq/internal/task"
)

// Lock acquisition retries. The retry budget (tries times delay) has to
// exceed the queue's lock TTL so a waiter outlives the expiry of a dead
// holder's lease instead of giving up first.
const (
	lockTries      = 64
	lockRetryDelay = 50 * time.Millisecond
)

// Locker implements task.Locker on redsync distributed mutexes.
type Locker struct {
	rs *redsync.Redsync
}

var _ task.Locker = (*Locker)(nil)

// NewLocker creates a Locker over the given Redis client.
func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		panic("redis client cannot be nil")
	}
	return &Locker{rs: redsync.New(goredis.NewPool(client))}
}

// Acquire implements task.Locker.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (task.UnlockFunc, error) {
	opts := []redsync.Option{
		redsync.WithTries(lockTries),
		redsync.WithRetryDelay(lockRetryDelay),
	}
	if ttl > 0 {
		opts = append(opts, redsync.WithExpiry(ttl))
	}

	mutex := l.rs.NewMutex(key, opts...)
	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to lock %q: %w", key, err)
	}

	return func(ctx context.Context) error {
		ok, err := mutex.UnlockContext(ctx)
		if err != nil {
			return fmt.Errorf("failed to unlock %q: %w", key, err)
		}
		if !ok {
			return fmt.Errorf("lease on %q already lapsed at release time", key)
		}
		return nil
	}, nil
}
