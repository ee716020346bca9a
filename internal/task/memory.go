package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/queueworks/chainq/internal/domain"
)

// MemoryLocker is an in-process Locker keyed by name. Acquired locks expire
// after their ttl like their distributed counterparts, so a holder that
// never unlocks cannot wedge other goroutines forever.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

var _ Locker = (*MemoryLocker)(nil)

// NewMemoryLocker creates an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]chan struct{})}
}

// Acquire implements Locker.
func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error) {
	ch := l.channelFor(key)

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to acquire lock %q: %w", key, ctx.Err())
	}

	var once sync.Once
	release := func() {
		once.Do(func() { <-ch })
	}

	var timer *time.Timer
	if ttl > 0 {
		timer = time.AfterFunc(ttl, release)
	}

	return func(context.Context) error {
		if timer != nil {
			timer.Stop()
		}
		release()
		return nil
	}, nil
}

func (l *MemoryLocker) channelFor(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[key] = ch
	}
	return ch
}

// MemoryLogBuffer is an in-process LogBuffer.
type MemoryLogBuffer struct {
	mu      sync.Mutex
	entries map[string][]domain.LogEntry
}

var _ LogBuffer = (*MemoryLogBuffer)(nil)

// NewMemoryLogBuffer creates an empty in-process log buffer.
func NewMemoryLogBuffer() *MemoryLogBuffer {
	return &MemoryLogBuffer{entries: make(map[string][]domain.LogEntry)}
}

// Append implements LogBuffer.
func (b *MemoryLogBuffer) Append(_ context.Context, key string, entry domain.LogEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = append(b.entries[key], entry)
	return nil
}

// Read implements LogBuffer.
func (b *MemoryLogBuffer) Read(_ context.Context, key string) ([]domain.LogEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]domain.LogEntry, len(b.entries[key]))
	copy(out, b.entries[key])
	return out, nil
}

// Drop discards everything under key, the way a cache expiry would.
func (b *MemoryLogBuffer) Drop(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
}

// MemoryChannel is a buffered in-process Channel. Publish fails with
// ErrChannelFull once the buffer is at capacity, mirroring a saturated
// broker.
type MemoryChannel struct {
	ids chan uuid.UUID
}

var _ Channel = (*MemoryChannel)(nil)

// NewMemoryChannel creates a channel holding at most capacity undelivered
// task ids.
func NewMemoryChannel(capacity int) *MemoryChannel {
	return &MemoryChannel{ids: make(chan uuid.UUID, capacity)}
}

// Publish implements Channel.
func (c *MemoryChannel) Publish(_ context.Context, taskID uuid.UUID) error {
	select {
	case c.ids <- taskID:
		return nil
	default:
		return fmt.Errorf("%w: capacity %d reached", ErrChannelFull, cap(c.ids))
	}
}

// Consume delivers published task ids to fn until ctx is done. Errors from
// fn are the handler's own concern; delivery continues regardless.
func (c *MemoryChannel) Consume(ctx context.Context, fn func(context.Context, uuid.UUID) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id := <-c.ids:
			// Handler outcomes are handled downstream; an undeliverable id
			// has nowhere to be re-queued in memory.
			_ = fn(ctx, id)
		}
	}
}

// Receive exposes the underlying delivery channel for callers that drain
// ids themselves.
func (c *MemoryChannel) Receive() <-chan uuid.UUID {
	return c.ids
}
