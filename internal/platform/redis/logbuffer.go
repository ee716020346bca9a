package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/queueworks/chainq/internal/domain"
	"github.com/queueworks/chainq/internal/task"
)

// DefaultLogBufferTTL bounds how long a task tree's live log list survives
// without new entries. Completed tasks snapshot the list into their record,
// so the buffer only needs to outlive the tree's execution.
const DefaultLogBufferTTL = 24 * time.Hour

// LogBuffer implements task.LogBuffer on a Redis list per task tree. Each
// entry is one JSON-encoded list element, appended in log order.
type LogBuffer struct {
	client *redis.Client
	ttl    time.Duration
}

var _ task.LogBuffer = (*LogBuffer)(nil)

// NewLogBuffer creates a LogBuffer over the given Redis client. A zero ttl
// selects DefaultLogBufferTTL.
func NewLogBuffer(client *redis.Client, ttl time.Duration) *LogBuffer {
	if client == nil {
		panic("redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultLogBufferTTL
	}
	return &LogBuffer{client: client, ttl: ttl}
}

// Append implements task.LogBuffer. Every append pushes the expiry out, so
// a tree that keeps logging keeps its buffer.
func (b *LogBuffer) Append(ctx context.Context, key string, entry domain.LogEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.Expire(ctx, key, b.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}
	return nil
}

// Read implements task.LogBuffer.
func (b *LogBuffer) Read(ctx context.Context, key string) ([]domain.LogEntry, error) {
	raw, err := b.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read log entries: %w", err)
	}

	entries := make([]domain.LogEntry, 0, len(raw))
	for _, item := range raw {
		var entry domain.LogEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("failed to decode log entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
