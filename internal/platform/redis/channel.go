package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/queueworks/chainq/internal/task"
)

const (
	// defaultStream is the stream task notifications land on.
	defaultStream = "chainq:tasks"

	// defaultGroup shares the stream between workers so each notification
	// is delivered to exactly one of them.
	defaultGroup = "chainq-workers"

	// fieldTaskID is the message field carrying the task id.
	fieldTaskID = "task_id"

	// readBlock bounds a single blocking read so the consume loop notices
	// context cancellation even on an idle stream.
	readBlock = time.Second

	// readBatch is how many messages one read may claim.
	readBatch = 16

	// ackTimeout bounds the acknowledgement of a handled message.
	ackTimeout = 5 * time.Second
)

// Channel implements task.Channel on a Redis stream. Publish appends a
// notification; Consume reads them through a consumer group so multiple
// worker processes share the stream without duplicate delivery.
type Channel struct {
	client   *redis.Client
	stream   string
	group    string
	capacity int64
	logger   *slog.Logger
}

var _ task.Channel = (*Channel)(nil)

// NewChannel creates a Channel over the given Redis client. Empty stream and
// group names select the defaults. A capacity of zero or less leaves the
// stream unbounded; otherwise Publish refuses to grow the stream past it.
// If logger is nil, a default logger will be used.
func NewChannel(client *redis.Client, stream, group string, capacity int64, logger *slog.Logger) *Channel {
	if client == nil {
		panic("redis client cannot be nil")
	}
	if stream == "" {
		stream = defaultStream
	}
	if group == "" {
		group = defaultGroup
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Channel{
		client:   client,
		stream:   stream,
		group:    group,
		capacity: capacity,
		logger:   logger.With(slog.String("component", "channel")),
	}
}

// Publish implements task.Channel.
func (c *Channel) Publish(ctx context.Context, taskID uuid.UUID) error {
	if c.capacity > 0 {
		backlog, err := c.client.XLen(ctx, c.stream).Result()
		if err != nil {
			return fmt.Errorf("failed to check channel backlog: %w", err)
		}
		if backlog >= c.capacity {
			return fmt.Errorf("%w: stream %s holds %d entries", task.ErrChannelFull, c.stream, backlog)
		}
	}

	err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.stream,
		Values: map[string]interface{}{fieldTaskID: taskID.String()},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish task %s: %w", taskID, err)
	}
	return nil
}

// Consume delivers published task ids to fn until ctx is done. The first
// read replays deliveries this consumer never acknowledged, so a worker
// that died mid-batch sees its messages again on restart. Handler errors
// are logged, not returned: the task record already carries the outcome,
// and the message is acknowledged either way.
func (c *Channel) Consume(ctx context.Context, fn func(context.Context, uuid.UUID) error) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}

	consumer := consumerName()
	backlog := true
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ids := ">"
		if backlog {
			ids = "0"
		}

		result, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: consumer,
			Streams:  []string{c.stream, ids},
			Count:    readBatch,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Nothing arrived within the block window.
				backlog = false
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read from channel: %w", err)
		}
		backlog = false

		for _, stream := range result {
			for _, msg := range stream.Messages {
				c.handle(ctx, fn, msg)
			}
		}
	}
}

// ensureGroup creates the consumer group, tolerating a group that already
// exists.
func (c *Channel) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "exists") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// handle dispatches one message and acknowledges it.
func (c *Channel) handle(ctx context.Context, fn func(context.Context, uuid.UUID) error, msg redis.XMessage) {
	raw, _ := msg.Values[fieldTaskID].(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		c.logger.Error("dropping message without a task id",
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()))
	} else if err := fn(ctx, id); err != nil {
		c.logger.Error("task handler failed",
			slog.String("task_id", id.String()),
			slog.String("error", err.Error()))
	}

	// The ack runs on its own context so a shutdown mid-batch cannot strand
	// an already handled message in the pending list.
	ackCtx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	if err := c.client.XAck(ackCtx, c.stream, c.group, msg.ID).Err(); err != nil {
		c.logger.Error("failed to acknowledge message",
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()))
	}
}

// consumerName identifies this process within the consumer group.
func consumerName() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}
