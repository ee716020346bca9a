package redis

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queueworks/chainq/internal/domain"
)

func TestNewLogBuffer_NilClientPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewLogBuffer(nil, 0)
	})
}

func TestLogBuffer_AppendAndRead(t *testing.T) {
	_, client := setupRedis(t)
	buf := NewLogBuffer(client, 0)
	ctx := context.Background()

	origin := uuid.New()
	now := time.Now().UTC()
	first := domain.LogEntry{Timestamp: now, Level: "INFO", Message: "started"}
	second := domain.LogEntry{Origin: origin, Timestamp: now.Add(time.Second), Level: "WARN", Message: "slow"}

	require.NoError(t, buf.Append(ctx, "chainq:root:logs", first))
	require.NoError(t, buf.Append(ctx, "chainq:root:logs", second))

	entries, err := buf.Read(ctx, "chainq:root:logs")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, uuid.Nil, entries[0].Origin)
	assert.Equal(t, "INFO", entries[0].Level)
	assert.Equal(t, "started", entries[0].Message)
	assert.WithinDuration(t, now, entries[0].Timestamp, time.Millisecond)

	assert.Equal(t, origin, entries[1].Origin)
	assert.Equal(t, "WARN", entries[1].Level)
	assert.Equal(t, "slow", entries[1].Message)
}

func TestLogBuffer_ReadMissingKey(t *testing.T) {
	_, client := setupRedis(t)
	buf := NewLogBuffer(client, 0)

	entries, err := buf.Read(context.Background(), "chainq:nothing:logs")
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}

func TestLogBuffer_EntriesExpire(t *testing.T) {
	s, client := setupRedis(t)
	buf := NewLogBuffer(client, time.Hour)
	ctx := context.Background()

	require.NoError(t, buf.Append(ctx, "chainq:root:logs", domain.LogEntry{Level: "INFO", Message: "started"}))
	assert.Equal(t, time.Hour, s.TTL("chainq:root:logs"))

	s.FastForward(2 * time.Hour)

	entries, err := buf.Read(ctx, "chainq:root:logs")
	require.NoError(t, err)
	assert.Empty(t, entries, "an expired buffer reads as missing")
}

func TestLogBuffer_AppendRefreshesExpiry(t *testing.T) {
	s, client := setupRedis(t)
	buf := NewLogBuffer(client, time.Hour)
	ctx := context.Background()

	require.NoError(t, buf.Append(ctx, "chainq:root:logs", domain.LogEntry{Level: "INFO", Message: "first"}))
	s.FastForward(30 * time.Minute)

	require.NoError(t, buf.Append(ctx, "chainq:root:logs", domain.LogEntry{Level: "INFO", Message: "second"}))
	assert.Equal(t, time.Hour, s.TTL("chainq:root:logs"),
		"every append pushes the expiry out for the whole buffer")
}

func TestLogBuffer_DefaultTTLApplied(t *testing.T) {
	s, client := setupRedis(t)
	buf := NewLogBuffer(client, 0)

	require.NoError(t, buf.Append(context.Background(), "chainq:root:logs", domain.LogEntry{Message: "x"}))
	assert.Equal(t, DefaultLogBufferTTL, s.TTL("chainq:root:logs"))
}
