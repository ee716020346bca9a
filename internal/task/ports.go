package task

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/queueworks/chainq/internal/domain"
)

// ErrChannelFull is returned by Channel.Publish when the transport cannot
// accept another message. Submit reacts by parking the task in retry for an
// external sweeper to pick up.
var ErrChannelFull = errors.New("message channel is full")

// UnlockFunc releases a held lock. It is safe to call at most once; the
// error reports release failures such as an already expired lease.
type UnlockFunc func(ctx context.Context) error

// Locker is a named, expiry-bounded mutual exclusion primitive. The queue
// keys locks by task id to serialize read-modify-write cycles on a task
// record across workers and servers.
type Locker interface {
	// Acquire blocks until the named lock is held or ctx is done. The lock
	// expires after ttl even if never released, so a crashed holder cannot
	// wedge other actors indefinitely.
	Acquire(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}

// LogBuffer accumulates log entries for a running task tree before they are
// persisted to the task record. Entries for a whole tree live under the
// root task's key.
type LogBuffer interface {
	// Append adds one entry under key.
	Append(ctx context.Context, key string, entry domain.LogEntry) error

	// Read returns every entry under key in append order. A missing key
	// yields an empty slice.
	Read(ctx context.Context, key string) ([]domain.LogEntry, error)
}

// Channel notifies workers that a task is ready to run. Publish may fail
// with ErrChannelFull under pressure; any other error is a transport fault.
type Channel interface {
	Publish(ctx context.Context, taskID uuid.UUID) error
}
