package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/queueworks/chainq/internal/domain"
)

// TaskStore defines the interface for task record persistence. Graph
// relationships are never walked through object references: the queue asks
// the store for children and successors by ID so that implementations stay
// free to index them however they like.
type TaskStore interface {
	// Create saves a new task to the store.
	// It handles domain validation internally.
	// Returns ErrDuplicate if a task with the same ID already exists.
	Create(ctx context.Context, task *domain.Task) error

	// GetByID retrieves a task by its unique ID.
	// Returns ErrTaskNotFound if the task does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// Update saves changes to an existing task. The write is guarded by the
	// task's version: if the stored row has moved on since the caller's
	// read, Update returns ErrConflict and changes nothing. On success the
	// task's Version field is advanced to match the store.
	// Returns ErrTaskNotFound if the task does not exist.
	Update(ctx context.Context, task *domain.Task) error

	// ListChildren retrieves the tasks whose parent is the given task,
	// ordered by submission time.
	// Returns an empty slice if the task has no children.
	ListChildren(ctx context.Context, parentID uuid.UUID) ([]*domain.Task, error)

	// ListSuccessors retrieves the tasks chained directly after the given
	// task, ordered by submission time.
	// Returns an empty slice if nothing is chained after the task.
	ListSuccessors(ctx context.Context, previousID uuid.UUID) ([]*domain.Task, error)

	// CountActive counts tasks for the named function whose status is in
	// the active set. The scheduler uses this to coalesce repeating runs.
	CountActive(ctx context.Context, funcName string) (int, error)

	// CountByStatus tallies stored tasks per status.
	CountByStatus(ctx context.Context) (map[domain.Status]int, error)

	// PurgeExpired deletes done tasks whose result expiry has passed and
	// that no other task still references. Trees are reaped leaf-first
	// across successive calls. Returns the number of tasks deleted.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)

	// WithTx returns a new TaskStore instance that uses the provided transaction.
	// This allows for multiple operations to be executed within a single transaction.
	WithTx(tx *sql.Tx) TaskStore
}
