package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/queueworks/chainq/internal/domain"
)

// RepeatingTaskStore defines the interface for repeating task template
// persistence.
type RepeatingTaskStore interface {
	// Create saves a new repeating task template to the store.
	// It handles domain validation internally.
	// Returns ErrDuplicate if a template with the same ID already exists.
	Create(ctx context.Context, rt *domain.RepeatingTask) error

	// GetByID retrieves a template by its unique ID.
	// Returns ErrRepeatingTaskNotFound if the template does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.RepeatingTask, error)

	// Update saves changes to an existing template.
	// Returns ErrRepeatingTaskNotFound if the template does not exist.
	Update(ctx context.Context, rt *domain.RepeatingTask) error

	// ListDue retrieves templates whose next run is at or before the given
	// time, ordered by next run. Templates that have never been scheduled
	// (nil NextRun) are not due.
	ListDue(ctx context.Context, now time.Time) ([]*domain.RepeatingTask, error)

	// WithTx returns a new RepeatingTaskStore instance that uses the provided
	// transaction.
	WithTx(tx *sql.Tx) RepeatingTaskStore
}
