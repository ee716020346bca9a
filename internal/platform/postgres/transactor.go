package postgres

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/queueworks/chainq/internal/store"
)

// Transactor runs store operations inside PostgreSQL transactions. It binds
// the task and repeating task stores to a single *sql.Tx, exposes them to
// the wrapped function through the context, and fires commit hooks only
// after the transaction has actually committed.
type Transactor struct {
	db             *sql.DB
	tasks          *PostgresTaskStore
	repeatingTasks *PostgresRepeatingTaskStore
	logger         *slog.Logger
}

// NewTransactor creates a Transactor over the given database handle.
// If logger is nil, a default logger will be used.
func NewTransactor(
	db *sql.DB,
	tasks *PostgresTaskStore,
	repeatingTasks *PostgresRepeatingTaskStore,
	logger *slog.Logger,
) *Transactor {
	if db == nil {
		panic("db cannot be nil")
	}
	if tasks == nil || repeatingTasks == nil {
		panic("stores cannot be nil")
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Transactor{
		db:             db,
		tasks:          tasks,
		repeatingTasks: repeatingTasks,
		logger:         logger.With(slog.String("component", "transactor")),
	}
}

// Ensure Transactor implements store.Transactor interface
var _ store.Transactor = (*Transactor)(nil)

// InTransaction implements store.Transactor.
// A context that already carries a transaction joins it: the inner call
// runs against the ambient transaction-bound stores and leaves commit and
// hook firing to the outermost caller. Otherwise a fresh transaction is
// opened, and hooks registered during fn run after commit with the original
// transaction-free context.
func (t *Transactor) InTransaction(ctx context.Context, fn store.AtomicFn) error {
	if s, _, ok := store.TxFromContext(ctx); ok {
		return fn(ctx, s)
	}

	var hooks *store.CommitHooks
	err := store.RunInTransaction(ctx, t.db, func(txRunCtx context.Context, tx *sql.Tx) error {
		bound := store.Stores{
			Tasks:          t.tasks.WithTx(tx),
			RepeatingTasks: t.repeatingTasks.WithTx(tx),
		}
		txCtx, h := store.ContextWithTx(txRunCtx, bound)
		hooks = h
		return fn(txCtx, bound)
	})
	if err != nil {
		return err
	}

	hooks.Fire(ctx)
	return nil
}
