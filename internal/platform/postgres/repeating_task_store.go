package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/queueworks/chainq/internal/domain"
	"github.com/queueworks/chainq/internal/platform/logger"
	"github.com/queueworks/chainq/internal/store"
)

// repeatingTaskColumns is the column list shared by every template SELECT.
// The coalesce flag is stored as coalesce_runs because COALESCE is reserved.
const repeatingTaskColumns = `id, crontab, func_name, args, kwargs,
		result_ttl, coalesce_runs, last_run, next_run, created_at, updated_at`

// PostgresRepeatingTaskStore implements the store.RepeatingTaskStore
// interface using a PostgreSQL database as the storage backend.
type PostgresRepeatingTaskStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresRepeatingTaskStore creates a new PostgreSQL implementation of
// the RepeatingTaskStore interface.
// It accepts a database connection or transaction that should be initialized and managed by the caller.
// If logger is nil, a default logger will be used.
func NewPostgresRepeatingTaskStore(db store.DBTX, logger *slog.Logger) *PostgresRepeatingTaskStore {
	if db == nil {
		panic("db cannot be nil")
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresRepeatingTaskStore{
		db:     db,
		logger: logger.With(slog.String("component", "repeating_task_store")),
	}
}

// Ensure PostgresRepeatingTaskStore implements store.RepeatingTaskStore interface
var _ store.RepeatingTaskStore = (*PostgresRepeatingTaskStore)(nil)

// Create implements store.RepeatingTaskStore.Create
func (s *PostgresRepeatingTaskStore) Create(ctx context.Context, rt *domain.RepeatingTask) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := rt.Validate(); err != nil {
		log.Warn("repeating task validation failed during create",
			slog.String("error", err.Error()),
			slog.String("repeating_task_id", rt.ID.String()))
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	argsJSON, kwargsJSON, err := marshalTemplateJSON(rt)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO repeating_tasks (id, crontab, func_name, args, kwargs,
			result_ttl, coalesce_runs, last_run, next_run, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = s.db.ExecContext(
		ctx,
		query,
		rt.ID,
		rt.Crontab,
		rt.FuncName,
		argsJSON,
		kwargsJSON,
		int64(rt.ResultTTL),
		rt.Coalesce,
		rt.LastRun,
		rt.NextRun,
		rt.CreatedAt,
		rt.UpdatedAt,
	)

	if err != nil {
		log.Error("failed to create repeating task",
			slog.String("error", err.Error()),
			slog.String("repeating_task_id", rt.ID.String()),
			slog.String("func", rt.FuncName))
		return MapError(err)
	}

	log.Debug("repeating task created",
		slog.String("repeating_task_id", rt.ID.String()),
		slog.String("crontab", rt.Crontab),
		slog.String("func", rt.FuncName))
	return nil
}

// GetByID implements store.RepeatingTaskStore.GetByID
func (s *PostgresRepeatingTaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.RepeatingTask, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT ` + repeatingTaskColumns + `
		FROM repeating_tasks
		WHERE id = $1
	`

	rt, err := scanRepeatingTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug("repeating task not found",
				slog.String("repeating_task_id", id.String()))
			return nil, store.ErrRepeatingTaskNotFound
		}
		log.Error("failed to get repeating task by ID",
			slog.String("error", err.Error()),
			slog.String("repeating_task_id", id.String()))
		return nil, MapError(err)
	}

	return rt, nil
}

// Update implements store.RepeatingTaskStore.Update
func (s *PostgresRepeatingTaskStore) Update(ctx context.Context, rt *domain.RepeatingTask) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := rt.Validate(); err != nil {
		log.Warn("repeating task validation failed during update",
			slog.String("error", err.Error()),
			slog.String("repeating_task_id", rt.ID.String()))
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	argsJSON, kwargsJSON, err := marshalTemplateJSON(rt)
	if err != nil {
		return err
	}

	query := `
		UPDATE repeating_tasks
		SET crontab = $1, func_name = $2, args = $3, kwargs = $4,
			result_ttl = $5, coalesce_runs = $6, last_run = $7, next_run = $8,
			updated_at = $9
		WHERE id = $10
	`
	result, err := s.db.ExecContext(
		ctx,
		query,
		rt.Crontab,
		rt.FuncName,
		argsJSON,
		kwargsJSON,
		int64(rt.ResultTTL),
		rt.Coalesce,
		rt.LastRun,
		rt.NextRun,
		rt.UpdatedAt,
		rt.ID,
	)

	if err != nil {
		log.Error("failed to update repeating task",
			slog.String("error", err.Error()),
			slog.String("repeating_task_id", rt.ID.String()))
		return MapError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		log.Error("failed to get rows affected",
			slog.String("error", err.Error()),
			slog.String("repeating_task_id", rt.ID.String()))
		return err
	}
	if rowsAffected == 0 {
		log.Debug("repeating task not found for update",
			slog.String("repeating_task_id", rt.ID.String()))
		return store.ErrRepeatingTaskNotFound
	}

	log.Debug("repeating task updated",
		slog.String("repeating_task_id", rt.ID.String()))
	return nil
}

// ListDue implements store.RepeatingTaskStore.ListDue
// Templates that have never been scheduled carry a NULL next_run and are
// never due.
func (s *PostgresRepeatingTaskStore) ListDue(ctx context.Context, now time.Time) ([]*domain.RepeatingTask, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT ` + repeatingTaskColumns + `
		FROM repeating_tasks
		WHERE next_run IS NOT NULL AND next_run <= $1
		ORDER BY next_run ASC
	`

	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		log.Error("failed to query due repeating tasks",
			slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Error("failed to close rows", slog.String("error", err.Error()))
		}
	}()

	due := []*domain.RepeatingTask{}
	for rows.Next() {
		rt, err := scanRepeatingTask(rows)
		if err != nil {
			log.Error("failed to scan repeating task row",
				slog.String("error", err.Error()))
			return nil, MapError(err)
		}
		due = append(due, rt)
	}
	if err := rows.Err(); err != nil {
		log.Error("error after scanning repeating task rows",
			slog.String("error", err.Error()))
		return nil, MapError(err)
	}

	return due, nil
}

// WithTx implements store.RepeatingTaskStore.WithTx
// It returns a new store instance bound to the given transaction.
func (s *PostgresRepeatingTaskStore) WithTx(tx *sql.Tx) store.RepeatingTaskStore {
	return &PostgresRepeatingTaskStore{
		db:     tx,
		logger: s.logger,
	}
}

// scanRepeatingTask reads one template row in repeatingTaskColumns order.
func scanRepeatingTask(row rowScanner) (*domain.RepeatingTask, error) {
	var (
		rt         domain.RepeatingTask
		argsJSON   []byte
		kwargsJSON []byte
		resultTTL  int64
		lastRun    sql.NullTime
		nextRun    sql.NullTime
	)

	err := row.Scan(
		&rt.ID,
		&rt.Crontab,
		&rt.FuncName,
		&argsJSON,
		&kwargsJSON,
		&resultTTL,
		&rt.Coalesce,
		&lastRun,
		&nextRun,
		&rt.CreatedAt,
		&rt.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(argsJSON, &rt.Args); err != nil {
		return nil, fmt.Errorf("failed to unmarshal repeating task args: %w", err)
	}
	if err := json.Unmarshal(kwargsJSON, &rt.Kwargs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal repeating task kwargs: %w", err)
	}

	if lastRun.Valid {
		ts := lastRun.Time.UTC()
		rt.LastRun = &ts
	}
	if nextRun.Valid {
		ts := nextRun.Time.UTC()
		rt.NextRun = &ts
	}
	rt.ResultTTL = time.Duration(resultTTL)
	rt.CreatedAt = rt.CreatedAt.UTC()
	rt.UpdatedAt = rt.UpdatedAt.UTC()

	return &rt, nil
}

// marshalTemplateJSON renders the template's JSONB columns.
func marshalTemplateJSON(rt *domain.RepeatingTask) (args string, kwargs string, err error) {
	argsJSON, err := json.Marshal(rt.Args)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal repeating task args: %w", err)
	}
	kwargsJSON, err := json.Marshal(rt.Kwargs)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal repeating task kwargs: %w", err)
	}
	return string(argsJSON), string(kwargsJSON), nil
}
