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

// taskColumns is the column list shared by every task SELECT so the scan
// order stays in one place.
const taskColumns = `id, status, signature, details, parent_id, previous_id,
		waiting_on_id, submitted_at, started_at, finished_at, result_ttl,
		result_expiry, at_risk, version`

// PostgresTaskStore implements the store.TaskStore interface
// using a PostgreSQL database as the storage backend.
type PostgresTaskStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresTaskStore creates a new PostgreSQL implementation of the TaskStore interface.
// It accepts a database connection or transaction that should be initialized and managed by the caller.
// If logger is nil, a default logger will be used.
func NewPostgresTaskStore(db store.DBTX, logger *slog.Logger) *PostgresTaskStore {
	if db == nil {
		panic("db cannot be nil")
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresTaskStore{
		db:     db,
		logger: logger.With(slog.String("component", "task_store")),
	}
}

// Ensure PostgresTaskStore implements store.TaskStore interface
var _ store.TaskStore = (*PostgresTaskStore)(nil)

// Create implements store.TaskStore.Create
// It saves a new task record, handling domain validation.
// Returns store.ErrInvalidEntity wrapping the validation error if the task
// data is invalid, and store.ErrDuplicate if the ID is already stored.
func (s *PostgresTaskStore) Create(ctx context.Context, task *domain.Task) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := task.Validate(); err != nil {
		log.Warn("task validation failed during create",
			slog.String("error", err.Error()),
			slog.String("task_id", task.ID.String()))
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	sigJSON, detailsJSON, err := marshalTaskJSON(task)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO tasks (id, status, signature, details, parent_id,
			previous_id, waiting_on_id, submitted_at, started_at, finished_at,
			result_ttl, result_expiry, at_risk, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = s.db.ExecContext(
		ctx,
		query,
		task.ID,
		task.Status,
		sigJSON,
		detailsJSON,
		task.ParentID,
		task.PreviousID,
		task.WaitingOnID,
		task.Submitted,
		task.Started,
		task.Finished,
		int64(task.ResultTTL),
		task.ResultExpiry,
		task.AtRisk,
		task.Version,
	)

	if err != nil {
		log.Error("failed to create task",
			slog.String("error", err.Error()),
			slog.String("task_id", task.ID.String()),
			slog.String("func", task.Signature.FuncName))
		return MapError(err)
	}

	log.Debug("task created",
		slog.String("task_id", task.ID.String()),
		slog.String("func", task.Signature.FuncName))
	return nil
}

// GetByID implements store.TaskStore.GetByID
// It retrieves a task by its unique ID.
// Returns store.ErrTaskNotFound if the task does not exist.
func (s *PostgresTaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE id = $1
	`

	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug("task not found", slog.String("task_id", id.String()))
			return nil, store.ErrTaskNotFound
		}
		log.Error("failed to get task by ID",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return nil, MapError(err)
	}

	return task, nil
}

// Update implements store.TaskStore.Update
// The write is guarded by the task's version: the row is only touched when
// the stored version still matches the caller's, and the version advances
// with the write. A caller holding a stale copy gets store.ErrConflict and
// must re-read before deciding whether its change still applies.
// Returns store.ErrTaskNotFound if the task does not exist.
func (s *PostgresTaskStore) Update(ctx context.Context, task *domain.Task) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := task.Validate(); err != nil {
		log.Warn("task validation failed during update",
			slog.String("error", err.Error()),
			slog.String("task_id", task.ID.String()))
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	sigJSON, detailsJSON, err := marshalTaskJSON(task)
	if err != nil {
		return err
	}

	query := `
		UPDATE tasks
		SET status = $1, signature = $2, details = $3, parent_id = $4,
			previous_id = $5, waiting_on_id = $6, started_at = $7,
			finished_at = $8, result_ttl = $9, result_expiry = $10,
			at_risk = $11, version = version + 1
		WHERE id = $12 AND version = $13
		RETURNING version
	`

	var newVersion int64
	err = s.db.QueryRowContext(
		ctx,
		query,
		task.Status,
		sigJSON,
		detailsJSON,
		task.ParentID,
		task.PreviousID,
		task.WaitingOnID,
		task.Started,
		task.Finished,
		int64(task.ResultTTL),
		task.ResultExpiry,
		task.AtRisk,
		task.ID,
		task.Version,
	).Scan(&newVersion)

	if err == nil {
		task.Version = newVersion
		log.Debug("task updated",
			slog.String("task_id", task.ID.String()),
			slog.String("status", string(task.Status)))
		return nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		log.Error("failed to update task",
			slog.String("error", err.Error()),
			slog.String("task_id", task.ID.String()))
		return MapError(err)
	}

	// No row matched: either the task is gone or the version moved on.
	var storedVersion int64
	probeErr := s.db.QueryRowContext(ctx,
		`SELECT version FROM tasks WHERE id = $1`, task.ID).Scan(&storedVersion)
	if errors.Is(probeErr, sql.ErrNoRows) {
		log.Debug("task not found for update",
			slog.String("task_id", task.ID.String()))
		return store.ErrTaskNotFound
	}
	if probeErr != nil {
		log.Error("failed to probe task version after update miss",
			slog.String("error", probeErr.Error()),
			slog.String("task_id", task.ID.String()))
		return MapError(probeErr)
	}

	log.Debug("task update lost version race",
		slog.String("task_id", task.ID.String()),
		slog.Int64("stored_version", storedVersion),
		slog.Int64("caller_version", task.Version))
	return fmt.Errorf("%w: task %s at version %d, update carries %d",
		store.ErrConflict, task.ID, storedVersion, task.Version)
}

// ListChildren implements store.TaskStore.ListChildren
// It retrieves the tasks whose parent is the given task, ordered by
// submission time. Returns an empty slice if the task has no children.
func (s *PostgresTaskStore) ListChildren(ctx context.Context, parentID uuid.UUID) ([]*domain.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE parent_id = $1
		ORDER BY submitted_at ASC, id ASC
	`
	return s.listTasks(ctx, query, parentID)
}

// ListSuccessors implements store.TaskStore.ListSuccessors
// It retrieves the tasks chained directly after the given task, ordered by
// submission time. Returns an empty slice if nothing is chained after it.
func (s *PostgresTaskStore) ListSuccessors(ctx context.Context, previousID uuid.UUID) ([]*domain.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE previous_id = $1
		ORDER BY submitted_at ASC, id ASC
	`
	return s.listTasks(ctx, query, previousID)
}

// CountActive implements store.TaskStore.CountActive
// It counts tasks for the named function whose status keeps them in the
// queue's hands.
func (s *PostgresTaskStore) CountActive(ctx context.Context, funcName string) (int, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT COUNT(*)
		FROM tasks
		WHERE signature->>'func_name' = $1
		  AND status IN ($2, $3, $4, $5)
	`

	var count int
	err := s.db.QueryRowContext(ctx, query, funcName,
		domain.StatusPending,
		domain.StatusQueued,
		domain.StatusRunning,
		domain.StatusWaiting,
	).Scan(&count)
	if err != nil {
		log.Error("failed to count active tasks",
			slog.String("error", err.Error()),
			slog.String("func", funcName))
		return 0, MapError(err)
	}

	return count, nil
}

// CountByStatus implements store.TaskStore.CountByStatus
// It tallies stored tasks per status.
func (s *PostgresTaskStore) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT status, COUNT(*)
		FROM tasks
		GROUP BY status
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		log.Error("failed to count tasks by status",
			slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Error("failed to close rows", slog.String("error", err.Error()))
		}
	}()

	counts := make(map[domain.Status]int)
	for rows.Next() {
		var status domain.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			log.Error("failed to scan status count row",
				slog.String("error", err.Error()))
			return nil, MapError(err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		log.Error("error after scanning status count rows",
			slog.String("error", err.Error()))
		return nil, MapError(err)
	}

	return counts, nil
}

// PurgeExpired implements store.TaskStore.PurgeExpired
// It deletes done tasks past their result expiry, leaf-first: a task still
// referenced as someone's parent, predecessor or gate survives this pass
// and is picked up by a later one once its referrers are gone.
func (s *PostgresTaskStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		DELETE FROM tasks t
		WHERE t.result_expiry IS NOT NULL
		  AND t.result_expiry <= $1
		  AND t.status IN ($2, $3, $4, $5, $6)
		  AND NOT EXISTS (
			SELECT 1 FROM tasks r
			WHERE r.parent_id = t.id
			   OR r.previous_id = t.id
			   OR r.waiting_on_id = t.id
		  )
	`

	result, err := s.db.ExecContext(ctx, query, now.UTC(),
		domain.StatusSuccess,
		domain.StatusFailure,
		domain.StatusIncomplete,
		domain.StatusLost,
		domain.StatusRevoked,
	)
	if err != nil {
		log.Error("failed to purge expired tasks",
			slog.String("error", err.Error()))
		return 0, MapError(err)
	}

	purged, err := result.RowsAffected()
	if err != nil {
		return 0, MapError(err)
	}

	return int(purged), nil
}

// WithTx implements store.TaskStore.WithTx
// It returns a new store instance bound to the given transaction.
func (s *PostgresTaskStore) WithTx(tx *sql.Tx) store.TaskStore {
	return &PostgresTaskStore{
		db:     tx,
		logger: s.logger,
	}
}

// listTasks runs a multi-row task query and scans the results.
func (s *PostgresTaskStore) listTasks(ctx context.Context, query string, args ...any) ([]*domain.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to query tasks",
			slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Error("failed to close rows", slog.String("error", err.Error()))
		}
	}()

	tasks := []*domain.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			log.Error("failed to scan task row",
				slog.String("error", err.Error()))
			return nil, MapError(err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		log.Error("error after scanning task rows",
			slog.String("error", err.Error()))
		return nil, MapError(err)
	}

	return tasks, nil
}

// rowScanner lets scanTask read from both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanTask reads one task row in taskColumns order.
func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		task         domain.Task
		sigJSON      []byte
		detailsJSON  []byte
		parentID     uuid.NullUUID
		previousID   uuid.NullUUID
		waitingOnID  uuid.NullUUID
		started      sql.NullTime
		finished     sql.NullTime
		resultTTL    int64
		resultExpiry sql.NullTime
	)

	err := row.Scan(
		&task.ID,
		&task.Status,
		&sigJSON,
		&detailsJSON,
		&parentID,
		&previousID,
		&waitingOnID,
		&task.Submitted,
		&started,
		&finished,
		&resultTTL,
		&resultExpiry,
		&task.AtRisk,
		&task.Version,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(sigJSON, &task.Signature); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task signature: %w", err)
	}
	if err := json.Unmarshal(detailsJSON, &task.Details); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task details: %w", err)
	}

	if parentID.Valid {
		id := parentID.UUID
		task.ParentID = &id
	}
	if previousID.Valid {
		id := previousID.UUID
		task.PreviousID = &id
	}
	if waitingOnID.Valid {
		id := waitingOnID.UUID
		task.WaitingOnID = &id
	}
	if started.Valid {
		ts := started.Time.UTC()
		task.Started = &ts
	}
	if finished.Valid {
		ts := finished.Time.UTC()
		task.Finished = &ts
	}
	if resultExpiry.Valid {
		ts := resultExpiry.Time.UTC()
		task.ResultExpiry = &ts
	}
	task.ResultTTL = time.Duration(resultTTL)
	task.Submitted = task.Submitted.UTC()

	return &task, nil
}

// marshalTaskJSON renders the task's JSONB columns. The values go over the
// wire as text so the server parses them straight into jsonb.
func marshalTaskJSON(task *domain.Task) (sig string, details string, err error) {
	sigJSON, err := json.Marshal(task.Signature)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal task signature: %w", err)
	}
	detailsJSON, err := json.Marshal(task.Details)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal task details: %w", err)
	}
	return string(sigJSON), string(detailsJSON), nil
}
