package task

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/queueworks/chainq/internal/domain"
)

// logKey is the buffer key for a task's log entries. Entries for a whole
// tree accumulate under the root task's key.
func logKey(id uuid.UUID) string {
	return fmt.Sprintf("chainq:%s:logs", id)
}

// Log writes a message to the task tree's shared log buffer and to the
// system logger. Entries always land on the topmost ancestor so a tree's
// output reads in one place while it is still running; each entry is tagged
// with the originating task unless the root logged it itself.
func (q *Queue) Log(ctx context.Context, t *domain.Task, level slog.Level, msg string) error {
	root, err := q.rootOf(ctx, t)
	if err != nil {
		return err
	}

	q.deps.Logger.Log(ctx, level, msg,
		slog.String("task_id", t.ID.String()),
		slog.String("root_id", root.ID.String()))

	entry := domain.LogEntry{
		Timestamp: q.now(),
		Level:     level.String(),
		Message:   msg,
	}
	if root.ID != t.ID {
		entry.Origin = t.ID
	}
	if err := q.deps.Logs.Append(ctx, logKey(root.ID), entry); err != nil {
		return fmt.Errorf("failed to append task log: %w", err)
	}
	return nil
}

// rootOf walks the parent chain to the topmost ancestor.
func (q *Queue) rootOf(ctx context.Context, t *domain.Task) (*domain.Task, error) {
	s := q.storesFor(ctx)

	seen := map[uuid.UUID]bool{t.ID: true}
	cur := t
	for cur.ParentID != nil {
		parent, err := s.Tasks.GetByID(ctx, *cur.ParentID)
		if err != nil {
			return nil, fmt.Errorf("failed to load parent of task %s: %w", cur.ID, err)
		}
		if seen[parent.ID] {
			return nil, fmt.Errorf("parent chain of task %s forms a cycle at %s", t.ID, parent.ID)
		}
		seen[parent.ID] = true
		cur = parent
	}
	return cur, nil
}

// Logs returns the task's log entries, preferring the live buffer and
// falling back to the snapshot persisted at completion once the buffer has
// expired.
func (q *Queue) Logs(ctx context.Context, t *domain.Task) ([]domain.LogEntry, error) {
	entries, err := q.deps.Logs.Read(ctx, logKey(t.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to read log buffer: %w", err)
	}
	if len(entries) > 0 {
		return entries, nil
	}
	return t.Details.Logs, nil
}

// FormatLogs renders the task's log entries as newline-joined messages.
func (q *Queue) FormatLogs(ctx context.Context, t *domain.Task) (string, error) {
	entries, err := q.Logs(ctx, t)
	if err != nil {
		return "", err
	}
	return domain.FormatLogs(entries), nil
}
