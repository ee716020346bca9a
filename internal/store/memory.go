package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/queueworks/chainq/internal/domain"
)

// MemoryStores is an in-memory implementation of the store bundle and its
// Transactor. It backs unit tests and single-process deployments that have
// no database.
//
// Records are normalised through a JSON round trip on every read and write
// so that argument and result values behave exactly as they would coming
// back out of a JSONB column. Transactions join and fire commit hooks like
// the real Transactor but provide no rollback: a failed AtomicFn leaves
// earlier writes in place.
type MemoryStores struct {
	mu             sync.RWMutex
	tasks          map[uuid.UUID]*taskRecord
	repeatingTasks map[uuid.UUID]*domain.RepeatingTask
	seq            int64
}

// taskRecord pairs a stored task with its insertion sequence so listings
// stay deterministic when submission timestamps collide.
type taskRecord struct {
	task *domain.Task
	seq  int64
}

var _ Transactor = (*MemoryStores)(nil)

// NewMemoryStores creates an empty in-memory store bundle.
func NewMemoryStores() *MemoryStores {
	return &MemoryStores{
		tasks:          make(map[uuid.UUID]*taskRecord),
		repeatingTasks: make(map[uuid.UUID]*domain.RepeatingTask),
	}
}

// Tasks returns the TaskStore view of this store.
func (m *MemoryStores) Tasks() TaskStore {
	return &memoryTaskStore{m}
}

// RepeatingTasks returns the RepeatingTaskStore view of this store.
func (m *MemoryStores) RepeatingTasks() RepeatingTaskStore {
	return &memoryRepeatingTaskStore{m}
}

// Stores returns the bundle view of this store, pointing every field at
// the same in-memory state.
func (m *MemoryStores) Stores() Stores {
	return Stores{Tasks: m.Tasks(), RepeatingTasks: m.RepeatingTasks()}
}

// InTransaction implements Transactor. It joins an ambient transaction if
// the context carries one, otherwise it runs fn against the shared state
// and fires commit hooks when fn succeeds. Hooks receive the original
// transaction-free context.
func (m *MemoryStores) InTransaction(ctx context.Context, fn AtomicFn) error {
	if s, _, ok := TxFromContext(ctx); ok {
		return fn(ctx, s)
	}

	txCtx, hooks := ContextWithTx(ctx, m.Stores())
	if err := fn(txCtx, m.Stores()); err != nil {
		return err
	}
	hooks.Fire(ctx)
	return nil
}

// memoryTaskStore is the TaskStore view over MemoryStores state.
type memoryTaskStore struct {
	m *MemoryStores
}

var _ TaskStore = (*memoryTaskStore)(nil)

// Create implements TaskStore.
func (s *memoryTaskStore) Create(ctx context.Context, task *domain.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntity, err)
	}

	clone, err := cloneTask(task)
	if err != nil {
		return err
	}

	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	if _, exists := s.m.tasks[task.ID]; exists {
		return fmt.Errorf("%w: task %s", ErrDuplicate, task.ID)
	}

	s.m.seq++
	s.m.tasks[task.ID] = &taskRecord{task: clone, seq: s.m.seq}
	return nil
}

// GetByID implements TaskStore.
func (s *memoryTaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	s.m.mu.RLock()
	rec, ok := s.m.tasks[id]
	s.m.mu.RUnlock()

	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(rec.task)
}

// Update implements TaskStore. The stored version must match the caller's
// version or the write is refused with ErrConflict.
func (s *memoryTaskStore) Update(ctx context.Context, task *domain.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntity, err)
	}

	clone, err := cloneTask(task)
	if err != nil {
		return err
	}

	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	rec, ok := s.m.tasks[task.ID]
	if !ok {
		return ErrTaskNotFound
	}
	if rec.task.Version != task.Version {
		return fmt.Errorf("%w: task %s at version %d, update carries %d",
			ErrConflict, task.ID, rec.task.Version, task.Version)
	}

	clone.Version++
	rec.task = clone
	task.Version = clone.Version
	return nil
}

// ListChildren implements TaskStore.
func (s *memoryTaskStore) ListChildren(ctx context.Context, parentID uuid.UUID) ([]*domain.Task, error) {
	return s.m.listTasks(func(t *domain.Task) bool {
		return t.ParentID != nil && *t.ParentID == parentID
	})
}

// ListSuccessors implements TaskStore.
func (s *memoryTaskStore) ListSuccessors(ctx context.Context, previousID uuid.UUID) ([]*domain.Task, error) {
	return s.m.listTasks(func(t *domain.Task) bool {
		return t.PreviousID != nil && *t.PreviousID == previousID
	})
}

// CountActive implements TaskStore.
func (s *memoryTaskStore) CountActive(ctx context.Context, funcName string) (int, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()

	count := 0
	for _, rec := range s.m.tasks {
		if rec.task.Signature.FuncName == funcName && rec.task.Status.IsActive() {
			count++
		}
	}
	return count, nil
}

// CountByStatus implements TaskStore.
func (s *memoryTaskStore) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()

	counts := make(map[domain.Status]int)
	for _, rec := range s.m.tasks {
		counts[rec.task.Status]++
	}
	return counts, nil
}

// PurgeExpired implements TaskStore. Only unreferenced tasks go; a task
// still named as a parent, predecessor or gate waits for a later pass.
func (s *memoryTaskStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	referenced := make(map[uuid.UUID]bool)
	for _, rec := range s.m.tasks {
		t := rec.task
		if t.ParentID != nil {
			referenced[*t.ParentID] = true
		}
		if t.PreviousID != nil {
			referenced[*t.PreviousID] = true
		}
		if t.WaitingOnID != nil {
			referenced[*t.WaitingOnID] = true
		}
	}

	purged := 0
	for id, rec := range s.m.tasks {
		t := rec.task
		if !t.Status.IsDone() || referenced[id] {
			continue
		}
		if t.ResultExpiry == nil || t.ResultExpiry.After(now) {
			continue
		}
		delete(s.m.tasks, id)
		purged++
	}
	return purged, nil
}

// WithTx implements TaskStore. Memory stores have no transaction isolation,
// so the same store is returned.
func (s *memoryTaskStore) WithTx(tx *sql.Tx) TaskStore {
	return s
}

// memoryRepeatingTaskStore is the RepeatingTaskStore view over
// MemoryStores state.
type memoryRepeatingTaskStore struct {
	m *MemoryStores
}

var _ RepeatingTaskStore = (*memoryRepeatingTaskStore)(nil)

// Create implements RepeatingTaskStore.
func (s *memoryRepeatingTaskStore) Create(ctx context.Context, rt *domain.RepeatingTask) error {
	if err := rt.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntity, err)
	}

	clone, err := cloneRepeatingTask(rt)
	if err != nil {
		return err
	}

	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	if _, exists := s.m.repeatingTasks[rt.ID]; exists {
		return fmt.Errorf("%w: repeating task %s", ErrDuplicate, rt.ID)
	}

	s.m.repeatingTasks[rt.ID] = clone
	return nil
}

// GetByID implements RepeatingTaskStore.
func (s *memoryRepeatingTaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.RepeatingTask, error) {
	s.m.mu.RLock()
	rt, ok := s.m.repeatingTasks[id]
	s.m.mu.RUnlock()

	if !ok {
		return nil, ErrRepeatingTaskNotFound
	}
	return cloneRepeatingTask(rt)
}

// Update implements RepeatingTaskStore.
func (s *memoryRepeatingTaskStore) Update(ctx context.Context, rt *domain.RepeatingTask) error {
	if err := rt.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntity, err)
	}

	clone, err := cloneRepeatingTask(rt)
	if err != nil {
		return err
	}

	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	if _, ok := s.m.repeatingTasks[rt.ID]; !ok {
		return ErrRepeatingTaskNotFound
	}

	s.m.repeatingTasks[rt.ID] = clone
	return nil
}

// ListDue implements RepeatingTaskStore.
func (s *memoryRepeatingTaskStore) ListDue(ctx context.Context, now time.Time) ([]*domain.RepeatingTask, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()

	var due []*domain.RepeatingTask
	for _, rt := range s.m.repeatingTasks {
		if rt.NextRun != nil && !rt.NextRun.After(now) {
			clone, err := cloneRepeatingTask(rt)
			if err != nil {
				return nil, err
			}
			due = append(due, clone)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRun.Before(*due[j].NextRun)
	})
	return due, nil
}

// WithTx implements RepeatingTaskStore. Memory stores have no transaction
// isolation, so the same store is returned.
func (s *memoryRepeatingTaskStore) WithTx(tx *sql.Tx) RepeatingTaskStore {
	return s
}

func (m *MemoryStores) listTasks(match func(*domain.Task) bool) ([]*domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var recs []*taskRecord
	for _, rec := range m.tasks {
		if match(rec.task) {
			recs = append(recs, rec)
		}
	}

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].task.Submitted.Equal(recs[j].task.Submitted) {
			return recs[i].seq < recs[j].seq
		}
		return recs[i].task.Submitted.Before(recs[j].task.Submitted)
	})

	out := make([]*domain.Task, 0, len(recs))
	for _, rec := range recs {
		clone, err := cloneTask(rec.task)
		if err != nil {
			return nil, err
		}
		out = append(out, clone)
	}
	return out, nil
}

func cloneTask(t *domain.Task) (*domain.Task, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task %s: %w", t.ID, err)
	}
	var out domain.Task
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode task %s: %w", t.ID, err)
	}
	return &out, nil
}

func cloneRepeatingTask(rt *domain.RepeatingTask) (*domain.RepeatingTask, error) {
	raw, err := json.Marshal(rt)
	if err != nil {
		return nil, fmt.Errorf("failed to encode repeating task %s: %w", rt.ID, err)
	}
	var out domain.RepeatingTask
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode repeating task %s: %w", rt.ID, err)
	}
	return &out, nil
}
