// Package registry maps function names to task handlers. Task records
// store only the registered name, so everything a process intends to
// execute or schedule must be registered up front; resolution failures
// surface at validation time instead of when a worker picks the task up.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/queueworks/chainq/internal/domain"
)

// Registry errors.
var (
	// ErrNotRegistered is returned when a function name resolves to nothing.
	ErrNotRegistered = errors.New("function not registered")

	// ErrAlreadyRegistered is returned when a name is registered twice.
	ErrAlreadyRegistered = errors.New("function already registered")
)

// Call carries everything a handler receives: the task record being
// executed and the decoded arguments from its signature. Handlers that
// spawn subtasks or log against the task tree do so through the queue they
// were constructed with, passing Call.Task as the anchor.
type Call struct {
	Task   *domain.Task
	Args   []any
	Kwargs map[string]any
}

// HandlerFunc executes one task call and returns its result. Returning an
// error fails the task; the returned value becomes the stored result on
// success.
type HandlerFunc func(ctx context.Context, call Call) (any, error)

// TaskFunc is a named, registered handler.
type TaskFunc struct {
	// Name is the stable identifier stored in task signatures, usually
	// dotted like "reports.nightly".
	Name string

	// Handler runs the task.
	Handler HandlerFunc

	// Atomic wraps the handler in a store transaction: its writes commit
	// only if it returns without error, and queue operations it performs
	// join that transaction.
	Atomic bool
}

// Registry holds the known task functions. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]TaskFunc
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{funcs: make(map[string]TaskFunc)}
}

// Register adds a task function.
// Returns ErrAlreadyRegistered if the name is taken and an error if the
// function has no name or no handler.
func (r *Registry) Register(tf TaskFunc) error {
	if tf.Name == "" {
		return fmt.Errorf("%w: task function name cannot be empty", domain.ErrValidation)
	}
	if tf.Handler == nil {
		return fmt.Errorf("%w: task function %q has no handler", domain.ErrValidation, tf.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.funcs[tf.Name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, tf.Name)
	}
	r.funcs[tf.Name] = tf
	return nil
}

// MustRegister is Register for program start-up, where a registration
// failure is a programming error.
func (r *Registry) MustRegister(tf TaskFunc) {
	if err := r.Register(tf); err != nil {
		// ALLOW-PANIC: Registration happens before serving starts.
		panic(err)
	}
}

// Resolve looks up a task function by name.
// Returns ErrNotRegistered if the name is unknown.
func (r *Registry) Resolve(name string) (TaskFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tf, ok := r.funcs[name]
	if !ok {
		return TaskFunc{}, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return tf, nil
}

// Names returns the registered function names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
