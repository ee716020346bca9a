package store

import (
	"context"
	"sync"
)

// txKey is the context key carrying the ambient transaction state.
type txKey struct{}

// txState is what a Transactor plants in the context while a transaction
// is open: the transaction-bound stores and the hooks to fire on commit.
type txState struct {
	stores Stores
	hooks  *CommitHooks
}

// CommitHooks collects functions to run once the enclosing transaction has
// committed. Hooks run in registration order.
type CommitHooks struct {
	mu  sync.Mutex
	fns []func(context.Context)
}

// Add registers a hook.
func (h *CommitHooks) Add(fn func(context.Context)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fns = append(h.fns, fn)
}

// Fire runs all registered hooks in order and clears them. The context must
// be the one from outside the transaction, so hooks never act through a
// transaction that has already committed.
func (h *CommitHooks) Fire(ctx context.Context) {
	h.mu.Lock()
	fns := h.fns
	h.fns = nil
	h.mu.Unlock()

	for _, fn := range fns {
		fn(ctx)
	}
}

// ContextWithTx marks the context as transactional, binding s as the
// ambient stores. It returns the derived context and the hook collection
// the Transactor must fire after commit.
func ContextWithTx(ctx context.Context, s Stores) (context.Context, *CommitHooks) {
	st := &txState{stores: s, hooks: &CommitHooks{}}
	return context.WithValue(ctx, txKey{}, st), st.hooks
}

// TxFromContext reports whether the context carries an open transaction,
// returning its bound stores and commit hooks when it does.
func TxFromContext(ctx context.Context) (Stores, *CommitHooks, bool) {
	st, ok := ctx.Value(txKey{}).(*txState)
	if !ok {
		return Stores{}, nil, false
	}
	return st.stores, st.hooks, true
}

// StoresFromContext returns the ambient transaction-bound stores if the
// context carries an open transaction, or the given fallback otherwise.
// Queue operations read through this so that work done inside an atomic
// task function observes that function's uncommitted writes.
func StoresFromContext(ctx context.Context, fallback Stores) Stores {
	if s, _, ok := TxFromContext(ctx); ok {
		return s
	}
	return fallback
}

// OnCommit schedules fn to run after the ambient transaction commits. If
// the context carries no transaction, fn runs immediately. This is how the
// queue defers channel publication until a status change is durable. The
// context handed to fn is transaction-free.
func OnCommit(ctx context.Context, fn func(context.Context)) {
	if _, hooks, ok := TxFromContext(ctx); ok {
		hooks.Add(fn)
		return
	}
	fn(ctx)
}
