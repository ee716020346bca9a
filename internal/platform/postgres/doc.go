// Package postgres provides PostgreSQL-backed implementations of the store
// interfaces. Task records live in a tasks table with their signature and
// details columns stored as JSONB, so argument and result values keep the
// exact shape they were enqueued with. Updates are guarded by a version
// column; a write that loses the race returns store.ErrConflict instead of
// clobbering a concurrent transition.
//
// Every store accepts a store.DBTX, which both *sql.DB and *sql.Tx satisfy,
// so the same implementation serves direct calls and calls inside a
// transaction managed by the Transactor.
package postgres
