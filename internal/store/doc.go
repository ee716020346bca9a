// Package store defines interfaces for task persistence operations.
// These interfaces abstract the underlying record store from the queue's
// core logic, allowing the state machine to remain independent of the
// specific database technology. The package also provides the transaction
// plumbing shared by all implementations, including commit hooks for work
// that must only happen once a transaction has durably committed.
package store
