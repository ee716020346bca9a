// Package task implements the lifecycle of persistent background tasks:
// submission, execution entry and exit, fan-in over subtasks, chained
// successors, revocation, and log aggregation across a task tree.
//
// A Queue coordinates every state transition against the record store,
// serializing racy transitions with a per-task distributed lock and
// deferring worker notification until the corresponding commit is durable.
// Servers and workers share the same Queue; task functions compose graphs
// through Subtask, Chain, and Delay.
package task
