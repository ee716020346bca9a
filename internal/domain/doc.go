// Package domain contains the core entities of the task queue: tasks,
// their signatures and result details, repeating task templates, and the
// status model they all share. It represents the heart of the system,
// independent of storage, transport, and scheduling concerns.
package domain
