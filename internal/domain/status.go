package domain

// Status represents where a task sits in its lifecycle. Transitions are
// driven by the queue operations; statuses themselves only answer set
// membership questions.
type Status string

// Task lifecycle statuses.
const (
	// StatusPending means the task exists but has not been handed to the
	// message channel yet.
	StatusPending Status = "pending"

	// StatusRetry means a submission attempt could not reach the message
	// channel and the task is parked until something resubmits it.
	StatusRetry Status = "retry"

	// StatusQueued means the task has been published and is waiting for a
	// worker to claim it.
	StatusQueued Status = "queued"

	// StatusRunning means a worker is executing the task's function.
	StatusRunning Status = "running"

	// StatusFailure means the task's function returned an error or panicked.
	StatusFailure Status = "failure"

	// StatusSuccess means the task finished and its result is stored.
	StatusSuccess Status = "success"

	// StatusWaiting means the task's function returned but completion is
	// deferred until the task's subtasks finish.
	StatusWaiting Status = "waiting"

	// StatusIncomplete means a task that was waiting on subtasks had one of
	// them fail.
	StatusIncomplete Status = "incomplete"

	// StatusLost means a liveness sweep decided the task will never report
	// back.
	StatusLost Status = "lost"

	// StatusRevoked means the task was cancelled before it could finish.
	StatusRevoked Status = "revoked"
)

// IsDone reports whether the status is terminal. A task observed in a done
// status never transitions again.
func (s Status) IsDone() bool {
	switch s {
	case StatusFailure, StatusSuccess, StatusIncomplete, StatusLost, StatusRevoked:
		return true
	}
	return false
}

// IsError reports whether the status describes an unsuccessful outcome.
func (s Status) IsError() bool {
	switch s {
	case StatusFailure, StatusIncomplete, StatusLost, StatusRevoked:
		return true
	}
	return false
}

// IsActive reports whether the task currently occupies the queue, either
// awaiting dispatch or executing. Retry is deliberately not active: a task
// parked in retry belongs to whatever resubmits it, not to the queue.
func (s Status) IsActive() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning, StatusWaiting:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusRetry || s.IsDone() || s.IsActive()
}

// AtRisk marks a task that a liveness sweep flagged as possibly abandoned.
// A task seen at risk twice in the same state is declared lost.
type AtRisk string

// At-risk markers.
const (
	AtRiskNone    AtRisk = "none"
	AtRiskQueued  AtRisk = "queued"
	AtRiskRunning AtRisk = "running"
)

// Valid reports whether a is one of the known at-risk markers.
func (a AtRisk) Valid() bool {
	switch a {
	case AtRiskNone, AtRiskQueued, AtRiskRunning:
		return true
	}
	return false
}
