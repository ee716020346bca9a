package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultResultTTL is how long a finished task's result stays retrievable
// unless the task overrides it.
const DefaultResultTTL = 30 * time.Minute

// Common validation errors for Task.
var (
	ErrEmptyTaskID   = errors.New("task ID cannot be empty")
	ErrInvalidStatus = errors.New("invalid task status")
	ErrInvalidAtRisk = errors.New("invalid at-risk marker")
	ErrNegativeTTL   = errors.New("result TTL cannot be negative")
	ErrSelfReference = errors.New("task cannot reference itself")
	ErrZeroSubmitted = errors.New("task submitted timestamp cannot be zero")
)

// Task is a single unit of background work. A task records what to call
// (the signature), where it sits in its lifecycle (the status), what came
// of it (the details), and its place in the surrounding graph: an optional
// parent it reports completion to, an optional predecessor in a chain, and
// the specific subtask a waiting parent is watching.
type Task struct {
	ID          uuid.UUID  `json:"id"`
	Status      Status     `json:"status"`
	Signature   Signature  `json:"signature"`
	Details     Details    `json:"details"`
	ParentID    *uuid.UUID `json:"parent_id,omitempty"`
	PreviousID  *uuid.UUID `json:"previous_id,omitempty"`
	WaitingOnID *uuid.UUID `json:"waiting_on_id,omitempty"`

	// Submitted is when the record was created; Started and Finished are
	// stamped at most once each as the task moves through execution.
	Submitted time.Time  `json:"submitted"`
	Started   *time.Time `json:"started,omitempty"`
	Finished  *time.Time `json:"finished,omitempty"`

	// ResultTTL bounds how long the result outlives Finished; ResultExpiry
	// is the concrete deadline computed on success.
	ResultTTL    time.Duration `json:"result_ttl"`
	ResultExpiry *time.Time    `json:"result_expiry,omitempty"`

	AtRisk  AtRisk `json:"at_risk"`
	Version int64  `json:"version"`
}

// NewTask creates a pending task for the given signature. It generates the
// task ID, stamps the submission time, and applies the default result TTL.
// Returns an error if validation fails.
func NewTask(sig Signature) (*Task, error) {
	task := &Task{
		ID:        uuid.New(),
		Status:    StatusPending,
		Signature: sig,
		Submitted: time.Now().UTC(),
		ResultTTL: DefaultResultTTL,
		AtRisk:    AtRiskNone,
		Version:   1,
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}

	return task, nil
}

// Validate checks if the Task has valid data.
// Returns an error if any field fails validation.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return ErrEmptyTaskID
	}

	if err := t.Signature.Validate(); err != nil {
		return err
	}

	if !t.Status.Valid() {
		return ErrInvalidStatus
	}

	if !t.AtRisk.Valid() {
		return ErrInvalidAtRisk
	}

	if t.ResultTTL < 0 {
		return ErrNegativeTTL
	}

	if t.Submitted.IsZero() {
		return ErrZeroSubmitted
	}

	if (t.ParentID != nil && *t.ParentID == t.ID) ||
		(t.PreviousID != nil && *t.PreviousID == t.ID) ||
		(t.WaitingOnID != nil && *t.WaitingOnID == t.ID) {
		return ErrSelfReference
	}

	return nil
}

// StampStarted records when execution began. The timestamp is set at most
// once; later calls are ignored.
func (t *Task) StampStarted(now time.Time) {
	if t.Started == nil {
		ts := now.UTC()
		t.Started = &ts
	}
}

// StampFinished records when the task reached a terminal state. The
// timestamp is set at most once; later calls are ignored.
func (t *Task) StampFinished(now time.Time) {
	if t.Finished == nil {
		ts := now.UTC()
		t.Finished = &ts
	}
}

// SetResultExpiry computes the deadline after which the stored result may
// be discarded, anchored at the finished timestamp. It does nothing if the
// task has not finished.
func (t *Task) SetResultExpiry() {
	if t.Finished != nil {
		expiry := t.Finished.Add(t.ResultTTL)
		t.ResultExpiry = &expiry
	}
}

// Result returns the stored result value, or nil if none has been recorded.
func (t *Task) Result() any {
	return t.Details.Result
}

// Err returns the recorded failure as an error, or nil for a task that has
// not failed.
func (t *Task) Err() error {
	if t.Details.Error == "" {
		return nil
	}
	return errors.New(t.Details.Error)
}

// FuncName returns the name of the function the task calls.
func (t *Task) FuncName() string {
	return t.Signature.FuncName
}

// RefreshFrom replaces the task's fields with a freshly loaded copy of the
// same record. Callers re-read under the submission lock this way.
func (t *Task) RefreshFrom(fresh *Task) {
	*t = *fresh
}

// String renders the task as "id - funcname" for logs and errors.
func (t *Task) String() string {
	return fmt.Sprintf("%s - %s", t.ID, t.Signature.FuncName)
}
