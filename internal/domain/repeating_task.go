package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Common validation errors for RepeatingTask.
var (
	ErrEmptyRepeatingTaskID = errors.New("repeating task ID cannot be empty")
	ErrEmptyCrontab         = errors.New("repeating task crontab cannot be empty")
)

// RepeatingTask is a template that spawns a fresh task on a cron schedule.
// It never executes itself; the scheduler materialises a Task from the
// template whenever NextRun comes due.
type RepeatingTask struct {
	ID       uuid.UUID      `json:"id"`
	Crontab  string         `json:"crontab"`
	FuncName string         `json:"func_name"`
	Args     []any          `json:"args,omitempty"`
	Kwargs   map[string]any `json:"kwargs,omitempty"`

	// ResultTTL is applied to every task spawned from this template.
	ResultTTL time.Duration `json:"result_ttl"`

	// Coalesce suppresses spawning while a previous run of the same
	// function is still active.
	Coalesce bool `json:"coalesce"`

	LastRun *time.Time `json:"last_run,omitempty"`
	NextRun *time.Time `json:"next_run,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRepeatingTask creates a repeating task template. The crontab is only
// checked for presence here; grammar validation and next-run computation
// belong to the scheduler, which rejects templates it cannot interpret.
func NewRepeatingTask(crontab, funcName string, args []any, kwargs map[string]any) (*RepeatingTask, error) {
	now := time.Now().UTC()
	rt := &RepeatingTask{
		ID:        uuid.New(),
		Crontab:   crontab,
		FuncName:  funcName,
		Args:      args,
		Kwargs:    kwargs,
		ResultTTL: DefaultResultTTL,
		Coalesce:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := rt.Validate(); err != nil {
		return nil, err
	}

	return rt, nil
}

// Validate checks if the RepeatingTask has valid data.
// Returns an error if any field fails validation.
func (rt *RepeatingTask) Validate() error {
	if rt.ID == uuid.Nil {
		return ErrEmptyRepeatingTaskID
	}

	if rt.Crontab == "" {
		return ErrEmptyCrontab
	}

	if rt.FuncName == "" {
		return ErrEmptyFuncName
	}

	if rt.ResultTTL < 0 {
		return ErrNegativeTTL
	}

	return nil
}

// Signature builds the call signature for the next spawned task.
func (rt *RepeatingTask) Signature() Signature {
	return NewSignature(rt.FuncName, rt.Args, rt.Kwargs)
}

// Advance records a run at the given time and moves the schedule forward.
func (rt *RepeatingTask) Advance(ranAt, nextRun time.Time) {
	ran := ranAt.UTC()
	next := nextRun.UTC()
	rt.LastRun = &ran
	rt.NextRun = &next
	rt.UpdatedAt = ran
}

// String renders the template as "crontab funcname" for logs.
func (rt *RepeatingTask) String() string {
	return fmt.Sprintf("%s %s", rt.Crontab, rt.FuncName)
}
