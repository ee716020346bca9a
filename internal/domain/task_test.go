package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewTask(t *testing.T) {
	t.Parallel() // Enable parallel execution
	sig := NewSignature("emails.send_welcome", []any{"user-42"}, map[string]any{"locale": "en"})

	task, err := NewTask(sig)

	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if task.ID == uuid.Nil {
		t.Error("Expected non-nil UUID, got nil UUID")
	}

	if task.Status != StatusPending {
		t.Errorf("Expected status %s, got %s", StatusPending, task.Status)
	}

	if task.Signature.FuncName != "emails.send_welcome" {
		t.Errorf("Expected func name emails.send_welcome, got %s", task.Signature.FuncName)
	}

	if task.Submitted.IsZero() {
		t.Error("Expected non-zero Submitted time")
	}

	if task.Started != nil || task.Finished != nil {
		t.Error("Expected nil Started and Finished on a new task")
	}

	if task.ResultTTL != DefaultResultTTL {
		t.Errorf("Expected result TTL %s, got %s", DefaultResultTTL, task.ResultTTL)
	}

	if task.AtRisk != AtRiskNone {
		t.Errorf("Expected at-risk %s, got %s", AtRiskNone, task.AtRisk)
	}

	if task.Version != 1 {
		t.Errorf("Expected version 1, got %d", task.Version)
	}

	// Test empty function name
	_, err = NewTask(Signature{})
	if err != ErrEmptyFuncName {
		t.Errorf("Expected error %v, got %v", ErrEmptyFuncName, err)
	}
}

func TestTaskValidate(t *testing.T) {
	t.Parallel() // Enable parallel execution
	validTask := Task{
		ID:        uuid.New(),
		Status:    StatusPending,
		Signature: NewSignature("reports.build", nil, nil),
		Submitted: time.Now().UTC(),
		ResultTTL: DefaultResultTTL,
		AtRisk:    AtRiskNone,
		Version:   1,
	}

	// Test valid task
	if err := validTask.Validate(); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}

	// Test invalid ID
	invalidTask := validTask
	invalidTask.ID = uuid.Nil
	if err := invalidTask.Validate(); err != ErrEmptyTaskID {
		t.Errorf("Expected error %v, got %v", ErrEmptyTaskID, err)
	}

	// Test invalid status
	invalidTask = validTask
	invalidTask.Status = "sleeping"
	if err := invalidTask.Validate(); err != ErrInvalidStatus {
		t.Errorf("Expected error %v, got %v", ErrInvalidStatus, err)
	}

	// Test invalid at-risk marker
	invalidTask = validTask
	invalidTask.AtRisk = "doomed"
	if err := invalidTask.Validate(); err != ErrInvalidAtRisk {
		t.Errorf("Expected error %v, got %v", ErrInvalidAtRisk, err)
	}

	// Test negative TTL
	invalidTask = validTask
	invalidTask.ResultTTL = -time.Second
	if err := invalidTask.Validate(); err != ErrNegativeTTL {
		t.Errorf("Expected error %v, got %v", ErrNegativeTTL, err)
	}

	// Test zero submitted timestamp
	invalidTask = validTask
	invalidTask.Submitted = time.Time{}
	if err := invalidTask.Validate(); err != ErrZeroSubmitted {
		t.Errorf("Expected error %v, got %v", ErrZeroSubmitted, err)
	}

	// Test self references
	invalidTask = validTask
	invalidTask.ParentID = &invalidTask.ID
	if err := invalidTask.Validate(); err != ErrSelfReference {
		t.Errorf("Expected error %v, got %v", ErrSelfReference, err)
	}

	invalidTask = validTask
	invalidTask.WaitingOnID = &invalidTask.ID
	if err := invalidTask.Validate(); err != ErrSelfReference {
		t.Errorf("Expected error %v, got %v", ErrSelfReference, err)
	}
}

func TestStatusSets(t *testing.T) {
	t.Parallel() // Enable parallel execution
	done := []Status{StatusFailure, StatusSuccess, StatusIncomplete, StatusLost, StatusRevoked}
	notDone := []Status{StatusPending, StatusRetry, StatusQueued, StatusRunning, StatusWaiting}

	for _, s := range done {
		if !s.IsDone() {
			t.Errorf("Expected %s to be done", s)
		}
	}
	for _, s := range notDone {
		if s.IsDone() {
			t.Errorf("Expected %s not to be done", s)
		}
	}

	errored := []Status{StatusFailure, StatusIncomplete, StatusLost, StatusRevoked}
	for _, s := range errored {
		if !s.IsError() {
			t.Errorf("Expected %s to be an error status", s)
		}
	}
	if StatusSuccess.IsError() {
		t.Error("Expected success not to be an error status")
	}

	active := []Status{StatusPending, StatusQueued, StatusRunning, StatusWaiting}
	for _, s := range active {
		if !s.IsActive() {
			t.Errorf("Expected %s to be active", s)
		}
	}

	// Retry sits outside both the active and done sets.
	if StatusRetry.IsActive() {
		t.Error("Expected retry not to be active")
	}
	if StatusRetry.IsDone() {
		t.Error("Expected retry not to be done")
	}
	if !StatusRetry.Valid() {
		t.Error("Expected retry to be a valid status")
	}

	if Status("sleeping").Valid() {
		t.Error("Expected unknown status to be invalid")
	}
}

func TestTaskStamps(t *testing.T) {
	t.Parallel() // Enable parallel execution
	task := Task{}
	first := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)

	task.StampStarted(first)
	task.StampStarted(second)
	if task.Started == nil || !task.Started.Equal(first) {
		t.Errorf("Expected Started to stay %v, got %v", first, task.Started)
	}

	task.StampFinished(first)
	task.StampFinished(second)
	if task.Finished == nil || !task.Finished.Equal(first) {
		t.Errorf("Expected Finished to stay %v, got %v", first, task.Finished)
	}
}

func TestSetResultExpiry(t *testing.T) {
	t.Parallel() // Enable parallel execution
	task := Task{ResultTTL: 10 * time.Minute}

	// No finished timestamp yet, expiry must stay unset.
	task.SetResultExpiry()
	if task.ResultExpiry != nil {
		t.Errorf("Expected nil ResultExpiry, got %v", task.ResultExpiry)
	}

	finished := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	task.StampFinished(finished)
	task.SetResultExpiry()

	want := finished.Add(10 * time.Minute)
	if task.ResultExpiry == nil || !task.ResultExpiry.Equal(want) {
		t.Errorf("Expected ResultExpiry %v, got %v", want, task.ResultExpiry)
	}
}

func TestTaskRefreshFrom(t *testing.T) {
	t.Parallel() // Enable parallel execution
	sig := NewSignature("reports.build", nil, nil)
	task, err := NewTask(sig)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	fresh := *task
	fresh.Status = StatusQueued
	fresh.Version = 7

	task.RefreshFrom(&fresh)

	if task.Status != StatusQueued {
		t.Errorf("Expected status %s, got %s", StatusQueued, task.Status)
	}
	if task.Version != 7 {
		t.Errorf("Expected version 7, got %d", task.Version)
	}
}

func TestTaskString(t *testing.T) {
	t.Parallel() // Enable parallel execution
	task, err := NewTask(NewSignature("reports.build", nil, nil))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	want := task.ID.String() + " - reports.build"
	if got := task.String(); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestTaskAccessors(t *testing.T) {
	t.Parallel() // Enable parallel execution
	task, err := NewTask(NewSignature("reports.build", nil, nil))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if got := task.FuncName(); got != "reports.build" {
		t.Errorf("Expected func name reports.build, got %s", got)
	}

	if task.Err() != nil {
		t.Errorf("Expected nil error, got %v", task.Err())
	}
	if task.Result() != nil {
		t.Errorf("Expected nil result, got %v", task.Result())
	}

	task.Details.Result = 42
	task.Details.Error = "boom"

	if got := task.Result(); got != 42 {
		t.Errorf("Expected result 42, got %v", got)
	}
	if got := task.Err(); got == nil || got.Error() != "boom" {
		t.Errorf("Expected error boom, got %v", got)
	}
}
