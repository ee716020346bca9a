package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewRepeatingTask(t *testing.T) {
	t.Parallel() // Enable parallel execution
	rt, err := NewRepeatingTask("0 2 * * *", "reports.nightly", []any{"eu"}, nil)

	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if rt.ID == uuid.Nil {
		t.Error("Expected non-nil UUID, got nil UUID")
	}

	if rt.Crontab != "0 2 * * *" {
		t.Errorf("Expected crontab %q, got %q", "0 2 * * *", rt.Crontab)
	}

	if rt.FuncName != "reports.nightly" {
		t.Errorf("Expected func name reports.nightly, got %s", rt.FuncName)
	}

	if !rt.Coalesce {
		t.Error("Expected coalescing to default to true")
	}

	if rt.ResultTTL != DefaultResultTTL {
		t.Errorf("Expected result TTL %s, got %s", DefaultResultTTL, rt.ResultTTL)
	}

	if rt.LastRun != nil || rt.NextRun != nil {
		t.Error("Expected no run bookkeeping on a new template")
	}

	// Test empty crontab
	_, err = NewRepeatingTask("", "reports.nightly", nil, nil)
	if err != ErrEmptyCrontab {
		t.Errorf("Expected error %v, got %v", ErrEmptyCrontab, err)
	}

	// Test empty function name
	_, err = NewRepeatingTask("0 2 * * *", "", nil, nil)
	if err != ErrEmptyFuncName {
		t.Errorf("Expected error %v, got %v", ErrEmptyFuncName, err)
	}
}

func TestRepeatingTaskSignature(t *testing.T) {
	t.Parallel() // Enable parallel execution
	rt, err := NewRepeatingTask("*/5 * * * *", "cache.refresh", []any{"prices"}, map[string]any{"force": true})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	sig := rt.Signature()
	if sig.FuncName != "cache.refresh" {
		t.Errorf("Expected func name cache.refresh, got %s", sig.FuncName)
	}
	if len(sig.Args) != 1 || sig.Args[0] != "prices" {
		t.Errorf("Expected args [prices], got %v", sig.Args)
	}
	if sig.Kwargs["force"] != true {
		t.Errorf("Expected kwarg force=true, got %v", sig.Kwargs["force"])
	}
}

func TestRepeatingTaskAdvance(t *testing.T) {
	t.Parallel() // Enable parallel execution
	rt, err := NewRepeatingTask("0 * * * *", "cache.refresh", nil, nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	ranAt := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	next := time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)

	rt.Advance(ranAt, next)

	if rt.LastRun == nil || !rt.LastRun.Equal(ranAt) {
		t.Errorf("Expected LastRun %v, got %v", ranAt, rt.LastRun)
	}
	if rt.NextRun == nil || !rt.NextRun.Equal(next) {
		t.Errorf("Expected NextRun %v, got %v", next, rt.NextRun)
	}
	if !rt.UpdatedAt.Equal(ranAt) {
		t.Errorf("Expected UpdatedAt %v, got %v", ranAt, rt.UpdatedAt)
	}
}
