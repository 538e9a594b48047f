package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestStatusStartsAvailable(t *testing.T) {
	s := NewStatus()
	snap := s.Snapshot()
	if !snap.Available {
		t.Error("new status should start available")
	}
	if snap.RetryCount != 0 {
		t.Errorf("expected retry count 0, got %d", snap.RetryCount)
	}
}

func TestStatusObserverOnlyOnTransition(t *testing.T) {
	s := NewStatus()

	var notifications []Snapshot
	s.Subscribe(func(snap Snapshot) {
		notifications = append(notifications, snap)
	})

	// Repeated successes while available: no transitions
	s.RecordSuccess()
	s.RecordSuccess()
	if len(notifications) != 0 {
		t.Fatalf("expected no notifications while staying available, got %d", len(notifications))
	}

	// Failure with retries remaining keeps availability
	s.RecordFailure(errors.New("overloaded"), true)
	if len(notifications) != 0 {
		t.Fatalf("expected no notification while retries remain, got %d", len(notifications))
	}

	// Budget exhausted: available -> unavailable
	s.RecordFailure(errors.New("overloaded"), false)
	if len(notifications) != 1 {
		t.Fatalf("expected 1 notification on unavailable transition, got %d", len(notifications))
	}
	if notifications[0].Available {
		t.Error("transition notification should report unavailable")
	}

	// Another exhausted failure: still unavailable, no new notification
	s.RecordFailure(errors.New("overloaded"), false)
	if len(notifications) != 1 {
		t.Fatalf("expected no duplicate notification, got %d", len(notifications))
	}

	// Recovery: unavailable -> available
	s.RecordSuccess()
	if len(notifications) != 2 {
		t.Fatalf("expected notification on recovery, got %d", len(notifications))
	}
	if !notifications[1].Available {
		t.Error("recovery notification should report available")
	}
}

func TestStatusRecoveryEstimate(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := NewStatus()
	s.now = func() time.Time { return now }

	// First overload failure: 5m * 1.5^1
	s.RecordFailure(&ServiceError{Message: "overloaded", StatusCode: 503}, true)
	snap := s.Snapshot()
	want := now.Add(time.Duration(float64(5*time.Minute) * 1.5))
	if !snap.EstimatedRecovery.Equal(want) {
		t.Errorf("recovery estimate = %v, want %v", snap.EstimatedRecovery, want)
	}
	if snap.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", snap.RetryCount)
	}

	// Second failure compounds the exponent
	s.RecordFailure(&ServiceError{Message: "overloaded", StatusCode: 503}, true)
	snap = s.Snapshot()
	want = now.Add(time.Duration(float64(5*time.Minute) * 1.5 * 1.5))
	if !snap.EstimatedRecovery.Equal(want) {
		t.Errorf("recovery estimate = %v, want %v", snap.EstimatedRecovery, want)
	}
}

func TestStatusExponentCap(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := NewStatus()
	s.now = func() time.Time { return now }

	for i := 0; i < 25; i++ {
		s.RecordFailure(errors.New("connection reset"), true)
	}

	snap := s.Snapshot()
	// 2m * 1.5^10 is the cap regardless of retry count
	max := now.Add(time.Duration(float64(2*time.Minute) * 57.67)) // 1.5^10 ≈ 57.665
	if snap.EstimatedRecovery.After(max) {
		t.Errorf("recovery estimate %v exceeds capped maximum %v", snap.EstimatedRecovery, max)
	}
	if snap.RetryCount != 25 {
		t.Errorf("retry count = %d, want 25", snap.RetryCount)
	}
}

func TestStatusSuccessResets(t *testing.T) {
	s := NewStatus()
	s.RecordFailure(errors.New("timeout"), true)
	s.RecordFailure(errors.New("timeout"), true)
	s.RecordSuccess()

	snap := s.Snapshot()
	if snap.RetryCount != 0 {
		t.Errorf("retry count after success = %d, want 0", snap.RetryCount)
	}
	if snap.LastError != "" {
		t.Errorf("last error after success = %q, want empty", snap.LastError)
	}
	if !snap.EstimatedRecovery.IsZero() {
		t.Error("recovery estimate should reset on success")
	}
}
