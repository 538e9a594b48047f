package resilience

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestWrapper returns a wrapper whose sleeps are recorded instead of slept
func newTestWrapper() (*Wrapper, *[]time.Duration) {
	var slept []time.Duration
	w := NewWrapper(NewStatus(), testLogger())
	w.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	w.jitter = func() time.Duration { return 0 }
	return w, &slept
}

func TestExecuteSuccess(t *testing.T) {
	w, slept := newTestWrapper()

	calls := 0
	result, err := w.Execute(context.Background(), "test", func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" {
		t.Errorf("result = %q, want %q", result, "ok")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if len(*slept) != 0 {
		t.Errorf("expected no sleeps, got %v", *slept)
	}
	if !w.Status().Snapshot().Available {
		t.Error("status should be available after success")
	}
}

func TestExecuteRetriesTransient(t *testing.T) {
	w, slept := newTestWrapper()

	calls := 0
	result, err := w.Execute(context.Background(), "test", func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &ServiceError{Message: "overloaded", StatusCode: 503}
		}
		return "recovered", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "recovered" {
		t.Errorf("result = %q, want %q", result, "recovered")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}

	// Overload schedule: 5s+3s*1, then 5s+3s*2
	want := []time.Duration{8 * time.Second, 11 * time.Second}
	if len(*slept) != len(want) {
		t.Fatalf("sleeps = %v, want %v", *slept, want)
	}
	for i, d := range want {
		if (*slept)[i] != d {
			t.Errorf("sleep %d = %v, want %v", i, (*slept)[i], d)
		}
	}
}

func TestExecutePermanentNoRetry(t *testing.T) {
	w, slept := newTestWrapper()

	calls := 0
	_, err := w.Execute(context.Background(), "test", func(ctx context.Context) (string, error) {
		calls++
		return "", &ServiceError{Message: "invalid api key", StatusCode: 401}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("permanent error retried: calls = %d, want 1", calls)
	}
	if len(*slept) != 0 {
		t.Errorf("expected no sleeps for permanent error, got %v", *slept)
	}
}

func TestExecuteMaxRetriesExceeded(t *testing.T) {
	w, _ := newTestWrapper()

	calls := 0
	failure := errors.New("stream reading error: unexpected EOF")
	_, err := w.ExecuteN(context.Background(), "draft", 3, func(ctx context.Context) (string, error) {
		calls++
		return "", failure
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if !strings.Contains(err.Error(), "max retries exceeded for draft") {
		t.Errorf("error %q should mention the exhausted call", err)
	}
	if !errors.Is(err, failure) {
		t.Error("exhaustion error should wrap the last failure")
	}
	if w.Status().Snapshot().Available {
		t.Error("status should be unavailable after budget exhaustion")
	}
}

func TestExecuteContextCancelled(t *testing.T) {
	w, _ := newTestWrapper()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := w.Execute(ctx, "test", func(ctx context.Context) (string, error) {
		calls++
		cancel()
		return "", errors.New("connection reset")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestExecuteJitterAdded(t *testing.T) {
	w, slept := newTestWrapper()
	w.jitter = func() time.Duration { return 123 * time.Millisecond }

	calls := 0
	_, err := w.Execute(context.Background(), "test", func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", &ServiceError{Message: "too many requests", StatusCode: 429}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := 15*time.Second + 123*time.Millisecond
	if len(*slept) != 1 || (*slept)[0] != want {
		t.Errorf("sleeps = %v, want [%v]", *slept, want)
	}
}
