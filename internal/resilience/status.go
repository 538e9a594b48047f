package resilience

import (
	"math"
	"strings"
	"sync"
	"time"
)

// Snapshot is a read-only copy of the shared service status
type Snapshot struct {
	Available         bool
	RetryCount        int
	LastError         string
	EstimatedRecovery time.Time
}

// Observer receives a snapshot when the availability flag flips
type Observer func(Snapshot)

// Status is the process-wide availability record shared by all callers.
// All mutation happens under the mutex; observers are notified only on
// available/unavailable transitions, never on every call.
type Status struct {
	mu        sync.Mutex
	available bool
	retries   int
	lastError string
	recovery  time.Time
	observers []Observer
	now       func() time.Time
}

// NewStatus creates a status record that starts available
func NewStatus() *Status {
	return &Status{
		available: true,
		now:       time.Now,
	}
}

// Subscribe registers an observer for availability transitions
func (s *Status) Subscribe(fn Observer) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// RecordSuccess resets the retry counter and marks the service available
func (s *Status) RecordSuccess() {
	s.mu.Lock()
	s.retries = 0
	s.lastError = ""
	s.recovery = time.Time{}
	notify := s.setAvailableLocked(true)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.dispatch(notify, snap)
}

// RecordFailure records a failed call outcome. retriesRemain reports whether
// the wrapper still has retry budget for this call.
func (s *Status) RecordFailure(err error, retriesRemain bool) {
	class := Classify(err)

	s.mu.Lock()
	s.retries++
	s.lastError = err.Error()

	exponent := math.Min(float64(s.retries), 10)
	base := recoveryBase(class, strings.ToLower(err.Error()))
	s.recovery = s.now().Add(time.Duration(float64(base) * math.Pow(1.5, exponent)))

	notify := s.setAvailableLocked(retriesRemain)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.dispatch(notify, snap)
}

// Snapshot returns the current status
func (s *Status) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// setAvailableLocked flips the flag and returns the observers to notify,
// or nil when the flag did not change.
func (s *Status) setAvailableLocked(available bool) []Observer {
	if s.available == available {
		return nil
	}
	s.available = available
	observers := make([]Observer, len(s.observers))
	copy(observers, s.observers)
	return observers
}

func (s *Status) snapshotLocked() Snapshot {
	return Snapshot{
		Available:         s.available,
		RetryCount:        s.retries,
		LastError:         s.lastError,
		EstimatedRecovery: s.recovery,
	}
}

func (s *Status) dispatch(observers []Observer, snap Snapshot) {
	for _, fn := range observers {
		fn(snap)
	}
}

func containsAny(s string, markers ...string) bool {
	for _, marker := range markers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
