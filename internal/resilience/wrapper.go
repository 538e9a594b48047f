package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Operation is one external call to the generative text service
type Operation func(ctx context.Context) (string, error)

// Wrapper retries a single external call with classified backoff while
// keeping the shared Status current. One wrapper instance serves the whole
// process; per-call overrides go through ExecuteN.
type Wrapper struct {
	status      *Status
	logger      *slog.Logger
	maxAttempts int
	baseDelay   time.Duration

	// Injection points for tests
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
}

// NewWrapper creates a wrapper with the default retry budget
func NewWrapper(status *Status, logger *slog.Logger) *Wrapper {
	return &Wrapper{
		status:      status,
		logger:      logger,
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		sleep:       sleepCtx,
		jitter:      Jitter,
	}
}

// Status returns the shared availability record
func (w *Wrapper) Status() *Status {
	return w.status
}

// Execute runs op with the default retry budget
func (w *Wrapper) Execute(ctx context.Context, name string, op Operation) (string, error) {
	return w.ExecuteN(ctx, name, w.maxAttempts, op)
}

// ExecuteN runs op with an explicit retry budget. Permanent errors raise
// immediately; transient errors retry with class-specific backoff plus
// jitter until the budget is exhausted, at which point the last error is
// returned.
func (w *Wrapper) ExecuteN(ctx context.Context, name string, maxAttempts int, op Operation) (string, error) {
	if maxAttempts < 1 {
		maxAttempts = w.maxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			w.status.RecordSuccess()
			return result, nil
		}
		lastErr = err

		// A cancelled caller context means the session is being abandoned,
		// not that the service failed.
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		class := Classify(err)
		if class == ClassPermanent {
			w.status.RecordFailure(err, false)
			w.logger.Error("Permanent service error, not retrying",
				"call", name,
				"error", err)
			return "", err
		}

		retriesRemain := attempt < maxAttempts
		w.status.RecordFailure(err, retriesRemain)
		if !retriesRemain {
			break
		}

		delay := BackoffDelay(class, attempt, w.baseDelay) + w.jitter()
		w.logger.Warn("Retrying service call",
			"call", name,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"class", class.String(),
			"backoff", delay,
			"error", err)

		if err := w.sleep(ctx, delay); err != nil {
			return "", err
		}
	}

	return "", fmt.Errorf("max retries exceeded for %s: %w", name, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
