package resilience

import (
	"math/rand"
	"time"
)

const (
	// DefaultMaxAttempts is the default retry budget for text calls
	DefaultMaxAttempts = 5
	// DefaultBaseDelay seeds the exponential schedule for unknown transients
	DefaultBaseDelay = 2 * time.Second
	// MaxJitter bounds the random component added to every transient delay
	MaxJitter = 1000 * time.Millisecond

	overloadFloorDelay = 5 * time.Second
	overloadStepDelay  = 3 * time.Second

	rateLimitFloorDelay = 10 * time.Second
	rateLimitStepDelay  = 5 * time.Second
)

// BackoffDelay computes the pre-jitter delay before retry attempt (1-based)
// for a given error class. Delays strictly increase with the attempt number.
func BackoffDelay(class ErrorClass, attempt int, baseDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch class {
	case ClassOverload:
		return overloadFloorDelay + overloadStepDelay*time.Duration(attempt)
	case ClassRateLimit:
		return rateLimitFloorDelay + rateLimitStepDelay*time.Duration(attempt)
	default:
		return baseDelay * time.Duration(1<<uint(attempt))
	}
}

// Jitter returns a random duration in [0, MaxJitter)
func Jitter() time.Duration {
	return time.Duration(rand.Int63n(int64(MaxJitter)))
}

// recoveryBase estimates how long the service needs before it is worth
// probing again, by error class. Quota failures get the long estimate even
// though they classify as permanent.
func recoveryBase(class ErrorClass, msg string) time.Duration {
	switch class {
	case ClassOverload:
		return 5 * time.Minute
	case ClassRateLimit:
		return 60 * time.Minute
	case ClassPermanent:
		if containsAny(msg, "quota", "insufficient_quota", "billing") {
			return 60 * time.Minute
		}
	}
	return 2 * time.Minute
}
