package resilience

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorClass buckets a failed service call for retry and recovery decisions
type ErrorClass int

const (
	// ClassUnknown covers transient failures with no specific signature
	ClassUnknown ErrorClass = iota
	// ClassPermanent failures never resolve by retrying (credentials, quota)
	ClassPermanent
	// ClassOverload covers service unavailable / overloaded responses
	ClassOverload
	// ClassRateLimit covers resource exhausted / too-many-requests responses
	ClassRateLimit
)

func (c ErrorClass) String() string {
	switch c {
	case ClassPermanent:
		return "permanent"
	case ClassOverload:
		return "overload"
	case ClassRateLimit:
		return "rate_limit"
	}
	return "unknown"
}

// Retryable reports whether a failure of this class may resolve with retry
func (c ErrorClass) Retryable() bool {
	return c != ClassPermanent
}

// ServiceError is an error returned by the generative text service
type ServiceError struct {
	Message    string
	StatusCode int
	Class      ErrorClass
}

func (e *ServiceError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("service error (status %d, %s): %s", e.StatusCode, e.Class, e.Message)
	}
	return fmt.Sprintf("service error (%s): %s", e.Class, e.Message)
}

// ValidationError marks a structurally malformed response from the service.
// It is fatal to the phase that requested the structured output and is not
// itself classified as transient.
type ValidationError struct {
	Op  string
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid structured response for %s: %v", e.Op, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

var permanentMarkers = []string{
	"invalid api key",
	"invalid credential",
	"incorrect api key",
	"unauthorized",
	"permission denied",
	"quota exceeded",
	"insufficient_quota",
	"billing",
}

var overloadMarkers = []string{
	"service unavailable",
	"overloaded",
	"server is busy",
	"capacity",
}

var rateLimitMarkers = []string{
	"resource exhausted",
	"resource_exhausted",
	"too many requests",
	"rate limit",
	"rate_limit",
}

// Classify assigns an error class by inspecting typed errors, status codes,
// and message keywords. Anything unrecognized is an unknown transient.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}

	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		if svcErr.Class != ClassUnknown {
			return svcErr.Class
		}
		if class, ok := classifyStatusCode(svcErr.StatusCode); ok {
			return class
		}
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return ClassPermanent
		}
	}
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return ClassRateLimit
		}
	}
	for _, marker := range overloadMarkers {
		if strings.Contains(msg, marker) {
			return ClassOverload
		}
	}

	return ClassUnknown
}

func classifyStatusCode(code int) (ErrorClass, bool) {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ClassPermanent, true
	case http.StatusTooManyRequests:
		return ClassRateLimit, true
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return ClassOverload, true
	case http.StatusInternalServerError, http.StatusGatewayTimeout:
		return ClassUnknown, true
	}
	return ClassUnknown, false
}
