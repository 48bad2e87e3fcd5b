// Package qos classifies server-signaled quality-of-service conditions.
//
// This package contains:
//   - Condition: closed set of QoS signals (Throttle, RetryOther, Unavailable)
//   - Error: a Condition paired with the response that carried it
//   - ProtocolError: a malformed QoS response (never retried)
//   - Classify / FromResponse: status code + headers -> Condition
package qos

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Condition is a server-signaled QoS condition.
// The set of implementations is closed: Throttle, RetryOther, Unavailable.
type Condition interface {
	fmt.Stringer
	qosCondition()
}

// Throttle is signaled by 429 Too Many Requests.
type Throttle struct {
	// RetryAfter is only meaningful when HasRetryAfter is set.
	RetryAfter    time.Duration
	HasRetryAfter bool
}

// RetryOther is signaled by 308 Permanent Redirect with a valid Location.
type RetryOther struct {
	Location *url.URL
}

// Unavailable is signaled by 503 Service Unavailable.
type Unavailable struct{}

func (Throttle) qosCondition()    {}
func (RetryOther) qosCondition()  {}
func (Unavailable) qosCondition() {}

func (t Throttle) String() string {
	if t.HasRetryAfter {
		return fmt.Sprintf("throttle (retry after %s)", t.RetryAfter)
	}
	return "throttle"
}

func (r RetryOther) String() string {
	return fmt.Sprintf("retry other (%s)", r.Location)
}

func (Unavailable) String() string {
	return "unavailable"
}

// Name returns a short, stable label for the condition (used as a metric label).
func Name(c Condition) string {
	switch c.(type) {
	case Throttle:
		return "throttle"
	case RetryOther:
		return "retry_other"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error pairs a Condition with the response that signaled it.
type Error struct {
	Condition  Condition
	StatusCode int
	Header     http.Header
}

func (e *Error) Error() string {
	return fmt.Sprintf("qos %s: http %d", e.Condition, e.StatusCode)
}

// ProtocolError is returned for a QoS status whose mandatory header is
// missing or malformed. It is a transport failure, not a QoS condition.
type ProtocolError struct {
	StatusCode int
	Reason     string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation (http %d): %s", e.StatusCode, e.Reason)
}
