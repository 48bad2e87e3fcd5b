package qos

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	headerRetryAfter = "Retry-After"
	headerLocation   = "Location"
)

// Classify converts a completed response's status and headers into a QoS
// condition. It returns (nil, nil) for statuses that carry no QoS signal and
// a *ProtocolError for a 308 without a usable Location.
func Classify(statusCode int, header http.Header) (Condition, error) {
	switch statusCode {
	case http.StatusTooManyRequests:
		d, ok := parseRetryAfter(header.Get(headerRetryAfter))
		return Throttle{RetryAfter: d, HasRetryAfter: ok}, nil

	case http.StatusServiceUnavailable:
		return Unavailable{}, nil

	case http.StatusPermanentRedirect:
		loc := header.Get(headerLocation)
		if loc == "" {
			return nil, &ProtocolError{StatusCode: statusCode, Reason: "missing Location header"}
		}
		u, err := url.Parse(loc)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return nil, &ProtocolError{
				StatusCode: statusCode,
				Reason:     "Location header is not an absolute URL: " + strconv.Quote(loc),
			}
		}
		return RetryOther{Location: u}, nil
	}

	return nil, nil
}

// FromResponse classifies resp. It returns nil when the response carries no
// QoS signal, a *Error for a QoS condition, or a *ProtocolError.
// The response body is left untouched.
func FromResponse(resp *http.Response) error {
	cond, err := Classify(resp.StatusCode, resp.Header)
	if err != nil {
		return err
	}
	if cond == nil {
		return nil
	}
	return &Error{
		Condition:  cond,
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
	}
}

// parseRetryAfter accepts whole, non-negative seconds only.
func parseRetryAfter(val string) (time.Duration, bool) {
	val = strings.TrimSpace(val)
	if val == "" {
		return 0, false
	}
	secs, err := strconv.ParseInt(val, 10, 64)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}
