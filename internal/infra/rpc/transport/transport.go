// Package transport wraps a single HTTP exchange in a replayable Call.
//
// This package contains:
//   - Doer: the minimal HTTP executor (satisfied by *http.Client)
//   - Call: one logical request that can be executed, enqueued or cloned
//     onto another URL without losing its body or context
package transport

import (
	"net/http"
	"time"
)

// Doer executes a single HTTP request.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewHTTPClient returns an *http.Client tuned for talking to a small pool of
// upstream nodes. Redirects are never followed automatically; 308 handling
// belongs to the caller.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
