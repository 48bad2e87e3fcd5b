package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// ErrNilRequest is returned by NewCall for a nil request.
var ErrNilRequest = errors.New("nil request")

// Call is one logical HTTP exchange. The request body is buffered once so
// the call can be replayed against other nodes.
type Call struct {
	doer Doer
	req  *http.Request
	body []byte
}

// NewCall buffers req's body and binds it to doer.
func NewCall(doer Doer, req *http.Request) (*Call, error) {
	if req == nil {
		return nil, ErrNilRequest
	}
	if req.URL == nil || !req.URL.IsAbs() {
		return nil, fmt.Errorf("request url must be absolute, got %q", req.URL)
	}

	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		b, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("buffer request body: %w", err)
		}
		body = b
	}
	return &Call{doer: doer, req: req, body: body}, nil
}

// URL returns the request target.
func (c *Call) URL() *url.URL {
	return c.req.URL
}

// Context returns the context the call was created with.
func (c *Call) Context() context.Context {
	return c.req.Context()
}

// Request returns a fresh copy of the request with a new body reader.
func (c *Call) Request() *http.Request {
	r := c.req.Clone(c.req.Context())
	c.attachBody(r)
	return r
}

// Execute sends the request synchronously.
func (c *Call) Execute() (*http.Response, error) {
	return c.doer.Do(c.Request())
}

// Enqueue sends the request on its own goroutine and reports the outcome to
// cb exactly once.
func (c *Call) Enqueue(cb func(*http.Response, error)) {
	go func() {
		cb(c.Execute())
	}()
}

// Clone returns an unexecuted copy of the call aimed at target. Method,
// headers, body and context carry over.
func (c *Call) Clone(target *url.URL) *Call {
	r := c.req.Clone(c.req.Context())
	u := *target
	r.URL = &u
	r.Host = ""
	return &Call{doer: c.doer, req: r, body: c.body}
}

// WithContext returns a copy of the call bound to ctx.
func (c *Call) WithContext(ctx context.Context) *Call {
	return &Call{doer: c.doer, req: c.req.Clone(ctx), body: c.body}
}

func (c *Call) attachBody(r *http.Request) {
	if c.body == nil {
		r.Body = http.NoBody
		r.ContentLength = 0
		r.GetBody = nil
		return
	}
	body := c.body
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
}
