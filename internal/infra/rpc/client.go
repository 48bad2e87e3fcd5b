package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/httpguard/internal/infra/rpc/backoff"
	"github.com/vietddude/httpguard/internal/infra/rpc/hostmetrics"
	"github.com/vietddude/httpguard/internal/infra/rpc/limiter"
	"github.com/vietddude/httpguard/internal/infra/rpc/qos"
	"github.com/vietddude/httpguard/internal/infra/rpc/retry"
	"github.com/vietddude/httpguard/internal/infra/rpc/routing"
	"github.com/vietddude/httpguard/internal/infra/rpc/transport"
	"github.com/vietddude/httpguard/internal/metrics"
)

var (
	// ErrUnknownRedirect is returned for a 308 whose Location is not one of
	// the configured nodes.
	ErrUnknownRedirect = errors.New("redirect to unknown node")

	// ErrTooManyRedirects is returned when a call keeps being redirected.
	ErrTooManyRedirects = errors.New("too many redirects")
)

const (
	defaultBackoffSlotSize = 250 * time.Millisecond
	defaultMaxRedirects    = 20
	defaultTimeout         = 30 * time.Second
)

// Config describes one logical upstream service.
type Config struct {
	// Service names the upstream in logs and metrics.
	Service string

	// URIs is the ordered node pool; each entry must be a canonical base URL.
	URIs []string

	// MaxNumRetries bounds both the QoS backoff budget and IO failovers.
	MaxNumRetries int

	// BackoffSlotSize is the base duration of the exponential backoff.
	BackoffSlotSize time.Duration

	// FailedURLCooldown excludes a failed node from failover for this long.
	// Zero disables cooldown.
	FailedURLCooldown time.Duration

	NodeSelectionStrategy routing.NodeSelectionStrategy

	// MaxThrottleRetries bounds retries driven by Retry-After headers.
	MaxThrottleRetries int

	// MaxRedirects bounds 308 redirects followed within one attempt.
	MaxRedirects int

	// Timeout applies to the default HTTP client only.
	Timeout time.Duration

	// Limiter enables per-host concurrency limiting when set.
	Limiter *limiter.Config
}

// Client sends requests to a pool of nodes with redirect handling, IO
// failover, per-host concurrency limiting and QoS retries.
type Client struct {
	cfg Config

	doer         transport.Doer
	selector     *routing.Selector
	rotator      routing.NodeRotator
	limiter      *limiter.Limiter
	hosts        *hostmetrics.Registry
	orchestrator *retry.Orchestrator

	cooldown     routing.CooldownStore
	backoffOpts  []backoff.Option
	retryOptions []retry.Option
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithDoer replaces the default HTTP client.
func WithDoer(d transport.Doer) ClientOption {
	return func(c *Client) { c.doer = d }
}

// WithHostMetrics records into r instead of a private registry.
func WithHostMetrics(r *hostmetrics.Registry) ClientOption {
	return func(c *Client) { c.hosts = r }
}

// WithCooldownStore shares node cooldowns through store.
func WithCooldownStore(store routing.CooldownStore) ClientOption {
	return func(c *Client) { c.cooldown = store }
}

// WithLimiter shares a concurrency limiter between clients.
func WithLimiter(l *limiter.Limiter) ClientOption {
	return func(c *Client) { c.limiter = l }
}

// WithBackoffOptions passes options to every backoff strategy.
func WithBackoffOptions(opts ...backoff.Option) ClientOption {
	return func(c *Client) { c.backoffOpts = append(c.backoffOpts, opts...) }
}

// WithRetryOptions passes options to the retry orchestrator.
func WithRetryOptions(opts ...retry.Option) ClientOption {
	return func(c *Client) { c.retryOptions = append(c.retryOptions, opts...) }
}

// NewClient validates cfg and wires the client.
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	if cfg.Service == "" {
		return nil, errors.New("service name is required")
	}
	if cfg.MaxNumRetries < 0 {
		cfg.MaxNumRetries = 0
	}
	if cfg.BackoffSlotSize <= 0 {
		cfg.BackoffSlotSize = defaultBackoffSlotSize
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = defaultMaxRedirects
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	c := &Client{cfg: cfg}
	for _, o := range opts {
		o(c)
	}

	selOpts := []routing.SelectorOption{routing.WithFailedURLCooldown(cfg.FailedURLCooldown)}
	if c.cooldown != nil {
		selOpts = append(selOpts, routing.WithCooldownStore(c.cooldown))
	}
	sel, err := routing.NewSelector(cfg.URIs, selOpts...)
	if err != nil {
		return nil, fmt.Errorf("service %s: %w", cfg.Service, err)
	}
	c.selector = sel
	c.rotator = routing.NewNodeRotator(cfg.NodeSelectionStrategy, sel)

	if c.doer == nil {
		c.doer = transport.NewHTTPClient(cfg.Timeout)
	}
	if c.hosts == nil {
		c.hosts = hostmetrics.NewRegistry()
	}
	if c.limiter == nil && cfg.Limiter != nil {
		c.limiter = limiter.New(*cfg.Limiter)
	}

	c.orchestrator = retry.New(retry.Config{
		Service:            cfg.Service,
		Backoff:            backoff.ExponentialFactory(cfg.MaxNumRetries, cfg.BackoffSlotSize, c.backoffOpts...),
		MaxThrottleRetries: cfg.MaxThrottleRetries,
	}, c, failoverNodes{c}, c.retryOptions...)

	return c, nil
}

// Service returns the configured service name.
func (c *Client) Service() string { return c.cfg.Service }

// Selector returns the node pool.
func (c *Client) Selector() *routing.Selector { return c.selector }

// HostMetrics returns the registry the client records into.
func (c *Client) HostMetrics() *hostmetrics.Registry { return c.hosts }

// Do sends req to the current node and returns the first non-QoS outcome.
// A relative request URL is resolved against the selected node; an
// absolute one is used as is.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	call, err := c.newCall(ctx, req)
	if err != nil {
		return nil, err
	}

	chain := uuid.NewString()
	start := time.Now()
	slog.Debug("Dispatching call", "service", c.cfg.Service, "chain", chain, "url", call.URL().Redacted())

	resp, err := c.orchestrator.Do(ctx, call)
	c.observe(chain, call, time.Since(start), err)
	return resp, err
}

// DoAsync is the non-blocking form of Do. onDone runs once on the
// orchestrator's executor unless the returned future is canceled.
func (c *Client) DoAsync(ctx context.Context, req *http.Request, onDone func(*http.Response, error)) (*retry.Future, error) {
	call, err := c.newCall(ctx, req)
	if err != nil {
		return nil, err
	}

	chain := uuid.NewString()
	start := time.Now()
	return c.orchestrator.DoAsync(ctx, call, func(resp *http.Response, err error) {
		c.observe(chain, call, time.Since(start), err)
		if onDone != nil {
			onDone(resp, err)
		}
	}), nil
}

// Close releases idle connections of the default HTTP client.
func (c *Client) Close() error {
	if hc, ok := c.doer.(*http.Client); ok {
		hc.CloseIdleConnections()
	}
	return nil
}

func (c *Client) newCall(ctx context.Context, req *http.Request) (*transport.Call, error) {
	if req == nil || req.URL == nil {
		return nil, transport.ErrNilRequest
	}
	node := c.selector.Node(c.rotator.Select(ctx))

	r := req.Clone(ctx)
	r.URL = node.Resolve(req.URL)
	r.Host = ""
	return transport.NewCall(c.doer, r)
}

func (c *Client) observe(chain string, call *transport.Call, elapsed time.Duration, err error) {
	var qerr *qos.Error
	outcome := "success"
	switch {
	case err == nil:
	case errors.As(err, &qerr):
		outcome = "qos_" + qos.Name(qerr.Condition)
	default:
		outcome = "error"
	}
	metrics.CallsTotal.WithLabelValues(c.cfg.Service, outcome).Inc()

	if err != nil {
		slog.Warn("Call failed",
			"service", c.cfg.Service,
			"chain", chain,
			"url", call.URL().Redacted(),
			"elapsed", elapsed,
			"error", err,
		)
		return
	}
	slog.Debug("Call completed", "service", c.cfg.Service, "chain", chain, "elapsed", elapsed)
}

// Dispatch runs one attempt through the execution path. 308 responses are
// followed immediately and IO failures move the call to the next node, up
// to MaxNumRetries times. 429 and 503 are returned as *qos.Error.
func (c *Client) Dispatch(ctx context.Context, call *transport.Call) (*http.Response, error) {
	var redirects, failovers int
	for {
		resp, err := c.execute(ctx, call)
		if err == nil {
			return resp, nil
		}

		var qerr *qos.Error
		if errors.As(err, &qerr) {
			ro, ok := qerr.Condition.(qos.RetryOther)
			if !ok {
				return nil, err
			}
			if redirects >= c.cfg.MaxRedirects {
				return nil, fmt.Errorf("%w: %d followed: %w", ErrTooManyRedirects, redirects, qerr)
			}
			target, ok := c.selector.RedirectTo(call.URL(), ro.Location.String())
			if !ok {
				return nil, fmt.Errorf("%w: %s: %w", ErrUnknownRedirect, ro.Location.Redacted(), qerr)
			}
			redirects++
			metrics.RedirectsTotal.WithLabelValues(c.cfg.Service).Inc()
			slog.Debug("Following redirect",
				"service", c.cfg.Service,
				"from", call.URL().Redacted(),
				"to", target.Redacted(),
			)
			call = call.Clone(target)
			continue
		}

		var perr *qos.ProtocolError
		if errors.As(err, &perr) || ctx.Err() != nil {
			return nil, err
		}

		if failovers >= c.cfg.MaxNumRetries {
			return nil, err
		}
		c.markFailed(ctx, call.URL())
		next, ok := c.selector.RedirectToNext(ctx, call.URL())
		if !ok {
			return nil, err
		}
		failovers++
		metrics.FailoversTotal.WithLabelValues(c.cfg.Service).Inc()
		slog.Warn("IO failure, failing over",
			"service", c.cfg.Service,
			"from", call.URL().Redacted(),
			"to", next.Redacted(),
			"attempt", failovers,
			"error", err,
		)
		call = call.Clone(next)
	}
}

// execute performs a single HTTP exchange under a concurrency permit and
// records it in the host metrics.
func (c *Client) execute(ctx context.Context, call *transport.Call) (*http.Response, error) {
	u := call.URL()

	var ln *limiter.Listener
	if c.limiter != nil {
		var err error
		if ln, err = c.limiter.Acquire(ctx, u.Host); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	resp, err := call.WithContext(ctx).Execute()
	elapsed := time.Since(start)
	if err != nil {
		c.hosts.RecordIOException(c.cfg.Service, u.Host, u.String())
		release(ln, (*limiter.Listener).OnIgnore)
		return nil, err
	}
	c.hosts.Record(c.cfg.Service, u.Host, u.String(), resp.StatusCode, elapsed)

	qerr := qos.FromResponse(resp)
	if qerr == nil {
		if resp.StatusCode < http.StatusBadRequest {
			release(ln, (*limiter.Listener).OnSuccess)
		} else {
			release(ln, (*limiter.Listener).OnIgnore)
		}
		return resp, nil
	}

	drain(resp)
	var q *qos.Error
	if errors.As(qerr, &q) {
		switch q.Condition.(type) {
		case qos.Throttle, qos.Unavailable:
			release(ln, (*limiter.Listener).OnDropped)
		default:
			release(ln, (*limiter.Listener).OnIgnore)
		}
		return nil, qerr
	}
	release(ln, (*limiter.Listener).OnIgnore)
	return nil, qerr
}

func (c *Client) markFailed(ctx context.Context, u *url.URL) {
	c.selector.MarkFailed(ctx, u)
	if i, ok := c.selector.IndexFor(u); ok {
		c.rotator.Failed(ctx, i)
	}
}

// failoverNodes exposes the client's node handling to the orchestrator so
// QoS failures also advance the node-selection policy.
type failoverNodes struct{ c *Client }

func (f failoverNodes) MarkFailed(ctx context.Context, u *url.URL) {
	f.c.markFailed(ctx, u)
}

func (f failoverNodes) RedirectToNext(ctx context.Context, u *url.URL) (*url.URL, bool) {
	return f.c.selector.RedirectToNext(ctx, u)
}

func release(ln *limiter.Listener, outcome func(*limiter.Listener)) {
	if ln != nil {
		outcome(ln)
	}
}

func drain(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
