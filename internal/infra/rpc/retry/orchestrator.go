// Package retry retries calls that failed with a QoS condition.
//
// The Orchestrator owns the decision table: a Throttle carrying Retry-After
// waits exactly that long, a Throttle without it and Unavailable consult the
// chain's backoff strategy, and Unavailable additionally moves the call to
// the next node. RetryOther is followed at dispatch and must never get here.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/vietddude/httpguard/internal/infra/rpc/backoff"
	"github.com/vietddude/httpguard/internal/infra/rpc/qos"
	"github.com/vietddude/httpguard/internal/infra/rpc/transport"
	"github.com/vietddude/httpguard/internal/metrics"
)

// ErrUnexpectedCondition is returned when a condition the orchestrator does
// not own (RetryOther) is handed to it.
var ErrUnexpectedCondition = errors.New("unexpected qos condition in retry orchestrator")

// DefaultMaxThrottleRetries bounds retries driven by Retry-After headers.
const DefaultMaxThrottleRetries = 4

// Dispatcher runs one attempt through the full execution path (permit,
// transport, host metrics, classification). 429 and 503 come back as a bare
// *qos.Error; anything else, including a wrapped *qos.Error, is final for
// the orchestrator.
type Dispatcher interface {
	Dispatch(ctx context.Context, call *transport.Call) (*http.Response, error)
}

// Nodes is the failover surface the orchestrator needs from node selection.
type Nodes interface {
	MarkFailed(ctx context.Context, u *url.URL)
	RedirectToNext(ctx context.Context, u *url.URL) (*url.URL, bool)
}

// Config holds orchestrator settings.
type Config struct {
	// Service labels logs and metrics.
	Service string

	// Backoff builds a fresh strategy for every call chain.
	Backoff backoff.Factory

	// MaxThrottleRetries bounds retries that follow an explicit Retry-After.
	// Zero selects DefaultMaxThrottleRetries.
	MaxThrottleRetries int
}

// Orchestrator retries QoS failures synchronously or asynchronously.
type Orchestrator struct {
	cfg       Config
	dispatch  Dispatcher
	nodes     Nodes
	scheduler Scheduler
	executor  Executor
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithScheduler replaces the timer based scheduler used by the async path.
func WithScheduler(s Scheduler) Option {
	return func(o *Orchestrator) { o.scheduler = s }
}

// WithExecutor replaces the goroutine executor used for completion callbacks.
func WithExecutor(e Executor) Option {
	return func(o *Orchestrator) { o.executor = e }
}

// WithSleep replaces the blocking wait of the synchronous path.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// New creates an orchestrator. nodes may be nil when the call has a single
// fixed target.
func New(cfg Config, dispatch Dispatcher, nodes Nodes, opts ...Option) *Orchestrator {
	if cfg.Backoff == nil {
		cfg.Backoff = backoff.ExponentialFactory(0, 0)
	}
	if cfg.MaxThrottleRetries <= 0 {
		cfg.MaxThrottleRetries = DefaultMaxThrottleRetries
	}
	o := &Orchestrator{
		cfg:       cfg,
		dispatch:  dispatch,
		nodes:     nodes,
		scheduler: TimerScheduler{},
		executor:  GoExecutor,
		sleep:     sleep,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Do dispatches call and, on a QoS failure, retries it until it succeeds
// or the retry budget is spent.
func (o *Orchestrator) Do(ctx context.Context, call *transport.Call) (*http.Response, error) {
	resp, err := o.dispatch.Dispatch(ctx, call)
	qerr, ok := qosFailure(err)
	if !ok {
		return resp, err
	}
	return o.Handle(ctx, call, qerr)
}

// Handle retries call, which just failed with qerr, blocking the caller for
// every wait. Once the budget is spent the latest QoS error is returned as is.
func (o *Orchestrator) Handle(ctx context.Context, call *transport.Call, qerr *qos.Error) (*http.Response, error) {
	c := o.newChain(call, qerr)
	for {
		next, wait, err := c.next(ctx)
		if err != nil {
			return nil, err
		}
		if err := o.sleep(ctx, wait); err != nil {
			return nil, err
		}

		resp, err := o.dispatch.Dispatch(ctx, next)
		again, ok := qosFailure(err)
		if !ok {
			return resp, err
		}
		c.observe(next, again)
	}
}

// HandleAsync is the non-blocking form of Handle. onDone runs exactly once
// on the executor unless the future is canceled first.
func (o *Orchestrator) HandleAsync(ctx context.Context, call *transport.Call, qerr *qos.Error, onDone func(*http.Response, error)) *Future {
	f, ctx := newFuture(ctx, onDone, o.executor)
	o.schedule(ctx, f, o.newChain(call, qerr))
	return f
}

// DoAsync is the non-blocking form of Do.
func (o *Orchestrator) DoAsync(ctx context.Context, call *transport.Call, onDone func(*http.Response, error)) *Future {
	f, ctx := newFuture(ctx, onDone, o.executor)
	c := o.newChain(call, nil)
	f.track(o.scheduler.Schedule(0, func() {
		if f.isFinished() {
			return
		}
		o.attempt(ctx, f, c, call)
	}))
	return f
}

func (o *Orchestrator) attempt(ctx context.Context, f *Future, c *chain, call *transport.Call) {
	resp, err := o.dispatch.Dispatch(ctx, call)
	qerr, ok := qosFailure(err)
	if !ok {
		f.complete(resp, err)
		return
	}
	c.observe(call, qerr)
	o.schedule(ctx, f, c)
}

// qosFailure returns err when it is an unwrapped *qos.Error. A dispatcher
// that wraps one (a failed redirect, say) has already decided the outcome.
func qosFailure(err error) (*qos.Error, bool) {
	qerr, ok := err.(*qos.Error)
	return qerr, ok && qerr != nil
}

func (o *Orchestrator) schedule(ctx context.Context, f *Future, c *chain) {
	next, wait, err := c.next(ctx)
	if err != nil {
		f.complete(nil, err)
		return
	}
	f.track(o.scheduler.Schedule(wait, func() {
		if f.isFinished() {
			return
		}
		o.attempt(ctx, f, c, next)
	}))
}

// chain is the retry state of one logical call. Attempts within a chain are
// strictly sequential, so it needs no locking.
type chain struct {
	o               *Orchestrator
	call            *transport.Call
	err             *qos.Error
	strategy        backoff.Strategy
	retries         int
	throttleRetries int
}

func (o *Orchestrator) newChain(call *transport.Call, qerr *qos.Error) *chain {
	return &chain{o: o, call: call, err: qerr}
}

func (c *chain) observe(call *transport.Call, qerr *qos.Error) {
	c.call = call
	c.err = qerr
}

func (c *chain) nextBackoff() (time.Duration, bool) {
	if c.strategy == nil {
		c.strategy = c.o.cfg.Backoff()
	}
	return c.strategy.NextBackoff()
}

// next decides the following attempt: which call to run and how long to
// wait first. An error ends the chain.
func (c *chain) next(ctx context.Context) (*transport.Call, time.Duration, error) {
	service := c.o.cfg.Service
	if c.err == nil || c.err.Condition == nil {
		return nil, 0, fmt.Errorf("%w: missing condition", ErrUnexpectedCondition)
	}

	switch cond := c.err.Condition.(type) {
	case qos.Throttle:
		var wait time.Duration
		if cond.HasRetryAfter {
			if c.throttleRetries >= c.o.cfg.MaxThrottleRetries {
				return nil, 0, c.exhausted()
			}
			c.throttleRetries++
			wait = cond.RetryAfter
		} else {
			d, ok := c.nextBackoff()
			if !ok {
				return nil, 0, c.exhausted()
			}
			wait = d
		}
		return c.retry(c.call.Clone(c.call.URL()), wait), wait, nil

	case qos.Unavailable:
		target := c.call.URL()
		if c.o.nodes != nil {
			c.o.nodes.MarkFailed(ctx, target)
		}
		d, ok := c.nextBackoff()
		if !ok {
			return nil, 0, c.exhausted()
		}
		if c.o.nodes != nil {
			if u, ok := c.o.nodes.RedirectToNext(ctx, target); ok {
				target = u
			}
		}
		return c.retry(c.call.Clone(target), d), d, nil

	default:
		slog.Error("QoS condition reached the retry orchestrator",
			"service", service,
			"condition", c.err.Condition,
			"url", c.call.URL().Redacted(),
		)
		return nil, 0, fmt.Errorf("%w: %s for %s: %w",
			ErrUnexpectedCondition, c.err.Condition, c.call.URL().Redacted(), c.err)
	}
}

func (c *chain) retry(next *transport.Call, wait time.Duration) *transport.Call {
	c.retries++
	metrics.QosRetriesTotal.WithLabelValues(c.o.cfg.Service, qos.Name(c.err.Condition)).Inc()
	slog.Debug("Scheduling QoS retry",
		"service", c.o.cfg.Service,
		"condition", c.err.Condition,
		"attempt", c.retries,
		"wait", wait,
		"from", c.call.URL().Redacted(),
		"to", next.URL().Redacted(),
	)
	return next
}

func (c *chain) exhausted() error {
	metrics.QosExhaustedTotal.WithLabelValues(c.o.cfg.Service, qos.Name(c.err.Condition)).Inc()
	slog.Warn("QoS retries exhausted",
		"service", c.o.cfg.Service,
		"condition", c.err.Condition,
		"retries", c.retries,
		"url", c.call.URL().Redacted(),
	)
	return c.err
}
