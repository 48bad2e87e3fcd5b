package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/httpguard/internal/infra/rpc/backoff"
	"github.com/vietddude/httpguard/internal/infra/rpc/qos"
	"github.com/vietddude/httpguard/internal/infra/rpc/transport"
)

// scriptedDispatcher replays a fixed list of outcomes and records targets.
type scriptedDispatcher struct {
	mu       sync.Mutex
	outcomes []outcome
	targets  []string
}

type outcome struct {
	status int
	err    error
	body   *trackedBody
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, call *transport.Call) (*http.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.targets = append(d.targets, call.URL().Host)
	if len(d.outcomes) == 0 {
		return nil, errors.New("script exhausted")
	}
	o := d.outcomes[0]
	d.outcomes = d.outcomes[1:]
	if o.err != nil {
		return nil, o.err
	}
	body := o.body
	if body == nil {
		body = &trackedBody{Reader: strings.NewReader("ok")}
	}
	return &http.Response{StatusCode: o.status, Body: body}, nil
}

func (d *scriptedDispatcher) Targets() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.targets...)
}

type trackedBody struct {
	io.Reader
	mu     sync.Mutex
	closed bool
}

func (b *trackedBody) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *trackedBody) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// ringNodes rotates between hosts and records cooldown marks.
type ringNodes struct {
	mu     sync.Mutex
	hosts  []string
	failed []string
}

func (n *ringNodes) MarkFailed(_ context.Context, u *url.URL) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, u.Host)
}

func (n *ringNodes) RedirectToNext(_ context.Context, u *url.URL) (*url.URL, bool) {
	for i, h := range n.hosts {
		if h == u.Host {
			next := *u
			next.Host = n.hosts[(i+1)%len(n.hosts)]
			return &next, true
		}
	}
	return nil, false
}

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return nil
}

// fixedSource makes every exponential draw return its upper bound.
type fixedSource struct{}

func (fixedSource) Int64N(n int64) int64 { return n - 1 }

func newCall(t *testing.T, raw string) *transport.Call {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, raw, nil)
	if err != nil {
		t.Fatal(err)
	}
	call, err := transport.NewCall(http.DefaultClient, req)
	if err != nil {
		t.Fatal(err)
	}
	return call
}

func qosErr(c qos.Condition, status int) *qos.Error {
	return &qos.Error{Condition: c, StatusCode: status, Header: http.Header{}}
}

func TestHandle_ThrottleWithRetryAfterIgnoresBackoff(t *testing.T) {
	d := &scriptedDispatcher{outcomes: []outcome{{status: 200}}}
	rec := &sleepRecorder{}
	o := New(Config{Backoff: backoff.ExponentialFactory(0, time.Second)}, d, nil, WithSleep(rec.Sleep))

	throttle := qosErr(qos.Throttle{RetryAfter: 3 * time.Second, HasRetryAfter: true}, 429)
	resp, err := o.Handle(context.Background(), newCall(t, "http://a/api"), throttle)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	resp.Body.Close()

	if len(rec.waits) != 1 || rec.waits[0] != 3*time.Second {
		t.Errorf("waits = %v, want exactly [3s]", rec.waits)
	}
}

func TestHandle_ThrottleWithRetryAfterIsBounded(t *testing.T) {
	throttle := qosErr(qos.Throttle{RetryAfter: time.Second, HasRetryAfter: true}, 429)
	d := &scriptedDispatcher{}
	for i := 0; i < 5; i++ {
		d.outcomes = append(d.outcomes, outcome{err: throttle})
	}
	rec := &sleepRecorder{}
	o := New(Config{MaxThrottleRetries: 2}, d, nil, WithSleep(rec.Sleep))

	_, err := o.Handle(context.Background(), newCall(t, "http://a/api"), throttle)
	if err != throttle {
		t.Fatalf("expected the original throttle error, got %v", err)
	}
	if len(d.Targets()) != 2 {
		t.Errorf("attempts = %d, want 2", len(d.Targets()))
	}
}

func TestHandle_RetriesMatchBackoffBudget(t *testing.T) {
	tests := []struct {
		name string
		cond qos.Condition
	}{
		{"throttle without retry-after", qos.Throttle{}},
		{"unavailable", qos.Unavailable{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			last := qosErr(tt.cond, 503)
			d := &scriptedDispatcher{outcomes: []outcome{
				{err: qosErr(tt.cond, 503)},
				{err: qosErr(tt.cond, 503)},
				{err: last},
			}}
			rec := &sleepRecorder{}
			factory := backoff.ExponentialFactory(3, 10*time.Millisecond, backoff.WithSource(fixedSource{}))
			o := New(Config{Backoff: factory}, d, nil, WithSleep(rec.Sleep))

			_, err := o.Handle(context.Background(), newCall(t, "http://a/api"), qosErr(tt.cond, 503))
			if err != last {
				t.Fatalf("expected latest qos error verbatim, got %v", err)
			}
			if len(d.Targets()) != 3 {
				t.Errorf("retries = %d, want 3", len(d.Targets()))
			}
			want := []time.Duration{20 * time.Millisecond, 40 * time.Millisecond, 80 * time.Millisecond}
			for i, w := range want {
				if rec.waits[i] != w {
					t.Errorf("wait %d = %s, want %s", i, rec.waits[i], w)
				}
			}
		})
	}
}

func TestHandle_UnavailableMovesToNextNode(t *testing.T) {
	nodes := &ringNodes{hosts: []string{"a", "b"}}
	d := &scriptedDispatcher{outcomes: []outcome{
		{err: qosErr(qos.Unavailable{}, 503)},
		{status: 200},
	}}
	o := New(Config{Backoff: backoff.ExponentialFactory(2, time.Millisecond)}, d, nodes,
		WithSleep((&sleepRecorder{}).Sleep))

	resp, err := o.Handle(context.Background(), newCall(t, "http://a/api/x"), qosErr(qos.Unavailable{}, 503))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if got := d.Targets(); len(got) != 2 || got[0] != "b" || got[1] != "a" {
		t.Errorf("targets = %v, want [b a]", got)
	}
	if len(nodes.failed) != 2 || nodes.failed[0] != "a" || nodes.failed[1] != "b" {
		t.Errorf("cooldown marks = %v, want [a b]", nodes.failed)
	}
}

func TestHandle_RetryOtherIsInternalError(t *testing.T) {
	loc, _ := url.Parse("http://b/api")
	qerr := qosErr(qos.RetryOther{Location: loc}, 308)
	d := &scriptedDispatcher{}
	o := New(Config{}, d, nil)

	_, err := o.Handle(context.Background(), newCall(t, "http://a/api"), qerr)
	if !errors.Is(err, ErrUnexpectedCondition) {
		t.Fatalf("expected ErrUnexpectedCondition, got %v", err)
	}
	var wrapped *qos.Error
	if !errors.As(err, &wrapped) || wrapped != qerr {
		t.Error("internal error must wrap the qos error")
	}
	if len(d.Targets()) != 0 {
		t.Error("RetryOther must not trigger an attempt")
	}
}

func TestDo_WrappedQosErrorIsFinal(t *testing.T) {
	errRedirect := errors.New("redirect to unknown node")
	loc, _ := url.Parse("http://elsewhere/api")

	tests := []struct {
		name string
		err  error
	}{
		{"wrapped retry other", fmt.Errorf("%w: %w", errRedirect, qosErr(qos.RetryOther{Location: loc}, 308))},
		{"wrapped unavailable", fmt.Errorf("%w: %w", errRedirect, qosErr(qos.Unavailable{}, 503))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &scriptedDispatcher{outcomes: []outcome{{err: tt.err}, {status: 200}}}
			o := New(Config{Backoff: backoff.ExponentialFactory(3, time.Millisecond)}, d, &ringNodes{hosts: []string{"a", "b"}},
				WithSleep((&sleepRecorder{}).Sleep))

			_, err := o.Do(context.Background(), newCall(t, "http://a/api"))
			if err != tt.err {
				t.Fatalf("expected dispatcher error verbatim, got %v", err)
			}
			if errors.Is(err, ErrUnexpectedCondition) {
				t.Error("wrapped qos error must not reach the decision table")
			}
			if got := d.Targets(); len(got) != 1 {
				t.Errorf("attempts = %v, want exactly one", got)
			}
		})
	}
}

func TestHandle_NonQosErrorEndsChain(t *testing.T) {
	ioErr := errors.New("connection refused")
	d := &scriptedDispatcher{outcomes: []outcome{{err: ioErr}}}
	o := New(Config{Backoff: backoff.ExponentialFactory(5, time.Millisecond)}, d, nil,
		WithSleep((&sleepRecorder{}).Sleep))

	_, err := o.Handle(context.Background(), newCall(t, "http://a/api"), qosErr(qos.Unavailable{}, 503))
	if err != ioErr {
		t.Errorf("expected io error verbatim, got %v", err)
	}
}

func TestHandle_ContextCanceledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := New(Config{}, &scriptedDispatcher{}, nil)
	throttle := qosErr(qos.Throttle{RetryAfter: time.Hour, HasRetryAfter: true}, 429)
	if _, err := o.Handle(ctx, newCall(t, "http://a/api"), throttle); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestDo_PassesThroughSuccess(t *testing.T) {
	d := &scriptedDispatcher{outcomes: []outcome{{status: 204}}}
	o := New(Config{}, d, nil)

	resp, err := o.Do(context.Background(), newCall(t, "http://a/api"))
	if err != nil || resp.StatusCode != 204 {
		t.Fatalf("unexpected result %v %v", resp, err)
	}
	resp.Body.Close()
}
