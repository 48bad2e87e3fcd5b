package rpc

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/httpguard/internal/infra/rpc/hostmetrics"
	"github.com/vietddude/httpguard/internal/infra/rpc/limiter"
	"github.com/vietddude/httpguard/internal/infra/rpc/qos"
	"github.com/vietddude/httpguard/internal/infra/rpc/retry"
)

// hitLog records which test node served each request, in order.
type hitLog struct {
	mu   sync.Mutex
	hits []string
}

func (l *hitLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hits = append(l.hits, name)
}

func (l *hitLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.hits...)
}

func newNode(t *testing.T, name string, log *hitLog, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.add(name)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func status(code int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	}
}

func newTestClient(t *testing.T, cfg Config, opts ...ClientOption) *Client {
	t.Helper()
	if cfg.Service == "" {
		cfg.Service = "test"
	}
	if cfg.BackoffSlotSize == 0 {
		cfg.BackoffSlotSize = time.Millisecond
	}
	c, err := NewClient(cfg, opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func get(t *testing.T, path string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, path, nil)
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestClient_UnavailableRetriesAcrossNodes(t *testing.T) {
	tests := []struct {
		maxRetries int
		want       []string
	}{
		{0, []string{"A"}},
		{1, []string{"A", "B"}},
		{2, []string{"A", "B", "A"}},
	}

	for _, tt := range tests {
		log := &hitLog{}
		a := newNode(t, "A", log, status(http.StatusServiceUnavailable))
		b := newNode(t, "B", log, status(http.StatusServiceUnavailable))
		c := newTestClient(t, Config{URIs: []string{a.URL, b.URL}, MaxNumRetries: tt.maxRetries})

		_, err := c.Do(context.Background(), get(t, "/ping"))

		var qerr *qos.Error
		if !errors.As(err, &qerr) {
			t.Fatalf("maxRetries=%d: expected qos error, got %v", tt.maxRetries, err)
		}
		if _, ok := qerr.Condition.(qos.Unavailable); !ok {
			t.Errorf("maxRetries=%d: condition = %s, want unavailable", tt.maxRetries, qerr.Condition)
		}
		if got := log.get(); !equal(got, tt.want) {
			t.Errorf("maxRetries=%d: hits = %v, want %v", tt.maxRetries, got, tt.want)
		}
	}
}

func TestClient_UnavailableThenSuccess(t *testing.T) {
	log := &hitLog{}
	a := newNode(t, "A", log, status(http.StatusServiceUnavailable))
	b := newNode(t, "B", log, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.URL.Path+"?"+r.URL.RawQuery)
	})
	c := newTestClient(t, Config{URIs: []string{a.URL + "/api", b.URL + "/api"}, MaxNumRetries: 3})

	resp, err := c.Do(context.Background(), get(t, "/users/1?full=true"))
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "/api/users/1?full=true" {
		t.Errorf("path not preserved across failover: %q", body)
	}
}

func TestClient_ThrottleWithRetryAfter(t *testing.T) {
	log := &hitLog{}
	var calls int
	var mu sync.Mutex
	a := newNode(t, "A", log, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	b := newNode(t, "B", log, status(http.StatusOK))

	c := newTestClient(t, Config{URIs: []string{a.URL, b.URL}})

	resp, err := c.Do(context.Background(), get(t, "/"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	// Throttle retries stay on the same node, even with a zero backoff budget.
	if got := log.get(); !equal(got, []string{"A", "A"}) {
		t.Errorf("hits = %v, want [A A]", got)
	}
}

func TestClient_FollowsRedirectWithinPool(t *testing.T) {
	log := &hitLog{}
	b := newNode(t, "B", log, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.URL.Path)
	})
	a := newNode(t, "A", log, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", b.URL+"/api")
		w.WriteHeader(http.StatusPermanentRedirect)
	})

	c := newTestClient(t, Config{URIs: []string{a.URL + "/api", b.URL + "/api"}})

	resp, err := c.Do(context.Background(), get(t, "/items"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "/api/items" {
		t.Errorf("redirect lost the path: %q", body)
	}
	if got := log.get(); !equal(got, []string{"A", "B"}) {
		t.Errorf("hits = %v, want [A B]", got)
	}
}

func TestClient_RedirectOutsidePool(t *testing.T) {
	log := &hitLog{}
	a := newNode(t, "A", log, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "http://elsewhere.invalid/api")
		w.WriteHeader(http.StatusPermanentRedirect)
	})
	c := newTestClient(t, Config{URIs: []string{a.URL}})

	_, err := c.Do(context.Background(), get(t, "/"))
	if !errors.Is(err, ErrUnknownRedirect) {
		t.Fatalf("expected ErrUnknownRedirect, got %v", err)
	}
	if errors.Is(err, retry.ErrUnexpectedCondition) {
		t.Errorf("redirect failure reported as internal error: %v", err)
	}
	var qerr *qos.Error
	if !errors.As(err, &qerr) || qerr.StatusCode != http.StatusPermanentRedirect {
		t.Errorf("expected the 308 qos error to stay reachable, got %v", err)
	}
	if n := len(log.get()); n != 1 {
		t.Errorf("hits = %d, want 1", n)
	}
}

func TestClient_RedirectToPathBelowNodeIsUnknown(t *testing.T) {
	log := &hitLog{}
	b := newNode(t, "B", log, status(http.StatusOK))
	a := newNode(t, "A", log, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", b.URL+"/api/some/deeper/path")
		w.WriteHeader(http.StatusPermanentRedirect)
	})
	c := newTestClient(t, Config{URIs: []string{a.URL + "/api", b.URL + "/api"}})

	_, err := c.Do(context.Background(), get(t, "/items"))
	if !errors.Is(err, ErrUnknownRedirect) {
		t.Fatalf("expected ErrUnknownRedirect, got %v", err)
	}
	if got := log.get(); !equal(got, []string{"A"}) {
		t.Errorf("hits = %v, want [A]", got)
	}
}

func TestClient_RedirectLoopIsBounded(t *testing.T) {
	log := &hitLog{}
	a := newNode(t, "A", log, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "http://"+r.Host+"/")
		w.WriteHeader(http.StatusPermanentRedirect)
	})
	c := newTestClient(t, Config{URIs: []string{a.URL}, MaxRedirects: 3})

	_, err := c.Do(context.Background(), get(t, "/"))
	if !errors.Is(err, ErrTooManyRedirects) {
		t.Fatalf("expected ErrTooManyRedirects, got %v", err)
	}
	if errors.Is(err, retry.ErrUnexpectedCondition) {
		t.Errorf("redirect failure reported as internal error: %v", err)
	}
	if n := len(log.get()); n != 4 {
		t.Errorf("hits = %d, want 4", n)
	}
}

func TestClient_RedirectWithoutLocationIsFatal(t *testing.T) {
	log := &hitLog{}
	a := newNode(t, "A", log, status(http.StatusPermanentRedirect))
	b := newNode(t, "B", log, status(http.StatusOK))
	c := newTestClient(t, Config{URIs: []string{a.URL, b.URL}, MaxNumRetries: 3})

	_, err := c.Do(context.Background(), get(t, "/"))
	var perr *qos.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if n := len(log.get()); n != 1 {
		t.Errorf("protocol errors must not be retried, hits = %d", n)
	}
}

func TestClient_IOFailureFailsOver(t *testing.T) {
	log := &hitLog{}
	dead := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	deadURL := dead.URL
	dead.Close()
	b := newNode(t, "B", log, status(http.StatusOK))

	registry := hostmetrics.NewRegistry()
	c := newTestClient(t, Config{
		URIs:              []string{deadURL, b.URL},
		MaxNumRetries:     2,
		FailedURLCooldown: time.Minute,
	}, WithHostMetrics(registry))

	for i := 0; i < 2; i++ {
		resp, err := c.Do(context.Background(), get(t, "/"))
		if err != nil {
			t.Fatalf("call %d: expected failover success, got %v", i, err)
		}
		resp.Body.Close()
	}

	// The first call fails over; the pin then stays on B.
	if got := log.get(); !equal(got, []string{"B", "B"}) {
		t.Errorf("hits = %v, want [B B]", got)
	}

	deadHost := strings.TrimPrefix(deadURL, "http://")
	s, ok := registry.Lookup("test", deadHost)
	if !ok || s.IOErrors != 1 {
		t.Errorf("expected one io error for %s, got %+v", deadHost, s)
	}
}

func TestClient_IOFailureExhaustion(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	c := newTestClient(t, Config{URIs: []string{deadURL}, MaxNumRetries: 2})

	_, err := c.Do(context.Background(), get(t, "/"))
	if err == nil {
		t.Fatal("expected io error")
	}
	var qerr *qos.Error
	if errors.As(err, &qerr) {
		t.Errorf("io failure must surface as is, got qos error %v", err)
	}

	s, _ := c.HostMetrics().Lookup("test", strings.TrimPrefix(deadURL, "http://"))
	if s.IOErrors != 3 {
		t.Errorf("io errors = %d, want 3 (one attempt plus two failovers)", s.IOErrors)
	}
}

func TestClient_RecordsHostMetrics(t *testing.T) {
	log := &hitLog{}
	a := newNode(t, "A", log, status(http.StatusNotFound))
	c := newTestClient(t, Config{URIs: []string{a.URL}})

	resp, err := c.Do(context.Background(), get(t, "/missing"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	s, ok := c.HostMetrics().Lookup("test", strings.TrimPrefix(a.URL, "http://"))
	if !ok {
		t.Fatal("expected host metrics entry")
	}
	if s.Family(hostmetrics.Family4xx).Count != 1 || s.Total.Count != 1 {
		t.Errorf("unexpected counts 4xx=%d total=%d", s.Family(hostmetrics.Family4xx).Count, s.Total.Count)
	}
}

func TestClient_LimiterShrinksOnUnavailable(t *testing.T) {
	log := &hitLog{}
	a := newNode(t, "A", log, status(http.StatusServiceUnavailable))

	lim := limiter.New(limiter.Config{InitialLimit: 10})
	c := newTestClient(t, Config{URIs: []string{a.URL}}, WithLimiter(lim))

	_, _ = c.Do(context.Background(), get(t, "/"))

	key := strings.TrimPrefix(a.URL, "http://")
	if got := lim.Limit(key); got >= 10 {
		t.Errorf("limit = %d, want below 10 after a 503", got)
	}
	if got := lim.InFlight(key); got != 0 {
		t.Errorf("permit leaked, in flight = %d", got)
	}
}

func TestClient_RoundRobinSpreadsCalls(t *testing.T) {
	log := &hitLog{}
	a := newNode(t, "A", log, status(http.StatusOK))
	b := newNode(t, "B", log, status(http.StatusOK))
	c := newTestClient(t, Config{URIs: []string{a.URL, b.URL}, NodeSelectionStrategy: RoundRobin})

	for i := 0; i < 4; i++ {
		resp, err := c.Do(context.Background(), get(t, "/"))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
	}
	if got := log.get(); !equal(got, []string{"A", "B", "A", "B"}) {
		t.Errorf("hits = %v, want [A B A B]", got)
	}
}

func TestClient_DoAsync(t *testing.T) {
	log := &hitLog{}
	a := newNode(t, "A", log, status(http.StatusServiceUnavailable))
	b := newNode(t, "B", log, status(http.StatusCreated))
	c := newTestClient(t, Config{URIs: []string{a.URL, b.URL}, MaxNumRetries: 2})

	done := make(chan int, 1)
	f, err := c.DoAsync(context.Background(), get(t, "/"), func(resp *http.Response, err error) {
		if err != nil {
			t.Errorf("unexpected error %v", err)
			done <- 0
			return
		}
		resp.Body.Close()
		done <- resp.StatusCode
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case code := <-done:
		if code != http.StatusCreated {
			t.Errorf("status = %d", code)
		}
	case <-time.After(5 * time.Second):
		f.Cancel()
		t.Fatal("async call never completed")
	}
}

func TestNewClient_Validation(t *testing.T) {
	if _, err := NewClient(Config{Service: "svc"}); err == nil {
		t.Error("expected error for empty node list")
	}
	if _, err := NewClient(Config{Service: "svc", URIs: []string{"http://ok", "http://user:pw@bad"}}); err == nil ||
		!strings.Contains(err.Error(), "http://user:pw@bad") {
		t.Errorf("expected error naming the bad url, got %v", err)
	}
	if _, err := NewClient(Config{URIs: []string{"http://ok"}}); err == nil {
		t.Error("expected error for missing service name")
	}
}
