package hostmetrics

import (
	"sync"
	"time"

	"github.com/influxdata/tdigest"
)

const digestCompression = 100

// Timer is a concurrency-safe timing distribution.
type Timer struct {
	mu     sync.Mutex
	count  int64
	sum    time.Duration
	max    time.Duration
	digest *tdigest.TDigest
}

func newTimer() *Timer {
	return &Timer{digest: tdigest.NewWithCompression(digestCompression)}
}

// Update adds one sample.
func (t *Timer) Update(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.count++
	t.sum += d
	if d > t.max {
		t.max = d
	}
	t.digest.Add(float64(d), 1)
}

// TimerSnapshot is a point-in-time copy of a Timer.
type TimerSnapshot struct {
	Count int64         `json:"count"`
	Sum   time.Duration `json:"sum_ns"`
	Max   time.Duration `json:"max_ns"`
	P50   time.Duration `json:"p50_ns"`
	P95   time.Duration `json:"p95_ns"`
	P99   time.Duration `json:"p99_ns"`
}

// Mean returns the average sample, or zero for an empty timer.
func (s TimerSnapshot) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / time.Duration(s.Count)
}

// Snapshot copies the timer state.
func (t *Timer) Snapshot() TimerSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := TimerSnapshot{
		Count: t.count,
		Sum:   t.sum,
		Max:   t.max,
	}
	if t.count > 0 {
		s.P50 = time.Duration(t.digest.Quantile(0.50))
		s.P95 = time.Duration(t.digest.Quantile(0.95))
		s.P99 = time.Duration(t.digest.Quantile(0.99))
	}
	return s
}
