// Package limiter bounds client-side concurrency per key with an AIMD limit.
//
// Every key has an independent limit and in-flight count. Acquire blocks
// while the key is saturated; the returned Listener reports the outcome of
// the call, which releases the permit and adapts the limit:
//   - OnSuccess: limit grows by one, unless a drop was seen since acquire
//   - OnDropped: limit shrinks multiplicatively (floor of 1)
//   - OnIgnore:  permit released, limit untouched
package limiter

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vietddude/httpguard/internal/metrics"
)

// Config holds limiter settings.
type Config struct {
	InitialLimit int
	MaxLimit     int
	BackoffRatio float64
	// PollInterval bounds how long a blocked Acquire sleeps before re-checking.
	PollInterval time.Duration
}

// DefaultConfig returns sensible limiter defaults.
func DefaultConfig() Config {
	return Config{
		InitialLimit: 20,
		MaxLimit:     1000,
		BackoffRatio: 0.8,
		PollInterval: 100 * time.Millisecond,
	}
}

type keyState struct {
	mu        sync.Mutex
	limit     int
	inFlight  int
	dropEpoch uint64
	// released is closed and replaced whenever a permit is returned.
	released chan struct{}
}

// Limiter is a per-key adaptive concurrency gate.
type Limiter struct {
	cfg Config

	mu   sync.Mutex
	keys map[string]*keyState
}

// New creates a limiter. Zero-valued config fields take defaults.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.InitialLimit <= 0 {
		cfg.InitialLimit = def.InitialLimit
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = def.MaxLimit
	}
	if cfg.MaxLimit < cfg.InitialLimit {
		cfg.MaxLimit = cfg.InitialLimit
	}
	if cfg.BackoffRatio <= 0 || cfg.BackoffRatio >= 1 {
		cfg.BackoffRatio = def.BackoffRatio
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	return &Limiter{
		cfg:  cfg,
		keys: make(map[string]*keyState),
	}
}

func (l *Limiter) state(key string) *keyState {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.keys[key]
	if !ok {
		s = &keyState{
			limit:    l.cfg.InitialLimit,
			released: make(chan struct{}),
		}
		l.keys[key] = s
		metrics.LimiterLimit.WithLabelValues(key).Set(float64(s.limit))
	}
	return s
}

// Acquire blocks until a permit for key is available or ctx is done.
// Saturation alone never fails the call; it only delays it.
func (l *Limiter) Acquire(ctx context.Context, key string) (*Listener, error) {
	s := l.state(key)
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for waited := false; ; waited = true {
		s.mu.Lock()
		if s.inFlight < s.limit {
			s.inFlight++
			epoch := s.dropEpoch
			inFlight := s.inFlight
			s.mu.Unlock()

			metrics.LimiterInFlight.WithLabelValues(key).Set(float64(inFlight))
			if waited {
				slog.Debug("Limiter permit acquired after wait", "key", key)
			}
			return &Listener{limiter: l, key: key, state: s, epoch: epoch}, nil
		}
		released := s.released
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-released:
		case <-ticker.C:
		}
	}
}

// Limit returns the current limit for key.
func (l *Limiter) Limit(key string) int {
	s := l.state(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

// InFlight returns the number of permits currently held for key.
func (l *Limiter) InFlight(key string) int {
	s := l.state(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeDropped
	outcomeIgnore
)

func (l *Limiter) release(key string, s *keyState, epoch uint64, o outcome) {
	s.mu.Lock()
	s.inFlight--
	switch o {
	case outcomeSuccess:
		if s.dropEpoch == epoch && s.limit < l.cfg.MaxLimit {
			s.limit++
		}
	case outcomeDropped:
		s.dropEpoch++
		s.limit = max(1, int(math.Floor(float64(s.limit)*l.cfg.BackoffRatio)))
	}
	limit, inFlight := s.limit, s.inFlight
	close(s.released)
	s.released = make(chan struct{})
	s.mu.Unlock()

	metrics.LimiterLimit.WithLabelValues(key).Set(float64(limit))
	metrics.LimiterInFlight.WithLabelValues(key).Set(float64(inFlight))
}

// Listener reports the outcome of a call holding a permit.
// Only the first callback has an effect.
type Listener struct {
	limiter *Limiter
	key     string
	state   *keyState
	epoch   uint64
	done    atomic.Bool
}

// OnSuccess releases the permit and lets the limit grow.
func (ln *Listener) OnSuccess() { ln.finish(outcomeSuccess) }

// OnDropped releases the permit and shrinks the limit.
func (ln *Listener) OnDropped() { ln.finish(outcomeDropped) }

// OnIgnore releases the permit without adjusting the limit.
func (ln *Listener) OnIgnore() { ln.finish(outcomeIgnore) }

func (ln *Listener) finish(o outcome) {
	if !ln.done.CompareAndSwap(false, true) {
		return
	}
	ln.limiter.release(ln.key, ln.state, ln.epoch, o)
}
