// Package backoff produces bounded sequences of retry wait durations.
package backoff

import (
	"math/rand/v2"
	"time"
)

// maxShift caps the exponent so base * 2^n cannot overflow time.Duration
// for any practical base.
const maxShift = 30

// Strategy yields wait durations for a single retry chain.
// It is stateful and must not be shared between call chains.
type Strategy interface {
	// NextBackoff returns the next wait, or false once the budget is spent.
	NextBackoff() (time.Duration, bool)
}

// Factory creates a fresh Strategy for each call chain.
type Factory func() Strategy

// Source is the randomness used to spread retries. *rand.Rand satisfies it.
type Source interface {
	Int64N(n int64) int64
}

type globalSource struct{}

func (globalSource) Int64N(n int64) int64 { return rand.Int64N(n) }

// Exponential waits base * r on the n-th call, where r is drawn uniformly
// from [1, 2^n].
type Exponential struct {
	maxRetries int
	base       time.Duration
	src        Source
	attempt    int
}

// Option configures an Exponential strategy.
type Option func(*Exponential)

// WithSource injects the random source (used by tests).
func WithSource(src Source) Option {
	return func(e *Exponential) { e.src = src }
}

// NewExponential creates an exponential strategy allowing maxRetries waits.
func NewExponential(maxRetries int, base time.Duration, opts ...Option) *Exponential {
	if maxRetries < 0 {
		maxRetries = 0
	}
	e := &Exponential{
		maxRetries: maxRetries,
		base:       base,
		src:        globalSource{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ExponentialFactory returns a Factory building NewExponential(maxRetries, base, opts...).
func ExponentialFactory(maxRetries int, base time.Duration, opts ...Option) Factory {
	return func() Strategy {
		return NewExponential(maxRetries, base, opts...)
	}
}

// NextBackoff implements Strategy.
func (e *Exponential) NextBackoff() (time.Duration, bool) {
	if e.attempt >= e.maxRetries {
		return 0, false
	}
	e.attempt++

	shift := min(e.attempt, maxShift)
	upper := int64(1) << shift
	r := 1 + e.src.Int64N(upper)
	return e.base * time.Duration(r), true
}

// Attempts returns how many waits have been handed out so far.
func (e *Exponential) Attempts() int {
	return e.attempt
}
