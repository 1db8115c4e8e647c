package conn

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// StrategyKind selects the backoff curve for retries.
type StrategyKind string

const (
	StrategyNone        StrategyKind = "none"
	StrategyLinear      StrategyKind = "linear"
	StrategyExponential StrategyKind = "exponential"
	StrategyFibonacci   StrategyKind = "fibonacci"
)

// Backoff computes retry delays: base * f(attempt), capped at MaxDelay.
// Attempt numbering starts at 0.
type Backoff struct {
	Kind     StrategyKind
	Base     time.Duration
	MaxDelay time.Duration

	// jitterFn returns a number in [0,1); overridable in tests.
	jitterFn func() float64
}

// NewBackoff validates and builds a backoff policy.
func NewBackoff(kind StrategyKind, base, maxDelay time.Duration) (*Backoff, error) {
	switch kind {
	case StrategyNone, StrategyLinear, StrategyExponential, StrategyFibonacci:
	default:
		return nil, fmt.Errorf("unknown backoff strategy %q", kind)
	}
	if base <= 0 {
		base = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return &Backoff{Kind: kind, Base: base, MaxDelay: maxDelay, jitterFn: rand.Float64}, nil
}

// Delay returns the pre-jitter delay for an attempt.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	var d time.Duration
	switch b.Kind {
	case StrategyNone:
		return 0
	case StrategyLinear:
		d = b.Base * time.Duration(attempt+1)
	case StrategyExponential:
		if attempt >= 62 {
			return b.MaxDelay
		}
		d = b.Base * time.Duration(uint64(1)<<uint(attempt))
	case StrategyFibonacci:
		d = b.Base * time.Duration(fib(attempt))
	}
	if d > b.MaxDelay || d < 0 {
		d = b.MaxDelay
	}
	return d
}

// DelayWithJitter adds uniform jitter in [0.1, 0.3] * delay so synchronized
// clients do not retry in lockstep.
func (b *Backoff) DelayWithJitter(attempt int) time.Duration {
	d := b.Delay(attempt)
	if d == 0 {
		return 0
	}
	jitter := 0.1 + 0.2*b.jitterFn()
	return d + time.Duration(float64(d)*jitter)
}

func fib(n int) uint64 {
	// fib(0)=1, fib(1)=1: the first retry always waits one base unit.
	a, b := uint64(1), uint64(1)
	for i := 0; i < n; i++ {
		if a+b < b {
			return a // overflow; the cap applies anyway
		}
		a, b = b, a+b
	}
	return a
}
