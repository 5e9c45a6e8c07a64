package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// BackoffStrategy selects how delays grow between attempts.
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffAdaptive    BackoffStrategy = "adaptive"
)

// ParseBackoffStrategy returns the named strategy, defaulting to exponential.
func ParseBackoffStrategy(name string) BackoffStrategy {
	switch BackoffStrategy(name) {
	case BackoffLinear, BackoffFixed, BackoffAdaptive:
		return BackoffStrategy(name)
	default:
		return BackoffExponential
	}
}

// Backoff computes retry delays. The zero value is not usable; see DefaultBackoff.
type Backoff struct {
	Strategy BackoffStrategy
	Base     time.Duration
	Factor   float64
	Max      time.Duration

	// MaxJitter bounds the random delay added to every attempt.
	MaxJitter time.Duration

	// Jitter overrides the random source. It must return a value in [0, MaxJitter).
	Jitter func() time.Duration
}

// DefaultBackoff is exponential from one second, doubling, capped at 30s.
func DefaultBackoff() Backoff {
	return Backoff{
		Strategy:  BackoffExponential,
		Base:      time.Second,
		Factor:    2,
		Max:       30 * time.Second,
		MaxJitter: time.Second,
	}
}

// Delay returns the wait before retry number attempt (0-based). The multiplier
// scales the adaptive strategy and is ignored by the others.
func (b Backoff) Delay(attempt int, multiplier float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}

	var raw float64
	switch b.Strategy {
	case BackoffLinear:
		raw = float64(b.Base) * float64(attempt+1)
	case BackoffFixed:
		raw = float64(b.Base)
	case BackoffAdaptive:
		if multiplier <= 0 {
			multiplier = 1
		}
		raw = float64(b.Base) * math.Pow(factor, float64(attempt)) * multiplier
	default:
		raw = float64(b.Base) * math.Pow(factor, float64(attempt))
	}

	raw += float64(b.jitter())
	if b.Max > 0 && raw > float64(b.Max) {
		return b.Max
	}
	if raw > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(raw)
}

func (b Backoff) jitter() time.Duration {
	if b.Jitter != nil {
		return b.Jitter()
	}
	if b.MaxJitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(b.MaxJitter)))
}

// Sleep waits for delay or returns the context error if ctx ends first.
func Sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
