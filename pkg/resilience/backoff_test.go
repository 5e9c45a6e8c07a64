package resilience

import (
	"context"
	"testing"
	"time"
)

func fixedJitter(d time.Duration) func() time.Duration {
	return func() time.Duration { return d }
}

func TestBackoffExponentialGrowsUpToCap(t *testing.T) {
	for _, jitter := range []time.Duration{0, 300 * time.Millisecond, 999 * time.Millisecond} {
		b := Backoff{
			Strategy: BackoffExponential,
			Base:     time.Second,
			Factor:   2,
			Max:      30 * time.Second,
			Jitter:   fixedJitter(jitter),
		}

		prev := b.Delay(0, 1)
		for attempt := 1; attempt < 12; attempt++ {
			d := b.Delay(attempt, 1)
			if d < prev {
				t.Fatalf("jitter %s: delay(%d)=%s < delay(%d)=%s", jitter, attempt, d, attempt-1, prev)
			}
			if d > b.Max {
				t.Fatalf("jitter %s: delay(%d)=%s exceeds cap", jitter, attempt, d)
			}
			prev = d
		}
		if prev != b.Max {
			t.Fatalf("expected delay to reach the cap, got %s", prev)
		}
	}
}

func TestBackoffStrategies(t *testing.T) {
	base := Backoff{Base: time.Second, Factor: 2, Max: time.Minute, Jitter: fixedJitter(0)}

	tests := []struct {
		name       string
		strategy   BackoffStrategy
		attempt    int
		multiplier float64
		want       time.Duration
	}{
		{"exponential first", BackoffExponential, 0, 1, time.Second},
		{"exponential third", BackoffExponential, 2, 1, 4 * time.Second},
		{"linear", BackoffLinear, 2, 1, 3 * time.Second},
		{"fixed", BackoffFixed, 5, 1, time.Second},
		{"adaptive poor link", BackoffAdaptive, 1, 2.5, 5 * time.Second},
		{"adaptive ignores zero multiplier", BackoffAdaptive, 1, 0, 2 * time.Second},
		{"capped", BackoffExponential, 20, 1, time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := base
			b.Strategy = tt.strategy
			if got := b.Delay(tt.attempt, tt.multiplier); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestBackoffRandomJitterStaysBounded(t *testing.T) {
	b := DefaultBackoff()
	for i := 0; i < 200; i++ {
		d := b.Delay(0, 1)
		if d < b.Base || d >= b.Base+b.MaxJitter {
			t.Fatalf("delay %s outside [%s, %s)", d, b.Base, b.Base+b.MaxJitter)
		}
	}
}

func TestParseBackoffStrategy(t *testing.T) {
	if ParseBackoffStrategy("adaptive") != BackoffAdaptive {
		t.Fatalf("expected adaptive")
	}
	if ParseBackoffStrategy("unknown") != BackoffExponential {
		t.Fatalf("expected exponential fallback")
	}
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); err != context.Canceled {
		t.Fatalf("expected context canceled, got %v", err)
	}
}
