package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/config"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/domain"
	"github.com/anthanhphan/go-resilient-upload/pkg/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeDelay(t *testing.T) {
	p := NewRetryPolicy(config.RetryConfig{BaseDelayMS: 1000, Factor: 2, MaxDelayMS: 30000}, nil, 0)

	tests := []struct {
		name     string
		attempt  int
		strategy resilience.BackoffStrategy
		quality  domain.Quality
		want     time.Duration
	}{
		{"exponential first retry", 0, resilience.BackoffExponential, domain.QualityGood, time.Second},
		{"exponential third retry", 2, resilience.BackoffExponential, domain.QualityPoor, 4 * time.Second},
		{"exponential capped", 10, resilience.BackoffExponential, domain.QualityGood, 30 * time.Second},
		{"linear", 2, resilience.BackoffLinear, domain.QualityGood, 3 * time.Second},
		{"fixed", 5, resilience.BackoffFixed, domain.QualityGood, time.Second},
		{"adaptive excellent", 1, resilience.BackoffAdaptive, domain.QualityExcellent, 2 * time.Second},
		{"adaptive fair", 1, resilience.BackoffAdaptive, domain.QualityFair, 3500 * time.Millisecond},
		{"adaptive poor", 0, resilience.BackoffAdaptive, domain.QualityPoor, 2500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.ComputeDelay(tt.attempt, tt.strategy, tt.quality))
		})
	}
}

func TestComputeDelayGrows(t *testing.T) {
	p := NewRetryPolicy(config.RetryConfig{Strategy: "adaptive", BaseDelayMS: 100, Factor: 2, MaxDelayMS: 60000}, nil, 0)
	prev := time.Duration(0)
	for attempt := 0; attempt < 8; attempt++ {
		d := p.ComputeDelay(attempt, resilience.BackoffAdaptive, domain.QualityFair)
		assert.Greater(t, d, prev, "attempt %d", attempt)
		prev = d
	}
}

func TestRetryPolicyQualityFromMonitor(t *testing.T) {
	m := NewNetworkMonitor(nil, config.NetworkConfig{})
	p := NewRetryPolicy(config.RetryConfig{Strategy: "adaptive", BaseDelayMS: 1000, Factor: 2}, m, 0)
	assert.Equal(t, 1250*time.Millisecond, p.Delay(0))

	m.SetOnline(false)
	assert.Equal(t, 2500*time.Millisecond, p.Delay(0))
}

func TestRetryWithBackoffStopsOnNonRetryable(t *testing.T) {
	p := NewRetryPolicy(config.RetryConfig{BaseDelayMS: 1, Factor: 2}, nil, 0)
	calls := 0
	_, err := RetryWithBackoff(context.Background(), p, 5, func(context.Context) (int, error) {
		calls++
		return 0, &domain.TransferError{Op: "put part", Part: 1, StatusCode: 403, Err: domain.ErrUnauthorized}
	}, nil)

	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, 1, calls)
}

func TestRetryWithBackoffExhausts(t *testing.T) {
	p := NewRetryPolicy(config.RetryConfig{BaseDelayMS: 1, Factor: 2}, nil, 0)
	var retries []int
	_, err := RetryWithBackoff(context.Background(), p, 2, func(context.Context) (int, error) {
		return 0, domain.ErrTransient
	}, func(attempt int, _ error, _ time.Duration) { retries = append(retries, attempt) })

	require.Error(t, err)
	assert.True(t, errors.Is(err, resilience.ErrRetriesExhausted))
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestRetryWithBackoffWaitsOutDisconnection(t *testing.T) {
	m := NewNetworkMonitor(nil, config.NetworkConfig{})
	p := NewRetryPolicy(config.RetryConfig{BaseDelayMS: 1, Factor: 2}, m, time.Second)

	calls := 0
	value, err := RetryWithBackoff(context.Background(), p, 0, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			m.SetOnline(false)
			go func() {
				time.Sleep(20 * time.Millisecond)
				m.SetOnline(true)
			}()
			return "", domain.ErrTransient
		}
		return "ok", nil
	}, nil)

	require.NoError(t, err, "an offline failure must not spend the budget")
	assert.Equal(t, "ok", value)
	assert.Equal(t, 2, calls)
}

func TestRetryWithBackoffOfflineTimeout(t *testing.T) {
	m := NewNetworkMonitor(nil, config.NetworkConfig{})
	p := NewRetryPolicy(config.RetryConfig{BaseDelayMS: 1, Factor: 2}, m, 30*time.Millisecond)

	_, err := RetryWithBackoff(context.Background(), p, 3, func(context.Context) (int, error) {
		m.SetOnline(false)
		return 0, domain.ErrTransient
	}, nil)

	assert.ErrorIs(t, err, resilience.ErrOfflineTimeout)
}
