package service

import (
	"context"
	"time"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/config"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/domain"
	"github.com/anthanhphan/go-resilient-upload/pkg/resilience"
)

// Connectivity is the view of the network the retry policy needs.
type Connectivity interface {
	IsOnline() bool
	Quality() domain.Quality
	WaitOnline(ctx context.Context) error
}

// QualityMultiplier stretches adaptive delays on worse links.
func QualityMultiplier(q domain.Quality) float64 {
	switch q {
	case domain.QualityExcellent:
		return 1
	case domain.QualityGood:
		return 1.25
	case domain.QualityFair:
		return 1.75
	default:
		return 2.5
	}
}

// RetryPolicy computes network-aware retry delays.
type RetryPolicy struct {
	backoff        resilience.Backoff
	network        Connectivity
	offlineTimeout time.Duration
}

func NewRetryPolicy(cfg config.RetryConfig, network Connectivity, offlineTimeout time.Duration) *RetryPolicy {
	b := resilience.DefaultBackoff()
	b.Strategy = resilience.ParseBackoffStrategy(cfg.Strategy)
	if cfg.BaseDelayMS > 0 {
		b.Base = cfg.BaseDelay()
	}
	if cfg.Factor > 0 {
		b.Factor = cfg.Factor
	}
	if cfg.MaxDelayMS > 0 {
		b.Max = cfg.MaxDelay()
	}
	if cfg.MaxJitterMS >= 0 {
		b.MaxJitter = cfg.MaxJitter()
	}
	return &RetryPolicy{backoff: b, network: network, offlineTimeout: offlineTimeout}
}

// SetJitter replaces the random jitter source.
func (p *RetryPolicy) SetJitter(jitter func() time.Duration) {
	p.backoff.Jitter = jitter
}

// ComputeDelay returns the wait before retry number attempt (0-based) for the
// given strategy and link quality. It has no side effects.
func (p *RetryPolicy) ComputeDelay(attempt int, strategy resilience.BackoffStrategy, quality domain.Quality) time.Duration {
	b := p.backoff
	b.Strategy = strategy
	return b.Delay(attempt, QualityMultiplier(quality))
}

// Delay uses the configured strategy and the current link quality.
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	quality := domain.QualityGood
	if p.network != nil {
		quality = p.network.Quality()
	}
	return p.ComputeDelay(attempt, p.backoff.Strategy, quality)
}

// Options returns retry options that wait out disconnections without spending
// the budget and never retry request-level rejections.
func (p *RetryPolicy) Options(maxRetries int, onRetry func(attempt int, err error, delay time.Duration)) resilience.RetryOptions {
	opts := resilience.RetryOptions{
		MaxRetries:     maxRetries,
		Delay:          p.Delay,
		Retryable:      domain.IsRetryable,
		OfflineTimeout: p.offlineTimeout,
		OnRetry:        onRetry,
	}
	if p.network != nil {
		opts.Online = p.network.IsOnline
		opts.WaitOnline = p.network.WaitOnline
	}
	return opts
}

// RetryWithBackoff runs op under the policy.
func RetryWithBackoff[T any](ctx context.Context, p *RetryPolicy, maxRetries int, op func(context.Context) (T, error), onRetry func(attempt int, err error, delay time.Duration)) (T, error) {
	return resilience.Retry(ctx, p.Options(maxRetries, onRetry), op)
}
