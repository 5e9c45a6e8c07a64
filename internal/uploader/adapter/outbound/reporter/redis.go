package reporter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/domain"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/port"
	"github.com/anthanhphan/go-resilient-upload/pkg/resilience"
	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "uploads.completed"

// RedisConfig configures the redis reporter.
type RedisConfig struct {
	Channel string
	Timeout time.Duration
	Retries int
}

// RedisReporter publishes completions as JSON on a pub/sub channel.
type RedisReporter struct {
	cfg    RedisConfig
	client redis.UniversalClient
	delay  func(int) time.Duration
}

func NewRedisReporter(client redis.UniversalClient, cfg RedisConfig) (*RedisReporter, error) {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	return &RedisReporter{cfg: cfg, client: client, delay: publishDelay}, nil
}

func (r *RedisReporter) Report(ctx context.Context, c domain.Completion) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("redis: marshal completion: %w", err)
	}

	_, err = resilience.Retry(ctx, resilience.RetryOptions{
		MaxRetries: r.cfg.Retries,
		Delay:      r.delay,
	}, func(ctx context.Context) (int64, error) {
		publishCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
		return r.client.Publish(publishCtx, r.cfg.Channel, body).Result()
	})
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

var _ port.CompletionReporter = (*RedisReporter)(nil)
