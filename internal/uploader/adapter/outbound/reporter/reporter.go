// Package reporter hands finalized uploads to the record-creation layer.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/config"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/domain"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/port"
	"github.com/anthanhphan/gosdk/logger"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultTimeout = 10 * time.Second
	DefaultRetries = 3
)

// publishDelay is the wait before retry number attempt: 500ms, 1s, 2s, ...
func publishDelay(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * 500 * time.Millisecond // #nosec G115
}

// New builds the reporter selected by cfg.Mode. The redis client is only
// required for the redis mode.
func New(cfg config.ReporterConfig, client redis.UniversalClient) (port.CompletionReporter, error) {
	switch cfg.Mode {
	case "", "log":
		return NewLogReporter(), nil
	case "webhook":
		return NewWebhookReporter(WebhookConfig{URL: cfg.WebhookURL, Retries: cfg.MaxRetries})
	case "redis":
		if client == nil {
			return nil, errors.New("redis reporter requires a redis client")
		}
		return NewRedisReporter(client, RedisConfig{Channel: cfg.RedisChannel, Retries: cfg.MaxRetries})
	default:
		return nil, fmt.Errorf("unknown reporter mode %q", cfg.Mode)
	}
}

// LogReporter only logs completions. It is the default when no record-creation
// endpoint is configured.
type LogReporter struct{}

func NewLogReporter() *LogReporter {
	return &LogReporter{}
}

func (r *LogReporter) Report(_ context.Context, c domain.Completion) error {
	logger.Infow("Upload completed",
		"upload_id", c.UploadID,
		"storage_path", c.StoragePath,
		"duration_ms", c.DurationMs,
		"average_speed", c.AverageSpeedBytesPerSec,
		"parts", c.TotalParts,
	)
	return nil
}

var _ port.CompletionReporter = (*LogReporter)(nil)
