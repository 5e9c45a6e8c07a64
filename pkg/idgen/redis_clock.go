package idgen

import (
	"context"
	"time"

	"github.com/anthanhphan/gosdk/logger"
	"github.com/redis/go-redis/v9"
)

// Clock abstracts the time source for the ID generator.
type Clock interface {
	// Now returns the current timestamp in milliseconds.
	Now() int64
}

// SystemClock uses the local system time.
type SystemClock struct{}

func (s *SystemClock) Now() int64 {
	return time.Now().UnixMilli()
}

// RedisClock reads time from a shared redis server so that engines on several
// hosts order their ids on one timeline.
type RedisClock struct {
	client  redis.UniversalClient
	timeout time.Duration
}

func NewRedisClock(client redis.UniversalClient, timeout time.Duration) *RedisClock {
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	return &RedisClock{client: client, timeout: timeout}
}

// Now returns redis TIME in milliseconds, or local time when redis is unreachable.
func (r *RedisClock) Now() int64 {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	res, err := r.client.Time(ctx).Result()
	if err != nil {
		logger.Warnw("Redis clock unavailable, using local time", "error", err.Error())
		return time.Now().UnixMilli()
	}
	return res.UnixMilli()
}
