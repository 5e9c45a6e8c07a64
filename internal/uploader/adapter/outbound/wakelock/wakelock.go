// Package wakelock keeps the host awake while large uploads are running.
package wakelock

import (
	"context"
	"sync"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/port"
	"github.com/anthanhphan/gosdk/logger"
)

// Inhibitor toggles the platform's idle prevention.
type Inhibitor interface {
	Inhibit(ctx context.Context) error
	Allow()
}

// RefCounted holds the platform lock while at least one holder has acquired
// it. Acquire and Release are idempotent per holder.
type RefCounted struct {
	mu        sync.Mutex
	holders   map[string]struct{}
	inhibitor Inhibitor
}

// New returns a lock. A nil inhibitor only tracks holders.
func New(inhibitor Inhibitor) *RefCounted {
	return &RefCounted{
		holders:   make(map[string]struct{}),
		inhibitor: inhibitor,
	}
}

func (l *RefCounted) Acquire(ctx context.Context, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.holders[holder]; ok {
		return nil
	}
	if len(l.holders) == 0 && l.inhibitor != nil {
		if err := l.inhibitor.Inhibit(ctx); err != nil {
			return err
		}
		logger.Infow("Wake lock acquired", "holder", holder)
	}
	l.holders[holder] = struct{}{}
	return nil
}

func (l *RefCounted) Release(holder string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.holders[holder]; !ok {
		return
	}
	delete(l.holders, holder)
	if len(l.holders) == 0 && l.inhibitor != nil {
		l.inhibitor.Allow()
		logger.Infow("Wake lock released", "holder", holder)
	}
}

// Holders returns the number of current holders.
func (l *RefCounted) Holders() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.holders)
}

var _ port.WakeLock = (*RefCounted)(nil)
