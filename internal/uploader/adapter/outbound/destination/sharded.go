package destination

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/domain"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/port"
	"github.com/anthanhphan/go-resilient-upload/pkg/shard"
	"github.com/anthanhphan/gosdk/logger"
)

// handleSeparator joins the owning endpoint id and the endpoint's own handle.
const handleSeparator = "~"

const defaultReviveAfter = 30 * time.Second

// ShardedDestination spreads uploads over several pre-authorization endpoints.
// An upload is owned by the endpoint that issued its transfer handle; the
// handle carries the owner so refresh, complete and abort reach it even after
// the ring changes.
type ShardedDestination struct {
	ring        *shard.Ring
	members     map[string]port.Destination
	reviveAfter time.Duration

	mu        sync.Mutex
	unhealthy map[string]time.Time
	now       func() time.Time
}

// NewShardedDestination places one member per URL on a ring.
func NewShardedDestination(urls []string, build func(url string) port.Destination) (*ShardedDestination, error) {
	if len(urls) == 0 {
		return nil, errors.New("at least one destination endpoint is required")
	}
	d := &ShardedDestination{
		ring:        shard.NewRing(shard.DefaultVNodesPerEndpoint),
		members:     make(map[string]port.Destination, len(urls)),
		reviveAfter: defaultReviveAfter,
		unhealthy:   make(map[string]time.Time),
		now:         time.Now,
	}
	for _, u := range urls {
		id := shard.EndpointID(u)
		d.ring.Add(shard.Endpoint{ID: id, URL: u})
		d.members[id] = build(u)
	}
	return d, nil
}

// Endpoints reports the ring members and their health.
func (d *ShardedDestination) Endpoints() []shard.Endpoint {
	d.revive()
	return d.ring.Endpoints()
}

func (d *ShardedDestination) Authorize(ctx context.Context, req port.AuthorizeRequest) (*port.Authorization, error) {
	d.revive()

	var lastErr error
	for range d.members {
		ep, ok := d.ring.Locate(req.UploadID)
		if !ok {
			break
		}
		auth, err := d.members[ep.ID].Authorize(ctx, req)
		if err == nil {
			d.markHealthy(ep.ID)
			auth.TransferHandle = ep.ID + handleSeparator + auth.TransferHandle
			return auth, nil
		}
		if !errors.Is(err, domain.ErrTransient) || ctx.Err() != nil {
			return nil, err
		}
		logger.Warnw("Destination endpoint failed, trying next", "endpoint", ep.URL, "upload_id", req.UploadID, "error", err.Error())
		d.markUnhealthy(ep.ID)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = &domain.TransferError{Op: "authorize", Err: domain.ErrTransient}
	}
	return nil, lastErr
}

func (d *ShardedDestination) Refresh(ctx context.Context, req port.AuthorizeRequest) (*port.Authorization, error) {
	if req.TransferHandle == "" {
		return d.Authorize(ctx, req)
	}
	id, member, handle := d.route(req.UploadID, req.TransferHandle)
	req.TransferHandle = handle

	auth, err := member.Refresh(ctx, req)
	if err != nil {
		return nil, err
	}
	auth.TransferHandle = id + handleSeparator + auth.TransferHandle
	return auth, nil
}

func (d *ShardedDestination) Complete(ctx context.Context, req port.FinalizeRequest) (string, error) {
	_, member, handle := d.route(req.UploadID, req.TransferHandle)
	req.TransferHandle = handle
	return member.Complete(ctx, req)
}

func (d *ShardedDestination) Abort(ctx context.Context, req port.FinalizeRequest) error {
	_, member, handle := d.route(req.UploadID, req.TransferHandle)
	req.TransferHandle = handle
	return member.Abort(ctx, req)
}

// route finds the member that owns a handle. Handles without a known owner go
// to the ring's choice for the upload.
func (d *ShardedDestination) route(uploadID, handle string) (string, port.Destination, string) {
	if id, inner, ok := strings.Cut(handle, handleSeparator); ok {
		if member, exists := d.members[id]; exists {
			return id, member, inner
		}
	}
	ep, _ := d.ring.Locate(uploadID)
	return ep.ID, d.members[ep.ID], handle
}

func (d *ShardedDestination) markUnhealthy(id string) {
	d.mu.Lock()
	d.unhealthy[id] = d.now()
	d.mu.Unlock()
	d.ring.SetStatus(id, shard.StatusUnhealthy)
}

func (d *ShardedDestination) markHealthy(id string) {
	d.mu.Lock()
	_, was := d.unhealthy[id]
	delete(d.unhealthy, id)
	d.mu.Unlock()
	if was {
		d.ring.SetStatus(id, shard.StatusHealthy)
	}
}

// revive gives endpoints another chance once reviveAfter has passed.
func (d *ShardedDestination) revive() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for id, since := range d.unhealthy {
		if now.Sub(since) >= d.reviveAfter {
			delete(d.unhealthy, id)
			d.ring.SetStatus(id, shard.StatusHealthy)
		}
	}
}

var _ port.Destination = (*ShardedDestination)(nil)
