package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/adapter/outbound/ledger"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/config"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/domain"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/port"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/service/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestWorkerPruneAbortsUnfinishedTransfers(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	ldg := ledger.New(ledger.NewMemStore())

	add := func(id string, status domain.UploadStatus, age time.Duration) {
		rec := &domain.UploadRecord{
			ID: id, FileName: id + ".mp4", FileSize: 10, PartSize: 5, TotalParts: 2,
			Status: status, CreatedAt: now.Add(-age), UpdatedAt: now.Add(-age),
			Metadata: domain.UploadMetadata{TransferHandle: "h-" + id},
		}
		require.NoError(t, ldg.Create(ctx, rec))
	}
	add("stale-paused", domain.StatusPaused, 30*time.Hour)
	add("old-failed", domain.StatusFailed, 48*time.Hour)
	add("old-done", domain.StatusCompleted, 48*time.Hour)
	add("running", domain.StatusUploading, 30*time.Hour)
	add("fresh", domain.StatusPaused, time.Hour)

	ctrl := gomock.NewController(t)
	dest := mocks.NewMockDestination(ctrl)
	var mu sync.Mutex
	var aborted []string
	dest.EXPECT().Abort(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req port.FinalizeRequest) error {
			mu.Lock()
			aborted = append(aborted, req.TransferHandle)
			mu.Unlock()
			return nil
		}).Times(2)

	cfg := *config.DefaultConfig()
	cfg.Engine.PruneAfterHours = 24
	cfg.Engine.StaleAfterHours = 24
	w := newEngineWorker(cfg, Dependencies{Ledger: ldg, Destination: dest}, make(chan []byte, 1), newMailbox())
	w.now = func() time.Time { return now }
	w.runners["running"] = &uploadRunner{id: "running"}

	w.prune(ctx)

	assert.ElementsMatch(t, []string{"h-stale-paused", "h-old-failed"}, aborted)
	for _, id := range []string{"stale-paused", "old-failed", "old-done"} {
		_, err := ldg.Get(ctx, id)
		assert.ErrorIs(t, err, domain.ErrUploadNotFound, id)
	}
	for _, id := range []string{"running", "fresh"} {
		_, err := ldg.Get(ctx, id)
		assert.NoError(t, err, id)
	}
}

func TestUploadRecordExpired(t *testing.T) {
	now := time.Now()
	rec := &domain.UploadRecord{Status: domain.StatusPaused, UpdatedAt: now.Add(-2 * time.Hour)}

	assert.True(t, rec.Expired(now, 0, time.Hour))
	assert.False(t, rec.Expired(now, time.Hour, 0), "a zero stale age keeps unfinished records")

	rec.Status = domain.StatusCompleted
	assert.True(t, rec.Expired(now, time.Hour, 0))
	assert.False(t, rec.Expired(now, 3*time.Hour, time.Hour))
}
