package service

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/config"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/domain"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/port"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/service/mocks"
	"github.com/anthanhphan/go-resilient-upload/pkg/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func partJob(data []byte, partSize int64, index int) PartJob {
	return PartJob{
		UploadID: "42",
		Source:   bytes.NewReader(data),
		FileSize: int64(len(data)),
		PartSize: partSize,
		Index:    index,
		Target:   port.PartTarget{PartIndex: index, URL: "https://dest.example/parts/" + string(rune('0'+index))},
	}
}

func TestPartExecutorSendsPartBytes(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := mocks.NewMockPartTransport(ctrl)
	data := []byte("aaaaabbbbbcc")

	transport.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any(), int64(2)).
		DoAndReturn(func(_ context.Context, target port.PartTarget, body io.Reader, _ int64) (string, error) {
			got, err := io.ReadAll(body)
			require.NoError(t, err)
			assert.Equal(t, "cc", string(got))
			assert.Equal(t, 3, target.PartIndex)
			return `"etag-3"`, nil
		})

	monitor := NewNetworkMonitor(nil, config.NetworkConfig{})
	var mu sync.Mutex
	var progress []int64
	job := partJob(data, 5, 3)
	job.OnProgress = func(_ int, n int64) {
		mu.Lock()
		progress = append(progress, n)
		mu.Unlock()
	}

	res, err := NewPartExecutor(transport, monitor, 3, time.Millisecond, time.Second).Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, domain.PartResult{PartIndex: 3, IntegrityTag: `"etag-3"`, BytesTransferred: 2}, res)
	assert.Equal(t, []int64{0, 2}, progress)
	assert.Equal(t, 1, monitor.Estimate().Samples)
}

func TestPartExecutorRetries(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := mocks.NewMockPartTransport(ctrl)
	gomock.InOrder(
		transport.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return("", &domain.TransferError{Op: "put part", Part: 1, StatusCode: 503, Err: domain.ErrTransient}),
		transport.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return("", &domain.TransferError{Op: "put part", Part: 1, StatusCode: 500, Err: domain.ErrTransient}),
		transport.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return("etag", nil),
	)

	res, err := NewPartExecutor(transport, nil, 3, time.Millisecond, 0).Execute(context.Background(), partJob([]byte("hello"), 5, 1))
	require.NoError(t, err)
	assert.Equal(t, "etag", res.IntegrityTag)
}

func TestPartExecutorGivesUpAfterAttempts(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := mocks.NewMockPartTransport(ctrl)
	transport.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return("", &domain.TransferError{Op: "put part", Part: 1, StatusCode: 502, Err: domain.ErrTransient}).
		Times(3)

	_, err := NewPartExecutor(transport, nil, 3, time.Millisecond, 0).Execute(context.Background(), partJob([]byte("hello"), 5, 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.ErrorIs(t, err, resilience.ErrRetriesExhausted)
	assert.Contains(t, err.Error(), "part 1: retries exhausted after 3 attempts")
}

func TestPartExecutorRetryDelays(t *testing.T) {
	e := NewPartExecutor(nil, nil, 5, 10*time.Millisecond, 0)

	e.backoff.Jitter = func() time.Duration { return 0 }
	assert.Equal(t, 10*time.Millisecond, e.delay(0))
	assert.Equal(t, 20*time.Millisecond, e.delay(1))
	assert.Equal(t, 40*time.Millisecond, e.delay(2))

	e.backoff.Jitter = nil
	seen := make(map[time.Duration]struct{})
	for i := 0; i < 20; i++ {
		d := e.delay(0)
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.Less(t, d, 20*time.Millisecond)
		seen[d] = struct{}{}
	}
	assert.Greater(t, len(seen), 1, "parallel parts do not share one retry delay")
}

func TestPartExecutorJitterIsBounded(t *testing.T) {
	e := NewPartExecutor(nil, nil, 3, 5*time.Second, 0)
	assert.Equal(t, time.Second, e.backoff.MaxJitter)
	assert.Equal(t, 30*time.Second, e.delay(10))
}

func TestPartExecutorStopsOnNonRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unauthorized", &domain.TransferError{Op: "put part", Part: 1, StatusCode: 403, Err: domain.ErrUnauthorized}, domain.ErrUnauthorized},
		{"too large", &domain.TransferError{Op: "put part", Part: 1, StatusCode: 413, Err: domain.ErrPayloadTooLarge}, domain.ErrPayloadTooLarge},
		{"capability expired", &domain.TransferError{Op: "put part", Part: 1, StatusCode: 403, Err: domain.ErrCapabilityExpired}, domain.ErrCapabilityExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			transport := mocks.NewMockPartTransport(ctrl)
			transport.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return("", tt.err).Times(1)

			_, err := NewPartExecutor(transport, nil, 3, time.Millisecond, 0).Execute(context.Background(), partJob([]byte("hello"), 5, 1))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPartExecutorChecksCancellationFirst(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := mocks.NewMockPartTransport(ctrl)

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(domain.ErrPaused)

	_, err := NewPartExecutor(transport, nil, 3, time.Millisecond, 0).Execute(ctx, partJob([]byte("hello"), 5, 1))
	assert.ErrorIs(t, err, domain.ErrPaused)
}

func TestPartExecutorCancelledBetweenAttempts(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := mocks.NewMockPartTransport(ctrl)

	ctx, cancel := context.WithCancelCause(context.Background())
	transport.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, port.PartTarget, io.Reader, int64) (string, error) {
			cancel(domain.ErrPaused)
			return "", domain.ErrTransient
		}).Times(1)

	_, err := NewPartExecutor(transport, nil, 3, time.Hour, 0).Execute(ctx, partJob([]byte("hello"), 5, 1))
	assert.ErrorIs(t, err, domain.ErrPaused)
}

func TestPartExecutorStallTimeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := mocks.NewMockPartTransport(ctrl)
	transport.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ port.PartTarget, _ io.Reader, _ int64) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}).Times(1)

	start := time.Now()
	_, err := NewPartExecutor(transport, nil, 1, time.Millisecond, 30*time.Millisecond).Execute(context.Background(), partJob([]byte("hello"), 5, 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStalled)
	assert.True(t, domain.IsRetryable(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}
