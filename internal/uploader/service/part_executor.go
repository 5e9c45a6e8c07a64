package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/domain"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/port"
	"github.com/anthanhphan/go-resilient-upload/pkg/resilience"
	"github.com/anthanhphan/gosdk/logger"
)

const (
	DefaultPartAttempts  = 3
	DefaultPartBaseDelay = time.Second
)

// SampleRecorder receives per-attempt transfer observations.
type SampleRecorder interface {
	RecordSample(domain.NetworkSample)
}

// PartJob describes one part of one upload.
type PartJob struct {
	UploadID string
	Source   io.ReaderAt
	FileSize int64
	PartSize int64
	Index    int
	Target   port.PartTarget

	// OnProgress reports the bytes read by the current attempt. A new attempt
	// starts again from zero.
	OnProgress func(index int, attemptBytes int64)
}

// maxPartJitter caps the random spread added to part retry delays.
const maxPartJitter = time.Second

// PartExecutor transfers a single part with a bounded number of attempts.
type PartExecutor struct {
	transport    port.PartTransport
	samples      SampleRecorder
	attempts     int
	backoff      resilience.Backoff
	stallTimeout time.Duration
	now          func() time.Time
}

func NewPartExecutor(transport port.PartTransport, samples SampleRecorder, attempts int, baseDelay, stallTimeout time.Duration) *PartExecutor {
	if attempts <= 0 {
		attempts = DefaultPartAttempts
	}
	if baseDelay < 0 {
		baseDelay = DefaultPartBaseDelay
	}
	return &PartExecutor{
		transport: transport,
		samples:   samples,
		attempts:  attempts,
		backoff: resilience.Backoff{
			Strategy:  resilience.BackoffExponential,
			Base:      baseDelay,
			Factor:    2,
			Max:       30 * time.Second,
			MaxJitter: min(baseDelay, maxPartJitter),
		},
		stallTimeout: stallTimeout,
		now:          time.Now,
	}
}

// delay is the wait before retry number attempt (0-based). Parallel parts draw
// their own jitter so they do not retry in lockstep.
func (e *PartExecutor) delay(attempt int) time.Duration {
	return e.backoff.Delay(attempt, 1)
}

// Execute sends the part. Cancellation is checked before every attempt; errors
// that cannot succeed on retry and expired capabilities return immediately.
func (e *PartExecutor) Execute(ctx context.Context, job PartJob) (domain.PartResult, error) {
	length := domain.PartLength(job.FileSize, job.PartSize, job.Index)
	offset := domain.PartOffset(job.PartSize, job.Index)

	opts := resilience.RetryOptions{
		MaxRetries: e.attempts - 1,
		Delay:      e.delay,
		Retryable: func(err error) bool {
			return domain.IsRetryable(err) && !errors.Is(err, domain.ErrCapabilityExpired)
		},
		OnRetry: func(attempt int, err error, delay time.Duration) {
			logger.Warnw("Part attempt failed",
				"upload_id", job.UploadID,
				"part", job.Index,
				"attempt", attempt,
				"delay", delay.String(),
				"error", err.Error(),
			)
		},
	}

	res, err := resilience.Retry(ctx, opts, func(ctx context.Context) (domain.PartResult, error) {
		start := e.now()
		etag, err := e.attempt(ctx, job, offset, length)
		if err != nil {
			if ctx.Err() == nil {
				e.record(domain.NetworkSample{Success: false, At: e.now()})
			}
			return domain.PartResult{}, err
		}
		e.record(domain.NetworkSample{Throughput: throughput(length, e.now().Sub(start)), Success: true, At: e.now()})
		return domain.PartResult{PartIndex: job.Index, IntegrityTag: etag, BytesTransferred: length}, nil
	})
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return domain.PartResult{}, causeOf(ctx)
	}
	if errors.Is(err, resilience.ErrRetriesExhausted) {
		return domain.PartResult{}, fmt.Errorf("part %d: %w", job.Index, err)
	}
	return domain.PartResult{}, err
}

// attempt runs one transfer. A watchdog aborts it when no bytes are read for
// the stall timeout.
func (e *PartExecutor) attempt(ctx context.Context, job PartJob, offset, length int64) (string, error) {
	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	body := &progressReader{r: io.NewSectionReader(job.Source, offset, length), index: job.Index, report: job.OnProgress}
	if job.OnProgress != nil {
		job.OnProgress(job.Index, 0)
	}

	if e.stallTimeout > 0 {
		watchdog := time.AfterFunc(e.stallTimeout, func() { cancel(domain.ErrStalled) })
		defer watchdog.Stop()
		body.touch = func() { watchdog.Reset(e.stallTimeout) }
	}

	etag, err := e.transport.Put(attemptCtx, job.Target, body, length)
	if err != nil && ctx.Err() == nil && errors.Is(context.Cause(attemptCtx), domain.ErrStalled) {
		return "", &domain.TransferError{Op: "put part", Part: job.Index, Err: domain.ErrStalled}
	}
	return etag, err
}

func (e *PartExecutor) record(s domain.NetworkSample) {
	if e.samples != nil {
		e.samples.RecordSample(s)
	}
}

func throughput(n int64, elapsed time.Duration) float64 {
	if n <= 0 || elapsed <= 0 {
		return 0
	}
	return float64(n) / elapsed.Seconds()
}

// causeOf returns the cancellation cause, so a pause surfaces as domain.ErrPaused.
func causeOf(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}

type progressReader struct {
	r      io.Reader
	index  int
	read   atomic.Int64
	report func(int, int64)
	touch  func()
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		total := p.read.Add(int64(n))
		if p.touch != nil {
			p.touch()
		}
		if p.report != nil {
			p.report(p.index, total)
		}
	}
	return n, err
}
