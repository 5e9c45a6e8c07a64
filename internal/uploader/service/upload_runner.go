package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/domain"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/port"
	"github.com/anthanhphan/go-resilient-upload/pkg/merkle"
	"github.com/anthanhphan/go-resilient-upload/pkg/resilience"
	"github.com/anthanhphan/gosdk/logger"
)

// maxRefreshes bounds capability refreshes within one upload attempt.
const maxRefreshes = 3

const speedSmoothing = 0.3

type runOutcome int

const (
	outcomeCompleted runOutcome = iota
	outcomePaused
	outcomeCancelled
	outcomeFailed
	outcomeShutdown
)

func (o runOutcome) String() string {
	switch o {
	case outcomeCompleted:
		return "completed"
	case outcomePaused:
		return "paused"
	case outcomeCancelled:
		return "cancelled"
	case outcomeFailed:
		return "failed"
	default:
		return "shutdown"
	}
}

type partOutcome struct {
	index  int
	result domain.PartResult
	err    error
}

// uploadRunner drives one upload attempt sequence on its own goroutine. While
// it runs it is the only writer of its record.
type uploadRunner struct {
	w           *engineWorker
	id          string
	rec         *domain.UploadRecord
	credential  string
	concurrency int
	resumed     bool

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	stopping bool
	reason   domain.PauseReason

	// Owned by the worker goroutine.
	waiters         []waiter
	resumeAfterExit bool

	auth         *port.Authorization
	forceRefresh bool
	pool         *resilience.WorkerPool
	expected     float64
	progress     *progressTracker
}

func newUploadRunner(w *engineWorker, rec *domain.UploadRecord, credential string, concurrency int, resumed bool, sent int64) *uploadRunner {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &uploadRunner{
		w:           w,
		id:          rec.ID,
		rec:         rec,
		credential:  credential,
		concurrency: concurrency,
		resumed:     resumed,
		ctx:         ctx,
		cancel:      cancel,
		progress:    newProgressTracker(sent, w.now()),
	}
}

// stop cancels the runner with cause. The first cause wins, except that a user
// pause replaces a pending network pause.
func (r *uploadRunner) stop(cause error, reason domain.PauseReason) {
	r.mu.Lock()
	if r.stopping {
		if reason == domain.PauseUser && r.reason == domain.PauseNetwork {
			r.reason = domain.PauseUser
		}
		r.mu.Unlock()
		return
	}
	r.stopping = true
	r.reason = reason
	r.mu.Unlock()
	r.cancel(cause)
}

func (r *uploadRunner) isStopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopping
}

func (r *uploadRunner) pauseReason() domain.PauseReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reason == domain.PauseNone {
		return domain.PauseNetwork
	}
	return r.reason
}

func (r *uploadRunner) run() {
	defer r.cancel(nil)
	outcome := r.execute()
	r.w.exits <- runnerExit{runner: r, outcome: outcome, record: r.rec.Clone(), sent: r.progress.sent()}
}

// execute holds the wake lock for large files until the outcome is persisted.
func (r *uploadRunner) execute() runOutcome {
	if lock := r.w.deps.WakeLock; lock != nil && r.w.cfg.WakeLockThreshold > 0 && r.rec.FileSize >= r.w.cfg.WakeLockThreshold {
		if err := lock.Acquire(r.ctx, r.id); err != nil {
			logger.Warnw("Failed to acquire wake lock", "upload_id", r.id, "error", err.Error())
		} else {
			defer lock.Release(r.id)
		}
	}
	return r.classifyExit(r.transfer(r.ctx))
}

func (r *uploadRunner) transfer(ctx context.Context) error {
	src, err := r.w.deps.Sources.Open(ctx, port.SourceDescriptor{
		Path:     r.rec.Metadata.SourcePath,
		Name:     r.rec.FileName,
		Size:     r.rec.FileSize,
		MimeType: r.rec.MimeType,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBadRequest, err)
	}
	defer src.Close()

	if err := r.resolveCredential(ctx); err != nil {
		return err
	}

	plan := r.w.optimizer.Plan(r.rec.FileSize, r.w.estimate())
	if len(r.rec.CompletedParts) == 0 && r.rec.Metadata.TransferHandle == "" {
		r.rec.PartSize = plan.PartSize
		r.rec.TotalParts = domain.PartCount(r.rec.FileSize, plan.PartSize)
	}
	concurrency := plan.Concurrency
	if r.concurrency > 0 && r.concurrency < concurrency {
		concurrency = r.concurrency
	}
	r.pool = resilience.NewWorkerPool(concurrency)
	defer r.pool.Close()
	r.expected = r.w.estimate().Speed * float64(concurrency)

	if r.rec.Status != domain.StatusUploading {
		if err := r.rec.Transition(domain.StatusUploading, r.w.now()); err != nil {
			return err
		}
		if err := r.w.deps.Ledger.Update(ctx, r.rec); err != nil {
			return err
		}
	}

	logger.Infow("Upload started",
		"upload_id", r.id,
		"part_size", r.rec.PartSize,
		"total_parts", r.rec.TotalParts,
		"completed_parts", len(r.rec.CompletedParts),
		"concurrency", concurrency,
		"strategy", string(plan.Strategy),
	)
	if !r.resumed {
		r.w.recordEvent(ctx, r.rec, "started", 0)
		r.w.emit(domain.StartedEvent{
			UploadID:   r.id,
			FileName:   r.rec.FileName,
			FileSize:   r.rec.FileSize,
			TotalParts: r.rec.TotalParts,
			PartSize:   r.rec.PartSize,
			Strategy:   plan.Strategy,
		})
	}

	_, err = RetryWithBackoff(ctx, r.w.policy, r.budget(), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.attempt(ctx, src)
	}, r.onRetry)
	if err != nil {
		return err
	}
	return r.finalize(ctx)
}

func (r *uploadRunner) budget() int {
	if n := r.rec.MaxRetries - r.rec.RetryCount; n > 0 {
		return n
	}
	return 0
}

func (r *uploadRunner) onRetry(attempt int, err error, delay time.Duration) {
	updated, mErr := r.w.deps.Ledger.MarkFailed(context.WithoutCancel(r.ctx), r.id, err.Error())
	if mErr == nil {
		r.rec.RetryCount = updated.RetryCount
		r.rec.LastError = updated.LastError
	}
	logger.Warnw("Upload attempt failed, retrying",
		"upload_id", r.id,
		"attempt", attempt,
		"delay", delay.String(),
		"error", err.Error(),
	)
}

// resolveCredential prefers the credential given at start and falls back to
// the configured source after a restart.
func (r *uploadRunner) resolveCredential(ctx context.Context) error {
	if r.credential != "" || r.w.deps.Credentials == nil {
		return nil
	}
	cred, err := r.w.deps.Credentials.Credential(ctx, r.rec.Metadata.UserID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	r.credential = cred
	return nil
}

// attempt authorizes and transfers every pending part, refreshing the
// capabilities when the destination reports them expired.
func (r *uploadRunner) attempt(ctx context.Context, src port.Source) error {
	for refreshes := 0; ; refreshes++ {
		if err := r.ensureAuthorization(ctx); err != nil {
			return err
		}
		err := r.transferPending(ctx, src)
		if err == nil || !errors.Is(err, domain.ErrCapabilityExpired) || ctx.Err() != nil || refreshes >= maxRefreshes {
			return err
		}
		logger.Infow("Upload capabilities expired, refreshing", "upload_id", r.id)
		r.forceRefresh = true
	}
}

func (r *uploadRunner) ensureAuthorization(ctx context.Context) error {
	now := r.w.now()
	if r.auth != nil && !r.forceRefresh && !r.auth.ExpiresWithin(now, r.w.cfg.ExpirySkew()) {
		return nil
	}

	req := port.AuthorizeRequest{
		UploadID:       r.id,
		FileName:       r.rec.FileName,
		FileSize:       r.rec.FileSize,
		MimeType:       r.rec.MimeType,
		PartSize:       r.rec.PartSize,
		DestinationID:  r.rec.Metadata.DestinationID,
		UserID:         r.rec.Metadata.UserID,
		Credential:     r.credential,
		TransferHandle: r.rec.Metadata.TransferHandle,
		StoragePath:    r.rec.Metadata.StoragePath,
	}

	reqCtx, cancel := context.WithTimeout(ctx, r.w.requestTimeout())
	var (
		auth *port.Authorization
		err  error
	)
	if req.TransferHandle == "" {
		auth, err = r.w.deps.Destination.Authorize(reqCtx, req)
	} else {
		auth, err = r.w.deps.Destination.Refresh(reqCtx, req)
	}
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return causeOf(ctx)
		}
		return err
	}

	if auth.PartSize > 0 && auth.PartSize != r.rec.PartSize {
		if len(r.rec.CompletedParts) > 0 {
			return fmt.Errorf("%w: destination changed the part size of a partially transferred upload", domain.ErrBadRequest)
		}
		r.rec.PartSize = auth.PartSize
	}
	if total := domain.PartCount(r.rec.FileSize, r.rec.PartSize); auth.TotalParts > 0 && auth.TotalParts != total {
		return fmt.Errorf("%w: destination expects %d parts, have %d", domain.ErrBadRequest, auth.TotalParts, total)
	}
	r.rec.TotalParts = domain.PartCount(r.rec.FileSize, r.rec.PartSize)
	r.rec.Metadata.TransferHandle = auth.TransferHandle
	if auth.StoragePath != "" {
		r.rec.Metadata.StoragePath = auth.StoragePath
	}
	r.rec.UpdatedAt = now
	if err := r.w.deps.Ledger.Update(ctx, r.rec); err != nil {
		return err
	}

	r.auth = auth
	r.forceRefresh = false
	return nil
}

// transferPending dispatches the pending parts to the pool and collects their
// results. A failed part stops dispatch; parts already in flight finish.
func (r *uploadRunner) transferPending(ctx context.Context, src port.Source) error {
	pending := r.rec.PendingParts()
	if len(pending) == 0 {
		return nil
	}

	dispatchCtx, stopDispatch := context.WithCancelCause(ctx)
	defer stopDispatch(nil)

	results := make(chan partOutcome, len(pending))
	submitted := make(chan int, 1)
	go r.dispatch(ctx, dispatchCtx, stopDispatch, src, pending, results, submitted)

	progressEvery := r.w.cfg.ProgressInterval()
	if progressEvery <= 0 {
		progressEvery = 500 * time.Millisecond
	}
	progressTicker := time.NewTicker(progressEvery)
	defer progressTicker.Stop()

	adviseEvery := r.w.cfg.AdviseInterval()
	if adviseEvery <= 0 {
		adviseEvery = 10 * time.Second
	}
	adviseTicker := time.NewTicker(adviseEvery)
	defer adviseTicker.Stop()

	var firstErr error
	received, total := 0, -1
	for total < 0 || received < total {
		select {
		case out := <-results:
			received++
			if out.err != nil {
				r.progress.drop(out.index)
				if firstErr == nil && !domain.IsCancellation(out.err) {
					firstErr = out.err
					stopDispatch(out.err)
				}
				continue
			}
			updated, err := r.w.deps.Ledger.MarkPartComplete(context.WithoutCancel(ctx), r.id, out.result)
			r.progress.drop(out.index)
			if err != nil {
				if firstErr == nil {
					firstErr = err
					stopDispatch(err)
				}
				continue
			}
			r.rec.CompletedParts = updated.CompletedParts
			r.rec.Progress = updated.Progress
		case n := <-submitted:
			total = n
		case <-progressTicker.C:
			r.emitProgress()
		case <-adviseTicker.C:
			r.advise(ctx, len(pending)-received)
		}
	}
	r.emitProgress()

	if ctx.Err() != nil {
		return causeOf(ctx)
	}
	if firstErr != nil {
		return firstErr
	}
	if cause := context.Cause(dispatchCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	if !r.rec.IsFullyTransferred() {
		return fmt.Errorf("%w: %d of %d parts transferred", domain.ErrTransient, len(r.rec.CompletedParts), r.rec.TotalParts)
	}
	return nil
}

// dispatch submits parts until the list is exhausted or dispatch is stopped.
// Parts run on the runner context, so stopping dispatch leaves them in flight.
func (r *uploadRunner) dispatch(ctx, dispatchCtx context.Context, stop context.CancelCauseFunc, src port.Source, pending []int, results chan<- partOutcome, submitted chan<- int) {
	n := 0
	defer func() { submitted <- n }()

	skew := r.w.cfg.ExpirySkew()
	for _, index := range pending {
		if dispatchCtx.Err() != nil {
			return
		}
		if r.auth.ExpiresWithin(r.w.now(), skew) {
			stop(&domain.TransferError{Op: "dispatch", Part: index, Err: domain.ErrCapabilityExpired})
			return
		}
		target, ok := r.auth.Target(index)
		if !ok {
			stop(fmt.Errorf("%w: no capability for part %d", domain.ErrBadRequest, index))
			return
		}

		job := PartJob{
			UploadID:   r.id,
			Source:     src,
			FileSize:   r.rec.FileSize,
			PartSize:   r.rec.PartSize,
			Index:      index,
			Target:     target,
			OnProgress: r.progress.track,
		}
		err := r.pool.Submit(dispatchCtx, func() {
			res, err := r.w.executor.Execute(ctx, job)
			results <- partOutcome{index: index, result: res, err: err}
		})
		if err != nil {
			return
		}
		n++
	}
}

func (r *uploadRunner) emitProgress() {
	ev, ok := r.progress.observe(r.rec, r.w.now())
	if !ok {
		return
	}
	r.w.emit(ev)
}

// advise applies the optimizer's mid-transfer suggestion. Concurrency changes
// take effect on the running pool; part size changes apply to the next plan.
func (r *uploadRunner) advise(ctx context.Context, remaining int) {
	live := domain.LiveStats{
		ObservedSpeed:  r.progress.speed(),
		ExpectedSpeed:  r.expected,
		ActiveParts:    r.pool.Active(),
		Concurrency:    r.pool.Size(),
		RemainingParts: remaining,
	}
	advice := r.w.optimizer.Advise(ctx, live)
	if advice.ConcurrencyDelta != 0 {
		size := r.pool.Size() + advice.ConcurrencyDelta
		r.pool.SetSize(size)
		logger.Infow("Adjusted upload concurrency",
			"upload_id", r.id,
			"concurrency", size,
			"bottleneck", string(advice.Bottleneck),
			"efficiency", advice.Efficiency,
		)
	}
	if advice.PartSizeFactor != 1 {
		r.w.optimizer.RecordAdvice(advice)
	}
}

func (r *uploadRunner) finalize(ctx context.Context) error {
	parts, err := r.w.deps.Ledger.Parts(ctx, r.id)
	if err != nil {
		return err
	}

	req := port.FinalizeRequest{
		UploadID:       r.id,
		TransferHandle: r.rec.Metadata.TransferHandle,
		StoragePath:    r.rec.Metadata.StoragePath,
		Credential:     r.credential,
		Parts:          parts,
	}
	if r.auth != nil {
		req.FinalizeURL = r.auth.FinalizeURL
	}
	path, err := RetryWithBackoff(ctx, r.w.policy, r.budget(), func(ctx context.Context) (string, error) {
		reqCtx, cancel := r.w.requestContext(ctx)
		defer cancel()
		return r.w.deps.Destination.Complete(reqCtx, req)
	}, r.onRetry)
	if err != nil {
		return err
	}

	// The transfer is final at the destination; record it even if stopped now.
	bg := context.WithoutCancel(ctx)
	if path != "" && path != r.rec.Metadata.StoragePath {
		r.rec.Metadata.StoragePath = path
		if err := r.w.deps.Ledger.Update(bg, r.rec); err != nil {
			logger.Warnw("Failed to store upload path", "upload_id", r.id, "error", err.Error())
		}
	}
	done, err := r.w.deps.Ledger.MarkComplete(bg, r.id)
	if err != nil {
		return err
	}
	r.rec = done

	duration := r.w.now().Sub(done.CreatedAt)
	var avg float64
	if duration > 0 {
		avg = float64(done.FileSize) / duration.Seconds()
	}

	if r.w.deps.Reporter != nil {
		reportCtx, cancel := r.w.requestContext(bg)
		err := r.w.deps.Reporter.Report(reportCtx, domain.Completion{
			UploadID:                r.id,
			StoragePath:             done.Metadata.StoragePath,
			DurationMs:              duration.Milliseconds(),
			AverageSpeedBytesPerSec: int64(avg),
			TotalParts:              done.TotalParts,
			CompletedParts:          len(parts),
			UserID:                  done.Metadata.UserID,
			DestinationID:           done.Metadata.DestinationID,
			ManifestRoot:            manifestRoot(parts, done.TotalParts),
		})
		cancel()
		if err != nil {
			logger.Errorw("Failed to report completed upload", "upload_id", r.id, "error", err.Error())
		}
	}

	logger.Infow("Upload completed",
		"upload_id", r.id,
		"storage_path", done.Metadata.StoragePath,
		"duration", duration.String(),
		"retries", done.RetryCount,
	)
	r.w.recordEvent(bg, done, "completed", duration)
	r.w.emit(domain.CompletedEvent{
		UploadID:     r.id,
		StoragePath:  done.Metadata.StoragePath,
		Duration:     duration,
		AverageSpeed: avg,
	})
	return nil
}

// manifestRoot hashes the finalized part tags in part order.
func manifestRoot(parts []domain.PartResult, total int) string {
	tags := make([]string, total)
	for _, p := range parts {
		if p.PartIndex >= 1 && p.PartIndex <= total {
			tags[p.PartIndex-1] = p.IntegrityTag
		}
	}
	return merkle.Root(tags)
}

// classifyExit turns the result of a run into the record's next state.
func (r *uploadRunner) classifyExit(err error) runOutcome {
	if err == nil {
		return outcomeCompleted
	}
	if r.ctx.Err() != nil {
		err = causeOf(r.ctx)
	}
	bg := context.WithoutCancel(r.ctx)

	switch {
	case errors.Is(err, errShutdown):
		return outcomeShutdown
	case errors.Is(err, domain.ErrPaused), errors.Is(err, resilience.ErrOfflineTimeout):
		// An upload still waiting for the link is parked, not failed.
		reason := r.pauseReason()
		if err := r.rec.Transition(domain.StatusPaused, r.w.now()); err != nil {
			logger.Errorw("Failed to pause upload", "upload_id", r.id, "error", err.Error())
			return outcomePaused
		}
		r.rec.PauseReason = reason
		if err := r.w.deps.Ledger.Update(bg, r.rec); err != nil {
			logger.Errorw("Failed to persist paused upload", "upload_id", r.id, "error", err.Error())
		}
		logger.Infow("Upload paused", "upload_id", r.id, "reason", string(reason), "completed_parts", len(r.rec.CompletedParts))
		r.w.emit(domain.PausedEvent{UploadID: r.id, Reason: reason})
		return outcomePaused
	case errors.Is(err, context.Canceled):
		return outcomeCancelled
	}

	exhausted := errors.Is(err, resilience.ErrRetriesExhausted)
	if tErr := r.rec.Transition(domain.StatusFailed, r.w.now()); tErr != nil {
		logger.Errorw("Failed to mark upload failed", "upload_id", r.id, "error", tErr.Error())
	}
	r.rec.LastError = err.Error()
	if uErr := r.w.deps.Ledger.Update(bg, r.rec); uErr != nil {
		logger.Errorw("Failed to persist failed upload", "upload_id", r.id, "error", uErr.Error())
	}

	logger.Errorw("Upload failed",
		"upload_id", r.id,
		"exhausted", exhausted,
		"retries", r.rec.RetryCount,
		"error", err.Error(),
	)
	r.w.recordEvent(bg, r.rec, "failed", r.w.now().Sub(r.rec.CreatedAt))
	r.w.emit(domain.FailedEvent{UploadID: r.id, Error: err.Error(), Exhausted: exhausted})
	return outcomeFailed
}

// progressTracker derives cumulative progress from completed parts plus the
// bytes read by attempts in flight. Reported bytes never decrease.
type progressTracker struct {
	mu       sync.Mutex
	inflight map[int]int64
	last     int64
	lastAt   time.Time
	ema      float64
}

func newProgressTracker(floor int64, now time.Time) *progressTracker {
	return &progressTracker{inflight: make(map[int]int64), last: floor, lastAt: now}
}

func (p *progressTracker) track(index int, attemptBytes int64) {
	p.mu.Lock()
	p.inflight[index] = attemptBytes
	p.mu.Unlock()
}

func (p *progressTracker) drop(index int) {
	p.mu.Lock()
	delete(p.inflight, index)
	p.mu.Unlock()
}

func (p *progressTracker) sent() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *progressTracker) speed() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ema
}

// observe returns a progress event when the byte count grew since the last one.
func (p *progressTracker) observe(rec *domain.UploadRecord, now time.Time) (domain.ProgressEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	current := rec.CompletedBytes()
	for _, n := range p.inflight {
		current += n
	}
	if current > rec.FileSize {
		current = rec.FileSize
	}
	if current <= p.last {
		return domain.ProgressEvent{}, false
	}

	if elapsed := now.Sub(p.lastAt).Seconds(); elapsed > 0 {
		rate := float64(current-p.last) / elapsed
		if p.ema == 0 {
			p.ema = rate
		} else {
			p.ema = speedSmoothing*rate + (1-speedSmoothing)*p.ema
		}
	}
	p.last, p.lastAt = current, now

	ev := domain.ProgressEvent{
		UploadID:   rec.ID,
		BytesSent:  current,
		TotalBytes: rec.FileSize,
		Speed:      p.ema,
	}
	if rec.FileSize > 0 {
		ev.Percentage = float64(current) / float64(rec.FileSize) * 100
	}
	if p.ema > 0 {
		ev.TimeRemaining = time.Duration(float64(rec.FileSize-current) / p.ema * float64(time.Second))
	}
	return ev, true
}
