package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/config"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/domain"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/port"
	"github.com/anthanhphan/gosdk/logger"
)

// errShutdown stops runners without touching their records, so uploads in
// progress resume on the next start.
var errShutdown = errors.New("engine shutting down")

// IDGenerator allocates upload ids.
type IDGenerator interface {
	NextString() (string, error)
}

// Dependencies are the adapters the engine runs on.
type Dependencies struct {
	Ledger      port.Ledger
	Destination port.Destination
	Transport   port.PartTransport
	Sources     port.SourceOpener
	Reporter    port.CompletionReporter
	Credentials port.CredentialSource
	WakeLock    port.WakeLock
	Stats       port.SystemStats
	Monitor     *NetworkMonitor
	IDs         IDGenerator
}

// credentialMemory is implemented by credential sources that can keep a
// caller's token for uploads resumed later without the caller.
type credentialMemory interface {
	Remember(userID, token string)
}

type waiter struct {
	kind MessageKind
	cid  string
}

type runnerExit struct {
	runner  *uploadRunner
	outcome runOutcome
	record  *domain.UploadRecord
	sent    int64
}

// engineWorker owns every upload record. It is the only writer of records that
// have no active runner, and it starts and reaps the runners.
type engineWorker struct {
	cfg       config.EngineConfig
	deps      Dependencies
	optimizer *Optimizer
	policy    *RetryPolicy
	executor  *PartExecutor

	inbox  chan []byte
	outbox *mailbox
	exits  chan runnerExit
	expiry chan string
	done   chan struct{}

	runners     map[string]*uploadRunner
	credentials map[string]string
	sent        map[string]int64
	now         func() time.Time
}

func newEngineWorker(cfg config.Config, deps Dependencies, inbox chan []byte, outbox *mailbox) *engineWorker {
	if deps.Monitor == nil {
		deps.Monitor = NewNetworkMonitor(nil, cfg.Network)
	}
	policy := NewRetryPolicy(cfg.Retry, deps.Monitor, cfg.Network.OfflineTimeout())
	return &engineWorker{
		cfg:         cfg.Engine,
		deps:        deps,
		optimizer:   NewOptimizer(cfg.Optimizer, deps.Stats),
		policy:      policy,
		executor:    NewPartExecutor(deps.Transport, deps.Monitor, cfg.Engine.PartAttempts, cfg.Engine.PartBaseDelay(), cfg.Engine.StallTimeout()),
		inbox:       inbox,
		outbox:      outbox,
		exits:       make(chan runnerExit, 16),
		expiry:      make(chan string, 16),
		done:        make(chan struct{}),
		runners:     make(map[string]*uploadRunner),
		credentials: make(map[string]string),
		sent:        make(map[string]int64),
		now:         time.Now,
	}
}

func (w *engineWorker) run(ctx context.Context) {
	defer close(w.done)

	w.recover(ctx)

	pruneEvery := w.cfg.PruneInterval()
	if pruneEvery <= 0 {
		pruneEvery = 10 * time.Minute
	}
	prune := time.NewTicker(pruneEvery)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return
		case raw := <-w.inbox:
			w.handle(ctx, raw)
		case exit := <-w.exits:
			w.reap(ctx, exit)
		case id := <-w.expiry:
			w.expire(ctx, id)
		case <-prune.C:
			w.prune(ctx)
		}
	}
}

func (w *engineWorker) handle(ctx context.Context, raw []byte) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		logger.Errorw("Dropping malformed engine message", "error", err.Error())
		return
	}

	switch env.Kind {
	case KindStart:
		var cmd startCommand
		if err := decodePayload(env, &cmd); err != nil {
			w.ack(env.CorrelationID, "", err)
			return
		}
		id, err := w.start(ctx, cmd)
		w.ack(env.CorrelationID, id, err)
	case KindPause, KindResume, KindCancel:
		var cmd controlCommand
		if err := decodePayload(env, &cmd); err != nil {
			w.ack(env.CorrelationID, "", err)
			return
		}
		w.control(ctx, env.Kind, env.CorrelationID, cmd.UploadID)
	case KindNetwork:
		var cmd networkCommand
		if err := decodePayload(env, &cmd); err != nil {
			logger.Errorw("Dropping malformed network message", "error", err.Error())
			return
		}
		w.network(ctx, cmd.Online)
	default:
		logger.Warnw("Unknown engine message", "kind", string(env.Kind))
	}
}

func (w *engineWorker) ack(cid, id string, err error) {
	if cid == "" {
		return
	}
	raw, encErr := encodeEnvelope(KindAck, cid, ackFor(id, err))
	if encErr != nil {
		logger.Errorw("Failed to encode ack", "error", encErr.Error())
		return
	}
	w.outbox.put(raw)
}

func (w *engineWorker) emit(ev domain.Event) {
	msg, err := encodeEvent(ev)
	if err == nil {
		var raw []byte
		raw, err = encodeEnvelope(KindEvent, "", msg)
		if err == nil {
			w.outbox.put(raw)
			return
		}
	}
	logger.Errorw("Failed to encode event", "event", string(ev.Type()), "upload_id", ev.Upload(), "error", err.Error())
}

func (w *engineWorker) recordEvent(ctx context.Context, rec *domain.UploadRecord, kind string, duration time.Duration) {
	ev := domain.AnalyticsEvent{
		UploadID:   rec.ID,
		Kind:       kind,
		At:         w.now(),
		DurationMs: duration.Milliseconds(),
		RetryCount: rec.RetryCount,
		Bytes:      rec.CompletedBytes(),
	}
	if err := w.deps.Ledger.RecordEvent(ctx, ev); err != nil {
		logger.Warnw("Failed to record analytics event", "upload_id", rec.ID, "kind", kind, "error", err.Error())
	}
}

func (w *engineWorker) start(ctx context.Context, cmd startCommand) (string, error) {
	desc := cmd.Source
	if desc.Path == "" {
		return "", fmt.Errorf("%w: source path is required", domain.ErrBadRequest)
	}
	if desc.Size <= 0 || desc.MimeType == "" || desc.Name == "" {
		described, err := w.deps.Sources.Describe(ctx, desc.Path)
		if err != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrBadRequest, err)
		}
		desc = described
	}

	id, err := w.deps.IDs.NextString()
	if err != nil {
		return "", fmt.Errorf("failed to generate upload id: %w", err)
	}

	plan := w.optimizer.Plan(desc.Size, w.estimate())
	maxRetries := cmd.MaxRetries
	if maxRetries <= 0 {
		maxRetries = w.cfg.MaxRetries
	}

	now := w.now()
	rec := &domain.UploadRecord{
		ID:         id,
		FileName:   desc.Name,
		FileSize:   desc.Size,
		MimeType:   desc.MimeType,
		PartSize:   plan.PartSize,
		TotalParts: domain.PartCount(desc.Size, plan.PartSize),
		Status:     domain.StatusPending,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
		Metadata: domain.UploadMetadata{
			UserID:        cmd.UserID,
			DestinationID: cmd.DestinationID,
			SourcePath:    desc.Path,
		},
	}
	if err := w.deps.Ledger.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("failed to create upload record: %w", err)
	}

	logger.Infow("Upload registered",
		"upload_id", id,
		"file_name", rec.FileName,
		"size_bytes", rec.FileSize,
		"parts", rec.TotalParts,
		"strategy", string(plan.Strategy),
	)

	if cmd.Credential != "" {
		w.credentials[id] = cmd.Credential
		if m, ok := w.deps.Credentials.(credentialMemory); ok {
			m.Remember(cmd.UserID, cmd.Credential)
		}
	}
	if !w.online() {
		if err := w.parkOffline(ctx, rec); err != nil {
			return "", err
		}
		return id, nil
	}
	w.launch(rec, cmd.Concurrency, false)
	return id, nil
}

func (w *engineWorker) estimate() domain.NetworkEstimate {
	return w.deps.Monitor.Estimate()
}

func (w *engineWorker) online() bool {
	return w.deps.Monitor.IsOnline()
}

func (w *engineWorker) launch(rec *domain.UploadRecord, concurrency int, resumed bool) {
	r := newUploadRunner(w, rec.Clone(), w.credentials[rec.ID], concurrency, resumed, w.sent[rec.ID])
	w.runners[rec.ID] = r
	go r.run()
}

func (w *engineWorker) control(ctx context.Context, kind MessageKind, cid, id string) {
	if r, ok := w.runners[id]; ok {
		switch kind {
		case KindPause:
			r.stop(domain.ErrPaused, domain.PauseUser)
			r.waiters = append(r.waiters, waiter{kind: kind, cid: cid})
		case KindCancel:
			r.stop(context.Canceled, domain.PauseNone)
			r.waiters = append(r.waiters, waiter{kind: kind, cid: cid})
		case KindResume:
			if r.isStopping() {
				r.resumeAfterExit = true
				r.waiters = append(r.waiters, waiter{kind: kind, cid: cid})
				return
			}
			w.ack(cid, id, nil)
		}
		return
	}

	rec, err := w.deps.Ledger.Get(ctx, id)
	if err != nil {
		w.ack(cid, id, err)
		return
	}

	switch kind {
	case KindPause:
		w.ack(cid, id, w.pauseIdle(ctx, rec, domain.PauseUser))
	case KindResume:
		w.ack(cid, id, w.resumeIdle(ctx, rec))
	case KindCancel:
		if rec.Status == domain.StatusCompleted {
			w.ack(cid, id, fmt.Errorf("%w: upload %s already completed", domain.ErrInvalidTransition, id))
			return
		}
		w.cancelIdle(ctx, rec)
		w.ack(cid, id, nil)
	}
}

// pauseIdle pauses a record with no runner. A user pause overrides a network pause.
func (w *engineWorker) pauseIdle(ctx context.Context, rec *domain.UploadRecord, reason domain.PauseReason) error {
	if rec.Status == domain.StatusPaused {
		if reason == domain.PauseUser && rec.PauseReason != domain.PauseUser {
			rec.PauseReason = domain.PauseUser
			rec.UpdatedAt = w.now()
			return w.deps.Ledger.Update(ctx, rec)
		}
		return nil
	}
	if err := rec.Transition(domain.StatusPaused, w.now()); err != nil {
		return err
	}
	rec.PauseReason = reason
	if err := w.deps.Ledger.Update(ctx, rec); err != nil {
		return err
	}
	w.emit(domain.PausedEvent{UploadID: rec.ID, Reason: reason})
	return nil
}

// resumeIdle restarts a record with no runner from its completed-part set.
// Resuming a failed upload resets its retry budget.
func (w *engineWorker) resumeIdle(ctx context.Context, rec *domain.UploadRecord) error {
	switch rec.Status {
	case domain.StatusPending, domain.StatusUploading, domain.StatusFailed, domain.StatusPaused:
	default:
		return fmt.Errorf("%w: cannot resume %s upload", domain.ErrInvalidTransition, rec.Status)
	}
	if !w.online() {
		return w.parkOffline(ctx, rec)
	}

	switch rec.Status {
	case domain.StatusPending, domain.StatusUploading:
		w.launch(rec, 0, len(rec.CompletedParts) > 0)
		return nil
	case domain.StatusFailed:
		rec.RetryCount = 0
		rec.LastError = ""
	}

	if err := rec.Transition(domain.StatusUploading, w.now()); err != nil {
		return err
	}
	if err := w.deps.Ledger.Update(ctx, rec); err != nil {
		return err
	}

	logger.Infow("Upload resumed", "upload_id", rec.ID, "completed_parts", len(rec.CompletedParts), "total_parts", rec.TotalParts)
	w.emit(domain.ResumedEvent{UploadID: rec.ID, CompletedParts: len(rec.CompletedParts), TotalParts: rec.TotalParts})
	w.launch(rec, 0, true)
	return nil
}

// parkOffline leaves a record paused for the network instead of starting a
// runner while offline. The reconnect path resumes it.
func (w *engineWorker) parkOffline(ctx context.Context, rec *domain.UploadRecord) error {
	now := w.now()
	if rec.Status == domain.StatusFailed {
		rec.RetryCount = 0
		rec.LastError = ""
		if err := rec.Transition(domain.StatusUploading, now); err != nil {
			return err
		}
	}
	if err := rec.Transition(domain.StatusPaused, now); err != nil {
		return err
	}
	rec.PauseReason = domain.PauseNetwork
	rec.UpdatedAt = now
	if err := w.deps.Ledger.Update(ctx, rec); err != nil {
		return err
	}

	logger.Infow("Upload waiting for connectivity", "upload_id", rec.ID, "completed_parts", len(rec.CompletedParts))
	w.emit(domain.PausedEvent{UploadID: rec.ID, Reason: domain.PauseNetwork})
	return nil
}

// cancelIdle aborts the destination transfer and removes every trace of the upload.
func (w *engineWorker) cancelIdle(ctx context.Context, rec *domain.UploadRecord) {
	w.abortTransfer(ctx, rec)

	if err := w.deps.Ledger.Delete(ctx, rec.ID); err != nil && !errors.Is(err, domain.ErrUploadNotFound) {
		logger.Errorw("Failed to delete cancelled upload", "upload_id", rec.ID, "error", err.Error())
	}
	delete(w.credentials, rec.ID)
	delete(w.sent, rec.ID)

	logger.Infow("Upload cancelled", "upload_id", rec.ID)
	w.emit(domain.CancelledEvent{UploadID: rec.ID})
}

// abortTransfer releases the destination side of an upload, if it has one.
func (w *engineWorker) abortTransfer(ctx context.Context, rec *domain.UploadRecord) {
	if rec.Metadata.TransferHandle == "" {
		return
	}
	abortCtx, cancel := w.requestContext(ctx)
	defer cancel()
	err := w.deps.Destination.Abort(abortCtx, port.FinalizeRequest{
		UploadID:       rec.ID,
		TransferHandle: rec.Metadata.TransferHandle,
		StoragePath:    rec.Metadata.StoragePath,
		Credential:     w.credentials[rec.ID],
	})
	if err != nil {
		logger.Warnw("Failed to abort destination transfer", "upload_id", rec.ID, "error", err.Error())
	}
}

func (w *engineWorker) requestTimeout() time.Duration {
	if timeout := w.cfg.RequestTimeout(); timeout > 0 {
		return timeout
	}
	return 15 * time.Second
}

// requestContext bounds a destination call that must finish even when ctx is cancelled.
func (w *engineWorker) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), w.requestTimeout())
}

// reap handles a runner that finished and answers the commands waiting on it.
func (w *engineWorker) reap(ctx context.Context, exit runnerExit) {
	r := exit.runner
	if w.runners[r.id] == r {
		delete(w.runners, r.id)
	}
	w.sent[r.id] = exit.sent
	logger.Debugw("Upload runner exited", "upload_id", r.id, "outcome", exit.outcome.String())

	switch exit.outcome {
	case outcomeCancelled:
		w.cancelIdle(ctx, exit.record)
	case outcomePaused:
		// The link may have returned while the runner was still exiting, after
		// the reconnect pass skipped it.
		rec := exit.record
		if rec.PauseReason == domain.PauseNetwork && w.online() && !r.resumeAfterExit && len(r.waiters) == 0 {
			if err := w.resumeIdle(ctx, rec); err != nil {
				logger.Errorw("Failed to resume upload after reconnect", "upload_id", r.id, "error", err.Error())
			}
		}
	case outcomeCompleted:
		delete(w.credentials, r.id)
		delete(w.sent, r.id)
		w.scheduleExpiry(r.id)
	}

	removed := exit.outcome == outcomeCancelled
	for _, wt := range r.waiters {
		switch wt.kind {
		case KindPause:
			if exit.outcome == outcomePaused || exit.outcome == outcomeCancelled {
				w.ack(wt.cid, r.id, nil)
			} else {
				w.ack(wt.cid, r.id, fmt.Errorf("%w: upload %s ended as %s", domain.ErrInvalidTransition, r.id, exit.record.Status))
			}
		case KindCancel:
			switch {
			case exit.outcome == outcomeCompleted:
				w.ack(wt.cid, r.id, fmt.Errorf("%w: upload %s already completed", domain.ErrInvalidTransition, r.id))
			case removed:
				w.ack(wt.cid, r.id, nil)
			default:
				// The runner stopped for another reason first.
				w.cancelIdle(ctx, exit.record)
				removed = true
				w.ack(wt.cid, r.id, nil)
			}
		}
	}

	if !r.resumeAfterExit {
		return
	}
	var err error
	if removed {
		err = fmt.Errorf("%w: upload %s was cancelled", domain.ErrUploadNotFound, r.id)
	} else {
		var rec *domain.UploadRecord
		if rec, err = w.deps.Ledger.Get(ctx, r.id); err == nil {
			err = w.resumeIdle(ctx, rec)
		}
	}
	for _, wt := range r.waiters {
		if wt.kind == KindResume {
			w.ack(wt.cid, r.id, err)
		}
	}
}

func (w *engineWorker) scheduleExpiry(id string) {
	grace := w.cfg.CompletionGrace()
	time.AfterFunc(grace, func() {
		select {
		case w.expiry <- id:
		case <-w.done:
		}
	})
}

// expire removes a completed record once its grace period has passed.
func (w *engineWorker) expire(ctx context.Context, id string) {
	rec, err := w.deps.Ledger.Get(ctx, id)
	if err != nil || rec.Status != domain.StatusCompleted {
		return
	}
	if err := w.deps.Ledger.Delete(ctx, id); err != nil {
		logger.Warnw("Failed to delete completed upload", "upload_id", id, "error", err.Error())
		return
	}
	logger.Debugw("Completed upload record removed", "upload_id", id)
}

// network pauses every running upload when the link drops and resumes the ones
// it paused itself when the link returns.
func (w *engineWorker) network(ctx context.Context, online bool) {
	if !online {
		for _, r := range w.runners {
			if !r.isStopping() {
				r.stop(domain.ErrPaused, domain.PauseNetwork)
			}
		}
		logger.Warnw("Connectivity lost, pausing uploads", "running", len(w.runners))
		return
	}

	paused, err := w.deps.Ledger.ListByStatus(ctx, domain.StatusPaused)
	if err != nil {
		logger.Errorw("Failed to list paused uploads", "error", err.Error())
		return
	}
	resumed := 0
	for _, rec := range paused {
		if rec.PauseReason != domain.PauseNetwork {
			continue
		}
		if _, running := w.runners[rec.ID]; running {
			continue
		}
		if err := w.resumeIdle(ctx, rec); err != nil {
			logger.Errorw("Failed to resume upload after reconnect", "upload_id", rec.ID, "error", err.Error())
			continue
		}
		resumed++
	}
	logger.Infow("Connectivity restored", "resumed", resumed)
}

// recover picks up records left non-terminal by a previous process.
func (w *engineWorker) recover(ctx context.Context) {
	active, err := w.deps.Ledger.ListActive(ctx)
	if err != nil {
		logger.Errorw("Failed to list unfinished uploads", "error", err.Error())
		return
	}

	for _, rec := range active {
		if rec.Status == domain.StatusPaused {
			continue
		}
		switch {
		case !w.online():
			if err := w.pauseIdle(ctx, rec, domain.PauseNetwork); err != nil {
				logger.Errorw("Failed to park upload while offline", "upload_id", rec.ID, "error", err.Error())
			}
		case w.cfg.AutoResumeOnStartup:
			logger.Infow("Resuming upload after restart", "upload_id", rec.ID, "completed_parts", len(rec.CompletedParts), "total_parts", rec.TotalParts)
			w.emit(domain.ResumedEvent{UploadID: rec.ID, CompletedParts: len(rec.CompletedParts), TotalParts: rec.TotalParts})
			w.launch(rec, 0, true)
		}
	}
}

// prune removes expired records that no runner owns. Unfinished transfers are
// aborted at the destination first so no multipart upload is left behind.
func (w *engineWorker) prune(ctx context.Context) {
	recs, err := w.deps.Ledger.List(ctx)
	if err != nil {
		logger.Errorw("Failed to prune upload ledger", "error", err.Error())
		return
	}

	now := w.now()
	pruned := 0
	for _, rec := range recs {
		if _, running := w.runners[rec.ID]; running {
			continue
		}
		if !rec.Expired(now, w.cfg.PruneAfter(), w.cfg.StaleAfter()) {
			continue
		}
		if rec.Status != domain.StatusCompleted && rec.Status != domain.StatusCancelled {
			w.abortTransfer(ctx, rec)
		}
		if err := w.deps.Ledger.Delete(ctx, rec.ID); err != nil && !errors.Is(err, domain.ErrUploadNotFound) {
			logger.Errorw("Failed to prune upload record", "upload_id", rec.ID, "error", err.Error())
			continue
		}
		delete(w.credentials, rec.ID)
		delete(w.sent, rec.ID)
		pruned++
	}
	if pruned > 0 {
		logger.Infow("Pruned upload records", "count", pruned)
	}
}

// shutdown stops every runner and waits for them so no write outlives the worker.
func (w *engineWorker) shutdown() {
	for _, r := range w.runners {
		r.stop(errShutdown, domain.PauseNone)
	}
	for len(w.runners) > 0 {
		exit := <-w.exits
		delete(w.runners, exit.runner.id)
		for _, wt := range exit.runner.waiters {
			w.ack(wt.cid, exit.runner.id, errShutdown)
		}
	}
}
