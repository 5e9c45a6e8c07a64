package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/adapter/outbound/ledger"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/config"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/domain"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/port"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 10 * time.Second

type harness struct {
	t         *testing.T
	cfg       config.Config
	engine    *Orchestrator
	ledger    *ledger.Ledger
	dest      *fakeDestination
	transport *fakeTransport
	sources   *memSources
	reporter  *fakeReporter
	wake      *countingWakeLock
	monitor   *NetworkMonitor
	events    *eventLog
}

func testConfig() config.Config {
	cfg := *config.DefaultConfig()
	cfg.Engine.PartBaseDelayMS = 1
	cfg.Engine.ProgressIntervalMS = 5
	cfg.Engine.AdviseIntervalMS = int(time.Hour / time.Millisecond)
	cfg.Engine.CompletionGraceMS = int(time.Hour / time.Millisecond)
	cfg.Engine.StallTimeoutMS = 5000
	cfg.Engine.WakeLockThreshold = 1
	cfg.Retry = config.RetryConfig{Strategy: "exponential", BaseDelayMS: 1, Factor: 2, MaxDelayMS: 5}
	cfg.Optimizer.MaxConcurrency = 4
	return cfg
}

func newHarness(t *testing.T, setup ...func(h *harness)) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		cfg:       testConfig(),
		ledger:    ledger.New(ledger.NewMemStore()),
		dest:      &fakeDestination{},
		transport: newFakeTransport(),
		sources:   newMemSources(),
		reporter:  &fakeReporter{},
		wake:      &countingWakeLock{},
		events:    &eventLog{},
	}
	h.monitor = NewNetworkMonitor(nil, h.cfg.Network)
	for _, fn := range setup {
		fn(h)
	}

	engine, err := NewOrchestrator(h.cfg, Dependencies{
		Ledger:      h.ledger,
		Destination: h.dest,
		Transport:   h.transport,
		Sources:     h.sources,
		Reporter:    h.reporter,
		Credentials: fixedCredentials("restored-token"),
		WakeLock:    h.wake,
		Monitor:     h.monitor,
		IDs:         &sequenceIDs{},
	})
	require.NoError(t, err)
	h.engine = engine
	engine.SubscribeAll(h.events.add)

	ctx, cancel := context.WithCancel(context.Background())
	go engine.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-engine.Done()
	})
	return h
}

func (h *harness) start(path string, opts ...func(*port.StartRequest)) string {
	h.t.Helper()
	req := port.StartRequest{
		Source:        port.SourceDescriptor{Path: path},
		DestinationID: "session-1",
		UserID:        "user-1",
		Credential:    "token",
	}
	for _, fn := range opts {
		fn(&req)
	}
	id, err := h.engine.Start(context.Background(), req)
	require.NoError(h.t, err)
	require.NotEmpty(h.t, id)
	return id
}

func (h *harness) waitFor(id string, t domain.EventType) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.events.has(id, t) }, waitTimeout, 5*time.Millisecond, "no %s event for %s", t, id)
}

func (h *harness) record(id string) *domain.UploadRecord {
	h.t.Helper()
	rec, err := h.engine.Get(context.Background(), id)
	require.NoError(h.t, err)
	return rec
}

func (h *harness) waitInflight(n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		_, inflight, _ := h.transport.stats()
		return inflight == n
	}, waitTimeout, 2*time.Millisecond)
}

func TestEngineUploadsLargeFileThroughFailures(t *testing.T) {
	h := newHarness(t)
	h.sources.add("/media/talk.mp4", 300*mib)
	h.transport.setBehavior(func(_ context.Context, call int, target port.PartTarget) error {
		if call%10 == 0 {
			return &domain.TransferError{Op: "put part", Part: target.PartIndex, StatusCode: 503, Err: domain.ErrTransient}
		}
		return nil
	})

	id := h.start("/media/talk.mp4")
	h.waitFor(id, domain.EventCompleted)

	started := eventsOf[domain.StartedEvent](h.events, id)
	require.Len(t, started, 1)
	assert.Equal(t, 10*mib, started[0].PartSize)
	assert.Equal(t, 30, started[0].TotalParts)

	parts := h.dest.lastCompleted()
	require.Len(t, parts, 30)
	for i, p := range parts {
		assert.Equal(t, i+1, p.PartIndex)
		assert.NotEmpty(t, p.IntegrityTag)
	}

	total, _, peak := h.transport.stats()
	assert.LessOrEqual(t, total, 30*3)
	assert.LessOrEqual(t, peak, 4)

	progress := eventsOf[domain.ProgressEvent](h.events, id)
	require.NotEmpty(t, progress)
	for i := 1; i < len(progress); i++ {
		assert.Greater(t, progress[i].BytesSent, progress[i-1].BytesSent)
	}
	assert.Equal(t, int64(300*mib), progress[len(progress)-1].BytesSent)

	rec := h.record(id)
	assert.Equal(t, domain.StatusCompleted, rec.Status)
	assert.InDelta(t, 100.0, rec.Progress, 0.001)
	assert.Equal(t, "uploads/"+id+"/talk.mp4", rec.Metadata.StoragePath)

	reports := h.reporter.reported()
	require.Len(t, reports, 1)
	assert.Equal(t, 30, reports[0].CompletedParts)
	assert.Equal(t, rec.Metadata.StoragePath, reports[0].StoragePath)

	assert.Eventually(t, func() bool { return h.wake.released.Load() == 1 }, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, int32(1), h.wake.acquired.Load())

	trail, err := h.engine.Events(context.Background(), id)
	require.NoError(t, err)
	var kinds []string
	for _, ev := range trail {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []string{"started", "completed"}, kinds)
}

func TestEnginePauseAndResumeKeepCompletedParts(t *testing.T) {
	h := newHarness(t)
	h.sources.add("/media/clip.mp4", 15*mib)

	release := make(chan struct{})
	h.transport.setBehavior(func(ctx context.Context, _ int, target port.PartTarget) error {
		if target.PartIndex == 1 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-release:
			return nil
		}
	})

	id := h.start("/media/clip.mp4")
	require.Eventually(t, func() bool {
		rec, err := h.ledger.Get(context.Background(), id)
		return err == nil && rec.HasPart(1)
	}, waitTimeout, 2*time.Millisecond)
	h.waitInflight(2)

	require.NoError(t, h.engine.Pause(context.Background(), id))
	rec := h.record(id)
	assert.Equal(t, domain.StatusPaused, rec.Status)
	assert.Equal(t, domain.PauseUser, rec.PauseReason)
	assert.Equal(t, []int{1}, rec.CompletedParts)
	paused := eventsOf[domain.PausedEvent](h.events, id)
	require.Len(t, paused, 1)
	assert.Equal(t, domain.PauseUser, paused[0].Reason)

	require.NoError(t, h.engine.Pause(context.Background(), id), "pausing a paused upload is a no-op")

	require.NoError(t, h.engine.Resume(context.Background(), id))
	require.NoError(t, h.engine.Resume(context.Background(), id), "resuming a running upload is a no-op")
	close(release)

	h.waitFor(id, domain.EventCompleted)
	assert.Equal(t, 1, h.transport.callsFor(1), "completed parts are never sent again")
	assert.Len(t, eventsOf[domain.ResumedEvent](h.events, id), 1)
	assert.Len(t, eventsOf[domain.StartedEvent](h.events, id), 1)

	_, _, _, completes := h.dest.counts()
	assert.Equal(t, 1, completes)
	assert.Len(t, h.dest.lastCompleted(), 3)
}

func TestEngineCancelWithPartsInFlight(t *testing.T) {
	h := newHarness(t)
	h.sources.add("/media/clip.mp4", 15*mib)
	h.transport.setBehavior(blockUntilCancelled)

	id := h.start("/media/clip.mp4")
	h.waitInflight(3)

	require.NoError(t, h.engine.Cancel(context.Background(), id))

	_, err := h.engine.Get(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrUploadNotFound)
	_, _, aborts, completes := h.dest.counts()
	assert.Equal(t, 1, aborts)
	assert.Equal(t, 0, completes)
	assert.True(t, h.events.has(id, domain.EventCancelled))
	assert.False(t, h.events.has(id, domain.EventFailed), "cancellation is not a failure")
	assert.Equal(t, int32(1), h.wake.released.Load())

	seen := len(h.events.of(id))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.events.of(id), seen, "no events after cancel returns")

	assert.ErrorIs(t, h.engine.Cancel(context.Background(), id), domain.ErrUploadNotFound)
}

func TestOrchestratorDropsEventsAfterCancelled(t *testing.T) {
	h := newHarness(t)
	o, err := NewOrchestrator(h.cfg, Dependencies{
		Ledger: h.ledger, Destination: h.dest, Transport: h.transport, Sources: h.sources, IDs: &sequenceIDs{},
	})
	require.NoError(t, err)
	log := &eventLog{}
	o.SubscribeAll(log.add)

	envelope := func(ev domain.Event) []byte {
		msg, err := encodeEvent(ev)
		require.NoError(t, err)
		raw, err := encodeEnvelope(KindEvent, "", msg)
		require.NoError(t, err)
		return raw
	}

	o.deliver([][]byte{
		envelope(domain.CancelledEvent{UploadID: "7"}),
		envelope(domain.ProgressEvent{UploadID: "7", BytesSent: 10, TotalBytes: 20}),
		envelope(domain.ProgressEvent{UploadID: "8", BytesSent: 10, TotalBytes: 20}),
	})

	require.Eventually(t, func() bool { return log.has("8", domain.EventProgress) }, waitTimeout, 2*time.Millisecond)
	assert.True(t, log.has("7", domain.EventCancelled))
	assert.False(t, log.has("7", domain.EventProgress), "events after Cancelled are dropped")

	o.mu.Lock()
	defer o.mu.Unlock()
	assert.Empty(t, o.cancelled, "cancelled ids are not kept once delivered")
}

func TestEngineCancelPausedUpload(t *testing.T) {
	h := newHarness(t)
	h.sources.add("/media/clip.mp4", 15*mib)
	h.transport.setBehavior(blockUntilCancelled)

	id := h.start("/media/clip.mp4")
	h.waitInflight(3)
	require.NoError(t, h.engine.Pause(context.Background(), id))
	require.NoError(t, h.engine.Cancel(context.Background(), id))

	_, err := h.ledger.Get(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrUploadNotFound)
	assert.True(t, h.events.has(id, domain.EventCancelled))
}

func TestEngineConnectivityLossAndRecovery(t *testing.T) {
	h := newHarness(t)
	h.sources.add("/media/a.mp4", 15*mib)
	h.sources.add("/media/b.mp4", 15*mib)
	h.transport.setBehavior(blockUntilCancelled)

	byUser := h.start("/media/b.mp4")
	h.waitInflight(3)
	require.NoError(t, h.engine.Pause(context.Background(), byUser))

	id := h.start("/media/a.mp4")
	h.waitInflight(3)

	h.monitor.SetOnline(false)
	require.Eventually(t, func() bool {
		rec, err := h.ledger.Get(context.Background(), id)
		return err == nil && rec.Status == domain.StatusPaused
	}, waitTimeout, 2*time.Millisecond)
	assert.Equal(t, domain.PauseNetwork, h.record(id).PauseReason)
	paused := eventsOf[domain.PausedEvent](h.events, id)
	require.Len(t, paused, 1)
	assert.Equal(t, domain.PauseNetwork, paused[0].Reason)
	assert.False(t, h.events.has(id, domain.EventFailed))

	h.transport.setBehavior(nil)
	h.monitor.SetOnline(true)

	h.waitFor(id, domain.EventResumed)
	h.waitFor(id, domain.EventCompleted)

	rec := h.record(byUser)
	assert.Equal(t, domain.StatusPaused, rec.Status, "user pauses survive reconnection")
	assert.Equal(t, domain.PauseUser, rec.PauseReason)
	assert.False(t, h.events.has(byUser, domain.EventResumed))
}

func TestEngineResumeWhileOfflineWaitsForConnectivity(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.cfg.Network.OfflineTimeoutMS = 50
	})
	h.sources.add("/media/clip.mp4", 15*mib)
	h.transport.setBehavior(blockUntilCancelled)

	id := h.start("/media/clip.mp4")
	h.waitInflight(3)
	require.NoError(t, h.engine.Pause(context.Background(), id))

	h.monitor.SetOnline(false)
	require.NoError(t, h.engine.Resume(context.Background(), id))

	time.Sleep(150 * time.Millisecond)
	rec := h.record(id)
	assert.Equal(t, domain.StatusPaused, rec.Status)
	assert.Equal(t, domain.PauseNetwork, rec.PauseReason)
	assert.False(t, h.events.has(id, domain.EventFailed), "waiting for the link is not a failure")
	paused := eventsOf[domain.PausedEvent](h.events, id)
	require.Len(t, paused, 2)
	assert.Equal(t, domain.PauseNetwork, paused[1].Reason)

	h.transport.setBehavior(nil)
	h.monitor.SetOnline(true)
	h.waitFor(id, domain.EventCompleted)
	assert.Equal(t, domain.StatusCompleted, h.record(id).Status)
}

func TestEngineStartWhileOffline(t *testing.T) {
	h := newHarness(t)
	h.sources.add("/media/clip.mp4", 15*mib)

	h.monitor.SetOnline(false)
	id := h.start("/media/clip.mp4")

	h.waitFor(id, domain.EventPaused)
	rec := h.record(id)
	assert.Equal(t, domain.StatusPaused, rec.Status)
	assert.Equal(t, domain.PauseNetwork, rec.PauseReason)
	total, _, _ := h.transport.stats()
	assert.Zero(t, total)

	h.monitor.SetOnline(true)
	h.waitFor(id, domain.EventCompleted)
}

func TestOrchestratorNetworkSignalNeverBlocks(t *testing.T) {
	h := newHarness(t)
	o, err := NewOrchestrator(h.cfg, Dependencies{
		Ledger: h.ledger, Destination: h.dest, Transport: h.transport, Sources: h.sources, IDs: &sequenceIDs{},
	})
	require.NoError(t, err)
	for len(o.inbox) < cap(o.inbox) {
		o.inbox <- nil
	}

	returned := make(chan struct{})
	go func() {
		defer close(returned)
		for i := 0; i < 10; i++ {
			o.onNetworkChange(domain.NetworkStatus{Online: i%2 == 0})
		}
	}()
	select {
	case <-returned:
	case <-time.After(waitTimeout):
		t.Fatal("network signal blocked on a full inbox")
	}

	for len(o.inbox) > 0 {
		<-o.inbox
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.forwardNetwork(ctx)

	var raw []byte
	select {
	case raw = <-o.inbox:
	case <-time.After(waitTimeout):
		t.Fatal("network signal was not forwarded")
	}
	env, err := decodeEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, KindNetwork, env.Kind)
	var cmd networkCommand
	require.NoError(t, decodePayload(env, &cmd))
	assert.False(t, cmd.Online, "only the latest status is forwarded")
}

func TestEngineResumesAfterRestart(t *testing.T) {
	now := time.Now()
	h := newHarness(t, func(h *harness) {
		ctx := context.Background()
		h.sources.add("/media/a.mp4", 15*mib)
		h.sources.add("/media/b.mp4", 15*mib)

		interrupted := &domain.UploadRecord{
			ID: "900", FileName: "a.mp4", FileSize: 15 * mib, MimeType: "video/mp4",
			PartSize: 5 * mib, TotalParts: 3, Status: domain.StatusUploading, MaxRetries: 5,
			CreatedAt: now, UpdatedAt: now,
			Metadata: domain.UploadMetadata{
				UserID: "user-1", DestinationID: "session-1", SourcePath: "/media/a.mp4",
				TransferHandle: "handle-900", StoragePath: "uploads/900/a.mp4",
			},
		}
		require.NoError(t, h.ledger.Create(ctx, interrupted))
		_, err := h.ledger.MarkPartComplete(ctx, "900", domain.PartResult{PartIndex: 1, IntegrityTag: `"etag-1"`, BytesTransferred: 5 * mib})
		require.NoError(t, err)

		paused := interrupted.Clone()
		paused.ID = "901"
		paused.Status = domain.StatusPaused
		paused.PauseReason = domain.PauseUser
		paused.CompletedParts = nil
		paused.Metadata.SourcePath = "/media/b.mp4"
		require.NoError(t, h.ledger.Create(ctx, paused))
	})

	h.waitFor("900", domain.EventResumed)
	h.waitFor("900", domain.EventCompleted)

	assert.Equal(t, 0, h.transport.callsFor(1), "part 1 finished before the restart")
	authorizes, refreshes, _, _ := h.dest.counts()
	assert.Equal(t, 0, authorizes)
	assert.GreaterOrEqual(t, refreshes, 1)
	assert.Contains(t, h.dest.seenCredentials(), "restored-token")

	parts := h.dest.lastCompleted()
	require.Len(t, parts, 3)
	assert.Equal(t, `"etag-1"`, parts[0].IntegrityTag)

	assert.Equal(t, domain.StatusPaused, h.record("901").Status)
	assert.False(t, h.events.has("901", domain.EventResumed))
}

func TestEngineFailsOnRejectedRequestAndResumes(t *testing.T) {
	h := newHarness(t)
	h.sources.add("/media/doc.pdf", 1024)
	h.transport.setBehavior(func(_ context.Context, _ int, target port.PartTarget) error {
		return &domain.TransferError{Op: "put part", Part: target.PartIndex, StatusCode: 403, Err: domain.ErrUnauthorized}
	})

	id := h.start("/media/doc.pdf")
	h.waitFor(id, domain.EventFailed)

	failed := eventsOf[domain.FailedEvent](h.events, id)
	require.Len(t, failed, 1)
	assert.False(t, failed[0].Exhausted)
	rec := h.record(id)
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Contains(t, rec.LastError, "destination rejected credentials")
	assert.Equal(t, 1, h.transport.callsFor(1), "rejections are not retried")

	h.transport.setBehavior(nil)
	require.NoError(t, h.engine.Resume(context.Background(), id))
	h.waitFor(id, domain.EventCompleted)
	rec = h.record(id)
	assert.Equal(t, domain.StatusCompleted, rec.Status)
	assert.Zero(t, rec.RetryCount)
}

func TestEngineExhaustsRetryBudget(t *testing.T) {
	h := newHarness(t)
	h.sources.add("/media/doc.pdf", 1024)
	h.transport.setBehavior(func(_ context.Context, _ int, target port.PartTarget) error {
		return &domain.TransferError{Op: "put part", Part: target.PartIndex, StatusCode: 503, Err: domain.ErrTransient}
	})

	id := h.start("/media/doc.pdf", func(req *port.StartRequest) { req.Options.MaxRetries = 1 })
	h.waitFor(id, domain.EventFailed)

	failed := eventsOf[domain.FailedEvent](h.events, id)
	require.Len(t, failed, 1)
	assert.True(t, failed[0].Exhausted)
	rec := h.record(id)
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Equal(t, 2*DefaultPartAttempts, h.transport.callsFor(1))
}

func TestEngineRefreshesExpiredCapabilities(t *testing.T) {
	h := newHarness(t)
	h.sources.add("/media/doc.pdf", 1024)
	h.transport.setBehavior(func(_ context.Context, call int, target port.PartTarget) error {
		if call == 1 {
			return &domain.TransferError{Op: "put part", Part: target.PartIndex, StatusCode: 403, Err: domain.ErrCapabilityExpired}
		}
		return nil
	})

	id := h.start("/media/doc.pdf")
	h.waitFor(id, domain.EventCompleted)

	authorizes, refreshes, _, _ := h.dest.counts()
	assert.Equal(t, 1, authorizes)
	assert.Equal(t, 1, refreshes)
	assert.Zero(t, h.record(id).RetryCount, "a refresh does not spend the retry budget")
}

func TestEngineControlErrors(t *testing.T) {
	h := newHarness(t)
	h.sources.add("/media/doc.pdf", 1024)
	ctx := context.Background()

	assert.ErrorIs(t, h.engine.Pause(ctx, "missing"), domain.ErrUploadNotFound)
	assert.ErrorIs(t, h.engine.Resume(ctx, "missing"), domain.ErrUploadNotFound)
	assert.ErrorIs(t, h.engine.Cancel(ctx, "missing"), domain.ErrUploadNotFound)

	_, err := h.engine.Start(ctx, port.StartRequest{})
	assert.ErrorIs(t, err, domain.ErrBadRequest)
	_, err = h.engine.Start(ctx, port.StartRequest{Source: port.SourceDescriptor{Path: "/media/none.mov"}})
	assert.ErrorIs(t, err, domain.ErrBadRequest)

	id := h.start("/media/doc.pdf")
	h.waitFor(id, domain.EventCompleted)

	assert.ErrorIs(t, h.engine.Cancel(ctx, id), domain.ErrInvalidTransition)
	assert.ErrorIs(t, h.engine.Resume(ctx, id), domain.ErrInvalidTransition)
	assert.ErrorIs(t, h.engine.Pause(ctx, id), domain.ErrInvalidTransition)
}

func TestEngineRemovesCompletedRecordAfterGrace(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.cfg.Engine.CompletionGraceMS = 20
	})
	h.sources.add("/media/doc.pdf", 1024)

	id := h.start("/media/doc.pdf")
	h.waitFor(id, domain.EventCompleted)

	require.Eventually(t, func() bool {
		_, err := h.ledger.Get(context.Background(), id)
		return errors.Is(err, domain.ErrUploadNotFound)
	}, waitTimeout, 5*time.Millisecond)
}

func TestEngineStopsWhenContextEnds(t *testing.T) {
	h := newHarness(t)
	h.sources.add("/media/clip.mp4", 15*mib)
	h.transport.setBehavior(blockUntilCancelled)

	cfg := h.cfg
	ldg := ledger.New(ledger.NewMemStore())
	engine, err := NewOrchestrator(cfg, Dependencies{
		Ledger: ldg, Destination: h.dest, Transport: h.transport, Sources: h.sources, IDs: &sequenceIDs{},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go engine.Run(ctx)
	id, err := engine.Start(context.Background(), port.StartRequest{Source: port.SourceDescriptor{Path: "/media/clip.mp4"}})
	require.NoError(t, err)
	h.waitInflight(3)

	cancel()
	select {
	case <-engine.Done():
	case <-time.After(waitTimeout):
		t.Fatal("engine did not stop")
	}

	rec, err := ldg.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUploading, rec.Status, "shutdown leaves uploads resumable")

	_, err = engine.Start(context.Background(), port.StartRequest{Source: port.SourceDescriptor{Path: "/media/clip.mp4"}})
	assert.ErrorIs(t, err, ErrEngineStopped)
}
