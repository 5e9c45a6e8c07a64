package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/config"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/domain"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/port"
	"github.com/anthanhphan/gosdk/logger"
	"github.com/google/uuid"
)

var ErrEngineStopped = errors.New("upload engine is not running")

const inboxSize = 64

var _ port.Engine = (*Orchestrator)(nil)

// Orchestrator is the caller-facing side of the engine. It never touches upload
// state directly: commands go to the engine worker as encoded envelopes and
// results come back as acks and events.
type Orchestrator struct {
	ledger  port.Ledger
	monitor *NetworkMonitor
	bus     *EventBus
	worker  *engineWorker

	inbox  chan []byte
	outbox *mailbox

	mu      sync.Mutex
	pending map[string]chan ackMessage
	// ids cancelled in the batch being delivered; later events for them are dropped
	cancelled map[string]struct{}

	// latest connectivity signal, forwarded to the worker by forwardNetwork
	netOnline  atomic.Bool
	netChanged chan struct{}

	running atomic.Bool
	done    chan struct{}
}

func NewOrchestrator(cfg config.Config, deps Dependencies) (*Orchestrator, error) {
	switch {
	case deps.Ledger == nil:
		return nil, fmt.Errorf("ledger is required")
	case deps.Destination == nil:
		return nil, fmt.Errorf("destination is required")
	case deps.Transport == nil:
		return nil, fmt.Errorf("part transport is required")
	case deps.Sources == nil:
		return nil, fmt.Errorf("source opener is required")
	case deps.IDs == nil:
		return nil, fmt.Errorf("id generator is required")
	}

	inbox := make(chan []byte, inboxSize)
	outbox := newMailbox()
	worker := newEngineWorker(cfg, deps, inbox, outbox)

	return &Orchestrator{
		ledger:     deps.Ledger,
		monitor:    worker.deps.Monitor,
		bus:        NewEventBus(),
		worker:     worker,
		inbox:      inbox,
		outbox:     outbox,
		pending:    make(map[string]chan ackMessage),
		cancelled:  make(map[string]struct{}),
		netChanged: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}, nil
}

// Run starts the engine and blocks until ctx ends. Unfinished uploads are
// recovered first; on return every runner has stopped.
func (o *Orchestrator) Run(ctx context.Context) {
	if !o.running.CompareAndSwap(false, true) {
		return
	}
	defer close(o.done)

	unsubscribe := o.monitor.OnChange(o.onNetworkChange)
	defer unsubscribe()
	go o.monitor.Run(ctx)
	go o.forwardNetwork(ctx)

	stop := make(chan struct{})
	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		o.deliverLoop(stop)
	}()

	logger.Infow("Upload engine started")
	o.worker.run(ctx)

	close(stop)
	<-delivered
	logger.Infow("Upload engine stopped")
}

// Done is closed once Run has returned.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

func (o *Orchestrator) Start(ctx context.Context, req port.StartRequest) (string, error) {
	if req.Source.Path == "" {
		return "", fmt.Errorf("%w: source path is required", domain.ErrBadRequest)
	}
	ack, err := o.call(ctx, KindStart, startCommand{
		Source:        req.Source,
		DestinationID: req.DestinationID,
		UserID:        req.UserID,
		Credential:    req.Credential,
		MaxRetries:    req.Options.MaxRetries,
		Concurrency:   req.Options.Concurrency,
	})
	if err != nil {
		return "", err
	}
	return ack.UploadID, ackError(ack)
}

func (o *Orchestrator) Pause(ctx context.Context, id string) error {
	return o.control(ctx, KindPause, id)
}

func (o *Orchestrator) Resume(ctx context.Context, id string) error {
	return o.control(ctx, KindResume, id)
}

// Cancel returns once the upload is gone. No event for id is delivered afterwards.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	return o.control(ctx, KindCancel, id)
}

func (o *Orchestrator) control(ctx context.Context, kind MessageKind, id string) error {
	ack, err := o.call(ctx, kind, controlCommand{UploadID: id})
	if err != nil {
		return err
	}
	return ackError(ack)
}

func (o *Orchestrator) Subscribe(eventType domain.EventType, handler port.EventHandler) func() {
	return o.bus.Subscribe(eventType, handler)
}

// SubscribeAll registers handler for every event type.
func (o *Orchestrator) SubscribeAll(handler port.EventHandler) func() {
	return o.bus.SubscribeAll(handler)
}

func (o *Orchestrator) Get(ctx context.Context, id string) (*domain.UploadRecord, error) {
	return o.ledger.Get(ctx, id)
}

func (o *Orchestrator) List(ctx context.Context) ([]*domain.UploadRecord, error) {
	return o.ledger.List(ctx)
}

func (o *Orchestrator) Events(ctx context.Context, id string) ([]domain.AnalyticsEvent, error) {
	return o.ledger.Events(ctx, id)
}

// Network returns the current connectivity view.
func (o *Orchestrator) Network() domain.NetworkStatus {
	return o.monitor.Status()
}

// SetOnline forwards a platform connectivity signal.
func (o *Orchestrator) SetOnline(online bool) {
	o.monitor.SetOnline(online)
}

func (o *Orchestrator) call(ctx context.Context, kind MessageKind, payload any) (ackMessage, error) {
	cid := uuid.NewString()
	raw, err := encodeEnvelope(kind, cid, payload)
	if err != nil {
		return ackMessage{}, err
	}

	reply := make(chan ackMessage, 1)
	o.mu.Lock()
	o.pending[cid] = reply
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.pending, cid)
		o.mu.Unlock()
	}()

	select {
	case o.inbox <- raw:
	case <-ctx.Done():
		return ackMessage{}, ctx.Err()
	case <-o.done:
		return ackMessage{}, ErrEngineStopped
	}

	select {
	case ack := <-reply:
		return ack, nil
	case <-ctx.Done():
		return ackMessage{}, ctx.Err()
	case <-o.done:
		return ackMessage{}, ErrEngineStopped
	}
}

// onNetworkChange runs on whichever goroutine changed the monitor, part
// transfers included, so it never blocks: only the latest status is kept.
func (o *Orchestrator) onNetworkChange(status domain.NetworkStatus) {
	o.netOnline.Store(status.Online)
	select {
	case o.netChanged <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) forwardNetwork(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.netChanged:
		}

		raw, err := encodeEnvelope(KindNetwork, "", networkCommand{Online: o.netOnline.Load()})
		if err != nil {
			logger.Errorw("Failed to encode network message", "error", err.Error())
			continue
		}
		select {
		case o.inbox <- raw:
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) deliverLoop(stop <-chan struct{}) {
	for {
		select {
		case <-o.outbox.ready():
			o.deliver(o.outbox.drain())
		case <-stop:
			o.deliver(o.outbox.drain())
			return
		}
	}
}

// deliver publishes one drained batch. The worker emits nothing for an upload
// after its Cancelled event, so suppression only has to span the batch.
func (o *Orchestrator) deliver(batch [][]byte) {
	defer o.forgetCancelled()
	for _, raw := range batch {
		env, err := decodeEnvelope(raw)
		if err != nil {
			logger.Errorw("Dropping malformed engine reply", "error", err.Error())
			continue
		}

		switch env.Kind {
		case KindAck:
			var ack ackMessage
			if err := decodePayload(env, &ack); err != nil {
				logger.Errorw("Dropping malformed ack", "error", err.Error())
				continue
			}
			o.mu.Lock()
			reply, ok := o.pending[env.CorrelationID]
			o.mu.Unlock()
			if ok {
				reply <- ack
			}
		case KindEvent:
			var msg eventMessage
			if err := decodePayload(env, &msg); err != nil {
				logger.Errorw("Dropping malformed event", "error", err.Error())
				continue
			}
			ev, err := decodeEvent(msg)
			if err != nil {
				logger.Errorw("Dropping undecodable event", "type", string(msg.Type), "error", err.Error())
				continue
			}
			if o.suppressed(ev) {
				continue
			}
			o.bus.Publish(ev)
		}
	}
}

func (o *Orchestrator) forgetCancelled() {
	o.mu.Lock()
	clear(o.cancelled)
	o.mu.Unlock()
}

// suppressed drops events queued for an upload after its Cancelled event.
func (o *Orchestrator) suppressed(ev domain.Event) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, gone := o.cancelled[ev.Upload()]; gone {
		return true
	}
	if ev.Type() == domain.EventCancelled {
		o.cancelled[ev.Upload()] = struct{}{}
	}
	return false
}
