package service

import (
	"sync"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/domain"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/port"
	"github.com/anthanhphan/gosdk/logger"
	"github.com/google/uuid"
)

type subscription struct {
	id      string
	handler port.EventHandler
}

// EventBus fans events out to per-type subscribers. A panicking handler is
// logged and does not affect other handlers.
type EventBus struct {
	mu   sync.RWMutex
	subs map[domain.EventType][]subscription
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[domain.EventType][]subscription)}
}

func (b *EventBus) Subscribe(eventType domain.EventType, handler port.EventHandler) func() {
	if handler == nil {
		return func() {}
	}
	sub := subscription{id: uuid.NewString(), handler: handler}

	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(eventType, sub.id) })
	}
}

// SubscribeAll registers handler for every event type.
func (b *EventBus) SubscribeAll(handler port.EventHandler) func() {
	unsubs := make([]func(), 0, len(domain.AllEventTypes))
	for _, t := range domain.AllEventTypes {
		unsubs = append(unsubs, b.Subscribe(t, handler))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (b *EventBus) remove(eventType domain.EventType, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[eventType]
	for i, s := range subs {
		if s.id == id {
			b.subs[eventType] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish calls every handler of the event's type in subscription order.
func (b *EventBus) Publish(ev domain.Event) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[ev.Type()]...)
	b.mu.RUnlock()

	for _, s := range subs {
		b.dispatch(s, ev)
	}
}

func (b *EventBus) dispatch(s subscription, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorw("Event handler panicked",
				"event", string(ev.Type()),
				"upload_id", ev.Upload(),
				"subscription", s.id,
				"panic", r,
			)
		}
	}()
	s.handler(ev)
}
