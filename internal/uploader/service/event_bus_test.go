package service

import (
	"testing"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/domain"
	"github.com/stretchr/testify/assert"
)

func TestEventBusDeliversByType(t *testing.T) {
	bus := NewEventBus()
	var started, all []string

	bus.Subscribe(domain.EventStarted, func(ev domain.Event) { started = append(started, ev.Upload()) })
	unsubscribe := bus.SubscribeAll(func(ev domain.Event) { all = append(all, string(ev.Type())) })

	bus.Publish(domain.StartedEvent{UploadID: "1"})
	bus.Publish(domain.PausedEvent{UploadID: "1", Reason: domain.PauseUser})
	unsubscribe()
	bus.Publish(domain.StartedEvent{UploadID: "2"})

	assert.Equal(t, []string{"1", "2"}, started)
	assert.Equal(t, []string{"started", "paused"}, all)
}

func TestEventBusRecoversPanics(t *testing.T) {
	bus := NewEventBus()
	delivered := 0
	bus.Subscribe(domain.EventFailed, func(domain.Event) { panic("handler bug") })
	bus.Subscribe(domain.EventFailed, func(domain.Event) { delivered++ })

	assert.NotPanics(t, func() {
		bus.Publish(domain.FailedEvent{UploadID: "1", Error: "boom"})
	})
	assert.Equal(t, 1, delivered)
}

func TestEventBusUnsubscribeIsIdempotent(t *testing.T) {
	bus := NewEventBus()
	calls := 0
	first := bus.Subscribe(domain.EventCancelled, func(domain.Event) { calls++ })
	bus.Subscribe(domain.EventCancelled, func(domain.Event) { calls += 10 })

	first()
	first()
	bus.Publish(domain.CancelledEvent{UploadID: "1"})
	assert.Equal(t, 10, calls)
}
