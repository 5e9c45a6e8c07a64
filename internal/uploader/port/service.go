package port

import (
	"context"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/domain"
)

//go:generate mockgen -destination=../service/mocks/engine_mock.go -package=mocks -source=service.go

// EventHandler receives upload events. Handlers run on the event dispatcher
// goroutine and must not block for long.
type EventHandler func(domain.Event)

// StartOptions tunes one upload.
type StartOptions struct {
	MaxRetries  int `json:"max_retries,omitempty"`
	Concurrency int `json:"concurrency,omitempty"`
}

// StartRequest asks the engine to upload a source to a destination.
type StartRequest struct {
	Source        SourceDescriptor `json:"source"`
	DestinationID string           `json:"destination_id"`
	UserID        string           `json:"user_id"`
	Credential    string           `json:"-"`
	Options       StartOptions     `json:"options"`
}

// Engine is the public facade of the upload engine.
type Engine interface {
	// Start registers an upload and returns its id without waiting for any transfer.
	Start(ctx context.Context, req StartRequest) (string, error)

	// Pause stops dispatching parts and aborts in-flight ones. Completed parts are kept.
	Pause(ctx context.Context, id string) error

	// Resume re-plans and continues from the completed-part set.
	Resume(ctx context.Context, id string) error

	// Cancel aborts the upload and removes its record.
	Cancel(ctx context.Context, id string) error

	// Subscribe registers a handler for one event type.
	Subscribe(eventType domain.EventType, handler EventHandler) (unsubscribe func())

	// Get returns the current record of an upload.
	Get(ctx context.Context, id string) (*domain.UploadRecord, error)

	// List returns every known upload.
	List(ctx context.Context) ([]*domain.UploadRecord, error)

	// Events returns the analytics trail of an upload.
	Events(ctx context.Context, id string) ([]domain.AnalyticsEvent, error)
}
