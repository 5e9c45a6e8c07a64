package port

import (
	"context"
	"time"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/domain"
)

//go:generate mockgen -destination=../service/mocks/ledger_mock.go -package=mocks -source=ledger.go

// Ledger is the durable local store of upload state.
type Ledger interface {
	// Create persists a new record. It fails if the id already exists.
	Create(ctx context.Context, rec *domain.UploadRecord) error

	// Get returns the last committed version of a record or domain.ErrUploadNotFound.
	Get(ctx context.Context, id string) (*domain.UploadRecord, error)

	// Update replaces a record.
	Update(ctx context.Context, rec *domain.UploadRecord) error

	// Delete removes a record together with its parts and analytics events.
	Delete(ctx context.Context, id string) error

	// List returns every record, newest first.
	List(ctx context.Context) ([]*domain.UploadRecord, error)

	// ListActive returns records in a non-terminal status.
	ListActive(ctx context.Context) ([]*domain.UploadRecord, error)

	// ListByStatus returns records in the given status.
	ListByStatus(ctx context.Context, status domain.UploadStatus) ([]*domain.UploadRecord, error)

	// UpdateProgress atomically raises the stored progress. Lower values are ignored.
	UpdateProgress(ctx context.Context, id string, progress float64) error

	// MarkPartComplete adds the part to the completed set and stores its result in one batch.
	MarkPartComplete(ctx context.Context, id string, result domain.PartResult) (*domain.UploadRecord, error)

	// Parts returns the stored part results of an active upload.
	Parts(ctx context.Context, id string) ([]domain.PartResult, error)

	// MarkComplete sets status completed and clears transient part state.
	MarkComplete(ctx context.Context, id string) (*domain.UploadRecord, error)

	// MarkFailed increments the retry counter and stores the last error.
	MarkFailed(ctx context.Context, id string, errMsg string) (*domain.UploadRecord, error)

	// Prune deletes terminal records older than terminalAge and non-terminal
	// records untouched for staleAge. It returns the deleted ids.
	Prune(ctx context.Context, now time.Time, terminalAge, staleAge time.Duration) ([]string, error)

	// RecordEvent appends an analytics event for an upload.
	RecordEvent(ctx context.Context, ev domain.AnalyticsEvent) error

	// Events returns the analytics events of an upload in append order.
	Events(ctx context.Context, id string) ([]domain.AnalyticsEvent, error)

	// Degraded reports whether the ledger fell back to memory-only operation.
	Degraded() bool

	Close() error
}
