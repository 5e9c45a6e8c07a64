package port

import (
	"context"
	"io"
	"time"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/domain"
)

//go:generate mockgen -destination=../service/mocks/system_mock.go -package=mocks -source=system.go

// Prober performs a lightweight reachability check.
type Prober interface {
	// Probe returns the round-trip time of one reachability request.
	Probe(ctx context.Context) (time.Duration, error)
}

// SystemStats samples host resource usage.
type SystemStats interface {
	// Sample returns CPU and memory utilization in percent.
	Sample(ctx context.Context) (cpuPercent, memPercent float64, err error)
}

// WakeLock keeps the host from idling while large transfers run.
type WakeLock interface {
	Acquire(ctx context.Context, holder string) error
	Release(holder string)
}

// CompletionReporter hands a finalized upload to the record-creation layer.
type CompletionReporter interface {
	Report(ctx context.Context, c domain.Completion) error
}

// CredentialSource supplies the bearer credential of a user, used when
// uploads are resumed after a restart.
type CredentialSource interface {
	Credential(ctx context.Context, userID string) (string, error)
}

// SourceDescriptor identifies the bytes to upload.
type SourceDescriptor struct {
	Path     string `json:"path"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
}

// Source is an opened upload source. Parts read it concurrently at their offsets.
type Source interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

// SourceOpener resolves upload sources.
type SourceOpener interface {
	// Describe stats the source and detects its content type.
	Describe(ctx context.Context, path string) (SourceDescriptor, error)

	// Open returns a reader over the source bytes.
	Open(ctx context.Context, desc SourceDescriptor) (Source, error)
}
