package port

import (
	"context"
	"io"
	"time"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/domain"
)

//go:generate mockgen -destination=../service/mocks/destination_mock.go -package=mocks -source=destination.go

// PartTarget is the pre-authorized capability for transferring one part.
type PartTarget struct {
	PartIndex int               `json:"part_index"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// Authorization is the destination's answer to a pre-authorization request.
type Authorization struct {
	TransferHandle string       `json:"transfer_handle"`
	StoragePath    string       `json:"storage_path"`
	PartSize       int64        `json:"part_size"`
	TotalParts     int          `json:"total_parts"`
	Targets        []PartTarget `json:"targets"`
	FinalizeURL    string       `json:"finalize_url,omitempty"`
	ExpiresAt      time.Time    `json:"expires_at"`
}

// Target returns the capability of a part.
func (a *Authorization) Target(partIndex int) (PartTarget, bool) {
	if a == nil {
		return PartTarget{}, false
	}
	for _, t := range a.Targets {
		if t.PartIndex == partIndex {
			return t, true
		}
	}
	return PartTarget{}, false
}

// ExpiresWithin reports whether the capability expires before now+skew.
func (a *Authorization) ExpiresWithin(now time.Time, skew time.Duration) bool {
	if a == nil {
		return true
	}
	if a.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(a.ExpiresAt)
}

// AuthorizeRequest describes the upload to pre-authorize. TransferHandle and
// StoragePath are set when refreshing an existing transfer.
type AuthorizeRequest struct {
	UploadID       string
	FileName       string
	FileSize       int64
	MimeType       string
	PartSize       int64
	DestinationID  string
	UserID         string
	Credential     string
	TransferHandle string
	StoragePath    string
}

// FinalizeRequest completes or aborts a transfer.
type FinalizeRequest struct {
	UploadID       string
	TransferHandle string
	StoragePath    string
	FinalizeURL    string
	Credential     string
	Parts          []domain.PartResult
}

// Destination is the pre-authorization service of the remote object store.
type Destination interface {
	// Authorize starts a transfer and returns one capability per part.
	Authorize(ctx context.Context, req AuthorizeRequest) (*Authorization, error)

	// Refresh re-issues capabilities for an existing transfer handle.
	Refresh(ctx context.Context, req AuthorizeRequest) (*Authorization, error)

	// Complete finalizes the transfer from the collected part results and returns the storage path.
	Complete(ctx context.Context, req FinalizeRequest) (string, error)

	// Abort discards a transfer that will never complete.
	Abort(ctx context.Context, req FinalizeRequest) error
}

// PartTransport performs the byte transfer of one part against its capability.
type PartTransport interface {
	// Put sends size bytes from body and returns the destination's integrity tag.
	Put(ctx context.Context, target PartTarget, body io.Reader, size int64) (string, error)
}
