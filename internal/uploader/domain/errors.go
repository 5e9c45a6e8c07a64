package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUploadNotFound    = errors.New("upload not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// Non-retryable destination failures.
	ErrUnauthorized     = errors.New("destination rejected credentials")
	ErrBadRequest       = errors.New("destination rejected malformed request")
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrUnsupportedMedia = errors.New("unsupported media type")

	// Retryable destination failures.
	ErrCapabilityExpired = errors.New("upload capability expired")
	ErrStalled           = errors.New("part transfer stalled")
	ErrTransient         = errors.New("transient transfer failure")

	ErrPaused = errors.New("upload paused")
)

// TransferError describes a failed call against the destination.
type TransferError struct {
	Op         string
	Part       int
	StatusCode int
	Err        error
}

func (e *TransferError) Error() string {
	if e.Part > 0 {
		if e.StatusCode > 0 {
			return fmt.Sprintf("%s part %d: status %d: %v", e.Op, e.Part, e.StatusCode, e.Err)
		}
		return fmt.Sprintf("%s part %d: %v", e.Op, e.Part, e.Err)
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// ClassifyStatus maps an HTTP status code from the destination to the error taxonomy.
func ClassifyStatus(code int) error {
	switch {
	case code == 401 || code == 403:
		return ErrUnauthorized
	case code == 400:
		return ErrBadRequest
	case code == 413:
		return ErrPayloadTooLarge
	case code == 415:
		return ErrUnsupportedMedia
	default:
		return ErrTransient
	}
}

// IsRetryable reports whether err may succeed when attempted again.
// Cancellation, a vanished record and the closed set of request-level
// rejections are not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsCancellation(err) {
		return false
	}
	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrBadRequest),
		errors.Is(err, ErrPayloadTooLarge),
		errors.Is(err, ErrUnsupportedMedia),
		errors.Is(err, ErrUploadNotFound):
		return false
	}
	return true
}

// IsCancellation reports whether err stems from a cancel or pause request rather than a failure.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, ErrPaused)
}
