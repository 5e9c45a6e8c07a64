package domain

import (
	"fmt"
	"sort"
	"time"
)

// UploadStatus is the lifecycle state of one upload.
type UploadStatus string

const (
	StatusPending   UploadStatus = "pending"
	StatusUploading UploadStatus = "uploading"
	StatusPaused    UploadStatus = "paused"
	StatusCompleted UploadStatus = "completed"
	StatusFailed    UploadStatus = "failed"
	StatusCancelled UploadStatus = "cancelled"
)

// PauseReason records who paused an upload so that reconnection only resumes
// uploads the engine paused itself.
type PauseReason string

const (
	PauseNone    PauseReason = ""
	PauseUser    PauseReason = "user"
	PauseNetwork PauseReason = "network"
)

// IsTerminal reports whether no further automatic transition can leave the status.
func (s UploadStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Expired reports whether a record is old enough to prune: terminal records
// after terminalAge, others once untouched for staleAge. A zero age disables that rule.
func (r *UploadRecord) Expired(now time.Time, terminalAge, staleAge time.Duration) bool {
	age := now.Sub(r.UpdatedAt)
	if r.Status.IsTerminal() {
		return terminalAge > 0 && age > terminalAge
	}
	return staleAge > 0 && age > staleAge
}

var transitions = map[UploadStatus][]UploadStatus{
	StatusPending:   {StatusUploading, StatusPaused, StatusCancelled, StatusFailed},
	StatusUploading: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:    {StatusUploading, StatusCancelled, StatusFailed},
	StatusFailed:    {StatusUploading, StatusCancelled},
}

// CanTransition reports whether moving from one status to another is allowed.
func CanTransition(from, to UploadStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// UploadMetadata is the bag of ownership and destination details kept with a record.
type UploadMetadata struct {
	UserID         string `json:"user_id" msgpack:"user_id"`
	DestinationID  string `json:"destination_id" msgpack:"destination_id"`
	StoragePath    string `json:"storage_path,omitempty" msgpack:"storage_path"`
	TransferHandle string `json:"transfer_handle,omitempty" msgpack:"transfer_handle"`
	SourcePath     string `json:"source_path,omitempty" msgpack:"source_path"`
}

// UploadRecord is the durable state of one upload.
type UploadRecord struct {
	ID             string         `json:"id" msgpack:"id"`
	FileName       string         `json:"file_name" msgpack:"file_name"`
	FileSize       int64          `json:"file_size" msgpack:"file_size"`
	MimeType       string         `json:"mime_type" msgpack:"mime_type"`
	PartSize       int64          `json:"part_size" msgpack:"part_size"`
	TotalParts     int            `json:"total_parts" msgpack:"total_parts"`
	CompletedParts []int          `json:"completed_parts" msgpack:"completed_parts"`
	Progress       float64        `json:"progress" msgpack:"progress"`
	Status         UploadStatus   `json:"status" msgpack:"status"`
	PauseReason    PauseReason    `json:"pause_reason,omitempty" msgpack:"pause_reason"`
	RetryCount     int            `json:"retry_count" msgpack:"retry_count"`
	MaxRetries     int            `json:"max_retries" msgpack:"max_retries"`
	CreatedAt      time.Time      `json:"created_at" msgpack:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" msgpack:"updated_at"`
	LastError      string         `json:"last_error,omitempty" msgpack:"last_error"`
	Metadata       UploadMetadata `json:"metadata" msgpack:"metadata"`
}

// Clone returns a deep copy safe to hand across goroutines.
func (r *UploadRecord) Clone() *UploadRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.CompletedParts = append([]int(nil), r.CompletedParts...)
	return &cp
}

// HasPart reports whether the part index is already in the completed set.
func (r *UploadRecord) HasPart(index int) bool {
	for _, p := range r.CompletedParts {
		if p == index {
			return true
		}
	}
	return false
}

// AddPart inserts a part index into the completed set. It returns false when the
// index is out of range or already present.
func (r *UploadRecord) AddPart(index int) bool {
	if index < 1 || index > r.TotalParts || r.HasPart(index) {
		return false
	}
	r.CompletedParts = append(r.CompletedParts, index)
	r.Progress = r.computeProgress()
	return true
}

// PendingParts returns the part indices not yet completed, in ascending order.
func (r *UploadRecord) PendingParts() []int {
	done := make(map[int]struct{}, len(r.CompletedParts))
	for _, p := range r.CompletedParts {
		done[p] = struct{}{}
	}
	pending := make([]int, 0, r.TotalParts-len(done))
	for i := 1; i <= r.TotalParts; i++ {
		if _, ok := done[i]; !ok {
			pending = append(pending, i)
		}
	}
	return pending
}

// IsFullyTransferred reports whether the completed set equals {1..TotalParts}.
func (r *UploadRecord) IsFullyTransferred() bool {
	if r.TotalParts <= 0 || len(r.CompletedParts) != r.TotalParts {
		return false
	}
	seen := make(map[int]struct{}, len(r.CompletedParts))
	for _, p := range r.CompletedParts {
		if p < 1 || p > r.TotalParts {
			return false
		}
		seen[p] = struct{}{}
	}
	return len(seen) == r.TotalParts
}

// CompletedBytes sums the byte length of every completed part.
func (r *UploadRecord) CompletedBytes() int64 {
	var total int64
	for _, p := range r.CompletedParts {
		total += PartLength(r.FileSize, r.PartSize, p)
	}
	return total
}

func (r *UploadRecord) computeProgress() float64 {
	if r.FileSize <= 0 {
		if r.IsFullyTransferred() {
			return 100
		}
		return 0
	}
	pct := float64(r.CompletedBytes()) / float64(r.FileSize) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// SortedParts returns the completed set in ascending order.
func (r *UploadRecord) SortedParts() []int {
	parts := append([]int(nil), r.CompletedParts...)
	sort.Ints(parts)
	return parts
}

// Transition moves the record to a new status, enforcing the state machine.
func (r *UploadRecord) Transition(to UploadStatus, now time.Time) error {
	if r.Status == to {
		return nil
	}
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	r.Status = to
	if to != StatusPaused {
		r.PauseReason = PauseNone
	}
	r.UpdatedAt = now
	return nil
}

// PartCount returns the number of parts a file of the given size splits into.
// An empty file is still transferred as one (empty) part.
func PartCount(fileSize, partSize int64) int {
	if partSize <= 0 {
		return 0
	}
	if fileSize <= 0 {
		return 1
	}
	return int((fileSize + partSize - 1) / partSize)
}

// PartLength returns the byte length of a 1-based part index.
func PartLength(fileSize, partSize int64, index int) int64 {
	count := PartCount(fileSize, partSize)
	if index < 1 || index > count {
		return 0
	}
	if index < count {
		return partSize
	}
	last := fileSize - int64(count-1)*partSize
	if last < 0 {
		return 0
	}
	return last
}

// PartOffset returns the byte offset of a 1-based part index.
func PartOffset(partSize int64, index int) int64 {
	return int64(index-1) * partSize
}

// PartResult is the outcome of transferring one part.
type PartResult struct {
	PartIndex        int    `json:"part_index" msgpack:"part_index"`
	IntegrityTag     string `json:"integrity_tag" msgpack:"integrity_tag"`
	BytesTransferred int64  `json:"bytes_transferred" msgpack:"bytes_transferred"`
}

// AnalyticsEvent is a lightweight lifecycle fact stored per upload.
type AnalyticsEvent struct {
	UploadID   string    `json:"upload_id" msgpack:"upload_id"`
	Kind       string    `json:"kind" msgpack:"kind"`
	At         time.Time `json:"at" msgpack:"at"`
	DurationMs int64     `json:"duration_ms,omitempty" msgpack:"duration_ms"`
	RetryCount int       `json:"retry_count" msgpack:"retry_count"`
	Bytes      int64     `json:"bytes,omitempty" msgpack:"bytes"`
}
