package domain

import "time"

// EventType names one variant of the upload event stream.
type EventType string

const (
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventPaused    EventType = "paused"
	EventResumed   EventType = "resumed"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// AllEventTypes lists every variant, in lifecycle order.
var AllEventTypes = []EventType{
	EventStarted, EventProgress, EventPaused, EventResumed, EventCompleted, EventFailed, EventCancelled,
}

// Event is the closed set of upload events. Only the types in this file implement it.
type Event interface {
	Type() EventType
	Upload() string
	isEvent()
}

// StartedEvent is emitted once the first transfer attempt for an upload begins.
type StartedEvent struct {
	UploadID   string   `json:"upload_id" msgpack:"upload_id"`
	FileName   string   `json:"file_name" msgpack:"file_name"`
	FileSize   int64    `json:"file_size" msgpack:"file_size"`
	TotalParts int      `json:"total_parts" msgpack:"total_parts"`
	PartSize   int64    `json:"part_size" msgpack:"part_size"`
	Strategy   Strategy `json:"strategy" msgpack:"strategy"`
}

// ProgressEvent carries cumulative bytes; BytesSent never decreases for one upload.
type ProgressEvent struct {
	UploadID      string        `json:"upload_id" msgpack:"upload_id"`
	BytesSent     int64         `json:"bytes_sent" msgpack:"bytes_sent"`
	TotalBytes    int64         `json:"total_bytes" msgpack:"total_bytes"`
	Percentage    float64       `json:"percentage" msgpack:"percentage"`
	Speed         float64       `json:"speed" msgpack:"speed"`
	TimeRemaining time.Duration `json:"time_remaining" msgpack:"time_remaining"`
}

// PausedEvent reports a stop that is not a failure.
type PausedEvent struct {
	UploadID string      `json:"upload_id" msgpack:"upload_id"`
	Reason   PauseReason `json:"reason" msgpack:"reason"`
}

// ResumedEvent reports a restart from the completed-part set.
type ResumedEvent struct {
	UploadID       string `json:"upload_id" msgpack:"upload_id"`
	CompletedParts int    `json:"completed_parts" msgpack:"completed_parts"`
	TotalParts     int    `json:"total_parts" msgpack:"total_parts"`
}

// CompletedEvent reports the finalized upload.
type CompletedEvent struct {
	UploadID     string        `json:"upload_id" msgpack:"upload_id"`
	StoragePath  string        `json:"storage_path" msgpack:"storage_path"`
	Duration     time.Duration `json:"duration" msgpack:"duration"`
	AverageSpeed float64       `json:"average_speed" msgpack:"average_speed"`
}

// FailedEvent reports a failure. Exhausted is true when the retry budget ran
// out and false when the error was not retryable in the first place.
type FailedEvent struct {
	UploadID  string `json:"upload_id" msgpack:"upload_id"`
	Error     string `json:"error" msgpack:"error"`
	Exhausted bool   `json:"exhausted" msgpack:"exhausted"`
}

// CancelledEvent is the terminal event after cancel.
type CancelledEvent struct {
	UploadID string `json:"upload_id" msgpack:"upload_id"`
}

func (StartedEvent) Type() EventType   { return EventStarted }
func (ProgressEvent) Type() EventType  { return EventProgress }
func (PausedEvent) Type() EventType    { return EventPaused }
func (ResumedEvent) Type() EventType   { return EventResumed }
func (CompletedEvent) Type() EventType { return EventCompleted }
func (FailedEvent) Type() EventType    { return EventFailed }
func (CancelledEvent) Type() EventType { return EventCancelled }

func (e StartedEvent) Upload() string   { return e.UploadID }
func (e ProgressEvent) Upload() string  { return e.UploadID }
func (e PausedEvent) Upload() string    { return e.UploadID }
func (e ResumedEvent) Upload() string   { return e.UploadID }
func (e CompletedEvent) Upload() string { return e.UploadID }
func (e FailedEvent) Upload() string    { return e.UploadID }
func (e CancelledEvent) Upload() string { return e.UploadID }

func (StartedEvent) isEvent()   {}
func (ProgressEvent) isEvent()  {}
func (PausedEvent) isEvent()    {}
func (ResumedEvent) isEvent()   {}
func (CompletedEvent) isEvent() {}
func (FailedEvent) isEvent()    {}
func (CancelledEvent) isEvent() {}

// Completion is reported to the record-creation layer once an upload is finalized.
type Completion struct {
	UploadID                string `json:"upload_id"`
	StoragePath             string `json:"storage_path"`
	DurationMs              int64  `json:"duration_ms"`
	AverageSpeedBytesPerSec int64  `json:"average_speed_bytes_per_sec"`
	TotalParts              int    `json:"total_parts"`
	CompletedParts          int    `json:"completed_parts"`
	UserID                  string `json:"user_id,omitempty"`
	DestinationID           string `json:"destination_id,omitempty"`
	ManifestRoot            string `json:"manifest_root,omitempty"`
}
