package service

import (
	"errors"
	"fmt"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/domain"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/port"
	"github.com/vmihailenco/msgpack/v5"
)

// MessageKind names the payload carried by an envelope.
type MessageKind string

const (
	// facade to worker
	KindStart   MessageKind = "start"
	KindPause   MessageKind = "pause"
	KindResume  MessageKind = "resume"
	KindCancel  MessageKind = "cancel"
	KindNetwork MessageKind = "network"

	// worker to facade
	KindAck   MessageKind = "ack"
	KindEvent MessageKind = "event"
)

// Envelope is the only value that crosses between the facade and the engine
// worker. It is always passed encoded, so neither side can share references.
type Envelope struct {
	Kind          MessageKind        `msgpack:"kind"`
	CorrelationID string             `msgpack:"cid,omitempty"`
	Payload       msgpack.RawMessage `msgpack:"payload,omitempty"`
}

type startCommand struct {
	Source        port.SourceDescriptor `msgpack:"source"`
	DestinationID string                `msgpack:"destination_id"`
	UserID        string                `msgpack:"user_id"`
	Credential    string                `msgpack:"credential"`
	MaxRetries    int                   `msgpack:"max_retries"`
	Concurrency   int                   `msgpack:"concurrency"`
}

type controlCommand struct {
	UploadID string `msgpack:"upload_id"`
}

type networkCommand struct {
	Online bool `msgpack:"online"`
}

// ackMessage answers a command. Code carries the error class so the facade can
// rebuild a sentinel callers can match with errors.Is.
type ackMessage struct {
	UploadID string `msgpack:"upload_id,omitempty"`
	Code     string `msgpack:"code,omitempty"`
	Error    string `msgpack:"error,omitempty"`
}

type eventMessage struct {
	Type  domain.EventType   `msgpack:"type"`
	Event msgpack.RawMessage `msgpack:"event"`
}

func encodeEnvelope(kind MessageKind, cid string, payload any) ([]byte, error) {
	env := Envelope{Kind: kind, CorrelationID: cid}
	if payload != nil {
		raw, err := msgpack.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", kind, err)
		}
		env.Payload = raw
	}
	return msgpack.Marshal(&env)
}

func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return env, nil
}

func decodePayload(env Envelope, out any) error {
	if err := msgpack.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", env.Kind, err)
	}
	return nil
}

func encodeEvent(ev domain.Event) (eventMessage, error) {
	raw, err := msgpack.Marshal(ev)
	if err != nil {
		return eventMessage{}, fmt.Errorf("failed to encode %s event: %w", ev.Type(), err)
	}
	return eventMessage{Type: ev.Type(), Event: raw}, nil
}

func decodeEvent(msg eventMessage) (domain.Event, error) {
	var ev domain.Event
	var err error
	switch msg.Type {
	case domain.EventStarted:
		ev, err = decodeAs[domain.StartedEvent](msg.Event)
	case domain.EventProgress:
		ev, err = decodeAs[domain.ProgressEvent](msg.Event)
	case domain.EventPaused:
		ev, err = decodeAs[domain.PausedEvent](msg.Event)
	case domain.EventResumed:
		ev, err = decodeAs[domain.ResumedEvent](msg.Event)
	case domain.EventCompleted:
		ev, err = decodeAs[domain.CompletedEvent](msg.Event)
	case domain.EventFailed:
		ev, err = decodeAs[domain.FailedEvent](msg.Event)
	case domain.EventCancelled:
		ev, err = decodeAs[domain.CancelledEvent](msg.Event)
	default:
		return nil, fmt.Errorf("unknown event type %q", msg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", msg.Type, err)
	}
	return ev, nil
}

func decodeAs[T domain.Event](raw []byte) (domain.Event, error) {
	var e T
	if err := msgpack.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return e, nil
}

const (
	codeNotFound          = "not_found"
	codeInvalidTransition = "invalid_transition"
	codeLedger            = "ledger_unavailable"
	codeBadRequest        = "bad_request"
	codeInternal          = "internal"
)

func ackFor(id string, err error) ackMessage {
	ack := ackMessage{UploadID: id}
	if err == nil {
		return ack
	}
	ack.Error = err.Error()
	switch {
	case errors.Is(err, domain.ErrUploadNotFound):
		ack.Code = codeNotFound
	case errors.Is(err, domain.ErrInvalidTransition):
		ack.Code = codeInvalidTransition
	case errors.Is(err, domain.ErrLedgerUnavailable):
		ack.Code = codeLedger
	case errors.Is(err, domain.ErrBadRequest):
		ack.Code = codeBadRequest
	default:
		ack.Code = codeInternal
	}
	return ack
}

// ackError rebuilds the error an ack carries.
func ackError(ack ackMessage) error {
	if ack.Error == "" && ack.Code == "" {
		return nil
	}
	var sentinel error
	switch ack.Code {
	case codeNotFound:
		sentinel = domain.ErrUploadNotFound
	case codeInvalidTransition:
		sentinel = domain.ErrInvalidTransition
	case codeLedger:
		sentinel = domain.ErrLedgerUnavailable
	case codeBadRequest:
		sentinel = domain.ErrBadRequest
	default:
		return errors.New(ack.Error)
	}
	if ack.Error == sentinel.Error() {
		return sentinel
	}
	return &remoteError{msg: ack.Error, sentinel: sentinel}
}

type remoteError struct {
	msg      string
	sentinel error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }
