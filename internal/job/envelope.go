// Package job defines the versioned envelope that carries work through the
// queues and the closed set of payloads it can hold.
package job

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the only envelope version this build reads and writes.
const Version = "job_v1"

var (
	// ErrMalformedBody means the message body is not a JSON object.
	ErrMalformedBody = errors.New("malformed message body")
	// ErrInvalidEnvelope means a required field is missing or wrong.
	ErrInvalidEnvelope = errors.New("invalid job envelope")
	// ErrUnknownJobType means the envelope is well formed but its type is not
	// one this build handles.
	ErrUnknownJobType = fmt.Errorf("%w: unknown job type", ErrInvalidEnvelope)
)

// Envelope wraps a payload with routing and tracing metadata.
type Envelope struct {
	Version       string
	Type          Type
	ID            string
	CorrelationID string
	EnqueuedAt    time.Time
	// Attempt is the producer-side attempt counter; zero when unset.
	Attempt int
	Meta    map[string]string
	Payload Payload
}

type wireEnvelope struct {
	Version       string            `json:"version"`
	JobType       Type              `json:"job_type"`
	JobID         string            `json:"job_id"`
	CorrelationID string            `json:"correlation_id"`
	EnqueuedAt    *time.Time        `json:"enqueued_at"`
	Attempt       int               `json:"attempt,omitempty"`
	Meta          map[string]string `json:"meta,omitempty"`
	Payload       json.RawMessage   `json:"payload"`
}

// New builds an envelope for payload. An empty correlationID defaults to the
// new job id.
func New(payload Payload, correlationID string) *Envelope {
	id := uuid.NewString()
	if correlationID == "" {
		correlationID = id
	}
	return &Envelope{
		Version:       Version,
		Type:          payload.Kind(),
		ID:            id,
		CorrelationID: correlationID,
		EnqueuedAt:    time.Now().UTC(),
		Payload:       payload,
	}
}

// FollowUp builds a child envelope that keeps the parent's correlation id.
func FollowUp(parent *Envelope, payload Payload) *Envelope {
	child := New(payload, parent.CorrelationID)
	child.Meta = map[string]string{"parent_job_id": parent.ID}
	return child
}

// Encode renders env in wire format.
func Encode(env *Envelope) ([]byte, error) {
	if env == nil || env.Payload == nil {
		return nil, fmt.Errorf("encode envelope: %w: missing payload", ErrInvalidEnvelope)
	}
	if err := env.Payload.validate(); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	enqueuedAt := env.EnqueuedAt.UTC()
	version := env.Version
	if version == "" {
		version = Version
	}

	body, err := json.Marshal(wireEnvelope{
		Version:       version,
		JobType:       env.Payload.Kind(),
		JobID:         env.ID,
		CorrelationID: env.CorrelationID,
		EnqueuedAt:    &enqueuedAt,
		Attempt:       env.Attempt,
		Meta:          env.Meta,
		Payload:       payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return body, nil
}

// Decode parses a wire body. Errors match ErrMalformedBody when the body is
// not a JSON object, ErrUnknownJobType for an unrecognised type, and
// ErrInvalidEnvelope for everything else wrong with a parsed envelope.
func Decode(body []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, ErrMalformedBody
	}

	var w wireEnvelope
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}

	if err := w.checkRequired(); err != nil {
		return nil, err
	}

	payload, err := decodePayload(w.JobType, w.Payload)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Version:       w.Version,
		Type:          w.JobType,
		ID:            w.JobID,
		CorrelationID: w.CorrelationID,
		EnqueuedAt:    w.EnqueuedAt.UTC(),
		Attempt:       w.Attempt,
		Meta:          w.Meta,
		Payload:       payload,
	}, nil
}

func (w *wireEnvelope) checkRequired() error {
	switch {
	case w.Version != Version:
		return fmt.Errorf("%w: version %q", ErrInvalidEnvelope, w.Version)
	case w.JobType == "":
		return fmt.Errorf("%w: job_type is required", ErrInvalidEnvelope)
	case w.JobID == "":
		return fmt.Errorf("%w: job_id is required", ErrInvalidEnvelope)
	case w.CorrelationID == "":
		return fmt.Errorf("%w: correlation_id is required", ErrInvalidEnvelope)
	case w.EnqueuedAt == nil:
		return fmt.Errorf("%w: enqueued_at is required", ErrInvalidEnvelope)
	case w.Attempt < 0:
		return fmt.Errorf("%w: attempt must not be negative", ErrInvalidEnvelope)
	case len(w.Payload) == 0 || string(w.Payload) == "null":
		return fmt.Errorf("%w: payload is required", ErrInvalidEnvelope)
	}
	return nil
}
