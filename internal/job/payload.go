package job

import (
	"encoding/json"
	"fmt"
)

// Type is the envelope's job_type tag.
type Type string

const (
	TypeExtractEvent Type = "extract_event"
	TypeClusterEvent Type = "cluster_event"
)

// Types lists every job type this build understands.
func Types() []Type {
	return []Type{TypeExtractEvent, TypeClusterEvent}
}

// Payload is implemented only by the payload types in this package. Consumers
// switch over the concrete types.
type Payload interface {
	Kind() Type
	validate() error
}

// ExtractPayload asks for a source document to be turned into an event.
type ExtractPayload struct {
	SourceID string `json:"source_id"`
	// Force re-extracts even when an extraction already exists.
	Force bool `json:"force,omitempty"`
	// CapabilityHint selects a specific extraction provider.
	CapabilityHint string `json:"capability_hint,omitempty"`
}

// Kind implements Payload.
func (ExtractPayload) Kind() Type { return TypeExtractEvent }

func (p ExtractPayload) validate() error {
	if p.SourceID == "" {
		return fmt.Errorf("%w: payload.source_id is required", ErrInvalidEnvelope)
	}
	return nil
}

// ClusterPayload asks for a newly created event to be deduplicated.
type ClusterPayload struct {
	EventID string `json:"event_id"`
}

// Kind implements Payload.
func (ClusterPayload) Kind() Type { return TypeClusterEvent }

func (p ClusterPayload) validate() error {
	if p.EventID == "" {
		return fmt.Errorf("%w: payload.event_id is required", ErrInvalidEnvelope)
	}
	return nil
}

func decodePayload(t Type, raw json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)

	switch t {
	case TypeExtractEvent:
		var v ExtractPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeClusterEvent:
		var v ClusterPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, t)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: payload: %w", ErrInvalidEnvelope, err)
	}
	if validErr := p.validate(); validErr != nil {
		return nil, validErr
	}
	return p, nil
}
