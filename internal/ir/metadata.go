package ir

import "github.com/google/uuid"

// NewRequestID generates an opaque request identifier, unique within a
// process, for frontends whose provider-shaped request doesn't carry one
// of its own (§4.1: "stamps metadata.requestId (generating one if absent)").
func NewRequestID() string {
	return uuid.NewString()
}

// NewMetadata builds a Metadata with a fresh RequestID, the given
// timestamp (ms), and frontend provenance stamped.
func NewMetadata(timestampMs int64, frontend string) Metadata {
	return Metadata{
		RequestID: NewRequestID(),
		Timestamp: timestampMs,
		Provenance: map[ProvenanceRole]string{
			ProvenanceFrontend: frontend,
		},
		Custom: map[string]any{},
	}
}
