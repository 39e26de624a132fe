package eventstore

import (
	"errors"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var (
	// ErrInvalidPayloadJSON is returned when the payload of an event is not valid JSON.
	ErrInvalidPayloadJSON = errors.New("payload json is not valid")

	// ErrInvalidMetadataJSON is returned when the metadata of an event is not valid JSON.
	ErrInvalidMetadataJSON = errors.New("metadata json is not valid")

	// ErrEmptyEventType is returned when an event has no type name.
	ErrEmptyEventType = errors.New("event type must not be empty")
)

// StorableEvent is the persisted representation of an event. It is never mutated after it was appended.
type StorableEvent struct {
	TenantID       TenantID
	StreamID       StreamID
	SequenceNumber SequenceNumber
	EventType      string
	OccurredAt     time.Time
	PayloadJSON    []byte
	MetadataJSON   []byte
}

// StorableEvents is an ordered list of StorableEvent.
type StorableEvents = []StorableEvent

// BuildStorableEvent validates the coordinates and the JSON parts and builds a StorableEvent.
func BuildStorableEvent(
	tenantID TenantID,
	streamID StreamID,
	sequenceNumber SequenceNumber,
	eventType string,
	occurredAt time.Time,
	payloadJSON []byte,
	metadataJSON []byte,
) (StorableEvent, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return StorableEvent{}, err
	}

	if err := ValidateStreamID(streamID); err != nil {
		return StorableEvent{}, err
	}

	if eventType == "" {
		return StorableEvent{}, ErrEmptyEventType
	}

	if !jsoniter.ConfigFastest.Valid(payloadJSON) {
		return StorableEvent{}, ErrInvalidPayloadJSON
	}

	if !jsoniter.ConfigFastest.Valid(metadataJSON) {
		return StorableEvent{}, ErrInvalidMetadataJSON
	}

	return StorableEvent{
		TenantID:       tenantID,
		StreamID:       streamID,
		SequenceNumber: sequenceNumber,
		EventType:      eventType,
		OccurredAt:     occurredAt,
		PayloadJSON:    payloadJSON,
		MetadataJSON:   metadataJSON,
	}, nil
}
