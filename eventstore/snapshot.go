package eventstore

import (
	"encoding/json"
	"errors"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var (
	// ErrInvalidSnapshotJSON is returned when snapshot JSON data is malformed or invalid.
	ErrInvalidSnapshotJSON = errors.New("snapshot json is not valid")

	// ErrEmptyAggregateType is returned when an empty aggregate type is provided.
	ErrEmptyAggregateType = errors.New("aggregate type must not be empty")
)

// Snapshot is the materialized state of one aggregate, folded from all events of its stream up to
// SequenceNumber. It is written in the same commit as the events it reflects.
type Snapshot struct {
	TenantID       TenantID
	AggregateType  string
	AggregateID    StreamID
	SequenceNumber SequenceNumber
	Data           json.RawMessage
	UpdatedAt      time.Time
}

// Validate ensures the snapshot has valid data for storage operations.
func (s Snapshot) Validate() error {
	if err := ValidateTenantID(s.TenantID); err != nil {
		return err
	}

	if s.AggregateType == "" {
		return ErrEmptyAggregateType
	}

	if err := ValidateStreamID(s.AggregateID); err != nil {
		return err
	}

	if !jsoniter.ConfigFastest.Valid(s.Data) {
		return ErrInvalidSnapshotJSON
	}

	return nil
}

// BuildSnapshot creates a new Snapshot with validation.
func BuildSnapshot(
	tenantID TenantID,
	aggregateType string,
	aggregateID StreamID,
	sequenceNumber SequenceNumber,
	data json.RawMessage,
	updatedAt time.Time,
) (Snapshot, error) {
	snapshot := Snapshot{
		TenantID:       tenantID,
		AggregateType:  aggregateType,
		AggregateID:    aggregateID,
		SequenceNumber: sequenceNumber,
		Data:           data,
		UpdatedAt:      updatedAt,
	}

	if err := snapshot.Validate(); err != nil {
		return Snapshot{}, err
	}

	return snapshot, nil
}
