package eventstore

import "time"

// Event is the decoded view of a StorableEvent: its coordinates plus the typed domain event value.
type Event struct {
	TenantID       TenantID
	StreamID       StreamID
	SequenceNumber SequenceNumber
	EventType      string
	OccurredAt     time.Time
	Data           any
	Metadata       EventMetadata
}

// EventMetadata is stored with every event. It links the event to the session that issued it, even
// when the event was written through a view for another tenant.
type EventMetadata struct {
	SessionID       string   `json:"session_id"`
	CommitID        string   `json:"commit_id"`
	DefaultTenantID TenantID `json:"default_tenant_id"`
}

// OccurredAtReporter may be implemented by domain events that carry their own occurrence time.
// Events that don't are stamped with the store clock when they are buffered.
type OccurredAtReporter interface {
	HasOccurredAt() time.Time
}
