package core

import (
	"time"
)

// DomainEvent represents something that happened to a thread.
type DomainEvent interface {
	// IsEventType returns the name the event is stored under.
	IsEventType() string

	// HasOccurredAt returns when this event occurred.
	HasOccurredAt() time.Time
}
