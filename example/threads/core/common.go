package core

import (
	"time"
)

// SubscriptionIDString identifies the subscription (and tenant) on one side of a thread.
type SubscriptionIDString = string

// OccurredAt represents when an event occurred.
type OccurredAt = time.Time

// ToOccurredAt converts a time to OccurredAt with UTC normalization and microsecond precision.
func ToOccurredAt(t time.Time) OccurredAt {
	return t.UTC().Truncate(time.Microsecond)
}
