package core

import (
	"time"
)

// ThreadClosedEventType is the event type identifier.
const ThreadClosedEventType = "ThreadClosed"

// ThreadClosed ends a thread. No messages can be posted afterward.
type ThreadClosed struct {
	On OccurredAt
	By string
}

// BuildThreadClosed creates a new ThreadClosed event.
func BuildThreadClosed(on time.Time, by string) ThreadClosed {
	return ThreadClosed{
		On: ToOccurredAt(on),
		By: by,
	}
}

// IsEventType returns the event type identifier.
func (e ThreadClosed) IsEventType() string {
	return ThreadClosedEventType
}

// HasOccurredAt returns when this event occurred.
func (e ThreadClosed) HasOccurredAt() time.Time {
	return e.On
}
