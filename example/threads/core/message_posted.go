package core

import (
	"time"
)

// MessagePostedEventType is the event type identifier.
const MessagePostedEventType = "MessagePosted"

// MessagePosted is a reply added to a running thread.
type MessagePosted struct {
	On   OccurredAt
	By   string
	Text string
}

// BuildMessagePosted creates a new MessagePosted event.
func BuildMessagePosted(on time.Time, by string, text string) MessagePosted {
	return MessagePosted{
		On:   ToOccurredAt(on),
		By:   by,
		Text: text,
	}
}

// IsEventType returns the event type identifier.
func (e MessagePosted) IsEventType() string {
	return MessagePostedEventType
}

// HasOccurredAt returns when this event occurred.
func (e MessagePosted) HasOccurredAt() time.Time {
	return e.On
}
