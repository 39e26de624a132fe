package core

import (
	"time"
)

// ThreadStartedEventType is the event type identifier.
const ThreadStartedEventType = "ThreadStarted"

// ThreadStarted is the first event of every thread stream. It carries the first message.
type ThreadStarted struct {
	SenderSubscriptionID   SubscriptionIDString
	ReceiverSubscriptionID SubscriptionIDString
	Topic                  string
	On                     OccurredAt
	By                     string
	Message                string
}

// BuildThreadStarted creates a new ThreadStarted event.
func BuildThreadStarted(
	senderSubscriptionID SubscriptionIDString,
	receiverSubscriptionID SubscriptionIDString,
	topic string,
	on time.Time,
	by string,
	message string,
) ThreadStarted {
	return ThreadStarted{
		SenderSubscriptionID:   senderSubscriptionID,
		ReceiverSubscriptionID: receiverSubscriptionID,
		Topic:                  topic,
		On:                     ToOccurredAt(on),
		By:                     by,
		Message:                message,
	}
}

// IsEventType returns the event type identifier.
func (e ThreadStarted) IsEventType() string {
	return ThreadStartedEventType
}

// HasOccurredAt returns when this event occurred.
func (e ThreadStarted) HasOccurredAt() time.Time {
	return e.On
}
