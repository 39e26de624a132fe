package core

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// ThreadAggregateType is the name snapshots of Thread are stored under.
const ThreadAggregateType = "Thread"

// ThreadStatus is stored by name when the store uses eventstore.EnumAsString.
type ThreadStatus int

const (
	StatusOpen ThreadStatus = iota
	StatusClosed
)

// EnumNames implements eventstore.Enum.
func (s ThreadStatus) EnumNames() []string {
	return []string{"Open", "Closed"}
}

func (s ThreadStatus) String() string {
	names := s.EnumNames()
	if int(s) >= 0 && int(s) < len(names) {
		return names[s]
	}

	return "Unknown"
}

// ThreadMessage is one message of a thread.
type ThreadMessage struct {
	On   OccurredAt
	By   string
	Text string
}

// Thread is the aggregate folded from a thread stream. Its messages are unexported, so they only
// survive a snapshot round trip when the store serializes non-public members.
type Thread struct {
	ID        uuid.UUID
	StartedOn OccurredAt
	StartedBy string
	Topic     string
	Status    ThreadStatus
	messages  []ThreadMessage
}

// StartThread creates a Thread from its first event.
func StartThread(e ThreadStarted) (Thread, error) {
	return Thread{
		StartedOn: e.On,
		StartedBy: e.By,
		Topic:     e.Topic,
		Status:    StatusOpen,
		messages:  []ThreadMessage{{On: e.On, By: e.By, Text: e.Message}},
	}, nil
}

// WithID returns a copy of the thread with its stream id.
func (t Thread) WithID(id uuid.UUID) Thread {
	t.ID = id

	return t
}

// PostMessage returns the thread with the posted message appended.
func (t Thread) PostMessage(e MessagePosted) (Thread, error) {
	t.messages = append(slices.Clone(t.messages), ThreadMessage{On: e.On, By: e.By, Text: e.Text})

	return t, nil
}

// Close returns the closed thread.
func (t Thread) Close(_ ThreadClosed) (Thread, error) {
	t.Status = StatusClosed

	return t, nil
}

// Messages returns a copy of the messages in the order they were posted.
func (t Thread) Messages() []ThreadMessage {
	return slices.Clone(t.messages)
}

// LastActivity returns when the last message was posted.
func (t Thread) LastActivity() time.Time {
	if len(t.messages) == 0 {
		return t.StartedOn
	}

	return t.messages[len(t.messages)-1].On
}
