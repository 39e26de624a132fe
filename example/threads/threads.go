// Package threads wires the thread domain into an eventstore.Store.
package threads

import (
	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore"
	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/example/threads/core"
)

// ThreadProjection folds thread streams into core.Thread snapshots inside SaveChanges.
func ThreadProjection() *eventstore.AggregateProjection[core.Thread] {
	projection := eventstore.NewAggregateProjection[core.Thread](core.ThreadAggregateType, eventstore.Inline).
		IdentifiedBy(core.Thread.WithID)

	eventstore.CreateWith(projection, core.StartThread)
	eventstore.ApplyWith(projection, core.Thread.PostMessage)
	eventstore.ApplyWith(projection, core.Thread.Close)

	return projection
}

// EventTypes registers the thread events.
func EventTypes() []eventstore.Option {
	return []eventstore.Option{
		eventstore.WithEventType(core.ThreadStartedEventType, core.ThreadStarted{}),
		eventstore.WithEventType(core.MessagePostedEventType, core.MessagePosted{}),
		eventstore.WithEventType(core.ThreadClosedEventType, core.ThreadClosed{}),
	}
}

// StoreOptions returns the thread store setup: inline Thread projection, enums stored by name,
// non-public members serialized and storage objects created and upgraded on demand.
// Further options, e.g. for observability, are appended.
func StoreOptions(extra ...eventstore.Option) []eventstore.Option {
	options := EventTypes()
	options = append(
		options,
		eventstore.WithAutoCreate(eventstore.AutoCreateAll),
		eventstore.WithProjection(ThreadProjection()),
		eventstore.WithSerialization(eventstore.EnumAsString, eventstore.NonPublicMembersAll),
	)

	return append(options, extra...)
}

// NewStore builds a thread store on top of backend.
func NewStore(backend eventstore.Backend, extra ...eventstore.Option) (*eventstore.Store, error) {
	return eventstore.NewStore(backend, StoreOptions(extra...)...)
}
