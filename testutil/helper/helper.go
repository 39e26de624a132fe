package helper

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"

	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore"
	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/example/threads"
	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/example/threads/core"
)

// GivenUniqueID returns a fresh time-ordered stream id.
func GivenUniqueID(t testing.TB) uuid.UUID {
	id, err := uuid.NewV7()
	require.NoError(t, err, "error in arranging test data")

	return id
}

// GivenUniqueTenantID returns a tenant id that no other test uses, so tests can share a database.
func GivenUniqueTenantID(t testing.TB, prefix string) eventstore.TenantID {
	suffix, err := gonanoid.Generate("abcdefghijklmnopqrstuvwxyz0123456789", 10)
	require.NoError(t, err, "error in arranging test data")

	return prefix + "-" + suffix
}

// GivenThreadStore builds a store with the thread setup on top of backend.
func GivenThreadStore(t testing.TB, backend eventstore.Backend, options ...eventstore.Option) *eventstore.Store {
	store, err := threads.NewStore(backend, options...)
	require.NoError(t, err, "error in arranging test data")

	return store
}

// GivenStartedThread commits a new thread stream for tenantID in its own session.
func GivenStartedThread(
	t testing.TB,
	ctx context.Context,
	store *eventstore.Store,
	tenantID eventstore.TenantID,
	threadID uuid.UUID,
	fakeClock time.Time,
) core.ThreadStarted {
	started := FixtureThreadStarted("ten1", "ten2", fakeClock)

	session := store.OpenSession(tenantID)
	require.NoError(t, session.StartStream(threadID, started), "error in arranging test data")
	require.NoError(t, session.SaveChanges(ctx), "error in arranging test data")

	return started
}

// FixtureThreadStarted returns the first event of a thread between two subscriptions.
func FixtureThreadStarted(sender, receiver core.SubscriptionIDString, fakeClock time.Time) core.ThreadStarted {
	return core.BuildThreadStarted(
		sender,
		receiver,
		uuid.NewString(),
		fakeClock,
		"Jane Doe",
		"Hello World!",
	)
}

// FixtureMessagePosted returns a reply to a thread.
func FixtureMessagePosted(text string, fakeClock time.Time) core.MessagePosted {
	return core.BuildMessagePosted(fakeClock, "John Doe", text)
}

// FixtureThreadClosed returns the event that closes a thread.
func FixtureThreadClosed(fakeClock time.Time) core.ThreadClosed {
	return core.BuildThreadClosed(fakeClock, "Jane Doe")
}

// GivenFakeClock returns a fixed point in time, normalized like event timestamps.
func GivenFakeClock() time.Time {
	return core.ToOccurredAt(time.Date(2025, time.March, 14, 9, 26, 53, 589793000, time.UTC))
}
