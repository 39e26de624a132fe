package postgresengine_test

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore"
	. "github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore/postgresengine"
	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/example/threads/core"
	. "github.com/AntonStoeckl/tenant-sessions-eventstore-go/testutil/helper"
	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/testutil/postgrestest"
)

var tenancies = []Tenancy{Conjoined, SchemaPerTenant}

func Test_SeparateSessions_CreateThreadsInBothTenants(t *testing.T) {
	for _, tenancy := range tenancies {
		t.Run(tenancy.String(), func(t *testing.T) {
			// setup
			ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			wrapper := postgrestest.CreateWrapper(t, WithTenancy(tenancy))
			store := GivenThreadStore(t, wrapper.Backend())
			event := FixtureThreadStarted("ten1", "ten2", GivenFakeClock())
			streamID1 := GivenUniqueID(t)
			streamID2 := GivenUniqueID(t)

			// act
			writeSession1 := store.OpenSession("ten1")
			writeSession2 := store.OpenSession("ten2")
			require.NoError(t, writeSession1.StartStream(streamID1, event))
			require.NoError(t, writeSession2.StartStream(streamID2, event))
			require.NoError(t, writeSession1.SaveChanges(ctxWithTimeout))
			require.NoError(t, writeSession2.SaveChanges(ctxWithTimeout))

			// assert
			thread1, err := eventstore.Load[core.Thread](ctxWithTimeout, store.OpenSession("ten1"), streamID1)
			require.NoError(t, err)
			thread2, err := eventstore.Load[core.Thread](ctxWithTimeout, store.OpenSession("ten2"), streamID2)
			require.NoError(t, err)

			require.NotNil(t, thread1)
			require.NotNil(t, thread2)
			assert.Equal(t, event.Topic, thread1.Topic)
			assert.Equal(t, event.On, thread1.StartedOn)
		})
	}
}

func Test_SingleSessionWithFirstTenant_CreatesThreadsInBothTenants(t *testing.T) {
	for _, tenancy := range tenancies {
		t.Run(tenancy.String(), func(t *testing.T) {
			// setup
			ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			wrapper := postgrestest.CreateWrapper(t, WithTenancy(tenancy))
			store := GivenThreadStore(t, wrapper.Backend())
			event := FixtureThreadStarted("ten1", "ten2", GivenFakeClock())
			streamID1 := GivenUniqueID(t)
			streamID2 := GivenUniqueID(t)

			// act
			session := store.OpenSession("ten1")
			require.NoError(t, session.ForTenant("ten1").StartStream(streamID1, event))
			require.NoError(t, session.ForTenant("ten2").StartStream(streamID2, event))
			err := session.SaveChanges(ctxWithTimeout)

			// assert
			require.NoError(t, err)

			thread1, err := eventstore.Load[core.Thread](ctxWithTimeout, store.OpenSession("ten1"), streamID1)
			require.NoError(t, err)
			thread2, err := eventstore.Load[core.Thread](ctxWithTimeout, store.OpenSession("ten2"), streamID2)
			require.NoError(t, err)

			assert.NotNil(t, thread1)
			assert.NotNil(t, thread2)
		})
	}
}

func Test_SessionWithUnrelatedTenant_CreatesThreadsInBothTenants(t *testing.T) {
	for _, tenancy := range tenancies {
		t.Run(tenancy.String(), func(t *testing.T) {
			// setup
			ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			wrapper := postgrestest.CreateWrapper(t, WithTenancy(tenancy))
			store := GivenThreadStore(t, wrapper.Backend())
			event := FixtureThreadStarted("ten1", "ten2", GivenFakeClock())
			streamID1 := GivenUniqueID(t)
			streamID2 := GivenUniqueID(t)

			// act
			session := store.OpenSession("some-tenant")
			require.NoError(t, session.ForTenant("ten1").StartStream(streamID1, event))
			require.NoError(t, session.ForTenant("ten2").StartStream(streamID2, event))
			err := session.SaveChanges(ctxWithTimeout)

			// assert
			require.NoError(t, err)

			thread1, err := eventstore.Load[core.Thread](ctxWithTimeout, store.OpenSession("ten1"), streamID1)
			require.NoError(t, err)
			thread2, err := eventstore.Load[core.Thread](ctxWithTimeout, store.OpenSession("ten2"), streamID2)
			require.NoError(t, err)
			crossTenant, err := eventstore.Load[core.Thread](ctxWithTimeout, store.OpenSession("ten2"), streamID1)
			require.NoError(t, err)

			assert.NotNil(t, thread1)
			assert.NotNil(t, thread2)
			assert.Nil(t, crossTenant, "a stream of ten1 must not be visible to ten2")
		})
	}
}

func Test_Load_Is_Idempotent_And_Matches_Live_Aggregation(t *testing.T) {
	for _, tenancy := range tenancies {
		t.Run(tenancy.String(), func(t *testing.T) {
			// setup
			ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			wrapper := postgrestest.CreateWrapper(t, WithTenancy(tenancy))
			store := GivenThreadStore(t, wrapper.Backend())
			fakeClock := GivenFakeClock()
			threadID := GivenUniqueID(t)

			// arrange
			GivenStartedThread(t, ctxWithTimeout, store, "ten1", threadID, fakeClock)
			session := store.OpenSession("ten1")
			require.NoError(t, session.AppendToStream(threadID, FixtureMessagePosted("reply", fakeClock.Add(time.Minute))))
			require.NoError(t, session.AppendToStream(threadID, FixtureThreadClosed(fakeClock.Add(time.Hour))))
			require.NoError(t, session.SaveChanges(ctxWithTimeout))

			// act
			first, err := eventstore.Load[core.Thread](ctxWithTimeout, store.OpenSession("ten1"), threadID)
			require.NoError(t, err)
			second, err := eventstore.Load[core.Thread](ctxWithTimeout, store.OpenSession("ten1"), threadID)
			require.NoError(t, err)
			live, err := eventstore.AggregateStream[core.Thread](ctxWithTimeout, store.OpenSession("ten1"), threadID)
			require.NoError(t, err)

			// assert
			assert.Equal(t, first, second)
			assert.Equal(t, live, first)
			assert.Equal(t, core.StatusClosed, first.Status)
			assert.Len(t, first.Messages(), 2)
		})
	}
}

func Test_FetchStream_Returns_Events_In_Order(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wrapper := postgrestest.CreateWrapper(t)
	store := GivenThreadStore(t, wrapper.Backend())
	fakeClock := GivenFakeClock()
	threadID := GivenUniqueID(t)

	// arrange
	GivenStartedThread(t, ctxWithTimeout, store, "ten1", threadID, fakeClock)
	session := store.OpenSession("ten1")
	require.NoError(t, session.AppendToStreamExpecting(threadID, 1, FixtureMessagePosted("reply", fakeClock)))
	require.NoError(t, session.SaveChanges(ctxWithTimeout))

	// act
	events, err := store.OpenSession("ten1").FetchStream(ctxWithTimeout, threadID)
	version, versionErr := store.OpenSession("ten1").FetchStreamVersion(ctxWithTimeout, threadID)

	// assert
	require.NoError(t, err)
	require.NoError(t, versionErr)
	require.Len(t, events, 2)
	assert.Equal(t, eventstore.SequenceNumber(2), version)
	assert.Equal(t, eventstore.SequenceNumber(1), events[0].SequenceNumber)
	assert.Equal(t, core.ThreadStartedEventType, events[0].EventType)
	assert.Equal(t, eventstore.SequenceNumber(2), events[1].SequenceNumber)
	assert.Equal(t, core.MessagePostedEventType, events[1].EventType)
	assert.Equal(t, fakeClock, events[0].OccurredAt)
	assert.IsType(t, core.MessagePosted{}, events[1].Data)
}

func Test_Concurrent_StartStream_Has_Exactly_One_Winner(t *testing.T) {
	for _, tenancy := range tenancies {
		t.Run(tenancy.String(), func(t *testing.T) {
			// setup
			ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()

			wrapper := postgrestest.CreateWrapper(t, WithTenancy(tenancy))
			store := GivenThreadStore(t, wrapper.Backend())
			threadID := GivenUniqueID(t)
			event := FixtureThreadStarted("ten1", "ten2", GivenFakeClock())

			const writers = 8

			var (
				wg         sync.WaitGroup
				start      = make(chan struct{})
				successes  atomic.Int32
				duplicates atomic.Int32
				others     atomic.Int32
			)

			// act
			for range writers {
				wg.Add(1)

				go func() {
					defer wg.Done()

					session := store.OpenSession("ten1")
					if err := session.StartStream(threadID, event); err != nil {
						others.Add(1)
						return
					}

					<-start

					switch err := session.SaveChanges(ctxWithTimeout); {
					case err == nil:
						successes.Add(1)
					case eventstore.IsConflict(err):
						duplicates.Add(1)
					default:
						others.Add(1)
					}
				}()
			}

			close(start)
			wg.Wait()

			// assert
			assert.Equal(t, int32(1), successes.Load())
			assert.Equal(t, int32(writers-1), duplicates.Load())
			assert.Zero(t, others.Load())
		})
	}
}

func Test_Stale_ExpectedVersion_Is_A_Conflict(t *testing.T) {
	for _, tenancy := range tenancies {
		t.Run(tenancy.String(), func(t *testing.T) {
			// setup
			ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			wrapper := postgrestest.CreateWrapper(t, WithTenancy(tenancy))
			store := GivenThreadStore(t, wrapper.Backend())
			fakeClock := GivenFakeClock()
			threadID := GivenUniqueID(t)

			// arrange
			GivenStartedThread(t, ctxWithTimeout, store, "ten1", threadID, fakeClock)
			winner := store.OpenSession("ten1")
			require.NoError(t, winner.AppendToStreamExpecting(threadID, 1, FixtureMessagePosted("first", fakeClock)))
			require.NoError(t, winner.SaveChanges(ctxWithTimeout))

			// act
			loser := store.OpenSession("ten1")
			require.NoError(t, loser.AppendToStreamExpecting(threadID, 1, FixtureMessagePosted("second", fakeClock)))
			err := loser.SaveChanges(ctxWithTimeout)

			// assert
			assert.ErrorIs(t, err, eventstore.ErrConcurrencyConflict)

			thread, loadErr := eventstore.Load[core.Thread](ctxWithTimeout, store.OpenSession("ten1"), threadID)
			require.NoError(t, loadErr)
			assert.Len(t, thread.Messages(), 2)
		})
	}
}

func Test_SchemaPerTenant_Creates_One_Schema_Per_Tenant(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wrapper := postgrestest.CreateWrapper(t, WithTenancy(SchemaPerTenant))
	backend := wrapper.Backend()
	store := GivenThreadStore(t, backend)
	tenantID := GivenUniqueTenantID(t, "Schema Tenant")

	// act
	GivenStartedThread(t, ctxWithTimeout, store, tenantID, GivenUniqueID(t), GivenFakeClock())

	// assert
	schema := backend.SchemaFor(tenantID)
	assert.Regexp(t, `^mt_tenant_schema_tenant_[a-z0-9]+_[0-9a-f]{8}$`, schema)
	assert.Equal(t, int64(1), wrapper.QueryInt(t, fmt.Sprintf(
		`SELECT count(*) FROM information_schema.schemata WHERE schema_name = '%s'`, schema,
	)))
	assert.Equal(t, int64(1), wrapper.QueryInt(t, fmt.Sprintf(
		`SELECT count(*) FROM %s.events WHERE tenant_id = '%s'`, schema, tenantID,
	)))
	assert.Equal(t, int64(1), wrapper.QueryInt(t, fmt.Sprintf(
		`SELECT count(*) FROM %s.snapshots WHERE tenant_id = '%s'`, schema, tenantID,
	)))
	assert.False(t, backend.Capabilities().CrossTenantAtomic)
}

func Test_Conjoined_Uses_Prefixed_Shared_Tables(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	prefix := givenUniqueTablePrefix(t)
	wrapper := postgrestest.CreateWrapper(t, WithTablePrefix(prefix))
	store := GivenThreadStore(t, wrapper.Backend())
	tenantID := GivenUniqueTenantID(t, "conjoined")

	// act
	GivenStartedThread(t, ctxWithTimeout, store, tenantID, GivenUniqueID(t), GivenFakeClock())

	// assert
	assert.Equal(t, int64(1), wrapper.QueryInt(t, fmt.Sprintf(
		`SELECT count(*) FROM %sstreams WHERE tenant_id = '%s' AND version = 1`, prefix, tenantID,
	)))
	assert.Equal(t, "", wrapper.Backend().SchemaFor(tenantID))
	assert.True(t, wrapper.Backend().Capabilities().CrossTenantAtomic)
}

func Test_AutoCreateNone_Rejects_Missing_Tables(t *testing.T) {
	for _, tenancy := range tenancies {
		t.Run(tenancy.String(), func(t *testing.T) {
			// setup
			ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			wrapper := postgrestest.CreateWrapper(t, WithTenancy(tenancy), WithTablePrefix(givenUniqueTablePrefix(t)))
			store := GivenThreadStore(t, wrapper.Backend(), eventstore.WithAutoCreate(eventstore.AutoCreateNone))
			tenantID := GivenUniqueTenantID(t, "none")

			// act
			session := store.OpenSession(tenantID)
			require.NoError(t, session.StartStream(GivenUniqueID(t), FixtureThreadStarted("ten1", "ten2", GivenFakeClock())))
			err := session.SaveChanges(ctxWithTimeout)

			// assert
			assert.ErrorIs(t, err, eventstore.ErrSchemaPolicy)
		})
	}
}

func Test_AutoCreateNone_Accepts_Existing_Tables(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	prefix := givenUniqueTablePrefix(t)
	provisioner := postgrestest.CreateWrapper(t, WithTablePrefix(prefix))
	wrapper := postgrestest.CreateWrapper(t, WithTablePrefix(prefix))

	// arrange
	require.NoError(t, provisioner.Backend().EnsureSchema(ctxWithTimeout, "ten1", eventstore.AutoCreateAdditive))

	// act
	err := wrapper.Backend().EnsureSchema(ctxWithTimeout, "ten1", eventstore.AutoCreateNone)

	// assert
	assert.NoError(t, err)
}

func Test_AutoCreateAll_Upgrades_Older_Tables(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	prefix := givenUniqueTablePrefix(t)
	wrapper := postgrestest.CreateWrapper(t, WithTablePrefix(prefix))

	// arrange
	wrapper.Exec(t, fmt.Sprintf(`CREATE TABLE %sevents (
		tenant_id TEXT NOT NULL,
		stream_id UUID NOT NULL,
		sequence_number BIGINT NOT NULL,
		event_type TEXT NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL,
		payload JSONB NOT NULL,
		PRIMARY KEY (tenant_id, stream_id, sequence_number)
	)`, prefix))

	columnCount := fmt.Sprintf(
		`SELECT count(*) FROM information_schema.columns WHERE table_name = '%sevents' AND column_name = 'metadata'`,
		prefix,
	)

	// act
	additiveErr := wrapper.Backend().EnsureSchema(ctxWithTimeout, "ten1", eventstore.AutoCreateAdditive)
	metadataAfterAdditive := wrapper.QueryInt(t, columnCount)

	upgrading := postgrestest.CreateWrapper(t, WithTablePrefix(prefix))
	allErr := upgrading.Backend().EnsureSchema(ctxWithTimeout, "ten1", eventstore.AutoCreateAll)

	// assert
	require.NoError(t, additiveErr)
	require.NoError(t, allErr)
	assert.Equal(t, int64(0), metadataAfterAdditive, "additive must not alter existing tables")
	assert.Equal(t, int64(1), wrapper.QueryInt(t, columnCount))
}

func Test_CrossTenantCommit_Is_Atomic(t *testing.T) {
	for _, tenancy := range tenancies {
		t.Run(tenancy.String(), func(t *testing.T) {
			// setup
			ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			wrapper := postgrestest.CreateWrapper(t, WithTenancy(tenancy))
			tenant1 := GivenUniqueTenantID(t, "atomic-a")
			tenant2 := GivenUniqueTenantID(t, "atomic-b")
			threadID1 := GivenUniqueID(t)
			takenID := GivenUniqueID(t)
			event := FixtureThreadStarted("ten1", "ten2", GivenFakeClock())

			// arrange
			GivenStartedThread(t, ctxWithTimeout, GivenThreadStore(t, wrapper.Backend()), tenant2, takenID, GivenFakeClock())

			// the commit of tenant2 fails inside the transaction, after tenant1 was written
			backend := &staleVersionBackend{Backend: wrapper.Backend(), tenantID: tenant2}
			store := GivenThreadStore(t, backend)

			// act
			session := store.OpenSession(tenant1)
			require.NoError(t, session.StartStream(threadID1, event))
			require.NoError(t, session.ForTenant(tenant2).StartStream(takenID, event))
			err := session.SaveChanges(ctxWithTimeout)

			// assert
			assert.True(t, backend.Capabilities().CrossTenantAtomic)
			assert.ErrorIs(t, err, eventstore.ErrDuplicateStream)
			assert.NotErrorIs(t, err, eventstore.ErrPartialCommit)

			thread1, err := eventstore.Load[core.Thread](ctxWithTimeout, store.OpenSession(tenant1), threadID1)
			require.NoError(t, err)
			assert.Nil(t, thread1, "first tenant must be rolled back with the second")

			version, err := store.OpenSession(tenant1).FetchStreamVersion(ctxWithTimeout, threadID1)
			require.NoError(t, err)
			assert.Zero(t, version)
		})
	}
}

// staleVersionBackend reports every stream of tenantID as new, so planning passes and the conflict
// is only found by the commit.
type staleVersionBackend struct {
	eventstore.Backend
	tenantID eventstore.TenantID
}

func (b *staleVersionBackend) StreamVersion(
	ctx context.Context,
	tenantID eventstore.TenantID,
	streamID eventstore.StreamID,
) (eventstore.SequenceNumber, error) {
	if tenantID == b.tenantID {
		return 0, nil
	}

	return b.Backend.StreamVersion(ctx, tenantID, streamID)
}

func Test_Eventually_Consistent_Reads_Use_The_Replica(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	primary := postgrestest.NewPGXPool(t)
	replica := postgrestest.NewPGXPool(t)
	backend, err := NewBackendFromPGXPool(primary, WithReplica(replica))
	require.NoError(t, err)

	store := GivenThreadStore(t, backend)
	threadID := GivenUniqueID(t)

	// arrange
	GivenStartedThread(t, ctxWithTimeout, store, "ten1", threadID, GivenFakeClock())

	// act
	thread, err := eventstore.Load[core.Thread](eventstore.WithEventualConsistency(ctxWithTimeout), store.OpenSession("ten1"), threadID)

	// assert
	require.NoError(t, err)
	assert.NotNil(t, thread)
	assert.Positive(t, replica.Stat().AcquireCount(), "eventually consistent reads must acquire replica connections")
}

func Test_Observability_Logs_SQL_And_Operations(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logHandler := NewLogHandlerSpy(false)
	wrapper := postgrestest.CreateWrapper(t, WithLogger(slog.New(logHandler)))
	store := GivenThreadStore(t, wrapper.Backend())

	// act
	GivenStartedThread(t, ctxWithTimeout, store, GivenUniqueTenantID(t, "logs"), GivenUniqueID(t), GivenFakeClock())

	// assert
	assert.True(t, logHandler.HasDebugLogWithMessage("executed sql for: insert events").WithDurationMS().Assert())
	assert.True(t, logHandler.HasDebugLogWithMessage("executed sql for: upsert snapshot").WithAttr("query").Assert())
	assert.True(t, logHandler.HasInfoLogWithMessage("eventstore operation: batch committed").
		WithAttrValue("event_count", "1").
		WithAttrValue("snapshot_count", "1").
		Assert())
	assert.True(t, logHandler.HasInfoLogWithMessage("eventstore operation: storage objects ensured").
		WithAttrValue("tenancy", "conjoined").
		Assert())
}

func givenUniqueTablePrefix(t testing.TB) string {
	suffix, err := gonanoid.Generate("abcdefghijklmnopqrstuvwxyz", 8)
	require.NoError(t, err, "error in arranging test data")

	return "t_" + suffix + "_"
}
