package eventstore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore"
	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore/memoryengine"
	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/example/threads/core"
	. "github.com/AntonStoeckl/tenant-sessions-eventstore-go/testutil/helper"
)

func givenCommitBatch(t *testing.T, tenantIDs ...TenantID) CommitBatch {
	batch := CommitBatch{CommitID: "commit-1"}

	for _, tenantID := range tenantIDs {
		streamID := GivenUniqueID(t)
		event, err := BuildStorableEvent(
			tenantID,
			streamID,
			1,
			core.ThreadStartedEventType,
			GivenFakeClock(),
			[]byte(`{}`),
			[]byte(`{}`),
		)
		require.NoError(t, err, "error in arranging test data")

		snapshot, err := BuildSnapshot(tenantID, core.ThreadAggregateType, streamID, 1, []byte(`{}`), GivenFakeClock())
		require.NoError(t, err, "error in arranging test data")

		batch.Streams = append(batch.Streams, StreamWrite{
			TenantID:     tenantID,
			StreamID:     streamID,
			StartsStream: true,
			Events:       StorableEvents{event},
		})
		batch.Snapshots = append(batch.Snapshots, snapshot)
	}

	return batch
}

func Test_CommitBatch_Helpers(t *testing.T) {
	// setup
	batch := givenCommitBatch(t, "ten2", "ten1", "ten2")

	// act
	tenants := batch.Tenants()
	ten2 := batch.ForTenant("ten2")

	// assert
	assert.Equal(t, []TenantID{"ten2", "ten1"}, tenants)
	assert.Equal(t, 3, batch.EventCount())
	assert.Len(t, ten2.Streams, 2)
	assert.Len(t, ten2.Snapshots, 2)
	assert.Equal(t, batch.CommitID, ten2.CommitID)
	assert.Empty(t, batch.ForTenant("ten9").Streams)
}

func Test_StreamWrite_RaceError(t *testing.T) {
	assert.ErrorIs(t, StreamWrite{StartsStream: true}.RaceError(), ErrDuplicateStream)
	assert.ErrorIs(t, StreamWrite{}.RaceError(), ErrConcurrencyConflict)
	assert.ErrorIs(t, StreamWrite{ExpectedVersion: 3, StartsStream: true}.RaceError(), ErrConcurrencyConflict)
	assert.Equal(t, SequenceNumber(5), StreamWrite{ExpectedVersion: 3, Events: make(StorableEvents, 2)}.NewVersion())
}

func Test_CommitTenantsSequentially(t *testing.T) {
	ctx := context.Background()
	errBoom := errors.New("boom")

	t.Run("commits tenant by tenant in first-touch order", func(t *testing.T) {
		// setup
		batch := givenCommitBatch(t, "ten1", "ten2")
		var calls []TenantID

		// act
		err := CommitTenantsSequentially(ctx, batch, func(_ context.Context, part CommitBatch) error {
			calls = append(calls, part.Tenants()...)
			return nil
		})

		// assert
		assert.NoError(t, err)
		assert.Equal(t, []TenantID{"ten1", "ten2"}, calls)
	})

	t.Run("a failure of the first tenant is reported as is", func(t *testing.T) {
		// setup
		batch := givenCommitBatch(t, "ten1", "ten2")

		// act
		err := CommitTenantsSequentially(ctx, batch, func(context.Context, CommitBatch) error {
			return errBoom
		})

		// assert
		assert.ErrorIs(t, err, errBoom)
		assert.NotErrorIs(t, err, ErrPartialCommit)
	})

	t.Run("a later failure is a partial commit", func(t *testing.T) {
		// setup
		batch := givenCommitBatch(t, "ten1", "ten2", "ten3")

		// act
		err := CommitTenantsSequentially(ctx, batch, func(_ context.Context, part CommitBatch) error {
			if part.Tenants()[0] == "ten2" {
				return errBoom
			}
			return nil
		})

		// assert
		var partial *PartialCommitError
		require.ErrorAs(t, err, &partial)
		assert.ErrorIs(t, err, ErrPartialCommit)
		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, []TenantID{"ten1"}, partial.Committed)
		assert.Equal(t, []TenantID{"ten2", "ten3"}, partial.NotCommitted)
	})
}

func Test_SaveChanges_OnBackendWithoutCrossTenantAtomicity_ReportsPartialCommit(t *testing.T) {
	// setup
	ctx := context.Background()
	backend := NewFailingBackend(memoryengine.NewBackend())
	backend.FailCommitsFor("ten2")
	store := GivenThreadStore(t, backend)
	fakeClock := GivenFakeClock()
	streamID1 := GivenUniqueID(t)
	streamID2 := GivenUniqueID(t)

	// act
	session := store.OpenSession("ten1")
	require.NoError(t, session.StartStream(streamID1, FixtureThreadStarted("ten1", "ten2", fakeClock)))
	require.NoError(t, session.ForTenant("ten2").StartStream(streamID2, FixtureThreadStarted("ten1", "ten2", fakeClock)))
	err := session.SaveChanges(ctx)

	// assert
	var partial *PartialCommitError
	require.ErrorAs(t, err, &partial)
	assert.ErrorIs(t, err, ErrInjectedFailure)
	assert.Equal(t, []TenantID{"ten1"}, partial.Committed)
	assert.Equal(t, []TenantID{"ten2"}, partial.NotCommitted)
	assert.Equal(t, SessionFailed, session.State())
	assert.Equal(t, [][]TenantID{{"ten1"}, {"ten2"}}, backend.CommitCalls())

	thread1, loadErr := Load[core.Thread](ctx, store.OpenSession("ten1"), streamID1)
	require.NoError(t, loadErr)
	thread2, loadErr := Load[core.Thread](ctx, store.OpenSession("ten2"), streamID2)
	require.NoError(t, loadErr)

	assert.NotNil(t, thread1, "the first tenant stays committed")
	assert.Nil(t, thread2)
}

func Test_MemoryBackend_WithPerTenantCommits_ReportsCapabilities(t *testing.T) {
	// act
	atomic := memoryengine.NewBackend().Capabilities()
	perTenant := memoryengine.NewBackend(memoryengine.WithPerTenantCommits()).Capabilities()

	// assert
	assert.True(t, atomic.CrossTenantAtomic)
	assert.False(t, perTenant.CrossTenantAtomic)
	assert.Equal(t, "memory", perTenant.Name)
}
