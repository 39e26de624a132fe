package eventstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore"
	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore/memoryengine"
	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/example/threads"
	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/example/threads/core"
	. "github.com/AntonStoeckl/tenant-sessions-eventstore-go/testutil/helper"
)

func Test_NewStore_RejectsInvalidConfiguration(t *testing.T) {
	backend := memoryengine.NewBackend()

	asyncProjection := NewAggregateProjection[core.Thread](core.ThreadAggregateType, Async)
	CreateWith(asyncProjection, core.StartThread)

	unnamedProjection := NewAggregateProjection[core.Thread]("", Inline)

	pointerProjection := NewAggregateProjection[core.Thread](core.ThreadAggregateType, Inline)
	CreateWith(pointerProjection, func(event *core.ThreadStarted) (core.Thread, error) {
		return core.StartThread(*event)
	})

	testCases := []struct {
		name        string
		backend     Backend
		options     []Option
		expectedErr error
	}{
		{
			name:        "missing backend",
			backend:     nil,
			expectedErr: ErrMissingBackend,
		},
		{
			name:    "duplicate event type name",
			backend: backend,
			options: []Option{
				WithEventType(core.ThreadStartedEventType, core.ThreadStarted{}),
				WithEventType(core.ThreadStartedEventType, core.MessagePosted{}),
			},
			expectedErr: ErrDuplicateEventType,
		},
		{
			name:    "same go type under two names",
			backend: backend,
			options: []Option{
				WithEventType(core.ThreadStartedEventType, core.ThreadStarted{}),
				WithEventType("ThreadStartedAgain", &core.ThreadStarted{}),
			},
			expectedErr: ErrDuplicateEventType,
		},
		{
			name:        "empty event type name",
			backend:     backend,
			options:     []Option{WithEventType("", core.ThreadStarted{})},
			expectedErr: ErrEmptyEventType,
		},
		{
			name:        "projection handles an unregistered event type",
			backend:     backend,
			options:     []Option{WithProjection(threads.ThreadProjection())},
			expectedErr: ErrUnregisteredEventType,
		},
		{
			name:        "projection handles a pointer to a registered event type",
			backend:     backend,
			options:     append(threads.EventTypes(), WithProjection(pointerProjection)),
			expectedErr: ErrUnregisteredEventType,
		},
		{
			name:        "async projection",
			backend:     backend,
			options:     []Option{WithProjection(asyncProjection)},
			expectedErr: ErrUnsupportedProjectionLifecycle,
		},
		{
			name:        "projection without aggregate type",
			backend:     backend,
			options:     []Option{WithProjection(unnamedProjection)},
			expectedErr: ErrEmptyAggregateType,
		},
		{
			name:    "aggregate type registered twice",
			backend: backend,
			options: append(
				threads.EventTypes(),
				WithProjection(threads.ThreadProjection()),
				WithProjection(threads.ThreadProjection()),
			),
			expectedErr: ErrDuplicateAggregateType,
		},
		{
			name:        "nil projection",
			backend:     backend,
			options:     []Option{WithProjection(nil)},
			expectedErr: ErrUnregisteredAggregateType,
		},
		{
			name:        "unknown enum storage",
			backend:     backend,
			options:     []Option{WithSerialization(EnumStorage(42), NonPublicMembersNone)},
			expectedErr: ErrInvalidOption,
		},
		{
			name:        "unknown non-public members storage",
			backend:     backend,
			options:     []Option{WithSerialization(EnumAsString, NonPublicMembersStorage(42))},
			expectedErr: ErrInvalidOption,
		},
		{
			name:        "unknown auto-create policy",
			backend:     backend,
			options:     []Option{WithAutoCreate(AutoCreate(7))},
			expectedErr: ErrInvalidOption,
		},
		{
			name:        "nil clock",
			backend:     backend,
			options:     []Option{WithClock(nil)},
			expectedErr: ErrInvalidOption,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// act
			store, err := NewStore(tc.backend, tc.options...)

			// assert
			assert.Nil(t, store)
			assert.ErrorIs(t, err, tc.expectedErr)
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}
}

func Test_Store_Config_ReflectsOptions(t *testing.T) {
	// setup
	store := GivenThreadStore(t, memoryengine.NewBackend())

	// act
	config := store.Config()

	// assert
	assert.Equal(t, "memory", config.Backend)
	assert.Equal(t, AutoCreateAll, config.AutoCreate)
	assert.Equal(t, EnumAsString, config.EnumStorage)
	assert.Equal(t, NonPublicMembersAll, config.NonPublicMembers)
	assert.Equal(
		t,
		[]string{core.MessagePostedEventType, core.ThreadClosedEventType, core.ThreadStartedEventType},
		config.EventTypes,
	)
	assert.Equal(t, []string{core.ThreadAggregateType}, config.AggregateTypes)
}

func Test_Store_Defaults(t *testing.T) {
	// act
	store, err := NewStore(memoryengine.NewBackend())

	// assert
	require.NoError(t, err)
	assert.Equal(t, AutoCreateAdditive, store.Config().AutoCreate)
	assert.Equal(t, EnumAsInteger, store.Config().EnumStorage)
	assert.Equal(t, NonPublicMembersNone, store.Config().NonPublicMembers)
	assert.Empty(t, store.Config().AggregateTypes)
}

func Test_Load_WithUnregisteredAggregate_FailsWithConfigurationError(t *testing.T) {
	// setup
	store, err := NewStore(memoryengine.NewBackend(), threads.EventTypes()...)
	require.NoError(t, err)

	// act
	thread, loadErr := Load[core.Thread](context.Background(), store.OpenSession("ten1"), GivenUniqueID(t))
	live, liveErr := AggregateStream[core.Thread](context.Background(), store.OpenSession("ten1"), GivenUniqueID(t))

	// assert
	assert.Nil(t, thread)
	assert.ErrorIs(t, loadErr, ErrUnregisteredAggregateType)
	assert.Nil(t, live)
	assert.ErrorIs(t, liveErr, ErrUnregisteredAggregateType)
}

func Test_OpenSession_DefaultsToDefaultTenant(t *testing.T) {
	// setup
	store := GivenThreadStore(t, memoryengine.NewBackend())

	// act
	withoutTenant := store.OpenSession()
	withTenant := store.OpenSession("ten1")
	withEmptyTenant := store.OpenSession("")

	// assert
	assert.Equal(t, DefaultTenantID, withoutTenant.TenantID())
	assert.Equal(t, "ten1", withTenant.TenantID())
	assert.NotEqual(t, withoutTenant.ID(), withTenant.ID())
	assert.ErrorIs(
		t,
		withEmptyTenant.StartStream(GivenUniqueID(t), FixtureThreadStarted("ten1", "ten2", GivenFakeClock())),
		ErrEmptyTenantID,
	)
}

func Test_AutoCreateNone_FailsForUnprovisionedTenant(t *testing.T) {
	// setup
	ctx := context.Background()
	backend := memoryengine.NewBackend(memoryengine.WithProvisionedTenants("ten1"))
	store := GivenThreadStore(t, backend, WithAutoCreate(AutoCreateNone))
	fakeClock := GivenFakeClock()

	// act
	provisioned := store.OpenSession("ten1")
	require.NoError(t, provisioned.StartStream(GivenUniqueID(t), FixtureThreadStarted("ten1", "ten2", fakeClock)))
	provisionedErr := provisioned.SaveChanges(ctx)

	unprovisioned := store.OpenSession("ten1")
	require.NoError(t, unprovisioned.ForTenant("ten9").StartStream(GivenUniqueID(t), FixtureThreadStarted("ten1", "ten2", fakeClock)))
	unprovisionedErr := unprovisioned.SaveChanges(ctx)

	_, loadErr := Load[core.Thread](ctx, store.OpenSession("ten9"), GivenUniqueID(t))

	// assert
	assert.NoError(t, provisionedErr)
	assert.ErrorIs(t, unprovisionedErr, ErrSchemaPolicy)
	assert.Equal(t, SessionFailed, unprovisioned.State())
	assert.ErrorIs(t, loadErr, ErrSchemaPolicy)
	assert.Equal(t, []TenantID{"ten1"}, backend.Tenants())
}

func Test_WithClock_StampsEventsWithoutOwnTimestamp(t *testing.T) {
	// setup
	ctx := context.Background()
	fixed := time.Date(2024, time.February, 29, 12, 0, 0, 123456789, time.FixedZone("CET", 3600))

	type plainEvent struct{ Name string }

	store, err := NewStore(
		memoryengine.NewBackend(),
		WithEventType("PlainEvent", plainEvent{}),
		WithClock(func() time.Time { return fixed }),
	)
	require.NoError(t, err)

	streamID := GivenUniqueID(t)

	// act
	session := store.OpenSession("ten1")
	require.NoError(t, session.StartStream(streamID, plainEvent{Name: "x"}))
	require.NoError(t, session.SaveChanges(ctx))

	// assert
	events, err := store.OpenSession("ten1").FetchStream(ctx, streamID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, fixed.UTC().Truncate(time.Microsecond), events[0].OccurredAt)
	assert.Equal(t, time.UTC, events[0].OccurredAt.Location())
	assert.Equal(t, plainEvent{Name: "x"}, events[0].Data)
}
