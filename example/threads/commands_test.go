package threads_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore"
	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore/memoryengine"
	. "github.com/AntonStoeckl/tenant-sessions-eventstore-go/example/threads"
	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/example/threads/core"
	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/testutil/helper"
)

// losingBackend loses the optimistic concurrency race for its first commits.
type losingBackend struct {
	eventstore.Backend

	mu     sync.Mutex
	losses int
	calls  int
}

func (b *losingBackend) Commit(ctx context.Context, batch eventstore.CommitBatch) error {
	b.mu.Lock()
	b.calls++
	lose := b.calls <= b.losses
	b.mu.Unlock()

	if lose {
		return errors.Join(eventstore.ErrConcurrencyConflict, errors.New("stream version moved"))
	}

	return b.Backend.Commit(ctx, batch)
}

func Test_PostMessage_Appends_To_Open_Thread(t *testing.T) {
	// setup
	ctx := context.Background()
	store := helper.GivenThreadStore(t, memoryengine.NewBackend())
	threadID := helper.GivenUniqueID(t)
	helper.GivenStartedThread(t, ctx, store, "ten1", threadID, helper.GivenFakeClock())

	// act
	err := PostMessage(ctx, store, "ten1", threadID, "John Doe", "Hi!")

	// assert
	require.NoError(t, err)

	thread, err := eventstore.Load[core.Thread](ctx, store.OpenSession("ten1"), threadID)
	require.NoError(t, err)
	require.Len(t, thread.Messages(), 2)
	assert.Equal(t, "Hi!", thread.Messages()[1].Text)
}

func Test_Commands_Reject_Unknown_And_Closed_Threads(t *testing.T) {
	// setup
	ctx := context.Background()
	store := helper.GivenThreadStore(t, memoryengine.NewBackend())
	threadID := helper.GivenUniqueID(t)
	helper.GivenStartedThread(t, ctx, store, "ten1", threadID, helper.GivenFakeClock())

	// act
	unknownErr := PostMessage(ctx, store, "ten1", helper.GivenUniqueID(t), "John Doe", "Hi!")
	otherTenantErr := PostMessage(ctx, store, "ten2", threadID, "John Doe", "Hi!")
	closeErr := CloseThread(ctx, store, "ten1", threadID, "Jane Doe")
	closedErr := PostMessage(ctx, store, "ten1", threadID, "John Doe", "Too late")
	closeAgainErr := CloseThread(ctx, store, "ten1", threadID, "Jane Doe")

	// assert
	assert.ErrorIs(t, unknownErr, ErrThreadNotFound)
	assert.ErrorIs(t, otherTenantErr, ErrThreadNotFound)
	assert.NoError(t, closeErr)
	assert.ErrorIs(t, closedErr, ErrThreadClosed)
	assert.ErrorIs(t, closeAgainErr, ErrThreadClosed)
}

func Test_PostMessage_Retries_Lost_Races(t *testing.T) {
	// setup
	ctx := context.Background()
	backend := &losingBackend{Backend: memoryengine.NewBackend()}
	store := helper.GivenThreadStore(t, backend)
	threadID := helper.GivenUniqueID(t)
	helper.GivenStartedThread(t, ctx, store, "ten1", threadID, helper.GivenFakeClock())
	metrics := helper.NewMetricsCollectorSpy()

	// arrange
	backend.mu.Lock()
	backend.losses = backend.calls + 2
	backend.mu.Unlock()

	// act
	err := PostMessage(ctx, store, "ten1", threadID, "John Doe", "Hi!", WithBaseDelay(time.Millisecond), WithRetryMetrics(metrics))

	// assert
	require.NoError(t, err)
	assert.Len(t, metrics.CounterRecordsFor(MetricCommandRetries), 2)
	assert.Len(t, metrics.DurationRecordsFor(MetricCommandRetryDelay), 2)
	assert.Equal(t, "post_message", metrics.CounterRecordsFor(MetricCommandRetries)[0].Labels["command"])

	thread, err := eventstore.Load[core.Thread](ctx, store.OpenSession("ten1"), threadID)
	require.NoError(t, err)
	assert.Len(t, thread.Messages(), 2)
}

func Test_PostMessage_Gives_Up_After_Max_Attempts(t *testing.T) {
	// setup
	ctx := context.Background()
	backend := &losingBackend{Backend: memoryengine.NewBackend()}
	store := helper.GivenThreadStore(t, backend)
	threadID := helper.GivenUniqueID(t)
	helper.GivenStartedThread(t, ctx, store, "ten1", threadID, helper.GivenFakeClock())

	// arrange
	backend.mu.Lock()
	backend.losses = backend.calls + 10
	callsBefore := backend.calls
	backend.mu.Unlock()

	// act
	err := PostMessage(ctx, store, "ten1", threadID, "John Doe", "Hi!", WithMaxAttempts(3), WithBaseDelay(0))

	// assert
	assert.ErrorIs(t, err, eventstore.ErrConcurrencyConflict)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, callsBefore+3, backend.calls)
}

func Test_Backoff_Stays_Capped_For_Many_Attempts(t *testing.T) {
	// setup
	ctx := context.Background()
	backend := &losingBackend{Backend: memoryengine.NewBackend()}
	store := helper.GivenThreadStore(t, backend)
	threadID := helper.GivenUniqueID(t)
	helper.GivenStartedThread(t, ctx, store, "ten1", threadID, helper.GivenFakeClock())
	metrics := helper.NewMetricsCollectorSpy()
	maxDelay := time.Microsecond

	// arrange
	backend.mu.Lock()
	backend.losses = backend.calls + 100
	backend.mu.Unlock()

	// act
	err := PostMessage(
		ctx, store, "ten1", threadID, "John Doe", "Hi!",
		WithMaxAttempts(80),
		WithBaseDelay(time.Nanosecond),
		WithMaxDelay(maxDelay),
		WithJitterFactor(0),
		WithRetryMetrics(metrics),
	)

	// assert
	assert.ErrorIs(t, err, eventstore.ErrConcurrencyConflict)

	delays := metrics.DurationRecordsFor(MetricCommandRetryDelay)
	require.Len(t, delays, 79)
	assert.Equal(t, time.Nanosecond, delays[0].Duration)
	assert.Equal(t, 2*time.Nanosecond, delays[1].Duration)

	for _, record := range delays {
		assert.Positive(t, record.Duration, "attempt %s", record.Labels["attempt"])
		assert.LessOrEqual(t, record.Duration, maxDelay, "attempt %s", record.Labels["attempt"])
	}

	assert.Equal(t, maxDelay, delays[len(delays)-1].Duration)
}

func Test_RetryOptions_Are_Validated(t *testing.T) {
	testCases := []struct {
		name    string
		option  RetryOption
		wantErr error
	}{
		{name: "max attempts", option: WithMaxAttempts(0), wantErr: ErrInvalidMaxAttempts},
		{name: "base delay", option: WithBaseDelay(-time.Second), wantErr: ErrNegativeBaseDelay},
		{name: "max delay", option: WithMaxDelay(0), wantErr: ErrInvalidMaxDelay},
		{name: "jitter", option: WithJitterFactor(1.5), wantErr: ErrInvalidJitterFactor},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// setup
			store := helper.GivenThreadStore(t, memoryengine.NewBackend())

			// act
			err := PostMessage(context.Background(), store, "ten1", helper.GivenUniqueID(t), "John Doe", "Hi!", tc.option)

			// assert
			assert.ErrorIs(t, err, tc.wantErr)
			assert.ErrorIs(t, err, eventstore.ErrConfiguration)
		})
	}
}
