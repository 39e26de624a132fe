package sqlbackend_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore"
	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore/internal/adapters"
	. "github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore/internal/sqlbackend"
)

var errUniqueViolation = errors.New("duplicate key")

// fakeDB records statements and answers Exec with the configured rows affected or errors,
// matched by statement prefix.
type fakeDB struct {
	mu           sync.Mutex
	statements   []string
	rowsAffected map[string]int64
	execErrors   map[string]error
	rows         [][]any
	committed    bool
	rolledBack   bool
}

func newFakeDB() *fakeDB {
	return &fakeDB{rowsAffected: map[string]int64{}, execErrors: map[string]error{}}
}

func (f *fakeDB) Query(_ context.Context, query string) (adapters.DBRows, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.statements = append(f.statements, query)

	return &fakeRows{rows: f.rows, index: -1}, nil
}

func (f *fakeDB) Exec(_ context.Context, query string) (adapters.DBResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.statements = append(f.statements, query)

	for prefix, err := range f.execErrors {
		if strings.HasPrefix(query, prefix) {
			return nil, err
		}
	}

	for prefix, affected := range f.rowsAffected {
		if strings.HasPrefix(query, prefix) {
			return fakeResult(affected), nil
		}
	}

	return fakeResult(1), nil
}

func (f *fakeDB) BeginTx(_ context.Context) (adapters.DBTx, error) {
	return f, nil
}

func (f *fakeDB) Commit(_ context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeDB) Rollback(_ context.Context) error {
	f.rolledBack = true
	return nil
}

type fakeResult int64

func (r fakeResult) RowsAffected() (int64, error) {
	return int64(r), nil
}

type fakeRows struct {
	rows  [][]any
	index int
}

func (r *fakeRows) Next() bool {
	r.index++
	return r.index < len(r.rows)
}

func (r *fakeRows) Scan(dest ...any) error {
	for i, value := range r.rows[r.index] {
		switch target := dest[i].(type) {
		case *int64:
			*target = value.(int64)
		case *string:
			*target = value.(string)
		case *[]byte:
			*target = []byte(value.(string))
		case interface{ Scan(any) error }:
			if err := target.Scan(value); err != nil {
				return err
			}
		}
	}

	return nil
}

func (r *fakeRows) Err() error   { return nil }
func (r *fakeRows) Close() error { return nil }

func givenCore() *Core {
	return NewCore("postgres", func(err error) bool { return errors.Is(err, errUniqueViolation) }, nil, nil)
}

func givenStreamWrite(t *testing.T, expectedVersion eventstore.SequenceNumber, startsStream bool) eventstore.StreamWrite {
	streamID := uuid.New()
	event, err := eventstore.BuildStorableEvent(
		"ten1",
		streamID,
		expectedVersion+1,
		"ThreadStarted",
		time.Date(2025, time.March, 14, 9, 26, 53, 0, time.UTC),
		[]byte(`{"Topic":"it's"}`),
		[]byte(`{}`),
	)
	require.NoError(t, err, "error in arranging test data")

	return eventstore.StreamWrite{
		TenantID:        "ten1",
		StreamID:        streamID,
		ExpectedVersion: expectedVersion,
		StartsStream:    startsStream,
		Events:          eventstore.StorableEvents{event},
	}
}

func tablesFor(eventstore.TenantID) Tables {
	return TablesIn("mt_tenant_ten1", "p_")
}

func Test_CommitInTransaction_Writes_Stream_Events_And_Snapshots(t *testing.T) {
	// setup
	db := newFakeDB()
	write := givenStreamWrite(t, 0, true)
	snapshot, err := eventstore.BuildSnapshot("ten1", "Thread", write.StreamID, 1, []byte(`{}`), time.Now())
	require.NoError(t, err)

	// act
	err = givenCore().CommitInTransaction(context.Background(), db, eventstore.CommitBatch{
		CommitID:  "c1",
		Streams:   []eventstore.StreamWrite{write},
		Snapshots: []eventstore.Snapshot{snapshot},
	}, tablesFor)

	// assert
	require.NoError(t, err)
	require.Len(t, db.statements, 3)
	assert.Contains(t, db.statements[0], `INSERT INTO "mt_tenant_ten1"."p_streams"`)
	assert.Contains(t, db.statements[0], `ON CONFLICT DO NOTHING`)
	assert.Contains(t, db.statements[1], `INSERT INTO "mt_tenant_ten1"."p_events"`)
	assert.Contains(t, db.statements[1], `'{"Topic":"it''s"}'`)
	assert.Contains(t, db.statements[2], `ON CONFLICT (tenant_id,aggregate_type,aggregate_id) DO UPDATE SET`)
	assert.True(t, db.committed)
	assert.False(t, db.rolledBack)
}

func Test_CommitInTransaction_Detects_Lost_Races(t *testing.T) {
	testCases := []struct {
		name            string
		expectedVersion eventstore.SequenceNumber
		startsStream    bool
		arrange         func(db *fakeDB)
		wantErr         error
	}{
		{
			name:         "stream inserted concurrently",
			startsStream: true,
			arrange:      func(db *fakeDB) { db.rowsAffected["INSERT INTO"] = 0 },
			wantErr:      eventstore.ErrDuplicateStream,
		},
		{
			name:            "stream version moved",
			expectedVersion: 2,
			arrange:         func(db *fakeDB) { db.rowsAffected["UPDATE"] = 0 },
			wantErr:         eventstore.ErrConcurrencyConflict,
		},
		{
			name:            "event row already exists",
			expectedVersion: 2,
			arrange: func(db *fakeDB) {
				db.execErrors[`INSERT INTO "mt_tenant_ten1"."p_events"`] = errUniqueViolation
			},
			wantErr: eventstore.ErrConcurrencyConflict,
		},
		{
			name:            "other database failure",
			expectedVersion: 2,
			arrange:         func(db *fakeDB) { db.execErrors["UPDATE"] = errors.New("connection reset") },
			wantErr:         eventstore.ErrCommitFailed,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// setup
			db := newFakeDB()
			write := givenStreamWrite(t, tc.expectedVersion, tc.startsStream)

			// arrange
			tc.arrange(db)

			// act
			err := givenCore().CommitInTransaction(
				context.Background(),
				db,
				eventstore.CommitBatch{CommitID: "c1", Streams: []eventstore.StreamWrite{write}},
				tablesFor,
			)

			// assert
			assert.ErrorIs(t, err, tc.wantErr)
			assert.True(t, db.rolledBack)
			assert.False(t, db.committed)
		})
	}
}

func Test_ReadStream_Scans_Timestamps_From_Text(t *testing.T) {
	// setup
	db := newFakeDB()
	streamID := uuid.New()
	db.rows = [][]any{
		{int64(1), "ThreadStarted", "2025-03-14T09:26:53.123456Z", `{}`, `{}`},
		{int64(2), "MessagePosted", "2025-03-14 09:27:53.5", `{}`, `{}`},
	}

	// act
	events, err := givenCore().ReadStream(context.Background(), db, tablesFor("ten1"), "ten1", streamID)

	// assert
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, time.Date(2025, time.March, 14, 9, 26, 53, 123456000, time.UTC), events[0].OccurredAt)
	assert.Equal(t, time.Date(2025, time.March, 14, 9, 27, 53, 500000000, time.UTC), events[1].OccurredAt)
	assert.Contains(t, db.statements[0], `ORDER BY "sequence_number" ASC`)
}

func Test_LoadSnapshot_Returns_Nil_When_Missing(t *testing.T) {
	// setup
	db := newFakeDB()

	// act
	snapshot, err := givenCore().LoadSnapshot(context.Background(), db, tablesFor("ten1"), "ten1", "Thread", uuid.New())

	// assert
	require.NoError(t, err)
	assert.Nil(t, snapshot)
}

func Test_StreamVersion_Returns_Zero_For_Unknown_Stream(t *testing.T) {
	// setup
	db := newFakeDB()

	// act
	version, err := givenCore().StreamVersion(context.Background(), db, tablesFor("ten1"), "ten1", uuid.New())

	// assert
	require.NoError(t, err)
	assert.Equal(t, eventstore.SequenceNumber(0), version)
}

func Test_ExecDDL_Wraps_Failures(t *testing.T) {
	// setup
	db := newFakeDB()
	db.execErrors["CREATE"] = errors.New("permission denied")

	// act
	err := givenCore().ExecDDL(context.Background(), db, "CREATE TABLE x (id INT)")

	// assert
	assert.ErrorIs(t, err, eventstore.ErrSchemaProvisioningFailed)
}

func Test_TenantSlug(t *testing.T) {
	testCases := []struct {
		tenantID eventstore.TenantID
		prefix   string
	}{
		{tenantID: "ten1", prefix: "ten1_"},
		{tenantID: "Ten-1", prefix: "ten_1_"},
		{tenantID: "ünïcode", prefix: "_n_code_"},
		{tenantID: strings.Repeat("a", 40), prefix: strings.Repeat("a", 30) + "_"},
	}

	for _, tc := range testCases {
		t.Run(tc.tenantID, func(t *testing.T) {
			// act
			slug := TenantSlug(tc.tenantID)

			// assert
			assert.True(t, strings.HasPrefix(slug, tc.prefix), slug)
			assert.Regexp(t, `^[a-z0-9_]+_[0-9a-f]{8}$`, slug)
		})
	}

	assert.NotEqual(t, TenantSlug("ten-1"), TenantSlug("ten_1"), "replaced characters must not collide")
}

func Test_ProvisionCache(t *testing.T) {
	// setup
	cache := NewProvisionCache()

	// act
	cache.Remember("ten1")
	remembered := cache.IsProvisioned("ten1")
	cache.Forget("ten1")

	// assert
	assert.True(t, remembered)
	assert.False(t, cache.IsProvisioned("ten1"))
	assert.False(t, cache.IsProvisioned("ten2"))
}
