package sqlbackend

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore"
	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore/internal/adapters"
)

const (
	logMsgSQLExecuted         = "executed sql for: "
	logMsgOperation           = "eventstore operation: "
	logMsgDBQueryFailed       = "database query execution failed"
	logMsgDBExecFailed        = "database execution failed"
	logMsgBuildQueryFailed    = "failed to build query"
	logMsgCloseRowsFailed     = "failed to close database rows"
	logMsgScanRowFailed       = "failed to scan database row"
	logMsgRollbackFailed      = "failed to roll back transaction"
	logMsgConcurrencyConflict = "concurrency conflict detected"
	logMsgBatchCommitted      = "batch committed"
	logAttrError              = "error"
	logAttrQuery              = "query"
	logAttrDurationMS         = "duration_ms"
	logAttrTenantID           = "tenant_id"
	logAttrStreamID           = "stream_id"
	logAttrCommitID           = "commit_id"
	logAttrExpectedVersion    = "expected_version"
	logAttrEventCount         = "event_count"
	logAttrStreamCount        = "stream_count"
	logAttrSnapshotCount      = "snapshot_count"
	logActionStreamVersion    = "stream version"
	logActionReadStream       = "read stream"
	logActionLoadSnapshot     = "load snapshot"
	logActionInsertStream     = "insert stream"
	logActionUpdateStream     = "update stream"
	logActionInsertEvents     = "insert events"
	logActionUpsertSnapshot   = "upsert snapshot"
	logActionProvision        = "provision"
)

// Core runs the dialect independent SQL of a backend.
type Core struct {
	dialect           goqu.DialectWrapper
	isUniqueViolation func(error) bool
	logger            eventstore.Logger
	contextualLogger  eventstore.ContextualLogger
}

// NewCore creates a Core for a goqu dialect name. The dialect package must be imported by the caller.
func NewCore(
	dialect string,
	isUniqueViolation func(error) bool,
	logger eventstore.Logger,
	contextualLogger eventstore.ContextualLogger,
) *Core {
	return &Core{
		dialect:           goqu.Dialect(dialect),
		isUniqueViolation: isUniqueViolation,
		logger:            logger,
		contextualLogger:  contextualLogger,
	}
}

// Dialect returns the goqu dialect, for backends that build their own statements.
func (c *Core) Dialect() goqu.DialectWrapper {
	return c.dialect
}

// StreamVersion returns the committed version of a stream, 0 if the stream does not exist.
func (c *Core) StreamVersion(
	ctx context.Context,
	q adapters.Querier,
	tables Tables,
	tenantID eventstore.TenantID,
	streamID eventstore.StreamID,
) (eventstore.SequenceNumber, error) {
	sqlQuery, _, err := c.dialect.
		From(tables.Streams).
		Select(ColVersion).
		Where(goqu.C(ColTenantID).Eq(tenantID), goqu.C(ColStreamID).Eq(streamID.String())).
		ToSQL()
	if err != nil {
		return 0, c.buildFailed(ctx, err)
	}

	rows, err := c.query(ctx, q, logActionStreamVersion, sqlQuery)
	if err != nil {
		return 0, errors.Join(eventstore.ErrReadingVersionFailed, err)
	}
	defer c.closeRows(ctx, rows)

	var version int64
	if rows.Next() {
		if err = rows.Scan(&version); err != nil {
			return 0, c.scanFailed(ctx, err)
		}
	}

	if err = rows.Err(); err != nil {
		return 0, errors.Join(eventstore.ErrReadingVersionFailed, err)
	}

	return eventstore.SequenceNumber(version), nil
}

// ReadStream returns the events of a stream ordered by sequence number.
func (c *Core) ReadStream(
	ctx context.Context,
	q adapters.Querier,
	tables Tables,
	tenantID eventstore.TenantID,
	streamID eventstore.StreamID,
) (eventstore.StorableEvents, error) {
	sqlQuery, _, err := c.dialect.
		From(tables.Events).
		Select(ColSequenceNumber, ColEventType, ColOccurredAt, ColPayload, ColMetadata).
		Where(goqu.C(ColTenantID).Eq(tenantID), goqu.C(ColStreamID).Eq(streamID.String())).
		Order(goqu.C(ColSequenceNumber).Asc()).
		ToSQL()
	if err != nil {
		return nil, c.buildFailed(ctx, err)
	}

	rows, err := c.query(ctx, q, logActionReadStream, sqlQuery)
	if err != nil {
		return nil, errors.Join(eventstore.ErrReadingStreamFailed, err)
	}
	defer c.closeRows(ctx, rows)

	events := make(eventstore.StorableEvents, 0)

	for rows.Next() {
		var (
			sequenceNumber int64
			eventType      string
			occurredAt     timestampScanner
			payload        []byte
			metadata       []byte
		)

		if err = rows.Scan(&sequenceNumber, &eventType, &occurredAt, &payload, &metadata); err != nil {
			return nil, c.scanFailed(ctx, err)
		}

		event, buildErr := eventstore.BuildStorableEvent(
			tenantID,
			streamID,
			eventstore.SequenceNumber(sequenceNumber),
			eventType,
			occurredAt.Time(),
			payload,
			metadata,
		)
		if buildErr != nil {
			return nil, errors.Join(eventstore.ErrReadingStreamFailed, buildErr)
		}

		events = append(events, event)
	}

	if err = rows.Err(); err != nil {
		return nil, errors.Join(eventstore.ErrReadingStreamFailed, err)
	}

	return events, nil
}

// LoadSnapshot returns nil, nil when the aggregate has no snapshot.
func (c *Core) LoadSnapshot(
	ctx context.Context,
	q adapters.Querier,
	tables Tables,
	tenantID eventstore.TenantID,
	aggregateType string,
	aggregateID eventstore.StreamID,
) (*eventstore.Snapshot, error) {
	sqlQuery, _, err := c.dialect.
		From(tables.Snapshots).
		Select(ColSequenceNumber, ColData, ColUpdatedAt).
		Where(
			goqu.C(ColTenantID).Eq(tenantID),
			goqu.C(ColAggregateType).Eq(aggregateType),
			goqu.C(ColAggregateID).Eq(aggregateID.String()),
		).
		ToSQL()
	if err != nil {
		return nil, c.buildFailed(ctx, err)
	}

	rows, err := c.query(ctx, q, logActionLoadSnapshot, sqlQuery)
	if err != nil {
		return nil, errors.Join(eventstore.ErrLoadingSnapshotFailed, err)
	}
	defer c.closeRows(ctx, rows)

	if !rows.Next() {
		if err = rows.Err(); err != nil {
			return nil, errors.Join(eventstore.ErrLoadingSnapshotFailed, err)
		}

		return nil, nil
	}

	var (
		sequenceNumber int64
		data           []byte
		updatedAt      timestampScanner
	)

	if err = rows.Scan(&sequenceNumber, &data, &updatedAt); err != nil {
		return nil, c.scanFailed(ctx, err)
	}

	snapshot, err := eventstore.BuildSnapshot(
		tenantID,
		aggregateType,
		aggregateID,
		eventstore.SequenceNumber(sequenceNumber),
		data,
		updatedAt.Time(),
	)
	if err != nil {
		return nil, errors.Join(eventstore.ErrLoadingSnapshotFailed, err)
	}

	return &snapshot, nil
}

// CommitInTransaction writes the batch in one transaction of db. tablesFor resolves the tables
// of each tenant in the batch.
func (c *Core) CommitInTransaction(
	ctx context.Context,
	db adapters.DBAdapter,
	batch eventstore.CommitBatch,
	tablesFor func(eventstore.TenantID) Tables,
) error {
	start := time.Now()

	tx, err := db.BeginTx(ctx)
	if err != nil {
		c.logError(ctx, logMsgDBExecFailed, err)
		return errors.Join(eventstore.ErrCommitFailed, err)
	}

	if err = c.writeBatch(ctx, tx, batch, tablesFor); err != nil {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil {
			c.logWarn(ctx, logMsgRollbackFailed, logAttrError, rollbackErr.Error())
		}

		return err
	}

	if err = tx.Commit(ctx); err != nil {
		c.logError(ctx, logMsgDBExecFailed, err, logAttrCommitID, batch.CommitID)
		return errors.Join(eventstore.ErrCommitFailed, err)
	}

	c.logOperation(
		ctx,
		logMsgBatchCommitted,
		logAttrCommitID, batch.CommitID,
		logAttrStreamCount, len(batch.Streams),
		logAttrEventCount, batch.EventCount(),
		logAttrSnapshotCount, len(batch.Snapshots),
		logAttrDurationMS, toMilliseconds(time.Since(start)),
	)

	return nil
}

func (c *Core) writeBatch(
	ctx context.Context,
	tx adapters.DBTx,
	batch eventstore.CommitBatch,
	tablesFor func(eventstore.TenantID) Tables,
) error {
	now := time.Now().UTC().Truncate(time.Microsecond)

	for _, write := range batch.Streams {
		tables := tablesFor(write.TenantID)

		if err := c.moveStreamVersion(ctx, tx, tables, write, now); err != nil {
			return err
		}

		if err := c.insertEvents(ctx, tx, tables, write); err != nil {
			return err
		}
	}

	for _, snapshot := range batch.Snapshots {
		if err := c.upsertSnapshot(ctx, tx, tablesFor(snapshot.TenantID), snapshot); err != nil {
			return err
		}
	}

	return nil
}

func (c *Core) moveStreamVersion(
	ctx context.Context,
	tx adapters.DBTx,
	tables Tables,
	write eventstore.StreamWrite,
	now time.Time,
) error {
	var (
		sqlQuery string
		action   string
		err      error
	)

	if write.ExpectedVersion == 0 {
		action = logActionInsertStream
		sqlQuery, _, err = c.dialect.
			Insert(tables.Streams).
			Rows(goqu.Record{
				ColTenantID:  write.TenantID,
				ColStreamID:  write.StreamID.String(),
				ColVersion:   int64(write.NewVersion()),
				ColCreatedAt: now,
				ColUpdatedAt: now,
			}).
			OnConflict(goqu.DoNothing()).
			ToSQL()
	} else {
		action = logActionUpdateStream
		sqlQuery, _, err = c.dialect.
			Update(tables.Streams).
			Set(goqu.Record{
				ColVersion:   int64(write.NewVersion()),
				ColUpdatedAt: now,
			}).
			Where(
				goqu.C(ColTenantID).Eq(write.TenantID),
				goqu.C(ColStreamID).Eq(write.StreamID.String()),
				goqu.C(ColVersion).Eq(int64(write.ExpectedVersion)),
			).
			ToSQL()
	}

	if err != nil {
		return c.buildFailed(ctx, err)
	}

	rowsAffected, err := c.exec(ctx, tx, action, sqlQuery)
	if err != nil {
		return c.commitFailed(ctx, write, err)
	}

	if rowsAffected == 0 {
		return c.raceLost(ctx, write)
	}

	return nil
}

func (c *Core) insertEvents(ctx context.Context, tx adapters.DBTx, tables Tables, write eventstore.StreamWrite) error {
	rows := make([]any, 0, len(write.Events))
	for _, event := range write.Events {
		rows = append(rows, goqu.Record{
			ColTenantID:       event.TenantID,
			ColStreamID:       event.StreamID.String(),
			ColSequenceNumber: int64(event.SequenceNumber),
			ColEventType:      event.EventType,
			ColOccurredAt:     event.OccurredAt,
			ColPayload:        string(event.PayloadJSON),
			ColMetadata:       string(event.MetadataJSON),
		})
	}

	sqlQuery, _, err := c.dialect.Insert(tables.Events).Rows(rows...).ToSQL()
	if err != nil {
		return c.buildFailed(ctx, err)
	}

	if _, err = c.exec(ctx, tx, logActionInsertEvents, sqlQuery); err != nil {
		return c.commitFailed(ctx, write, err)
	}

	return nil
}

func (c *Core) upsertSnapshot(ctx context.Context, tx adapters.DBTx, tables Tables, snapshot eventstore.Snapshot) error {
	sqlQuery, _, err := c.dialect.
		Insert(tables.Snapshots).
		Rows(goqu.Record{
			ColTenantID:       snapshot.TenantID,
			ColAggregateType:  snapshot.AggregateType,
			ColAggregateID:    snapshot.AggregateID.String(),
			ColSequenceNumber: int64(snapshot.SequenceNumber),
			ColData:           string(snapshot.Data),
			ColUpdatedAt:      snapshot.UpdatedAt,
		}).
		OnConflict(goqu.DoUpdate(
			ColTenantID+","+ColAggregateType+","+ColAggregateID,
			goqu.Record{
				ColSequenceNumber: goqu.I("excluded." + ColSequenceNumber),
				ColData:           goqu.I("excluded." + ColData),
				ColUpdatedAt:      goqu.I("excluded." + ColUpdatedAt),
			},
		)).
		ToSQL()
	if err != nil {
		return c.buildFailed(ctx, err)
	}

	if _, err = c.exec(ctx, tx, logActionUpsertSnapshot, sqlQuery); err != nil {
		c.logError(ctx, logMsgDBExecFailed, err, logAttrTenantID, snapshot.TenantID)
		return errors.Join(eventstore.ErrCommitFailed, err)
	}

	return nil
}

// ExecDDL runs a provisioning statement.
func (c *Core) ExecDDL(ctx context.Context, q adapters.Querier, statement string) error {
	if _, err := c.exec(ctx, q, logActionProvision, statement); err != nil {
		c.logError(ctx, logMsgDBExecFailed, err, logAttrQuery, statement)
		return errors.Join(eventstore.ErrSchemaProvisioningFailed, err)
	}

	return nil
}

// QueryInt runs a query that returns a single integer, e.g. a count of existing tables.
func (c *Core) QueryInt(ctx context.Context, q adapters.Querier, sqlQuery string) (int64, error) {
	rows, err := c.query(ctx, q, logActionProvision, sqlQuery)
	if err != nil {
		return 0, errors.Join(eventstore.ErrSchemaProvisioningFailed, err)
	}
	defer c.closeRows(ctx, rows)

	var value int64
	if rows.Next() {
		if err = rows.Scan(&value); err != nil {
			return 0, c.scanFailed(ctx, err)
		}
	}

	if err = rows.Err(); err != nil {
		return 0, errors.Join(eventstore.ErrSchemaProvisioningFailed, err)
	}

	return value, nil
}

func (c *Core) query(ctx context.Context, q adapters.Querier, action, sqlQuery string) (adapters.DBRows, error) {
	start := time.Now()
	rows, err := q.Query(ctx, sqlQuery)
	c.logQueryWithDuration(ctx, sqlQuery, action, time.Since(start))

	if err != nil {
		c.logError(ctx, logMsgDBQueryFailed, err, logAttrQuery, sqlQuery)
		return nil, err
	}

	return rows, nil
}

func (c *Core) exec(ctx context.Context, q adapters.Querier, action, sqlQuery string) (int64, error) {
	start := time.Now()
	result, err := q.Exec(ctx, sqlQuery)
	c.logQueryWithDuration(ctx, sqlQuery, action, time.Since(start))

	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

func (c *Core) commitFailed(ctx context.Context, write eventstore.StreamWrite, err error) error {
	if c.isUniqueViolation != nil && c.isUniqueViolation(err) {
		return c.raceLost(ctx, write)
	}

	c.logError(ctx, logMsgDBExecFailed, err, logAttrTenantID, write.TenantID, logAttrStreamID, write.StreamID.String())

	return errors.Join(eventstore.ErrCommitFailed, err)
}

func (c *Core) raceLost(ctx context.Context, write eventstore.StreamWrite) error {
	c.logOperation(
		ctx,
		logMsgConcurrencyConflict,
		logAttrTenantID, write.TenantID,
		logAttrStreamID, write.StreamID.String(),
		logAttrExpectedVersion, write.ExpectedVersion,
	)

	return errors.Join(
		write.RaceError(),
		fmt.Errorf("tenant %q stream %s moved away from version %d", write.TenantID, write.StreamID, write.ExpectedVersion),
	)
}

func (c *Core) buildFailed(ctx context.Context, err error) error {
	c.logError(ctx, logMsgBuildQueryFailed, err)

	return errors.Join(eventstore.ErrBuildingQueryFailed, err)
}

func (c *Core) scanFailed(ctx context.Context, err error) error {
	c.logError(ctx, logMsgScanRowFailed, err)

	return errors.Join(eventstore.ErrScanningDBRowFailed, err)
}

func (c *Core) closeRows(ctx context.Context, rows adapters.DBRows) {
	if err := rows.Close(); err != nil {
		c.logWarn(ctx, logMsgCloseRowsFailed, logAttrError, err.Error())
	}
}

func (c *Core) logQueryWithDuration(ctx context.Context, sqlQuery, action string, duration time.Duration) {
	args := []any{logAttrDurationMS, toMilliseconds(duration), logAttrQuery, sqlQuery}

	if c.logger != nil {
		c.logger.Debug(logMsgSQLExecuted+action, args...)
	}

	if c.contextualLogger != nil {
		c.contextualLogger.DebugContext(ctx, logMsgSQLExecuted+action, args...)
	}
}

func (c *Core) logOperation(ctx context.Context, action string, args ...any) {
	if c.logger != nil {
		c.logger.Info(logMsgOperation+action, args...)
	}

	if c.contextualLogger != nil {
		c.contextualLogger.InfoContext(ctx, logMsgOperation+action, args...)
	}
}

func (c *Core) logWarn(ctx context.Context, msg string, args ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, args...)
	}

	if c.contextualLogger != nil {
		c.contextualLogger.WarnContext(ctx, msg, args...)
	}
}

func (c *Core) logError(ctx context.Context, msg string, err error, args ...any) {
	allArgs := append([]any{logAttrError, err.Error()}, args...)

	if c.logger != nil {
		c.logger.Error(msg, allArgs...)
	}

	if c.contextualLogger != nil {
		c.contextualLogger.ErrorContext(ctx, msg, allArgs...)
	}
}

// toMilliseconds converts a time.Duration to float64 milliseconds with 3 decimal places.
func toMilliseconds(d time.Duration) float64 {
	return math.Round(float64(d.Nanoseconds())/1e6*1000) / 1000
}
