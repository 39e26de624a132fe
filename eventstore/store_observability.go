package eventstore

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"
)

const (
	logMsgSessionOpened       = "session opened"
	logMsgChangesSaved        = "changes saved"
	logMsgSaveChangesFailed   = "saving changes failed"
	logMsgConcurrencyConflict = "concurrency conflict detected"
	logMsgPartialCommit       = "changes were committed for some tenants only"
	logMsgAggregateLoaded     = "aggregate loaded"
	logMsgLoadFailed          = "loading aggregate failed"
	logMsgSnapshotRebuilt     = "snapshot lags behind its stream, rebuilding from all events"
	logMsgOperation           = "eventstore operation: "

	logAttrError          = "error"
	logAttrSessionID      = "session_id"
	logAttrCommitID       = "commit_id"
	logAttrTenantID       = "tenant_id"
	logAttrTenantCount    = "tenant_count"
	logAttrStreamID       = "stream_id"
	logAttrStreamCount    = "stream_count"
	logAttrEventCount     = "event_count"
	logAttrAggregateType  = "aggregate_type"
	logAttrDurationMS     = "duration_ms"
	logAttrCommitted      = "committed_tenants"
	logAttrNotCommitted   = "not_committed_tenants"
	logAttrSnapshotSeq    = "snapshot_sequence"
	logAttrStreamVersion  = "stream_version"
	logAttrDefaultTenant  = "default_tenant_id"
	logAttrBackend        = "backend"
	logAttrFound          = "found"
	logAttrSessionState   = "session_state"
	labelOperation        = "operation"
	labelStatus           = "status"
	labelErrorType        = "error_type"
	labelBackend          = "backend"
	operationSaveChanges  = "save_changes"
	operationLoad         = "load"
	errorTypeConflict     = "concurrency_conflict"
	errorTypeDuplicate    = "duplicate_stream"
	errorTypePartial      = "partial_commit"
	errorTypeSchemaPolicy = "schema_policy"
	errorTypeConfig       = "configuration"
	errorTypeCanceled     = "canceled"
	errorTypeBackend      = "backend"
)

// errorTypeOf classifies an error for metrics labels and span attributes.
func errorTypeOf(err error) string {
	switch {
	case errors.Is(err, ErrPartialCommit):
		return errorTypePartial
	case errors.Is(err, ErrDuplicateStream):
		return errorTypeDuplicate
	case errors.Is(err, ErrConcurrencyConflict):
		return errorTypeConflict
	case errors.Is(err, ErrSchemaPolicy):
		return errorTypeSchemaPolicy
	case errors.Is(err, ErrConfiguration):
		return errorTypeConfig
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errorTypeCanceled
	default:
		return errorTypeBackend
	}
}

func (s *Store) logDebug(ctx context.Context, msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}

	if s.contextualLogger != nil {
		s.contextualLogger.DebugContext(ctx, msg, args...)
	}
}

func (s *Store) logOperation(ctx context.Context, action string, args ...any) {
	if s.logger != nil {
		s.logger.Info(logMsgOperation+action, args...)
	}

	if s.contextualLogger != nil {
		s.contextualLogger.InfoContext(ctx, logMsgOperation+action, args...)
	}
}

func (s *Store) logWarn(ctx context.Context, msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}

	if s.contextualLogger != nil {
		s.contextualLogger.WarnContext(ctx, msg, args...)
	}
}

func (s *Store) logError(ctx context.Context, msg string, err error, args ...any) {
	allArgs := append([]any{logAttrError, err.Error()}, args...)

	if s.logger != nil {
		s.logger.Error(msg, allArgs...)
	}

	if s.contextualLogger != nil {
		s.contextualLogger.ErrorContext(ctx, msg, allArgs...)
	}
}

func (s *Store) recordDuration(ctx context.Context, metric string, duration time.Duration, labels map[string]string) {
	if s.metricsCollector == nil {
		return
	}

	if contextual, ok := s.metricsCollector.(ContextualMetricsCollector); ok {
		contextual.RecordDurationContext(ctx, metric, duration, labels)
		return
	}

	s.metricsCollector.RecordDuration(metric, duration, labels)
}

func (s *Store) incrementCounter(ctx context.Context, metric string, labels map[string]string) {
	if s.metricsCollector == nil {
		return
	}

	if contextual, ok := s.metricsCollector.(ContextualMetricsCollector); ok {
		contextual.IncrementCounterContext(ctx, metric, labels)
		return
	}

	s.metricsCollector.IncrementCounter(metric, labels)
}

func (s *Store) recordValue(ctx context.Context, metric string, value float64, labels map[string]string) {
	if s.metricsCollector == nil {
		return
	}

	if contextual, ok := s.metricsCollector.(ContextualMetricsCollector); ok {
		contextual.RecordValueContext(ctx, metric, value, labels)
		return
	}

	s.metricsCollector.RecordValue(metric, value, labels)
}

func (s *Store) startSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, SpanContext) {
	if s.tracingCollector == nil {
		return ctx, nil
	}

	return s.tracingCollector.StartSpan(ctx, name, attrs)
}

func (s *Store) finishSpan(span SpanContext, status string, attrs map[string]string) {
	if s.tracingCollector == nil || span == nil {
		return
	}

	s.tracingCollector.FinishSpan(span, status, attrs)
}

// toMilliseconds converts a duration to float64 milliseconds with 3 decimal places.
func toMilliseconds(d time.Duration) float64 {
	return math.Round(float64(d.Nanoseconds())/1e6*1000) / 1000
}

// saveChangesObservation carries the span and start time of one SaveChanges call.
type saveChangesObservation struct {
	store     *Store
	ctx       context.Context
	span      SpanContext
	startedAt time.Time
	sessionID string
}

func (s *Store) observeSaveChanges(ctx context.Context, sessionID string, pendingEvents int) (context.Context, *saveChangesObservation) {
	ctx, span := s.startSpan(ctx, SpanNameSaveChanges, map[string]string{
		labelOperation:    operationSaveChanges,
		logAttrSessionID:  sessionID,
		logAttrEventCount: strconv.Itoa(pendingEvents),
	})

	return ctx, &saveChangesObservation{
		store:     s,
		ctx:       ctx,
		span:      span,
		startedAt: time.Now(),
		sessionID: sessionID,
	}
}

func (o *saveChangesObservation) succeeded(batch CommitBatch) {
	duration := time.Since(o.startedAt)
	tenants := batch.Tenants()
	labels := map[string]string{
		labelOperation: operationSaveChanges,
		labelStatus:    StatusSuccess,
		labelBackend:   o.store.backend.Capabilities().Name,
	}

	o.store.recordDuration(o.ctx, MetricSaveChangesDuration, duration, labels)
	o.store.recordValue(o.ctx, MetricEventsAppended, float64(batch.EventCount()), labels)

	o.store.logOperation(
		o.ctx,
		logMsgChangesSaved,
		logAttrSessionID, o.sessionID,
		logAttrCommitID, batch.CommitID,
		logAttrTenantCount, len(tenants),
		logAttrStreamCount, len(batch.Streams),
		logAttrEventCount, batch.EventCount(),
		logAttrDurationMS, toMilliseconds(duration),
	)

	o.store.finishSpan(o.span, StatusSuccess, map[string]string{
		logAttrCommitID:    batch.CommitID,
		logAttrTenantCount: strconv.Itoa(len(tenants)),
		logAttrEventCount:  strconv.Itoa(batch.EventCount()),
	})
}

func (o *saveChangesObservation) failed(err error) {
	duration := time.Since(o.startedAt)
	errorType := errorTypeOf(err)
	backendName := o.store.backend.Capabilities().Name

	o.store.recordDuration(o.ctx, MetricSaveChangesDuration, duration, map[string]string{
		labelOperation: operationSaveChanges,
		labelStatus:    StatusError,
		labelBackend:   backendName,
	})

	o.store.incrementCounter(o.ctx, MetricErrors, map[string]string{
		labelOperation: operationSaveChanges,
		labelErrorType: errorType,
		labelBackend:   backendName,
	})

	var partial *PartialCommitError

	switch {
	case errors.As(err, &partial):
		o.store.incrementCounter(o.ctx, MetricPartialCommits, map[string]string{labelBackend: backendName})
		o.store.logError(
			o.ctx,
			logMsgPartialCommit,
			err,
			logAttrSessionID, o.sessionID,
			logAttrCommitted, partial.Committed,
			logAttrNotCommitted, partial.NotCommitted,
		)

	case IsConflict(err):
		o.store.incrementCounter(o.ctx, MetricConcurrencyConflicts, map[string]string{
			labelOperation: operationSaveChanges,
			labelErrorType: errorType,
		})
		o.store.logOperation(o.ctx, logMsgConcurrencyConflict, logAttrSessionID, o.sessionID, logAttrError, err.Error())

	default:
		o.store.logError(o.ctx, logMsgSaveChangesFailed, err, logAttrSessionID, o.sessionID)
	}

	o.store.finishSpan(o.span, StatusError, map[string]string{
		labelErrorType: errorType,
	})
}

// loadObservation carries the span and start time of one Load call.
type loadObservation struct {
	store         *Store
	ctx           context.Context
	span          SpanContext
	startedAt     time.Time
	tenantID      TenantID
	aggregateType string
}

func (s *Store) observeLoad(ctx context.Context, tenantID TenantID, aggregateType string) (context.Context, *loadObservation) {
	ctx, span := s.startSpan(ctx, SpanNameLoad, map[string]string{
		labelOperation:       operationLoad,
		logAttrTenantID:      tenantID,
		logAttrAggregateType: aggregateType,
	})

	return ctx, &loadObservation{
		store:         s,
		ctx:           ctx,
		span:          span,
		startedAt:     time.Now(),
		tenantID:      tenantID,
		aggregateType: aggregateType,
	}
}

func (o *loadObservation) succeeded(aggregateID StreamID, found bool) {
	duration := time.Since(o.startedAt)

	o.store.recordDuration(o.ctx, MetricLoadDuration, duration, map[string]string{
		labelOperation:       operationLoad,
		labelStatus:          StatusSuccess,
		logAttrAggregateType: o.aggregateType,
	})

	o.store.logDebug(
		o.ctx,
		logMsgAggregateLoaded,
		logAttrTenantID, o.tenantID,
		logAttrAggregateType, o.aggregateType,
		logAttrStreamID, aggregateID.String(),
		logAttrFound, found,
		logAttrDurationMS, toMilliseconds(duration),
	)

	o.store.finishSpan(o.span, StatusSuccess, map[string]string{logAttrFound: strconv.FormatBool(found)})
}

func (o *loadObservation) failed(aggregateID StreamID, err error) {
	duration := time.Since(o.startedAt)
	errorType := errorTypeOf(err)

	o.store.recordDuration(o.ctx, MetricLoadDuration, duration, map[string]string{
		labelOperation:       operationLoad,
		labelStatus:          StatusError,
		logAttrAggregateType: o.aggregateType,
	})

	o.store.incrementCounter(o.ctx, MetricErrors, map[string]string{
		labelOperation: operationLoad,
		labelErrorType: errorType,
		labelBackend:   o.store.backend.Capabilities().Name,
	})

	o.store.logError(
		o.ctx,
		logMsgLoadFailed,
		err,
		logAttrTenantID, o.tenantID,
		logAttrAggregateType, o.aggregateType,
		logAttrStreamID, aggregateID.String(),
	)

	o.store.finishSpan(o.span, StatusError, map[string]string{labelErrorType: errorType})
}
