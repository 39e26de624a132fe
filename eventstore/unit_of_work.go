package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

type operationKind int

const (
	operationStartStream operationKind = iota
	operationAppend
)

type streamKey struct {
	tenantID TenantID
	streamID StreamID
}

type snapshotKey struct {
	tenantID      TenantID
	aggregateType string
	aggregateID   StreamID
}

type pendingEvent struct {
	eventType  string
	data       any
	occurredAt time.Time
}

type pendingOperation struct {
	kind            operationKind
	key             streamKey
	expectedVersion SequenceNumber
	expectsVersion  bool
	events          []pendingEvent
}

// unitOfWork is the state shared by all tenant views of one session.
type unitOfWork struct {
	id              string
	store           *Store
	defaultTenantID TenantID
	state           SessionState
	operations      []pendingOperation
	snapshotCache   map[snapshotKey]*Snapshot
}

func (w *unitOfWork) checkWritable(tenantID TenantID) error {
	switch w.state {
	case SessionCommitted, SessionCommitting:
		return ErrSessionClosed
	case SessionFailed:
		return ErrSessionFailed
	}

	return ValidateTenantID(tenantID)
}

func (w *unitOfWork) checkReadable(tenantID TenantID) error {
	if w.state == SessionFailed {
		return ErrSessionFailed
	}

	return ValidateTenantID(tenantID)
}

func (w *unitOfWork) buffer(
	tenantID TenantID,
	kind operationKind,
	streamID StreamID,
	expectedVersion SequenceNumber,
	expectsVersion bool,
	events []any,
) error {
	if err := w.checkWritable(tenantID); err != nil {
		return err
	}

	if err := ValidateStreamID(streamID); err != nil {
		return err
	}

	if len(events) == 0 {
		return ErrNoEvents
	}

	pending := make([]pendingEvent, 0, len(events))
	for _, event := range events {
		eventType, err := w.store.eventTypes.nameOf(event)
		if err != nil {
			return err
		}

		data, err := derefEvent(event)
		if err != nil {
			return err
		}

		occurredAt := w.store.clock()
		if reporter, ok := data.(OccurredAtReporter); ok {
			occurredAt = reporter.HasOccurredAt()
		}

		pending = append(pending, pendingEvent{
			eventType:  eventType,
			data:       data,
			occurredAt: occurredAt.UTC().Truncate(time.Microsecond),
		})
	}

	w.operations = append(w.operations, pendingOperation{
		kind:            kind,
		key:             streamKey{tenantID: tenantID, streamID: streamID},
		expectedVersion: expectedVersion,
		expectsVersion:  expectsVersion,
		events:          pending,
	})

	return nil
}

func (w *unitOfWork) pendingEventCount() int {
	count := 0
	for _, operation := range w.operations {
		count += len(operation.events)
	}

	return count
}

func (w *unitOfWork) ensureSchema(ctx context.Context, tenantID TenantID) error {
	return w.store.backend.EnsureSchema(ctx, tenantID, w.store.autoCreate)
}

func (w *unitOfWork) saveChanges(ctx context.Context) error {
	switch w.state {
	case SessionCommitted, SessionCommitting:
		return ErrSessionClosed
	case SessionFailed:
		return ErrSessionFailed
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if len(w.operations) == 0 {
		w.state = SessionCommitted
		return nil
	}

	w.state = SessionCommitting

	ctx, observation := w.store.observeSaveChanges(ctx, w.id, w.pendingEventCount())

	batch, err := w.plan(WithStrongConsistency(ctx), gonanoid.Must())
	if err != nil {
		if ctx.Err() != nil {
			// nothing was written, the session stays usable
			w.state = SessionOpen
		} else {
			w.state = SessionFailed
		}
		observation.failed(err)

		return err
	}

	if err = w.commit(context.WithoutCancel(ctx), batch); err != nil {
		w.state = SessionFailed
		observation.failed(err)

		return err
	}

	w.state = SessionCommitted
	w.operations = nil
	for _, snapshot := range batch.Snapshots {
		delete(w.snapshotCache, snapshotKey{snapshot.TenantID, snapshot.AggregateType, snapshot.AggregateID})
	}
	observation.succeeded(batch)

	return nil
}

func (w *unitOfWork) commit(ctx context.Context, batch CommitBatch) error {
	backend := w.store.backend

	if backend.Capabilities().CrossTenantAtomic {
		return backend.Commit(ctx, batch)
	}

	return CommitTenantsSequentially(ctx, batch, backend.Commit)
}

// groupOperations groups operations by stream in first-touch order. Operations on one stream keep
// their program order.
func (w *unitOfWork) groupOperations() ([]streamKey, map[streamKey][]pendingOperation) {
	keys := make([]streamKey, 0)
	grouped := make(map[streamKey][]pendingOperation)

	for _, operation := range w.operations {
		if _, seen := grouped[operation.key]; !seen {
			keys = append(keys, operation.key)
		}
		grouped[operation.key] = append(grouped[operation.key], operation)
	}

	return keys, grouped
}

func (w *unitOfWork) plan(ctx context.Context, commitID string) (CommitBatch, error) {
	batch := CommitBatch{CommitID: commitID}
	keys, grouped := w.groupOperations()
	ensured := make(map[TenantID]bool)

	metadataJSON, err := w.store.serializer.Marshal(EventMetadata{
		SessionID:       w.id,
		CommitID:        commitID,
		DefaultTenantID: w.defaultTenantID,
	})
	if err != nil {
		return CommitBatch{}, err
	}

	for _, key := range keys {
		if !ensured[key.tenantID] {
			if err = w.ensureSchema(ctx, key.tenantID); err != nil {
				return CommitBatch{}, err
			}
			ensured[key.tenantID] = true
		}

		write, newData, planErr := w.planStream(ctx, key, grouped[key], metadataJSON)
		if planErr != nil {
			return CommitBatch{}, planErr
		}

		snapshots, projectErr := w.project(ctx, write, newData)
		if projectErr != nil {
			return CommitBatch{}, projectErr
		}

		batch.Streams = append(batch.Streams, write)
		batch.Snapshots = append(batch.Snapshots, snapshots...)
	}

	return batch, nil
}

func (w *unitOfWork) planStream(
	ctx context.Context,
	key streamKey,
	operations []pendingOperation,
	metadataJSON []byte,
) (StreamWrite, []any, error) {
	committed, err := w.store.backend.StreamVersion(ctx, key.tenantID, key.streamID)
	if err != nil {
		return StreamWrite{}, nil, err
	}

	write := StreamWrite{
		TenantID:        key.tenantID,
		StreamID:        key.streamID,
		ExpectedVersion: committed,
	}
	running := committed
	newData := make([]any, 0)

	for i, operation := range operations {
		switch operation.kind {
		case operationStartStream:
			if running > 0 {
				return StreamWrite{}, nil, errors.Join(
					ErrDuplicateStream,
					fmt.Errorf("tenant %q stream %s is at version %d", key.tenantID, key.streamID, running),
				)
			}
			if i == 0 {
				write.StartsStream = true
			}

		case operationAppend:
			if operation.expectsVersion && operation.expectedVersion != running {
				return StreamWrite{}, nil, errors.Join(
					ErrConcurrencyConflict,
					fmt.Errorf(
						"tenant %q stream %s: expected version %d, actual version %d",
						key.tenantID, key.streamID, operation.expectedVersion, running,
					),
				)
			}
		}

		for _, event := range operation.events {
			running++

			payloadJSON, marshalErr := w.store.serializer.Marshal(event.data)
			if marshalErr != nil {
				return StreamWrite{}, nil, marshalErr
			}

			storable, buildErr := BuildStorableEvent(
				key.tenantID,
				key.streamID,
				running,
				event.eventType,
				event.occurredAt,
				payloadJSON,
				metadataJSON,
			)
			if buildErr != nil {
				return StreamWrite{}, nil, buildErr
			}

			write.Events = append(write.Events, storable)
			newData = append(newData, event.data)
		}
	}

	return write, newData, nil
}

// project folds the inline projections that apply to the stream and returns their new snapshots.
func (w *unitOfWork) project(ctx context.Context, write StreamWrite, newData []any) ([]Snapshot, error) {
	snapshots := make([]Snapshot, 0)

	var history []any
	historyLoaded := false

	for _, projection := range w.store.projections {
		var prior json.RawMessage
		events := newData

		if write.ExpectedVersion == 0 {
			if !projection.appliesTo(newData[0]) {
				continue
			}
		} else {
			stored, err := w.store.backend.LoadSnapshot(ctx, write.TenantID, projection.AggregateType(), write.StreamID)
			if err != nil {
				return nil, err
			}

			if stored != nil && stored.SequenceNumber == write.ExpectedVersion {
				prior = stored.Data
			} else {
				if !historyLoaded {
					if history, err = w.readEventData(ctx, write.TenantID, write.StreamID); err != nil {
						return nil, err
					}
					historyLoaded = true
				}

				if len(history) == 0 || !projection.appliesTo(history[0]) {
					continue
				}

				if stored != nil {
					w.store.logWarn(
						ctx,
						logMsgSnapshotRebuilt,
						logAttrTenantID, write.TenantID,
						logAttrAggregateType, projection.AggregateType(),
						logAttrStreamID, write.StreamID.String(),
						logAttrSnapshotSeq, stored.SequenceNumber,
						logAttrStreamVersion, write.ExpectedVersion,
					)
				}

				events = append(slices.Clone(history), newData...)
			}
		}

		data, err := projection.fold(w.store.serializer, write.StreamID, prior, events)
		if err != nil {
			return nil, err
		}

		snapshot, err := BuildSnapshot(
			write.TenantID,
			projection.AggregateType(),
			write.StreamID,
			write.NewVersion(),
			data,
			w.store.clock().UTC().Truncate(time.Microsecond),
		)
		if err != nil {
			return nil, err
		}

		snapshots = append(snapshots, snapshot)
	}

	return snapshots, nil
}

func (w *unitOfWork) readEventData(ctx context.Context, tenantID TenantID, streamID StreamID) ([]any, error) {
	storableEvents, err := w.store.backend.ReadStream(ctx, tenantID, streamID)
	if err != nil {
		return nil, err
	}

	data := make([]any, 0, len(storableEvents))
	for _, storable := range storableEvents {
		event, decodeErr := w.store.eventTypes.decode(w.store.serializer, storable.EventType, storable.PayloadJSON)
		if decodeErr != nil {
			return nil, decodeErr
		}
		data = append(data, event)
	}

	return data, nil
}

// snapshot returns the committed snapshot for the key, served from the session cache after the
// first read. Pending changes of the session are not visible.
func (w *unitOfWork) snapshot(ctx context.Context, key snapshotKey) (*Snapshot, error) {
	if cached, ok := w.snapshotCache[key]; ok {
		return cached, nil
	}

	if err := w.ensureSchema(ctx, key.tenantID); err != nil {
		return nil, err
	}

	loaded, err := w.store.backend.LoadSnapshot(ctx, key.tenantID, key.aggregateType, key.aggregateID)
	if err != nil {
		return nil, err
	}

	w.snapshotCache[key] = loaded

	return loaded, nil
}
