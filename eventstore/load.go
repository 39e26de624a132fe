package eventstore

import (
	"context"
	"fmt"
	"reflect"
)

// Load returns the committed snapshot of the aggregate T with aggregateID in the session's tenant,
// or nil, nil if there is none. Repeated loads in one session are served from the session cache
// and return equal, independent values. Changes still pending in the session are not visible.
func Load[T any](ctx context.Context, session *Session, aggregateID StreamID) (*T, error) {
	store := session.work.store

	projection, err := store.projectionFor(reflect.TypeFor[T]())
	if err != nil {
		return nil, err
	}

	ctx, observation := store.observeLoad(ctx, session.tenantID, projection.AggregateType())

	aggregate, err := loadSnapshot[T](ctx, session, projection.AggregateType(), aggregateID)
	if err != nil {
		observation.failed(aggregateID, err)
		return nil, err
	}

	observation.succeeded(aggregateID, aggregate != nil)

	return aggregate, nil
}

func loadSnapshot[T any](ctx context.Context, session *Session, aggregateType string, aggregateID StreamID) (*T, error) {
	if err := session.work.checkReadable(session.tenantID); err != nil {
		return nil, err
	}

	if err := ValidateStreamID(aggregateID); err != nil {
		return nil, err
	}

	snapshot, err := session.work.snapshot(ctx, snapshotKey{
		tenantID:      session.tenantID,
		aggregateType: aggregateType,
		aggregateID:   aggregateID,
	})
	if err != nil {
		return nil, err
	}

	if snapshot == nil {
		return nil, nil
	}

	aggregate := new(T)
	if err = session.work.store.serializer.Unmarshal(snapshot.Data, aggregate); err != nil {
		return nil, err
	}

	return aggregate, nil
}

// AggregateStream folds the committed events of a stream into T without using snapshots.
// It returns nil, nil for an unknown stream.
func AggregateStream[T any](ctx context.Context, session *Session, streamID StreamID) (*T, error) {
	store := session.work.store

	projection, err := store.projectionFor(reflect.TypeFor[T]())
	if err != nil {
		return nil, err
	}

	typed, ok := projection.(*AggregateProjection[T])
	if !ok {
		return nil, ConfigurationError(ErrUnregisteredAggregateType, reflect.TypeFor[T]().String())
	}

	events, err := session.FetchStream(ctx, streamID)
	if err != nil {
		return nil, err
	}

	if len(events) == 0 {
		return nil, nil
	}

	data := make([]any, 0, len(events))
	for _, event := range events {
		data = append(data, event.Data)
	}

	if !typed.appliesTo(data[0]) {
		return nil, ConfigurationError(
			ErrUnhandledEventType,
			fmt.Sprintf("projection %q cannot start from %T", typed.AggregateType(), data[0]),
		)
	}

	return typed.Fold(streamID, nil, data)
}
