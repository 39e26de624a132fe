package eventstore

import (
	"context"
	"errors"
)

// SessionState is the lifecycle state of a session. All tenant views of a session share it.
type SessionState int

const (
	SessionOpen SessionState = iota
	SessionCommitting
	SessionCommitted
	SessionFailed
)

func (s SessionState) String() string {
	switch s {
	case SessionOpen:
		return "open"
	case SessionCommitting:
		return "committing"
	case SessionCommitted:
		return "committed"
	case SessionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session is a tenant-scoped view of a unit of work. Views created with ForTenant share the
// pending changes, the read cache and the state with the session they were derived from, and
// one SaveChanges commits the changes of all of them.
//
// A session is not safe for concurrent use.
type Session struct {
	work     *unitOfWork
	tenantID TenantID
}

// ForTenant returns a view of the same unit of work that reads and writes as tenantID.
func (s *Session) ForTenant(tenantID TenantID) *Session {
	return &Session{work: s.work, tenantID: tenantID}
}

// TenantID returns the tenant of this view.
func (s *Session) TenantID() TenantID {
	return s.tenantID
}

// DefaultTenantID returns the tenant the session was opened with.
func (s *Session) DefaultTenantID() TenantID {
	return s.work.defaultTenantID
}

// ID returns the session id, which is also written into the metadata of every event.
func (s *Session) ID() string {
	return s.work.id
}

// State returns the shared state of the unit of work.
func (s *Session) State() SessionState {
	return s.work.state
}

// PendingEventCount returns the number of buffered events across all views.
func (s *Session) PendingEventCount() int {
	return s.work.pendingEventCount()
}

// StartStream buffers the creation of a new stream. If the stream already exists, SaveChanges
// fails with ErrDuplicateStream.
func (s *Session) StartStream(streamID StreamID, events ...any) error {
	return s.work.buffer(s.tenantID, operationStartStream, streamID, 0, false, events)
}

// AppendToStream buffers events for a stream without a version expectation.
// A stream that does not exist yet is started.
func (s *Session) AppendToStream(streamID StreamID, events ...any) error {
	return s.work.buffer(s.tenantID, operationAppend, streamID, 0, false, events)
}

// AppendToStreamExpecting buffers events that require the stream to be at expectedVersion when
// they are applied. Otherwise SaveChanges fails with ErrConcurrencyConflict.
func (s *Session) AppendToStreamExpecting(streamID StreamID, expectedVersion SequenceNumber, events ...any) error {
	return s.work.buffer(s.tenantID, operationAppend, streamID, expectedVersion, true, events)
}

// SaveChanges commits the pending changes of all views of the session.
func (s *Session) SaveChanges(ctx context.Context) error {
	return s.work.saveChanges(ctx)
}

// FetchStream returns the committed events of a stream of this view's tenant, ordered by sequence
// number. It returns an empty slice for an unknown stream.
func (s *Session) FetchStream(ctx context.Context, streamID StreamID) ([]Event, error) {
	if err := s.work.checkReadable(s.tenantID); err != nil {
		return nil, err
	}

	if err := ValidateStreamID(streamID); err != nil {
		return nil, err
	}

	if err := s.work.ensureSchema(ctx, s.tenantID); err != nil {
		return nil, err
	}

	storableEvents, err := s.work.store.backend.ReadStream(ctx, s.tenantID, streamID)
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(storableEvents))
	for _, storable := range storableEvents {
		event, decodeErr := s.work.store.decodeEvent(storable)
		if decodeErr != nil {
			return nil, decodeErr
		}
		events = append(events, event)
	}

	return events, nil
}

// FetchStreamVersion returns the committed version of a stream, 0 for an unknown stream.
func (s *Session) FetchStreamVersion(ctx context.Context, streamID StreamID) (SequenceNumber, error) {
	if err := s.work.checkReadable(s.tenantID); err != nil {
		return 0, err
	}

	if err := ValidateStreamID(streamID); err != nil {
		return 0, err
	}

	if err := s.work.ensureSchema(ctx, s.tenantID); err != nil {
		return 0, err
	}

	return s.work.store.backend.StreamVersion(ctx, s.tenantID, streamID)
}

func (s *Store) decodeEvent(storable StorableEvent) (Event, error) {
	data, err := s.eventTypes.decode(s.serializer, storable.EventType, storable.PayloadJSON)
	if err != nil {
		return Event{}, err
	}

	var metadata EventMetadata
	if len(storable.MetadataJSON) > 0 {
		if err = s.serializer.Unmarshal(storable.MetadataJSON, &metadata); err != nil {
			return Event{}, errors.Join(ErrInvalidMetadataJSON, err)
		}
	}

	return Event{
		TenantID:       storable.TenantID,
		StreamID:       storable.StreamID,
		SequenceNumber: storable.SequenceNumber,
		EventType:      storable.EventType,
		OccurredAt:     storable.OccurredAt,
		Data:           data,
		Metadata:       metadata,
	}, nil
}
