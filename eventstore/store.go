package eventstore

import (
	"context"
	"fmt"
	"reflect"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Store holds the immutable configuration shared by all sessions and opens sessions.
// It is safe for concurrent use.
type Store struct {
	backend          Backend
	autoCreate       AutoCreate
	enumStorage      EnumStorage
	nonPublicMembers NonPublicMembersStorage
	serializer       Serializer
	eventTypes       eventTypeRegistry
	projections      []Projection
	projectionsByGo  map[reflect.Type]Projection
	clock            func() time.Time
	logger           Logger
	contextualLogger ContextualLogger
	metricsCollector MetricsCollector
	tracingCollector TracingCollector
}

// Config is a read-only view of a Store's configuration.
type Config struct {
	Backend          string
	AutoCreate       AutoCreate
	EnumStorage      EnumStorage
	NonPublicMembers NonPublicMembersStorage
	EventTypes       []string
	AggregateTypes   []string
}

// NewStore validates the options and builds a Store.
func NewStore(backend Backend, options ...Option) (*Store, error) {
	if backend == nil {
		return nil, ConfigurationError(ErrMissingBackend, "")
	}

	store := &Store{
		backend:         backend,
		autoCreate:      AutoCreateAdditive,
		eventTypes:      newEventTypeRegistry(),
		projectionsByGo: make(map[reflect.Type]Projection),
		clock:           time.Now,
	}

	for _, option := range options {
		if err := option(store); err != nil {
			return nil, err
		}
	}

	if err := store.validateProjections(); err != nil {
		return nil, err
	}

	store.serializer = NewSerializer(store.enumStorage, store.nonPublicMembers)

	return store, nil
}

// OpenSession opens a session bound to tenantID, or to DefaultTenantID when none is given.
// An empty tenant id is accepted here and rejected by the first operation of the session.
func (s *Store) OpenSession(tenantID ...TenantID) *Session {
	defaultTenantID := DefaultTenantID
	if len(tenantID) > 0 {
		defaultTenantID = tenantID[0]
	}

	work := &unitOfWork{
		id:              gonanoid.Must(),
		store:           s,
		defaultTenantID: defaultTenantID,
		state:           SessionOpen,
		snapshotCache:   make(map[snapshotKey]*Snapshot),
	}

	s.logDebug(context.Background(), logMsgSessionOpened, logAttrSessionID, work.id, logAttrDefaultTenant, defaultTenantID)

	return &Session{work: work, tenantID: defaultTenantID}
}

// Config returns a copy of the configuration.
func (s *Store) Config() Config {
	aggregateTypes := make([]string, 0, len(s.projections))
	for _, projection := range s.projections {
		aggregateTypes = append(aggregateTypes, projection.AggregateType())
	}

	return Config{
		Backend:          s.backend.Capabilities().Name,
		AutoCreate:       s.autoCreate,
		EnumStorage:      s.enumStorage,
		NonPublicMembers: s.nonPublicMembers,
		EventTypes:       s.eventTypes.names(),
		AggregateTypes:   aggregateTypes,
	}
}

// Serializer returns the serializer built from the store's policies.
func (s *Store) Serializer() Serializer {
	return s.serializer
}

// Backend returns the backend of the store.
func (s *Store) Backend() Backend {
	return s.backend
}

func (s *Store) validateProjections() error {
	for _, projection := range s.projections {
		for _, eventType := range projection.HandledEventTypes() {
			if eventType.Kind() == reflect.Pointer {
				return ConfigurationError(
					ErrUnregisteredEventType,
					fmt.Sprintf(
						"projection %q handles pointer type %s, handlers must take %s",
						projection.AggregateType(), eventType, baseType(eventType),
					),
				)
			}

			if !s.eventTypes.isRegistered(eventType) {
				return ConfigurationError(
					ErrUnregisteredEventType,
					fmt.Sprintf("projection %q handles %s", projection.AggregateType(), eventType),
				)
			}
		}
	}

	return nil
}

func (s *Store) projectionFor(aggregateGoType reflect.Type) (Projection, error) {
	projection, ok := s.projectionsByGo[aggregateGoType]
	if !ok {
		return nil, ConfigurationError(ErrUnregisteredAggregateType, aggregateGoType.String())
	}

	return projection, nil
}
