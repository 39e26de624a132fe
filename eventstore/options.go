package eventstore

import (
	"fmt"
	"time"
)

// Option configures a Store.
type Option func(*Store) error

// WithSerialization sets the enum and non-public members policies.
func WithSerialization(enumStorage EnumStorage, nonPublicMembers NonPublicMembersStorage) Option {
	return func(s *Store) error {
		if enumStorage != EnumAsInteger && enumStorage != EnumAsString {
			return ConfigurationError(ErrInvalidOption, fmt.Sprintf("unknown enum storage %d", enumStorage))
		}

		if nonPublicMembers != NonPublicMembersNone && nonPublicMembers != NonPublicMembersAll {
			return ConfigurationError(
				ErrInvalidOption,
				fmt.Sprintf("unknown non-public members storage %d", nonPublicMembers),
			)
		}

		s.enumStorage = enumStorage
		s.nonPublicMembers = nonPublicMembers

		return nil
	}
}

// WithAutoCreate sets the storage provisioning policy. The default is AutoCreateAdditive.
func WithAutoCreate(policy AutoCreate) Option {
	return func(s *Store) error {
		if policy < AutoCreateNone || policy > AutoCreateAll {
			return ConfigurationError(ErrInvalidOption, fmt.Sprintf("unknown auto-create policy %d", policy))
		}

		s.autoCreate = policy

		return nil
	}
}

// WithEventType registers an event type under name. The prototype may be a value or a pointer.
func WithEventType(name string, prototype any) Option {
	return func(s *Store) error {
		return s.eventTypes.register(name, prototype)
	}
}

// WithProjection registers an aggregate projection. Only Inline projections are accepted.
func WithProjection(projection Projection) Option {
	return func(s *Store) error {
		if projection == nil {
			return ConfigurationError(ErrUnregisteredAggregateType, "nil projection")
		}

		if projection.Lifecycle() != Inline {
			return ConfigurationError(
				ErrUnsupportedProjectionLifecycle,
				fmt.Sprintf("projection %q is %s", projection.AggregateType(), projection.Lifecycle()),
			)
		}

		if projection.AggregateType() == "" {
			return ConfigurationError(ErrEmptyAggregateType, "")
		}

		for _, registered := range s.projections {
			if registered.AggregateType() == projection.AggregateType() {
				return ConfigurationError(
					ErrDuplicateAggregateType,
					fmt.Sprintf("aggregate type %q", projection.AggregateType()),
				)
			}
		}

		if _, exists := s.projectionsByGo[projection.aggregateGoType()]; exists {
			return ConfigurationError(
				ErrDuplicateAggregateType,
				fmt.Sprintf("go type %s", projection.aggregateGoType()),
			)
		}

		s.projections = append(s.projections, projection)
		s.projectionsByGo[projection.aggregateGoType()] = projection

		return nil
	}
}

// WithLogger sets the logger.
// Debug: session lifecycle and loads. Info: commits and conflicts. Error: failed commits and loads.
func WithLogger(logger Logger) Option {
	return func(s *Store) error {
		s.logger = logger
		return nil
	}
}

// WithContextualLogger sets a context-aware logger, used in addition to a plain Logger.
func WithContextualLogger(logger ContextualLogger) Option {
	return func(s *Store) error {
		s.contextualLogger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector MetricsCollector) Option {
	return func(s *Store) error {
		s.metricsCollector = collector
		return nil
	}
}

// WithTracing sets the tracing collector.
func WithTracing(collector TracingCollector) Option {
	return func(s *Store) error {
		s.tracingCollector = collector
		return nil
	}
}

// WithClock replaces time.Now for event and snapshot timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) error {
		if clock == nil {
			return ConfigurationError(ErrInvalidOption, "nil clock")
		}

		s.clock = clock

		return nil
	}
}
