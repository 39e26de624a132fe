package eventstore

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// ProjectionLifecycle tells when a projection runs.
type ProjectionLifecycle int

const (
	// Inline projections run inside SaveChanges; their snapshots commit together with the events.
	Inline ProjectionLifecycle = iota

	// Async is recognized but rejected by NewStore.
	Async

	// Live is recognized but rejected by NewStore. Use AggregateStream for live folds.
	Live
)

func (l ProjectionLifecycle) String() string {
	switch l {
	case Inline:
		return "inline"
	case Async:
		return "async"
	case Live:
		return "live"
	default:
		return "unknown"
	}
}

// Projection is a registered fold from events to an aggregate type.
// AggregateProjection is the only implementation.
type Projection interface {
	AggregateType() string
	Lifecycle() ProjectionLifecycle
	HandledEventTypes() []reflect.Type

	aggregateGoType() reflect.Type
	appliesTo(firstEvent any) bool
	fold(serializer Serializer, streamID StreamID, prior json.RawMessage, events []any) (json.RawMessage, error)
}

// AggregateProjection folds the events of one stream into a value of type T.
//
//	projection := eventstore.NewAggregateProjection[Thread]("Thread", eventstore.Inline)
//	eventstore.CreateWith(projection, StartThread)
//	eventstore.ApplyWith(projection, Thread.PostMessage)
type AggregateProjection[T any] struct {
	aggregateType string
	lifecycle     ProjectionLifecycle
	creators      map[reflect.Type]func(any) (T, error)
	appliers      map[reflect.Type]func(T, any) (T, error)
	identify      func(T, StreamID) T
	handledOrder  []reflect.Type
}

// NewAggregateProjection creates a projection without handlers.
func NewAggregateProjection[T any](aggregateType string, lifecycle ProjectionLifecycle) *AggregateProjection[T] {
	return &AggregateProjection[T]{
		aggregateType: aggregateType,
		lifecycle:     lifecycle,
		creators:      make(map[reflect.Type]func(any) (T, error)),
		appliers:      make(map[reflect.Type]func(T, any) (T, error)),
	}
}

// CreateWith registers the handler that creates the aggregate from the first event of a stream.
// E is the registered value type, NewStore rejects pointer handlers.
func CreateWith[T, E any](p *AggregateProjection[T], create func(E) (T, error)) *AggregateProjection[T] {
	typ := reflect.TypeFor[E]()
	p.remember(typ)
	p.creators[typ] = func(event any) (T, error) {
		return create(event.(E))
	}

	return p
}

// ApplyWith registers the handler that evolves an existing aggregate with an event.
func ApplyWith[T, E any](p *AggregateProjection[T], apply func(T, E) (T, error)) *AggregateProjection[T] {
	typ := reflect.TypeFor[E]()
	p.remember(typ)
	p.appliers[typ] = func(aggregate T, event any) (T, error) {
		return apply(aggregate, event.(E))
	}

	return p
}

// IdentifiedBy sets a hook that stamps the stream id onto a freshly created aggregate.
func (p *AggregateProjection[T]) IdentifiedBy(identify func(T, StreamID) T) *AggregateProjection[T] {
	p.identify = identify

	return p
}

func (p *AggregateProjection[T]) AggregateType() string {
	return p.aggregateType
}

func (p *AggregateProjection[T]) Lifecycle() ProjectionLifecycle {
	return p.lifecycle
}

// HandledEventTypes returns the event types with a handler, in registration order.
func (p *AggregateProjection[T]) HandledEventTypes() []reflect.Type {
	return append([]reflect.Type(nil), p.handledOrder...)
}

// Fold runs the projection over events in memory. A nil prior means the stream starts with events[0].
func (p *AggregateProjection[T]) Fold(streamID StreamID, prior *T, events []any) (*T, error) {
	if len(events) == 0 {
		return prior, nil
	}

	var aggregate T
	rest := events

	if prior == nil {
		created, err := p.create(streamID, events[0])
		if err != nil {
			return nil, err
		}
		aggregate = created
		rest = events[1:]
	} else {
		aggregate = *prior
	}

	for _, event := range rest {
		apply, ok := p.appliers[reflect.TypeOf(event)]
		if !ok {
			return nil, p.unhandled(event)
		}

		next, err := apply(aggregate, event)
		if err != nil {
			return nil, err
		}
		aggregate = next
	}

	return &aggregate, nil
}

func (p *AggregateProjection[T]) create(streamID StreamID, event any) (T, error) {
	create, ok := p.creators[reflect.TypeOf(event)]
	if !ok {
		var zero T
		return zero, p.unhandled(event)
	}

	aggregate, err := create(event)
	if err != nil {
		return aggregate, err
	}

	if p.identify != nil {
		aggregate = p.identify(aggregate, streamID)
	}

	return aggregate, nil
}

func (p *AggregateProjection[T]) aggregateGoType() reflect.Type {
	return reflect.TypeFor[T]()
}

func (p *AggregateProjection[T]) appliesTo(firstEvent any) bool {
	_, ok := p.creators[reflect.TypeOf(firstEvent)]

	return ok
}

func (p *AggregateProjection[T]) fold(
	serializer Serializer,
	streamID StreamID,
	prior json.RawMessage,
	events []any,
) (json.RawMessage, error) {
	var priorAggregate *T

	if prior != nil {
		priorAggregate = new(T)
		if err := serializer.Unmarshal(prior, priorAggregate); err != nil {
			return nil, err
		}
	}

	aggregate, err := p.Fold(streamID, priorAggregate, events)
	if err != nil {
		return nil, err
	}

	return serializer.Marshal(aggregate)
}

func (p *AggregateProjection[T]) remember(typ reflect.Type) {
	for _, known := range p.handledOrder {
		if known == typ {
			return
		}
	}
	p.handledOrder = append(p.handledOrder, typ)
}

func (p *AggregateProjection[T]) unhandled(event any) error {
	return ConfigurationError(
		ErrUnhandledEventType,
		fmt.Sprintf("projection %q cannot handle %T", p.aggregateType, event),
	)
}
