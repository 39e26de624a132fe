package eventstore

import (
	"fmt"
	"reflect"
	"sort"
)

// eventTypeRegistry maps event type names to Go types and back.
type eventTypeRegistry struct {
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}

func newEventTypeRegistry() eventTypeRegistry {
	return eventTypeRegistry{
		byName: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}
}

func (r eventTypeRegistry) register(name string, prototype any) error {
	if name == "" {
		return ConfigurationError(ErrEmptyEventType, "")
	}

	if prototype == nil {
		return ConfigurationError(ErrUnregisteredEventType, fmt.Sprintf("event type %q has a nil prototype", name))
	}

	typ := baseType(reflect.TypeOf(prototype))

	if _, exists := r.byName[name]; exists {
		return ConfigurationError(ErrDuplicateEventType, fmt.Sprintf("event type name %q", name))
	}

	if existing, exists := r.byType[typ]; exists {
		return ConfigurationError(
			ErrDuplicateEventType,
			fmt.Sprintf("go type %s is already registered as %q", typ, existing),
		)
	}

	r.byName[name] = typ
	r.byType[typ] = name

	return nil
}

func (r eventTypeRegistry) nameOf(event any) (string, error) {
	if event == nil {
		return "", ConfigurationError(ErrUnregisteredEventType, "nil event")
	}

	name, ok := r.byType[baseType(reflect.TypeOf(event))]
	if !ok {
		return "", ConfigurationError(ErrUnregisteredEventType, fmt.Sprintf("go type %T", event))
	}

	return name, nil
}

// isRegistered matches typ exactly. Stored events are values, so a pointer type never matches.
func (r eventTypeRegistry) isRegistered(typ reflect.Type) bool {
	_, ok := r.byType[typ]

	return ok
}

func (r eventTypeRegistry) decode(serializer Serializer, eventType string, payload []byte) (any, error) {
	typ, ok := r.byName[eventType]
	if !ok {
		return nil, ConfigurationError(ErrUnregisteredEventType, fmt.Sprintf("event type name %q", eventType))
	}

	target := reflect.New(typ)
	if err := serializer.Unmarshal(payload, target.Interface()); err != nil {
		return nil, err
	}

	return target.Elem().Interface(), nil
}

func (r eventTypeRegistry) names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// baseType strips pointers, so that ThreadStarted{} and &ThreadStarted{} resolve to the same event type.
func baseType(typ reflect.Type) reflect.Type {
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}

	return typ
}

// derefEvent returns the value an event pointer points to. A nil pointer is not an event.
func derefEvent(event any) (any, error) {
	v := reflect.ValueOf(event)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, ConfigurationError(ErrUnregisteredEventType, "nil event")
		}

		v = v.Elem()
	}

	return v.Interface(), nil
}
