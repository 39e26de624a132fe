package eventstore

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"unsafe"

	jsoniter "github.com/json-iterator/go"
	"github.com/modern-go/reflect2"
)

// EnumStorage selects how values of Enum types are written.
type EnumStorage int

const (
	// EnumAsInteger writes enums as their numeric value.
	EnumAsInteger EnumStorage = iota

	// EnumAsString writes enums as their name. Both names and numbers are accepted when reading.
	EnumAsString
)

func (e EnumStorage) String() string {
	switch e {
	case EnumAsInteger:
		return "integer"
	case EnumAsString:
		return "string"
	default:
		return "unknown"
	}
}

// NonPublicMembersStorage selects whether unexported struct fields take part in serialization.
type NonPublicMembersStorage int

const (
	// NonPublicMembersNone serializes exported fields only.
	NonPublicMembersNone NonPublicMembersStorage = iota

	// NonPublicMembersAll also serializes unexported fields, keyed by their Go field name.
	NonPublicMembersAll
)

func (n NonPublicMembersStorage) String() string {
	switch n {
	case NonPublicMembersNone:
		return "none"
	case NonPublicMembersAll:
		return "all"
	default:
		return "unknown"
	}
}

// Enum is implemented by integer-kinded types that have symbolic names.
// EnumNames returns the names indexed by value, so names[0] is the name of the zero value.
type Enum interface {
	EnumNames() []string
}

// Serializer turns events and aggregates into JSON and back, according to the store's policies.
// The extensions are registered on a private jsoniter API, never globally.
type Serializer struct {
	api              jsoniter.API
	enumStorage      EnumStorage
	nonPublicMembers NonPublicMembersStorage
}

// NewSerializer builds a Serializer for the given policies.
func NewSerializer(enumStorage EnumStorage, nonPublicMembers NonPublicMembersStorage) Serializer {
	api := jsoniter.Config{
		EscapeHTML:             false,
		SortMapKeys:            true,
		ValidateJsonRawMessage: true,
	}.Froze()

	if enumStorage == EnumAsString {
		api.RegisterExtension(&enumNameExtension{})
	}

	if nonPublicMembers == NonPublicMembersAll {
		api.RegisterExtension(&nonPublicMembersExtension{})
	}

	return Serializer{
		api:              api,
		enumStorage:      enumStorage,
		nonPublicMembers: nonPublicMembers,
	}
}

// Marshal serializes v.
func (s Serializer) Marshal(v any) ([]byte, error) {
	data, err := s.api.Marshal(v)
	if err != nil {
		return nil, errors.Join(ErrSerializationFailed, err)
	}

	return data, nil
}

// Unmarshal deserializes data into the value v points to.
func (s Serializer) Unmarshal(data []byte, v any) error {
	if err := s.api.Unmarshal(data, v); err != nil {
		return errors.Join(ErrDeserializationFailed, err)
	}

	return nil
}

// EnumStorage returns the enum policy.
func (s Serializer) EnumStorage() EnumStorage {
	return s.enumStorage
}

// NonPublicMembers returns the non-public members policy.
func (s Serializer) NonPublicMembers() NonPublicMembersStorage {
	return s.nonPublicMembers
}

var enumInterface = reflect.TypeOf((*Enum)(nil)).Elem()

type enumNameExtension struct {
	jsoniter.DummyExtension
}

func (e *enumNameExtension) CreateEncoder(typ reflect2.Type) jsoniter.ValEncoder {
	if !isEnumType(typ) {
		return nil
	}

	return &enumNameCodec{typ: typ.Type1(), names: enumNamesOf(typ.Type1())}
}

func (e *enumNameExtension) CreateDecoder(typ reflect2.Type) jsoniter.ValDecoder {
	if !isEnumType(typ) {
		return nil
	}

	return &enumNameCodec{typ: typ.Type1(), names: enumNamesOf(typ.Type1())}
}

func isEnumType(typ reflect2.Type) bool {
	t := typ.Type1()

	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return t.Implements(enumInterface)
	default:
		return false
	}
}

func enumNamesOf(t reflect.Type) []string {
	return reflect.Zero(t).Interface().(Enum).EnumNames()
}

type enumNameCodec struct {
	typ   reflect.Type
	names []string
}

func (c *enumNameCodec) IsEmpty(ptr unsafe.Pointer) bool {
	return c.valueAt(ptr) == 0
}

func (c *enumNameCodec) Encode(ptr unsafe.Pointer, stream *jsoniter.Stream) {
	value := c.valueAt(ptr)
	if value >= 0 && value < int64(len(c.names)) {
		stream.WriteString(c.names[value])
		return
	}

	stream.WriteInt64(value)
}

func (c *enumNameCodec) Decode(ptr unsafe.Pointer, iter *jsoniter.Iterator) {
	switch iter.WhatIsNext() {
	case jsoniter.StringValue:
		name := iter.ReadString()
		index := slices.Index(c.names, name)
		if index < 0 {
			iter.ReportError("decode "+c.typ.String(), fmt.Sprintf("unknown name %q", name))
			return
		}
		c.setAt(ptr, int64(index))

	case jsoniter.NumberValue:
		c.setAt(ptr, iter.ReadInt64())

	case jsoniter.NilValue:
		iter.Skip()

	default:
		iter.ReportError("decode "+c.typ.String(), "expected a name or a number")
	}
}

func (c *enumNameCodec) valueAt(ptr unsafe.Pointer) int64 {
	v := reflect.NewAt(c.typ, ptr).Elem()
	if v.CanInt() {
		return v.Int()
	}

	return int64(v.Uint())
}

func (c *enumNameCodec) setAt(ptr unsafe.Pointer, value int64) {
	v := reflect.NewAt(c.typ, ptr).Elem()
	if v.CanInt() {
		v.SetInt(value)
		return
	}

	v.SetUint(uint64(value))
}

// nonPublicMembersExtension works like jsoniter/extra.SupportPrivateFields, scoped to one API.
type nonPublicMembersExtension struct {
	jsoniter.DummyExtension
}

func (e *nonPublicMembersExtension) UpdateStructDescriptor(structDescriptor *jsoniter.StructDescriptor) {
	for _, binding := range structDescriptor.Fields {
		name := binding.Field.Name()
		if name == "" || name == "_" {
			continue
		}

		if isExported(name) {
			continue
		}

		if tag, hasTag := binding.Field.Tag().Lookup("json"); hasTag {
			if tagName, _, _ := strings.Cut(tag, ","); tagName != "" {
				name = tagName
			}
		}

		binding.FromNames = []string{name}
		binding.ToNames = []string{name}
	}
}

func isExported(name string) bool {
	return name[0] >= 'A' && name[0] <= 'Z'
}
