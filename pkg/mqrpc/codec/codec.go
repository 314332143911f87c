// Package codec provides the pluggable payload encodings used by routes.
//
// A route is bound to a Pair[T]: a typed serializer and deserializer. Pairs
// are usually derived from a Codec (JSON, YAML, Protobuf) with For, or taken
// from the String and Bytes helpers.
package codec

import (
	"encoding/json"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"
	"gopkg.in/yaml.v3"
)

// Serializer encodes a value of type T.
type Serializer[T any] func(T) ([]byte, error)

// Deserializer decodes a value of type T.
type Deserializer[T any] func([]byte) (T, error)

// Pair binds a serializer and a deserializer for one payload type.
type Pair[T any] struct {
	Serialize   Serializer[T]
	Deserialize Deserializer[T]
}

// Codec encodes and decodes arbitrary values.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	// Name identifies the codec in configuration ("json", "yaml", "proto").
	Name() string
}

// For derives a typed Pair from a Codec.
func For[T any](c Codec) Pair[T] {
	return Pair[T]{
		Serialize: func(v T) ([]byte, error) {
			return c.Encode(v)
		},
		Deserialize: func(data []byte) (T, error) {
			var v T
			err := c.Decode(data, &v)
			return v, err
		},
	}
}

// JSONCodec is a JSON-based codec.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (JSONCodec) Name() string { return "json" }

// YAMLCodec is a YAML-based codec.
type YAMLCodec struct{}

func (YAMLCodec) Encode(v any) ([]byte, error) {
	return yaml.Marshal(v)
}

func (YAMLCodec) Decode(data []byte, v any) error {
	return yaml.Unmarshal(data, v)
}

func (YAMLCodec) Name() string { return "yaml" }

// ProtoCodec encodes protobuf messages in the compact binary wire format.
// Values must implement proto.Message; Decode targets must be pointers to
// generated message types (or a pointer to such a pointer).
type ProtoCodec struct{}

func (ProtoCodec) Encode(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("proto codec: %T is not a proto.Message", v)
	}
	return proto.Marshal(m)
}

func (ProtoCodec) Decode(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, m)
	}

	// For[*pb.M] decodes into a **pb.M: allocate the message it points at.
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer && !rv.IsNil() {
		target := rv.Elem()
		if target.Kind() == reflect.Pointer && target.Type().Implements(messageType) {
			fresh := reflect.New(target.Type().Elem())
			if err := proto.Unmarshal(data, fresh.Interface().(proto.Message)); err != nil {
				return err
			}
			target.Set(fresh)
			return nil
		}
	}
	return fmt.Errorf("proto codec: %T is not a proto.Message", v)
}

var messageType = reflect.TypeOf((*proto.Message)(nil)).Elem()

func (ProtoCodec) Name() string { return "proto" }

// JSON is the default codec.
var JSON Codec = JSONCodec{}

// YAML encodes payloads as YAML documents.
var YAML Codec = YAMLCodec{}

// Proto encodes protobuf messages.
var Proto Codec = ProtoCodec{}

// ByName returns the codec registered under name.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "yaml", "yml":
		return YAML, nil
	case "proto", "protobuf":
		return Proto, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// ProtoPair returns a Pair for a generated protobuf message type such as
// *pb.Order. A fresh message is allocated for every decode.
func ProtoPair[T proto.Message]() Pair[T] {
	return Pair[T]{
		Serialize: func(v T) ([]byte, error) {
			return proto.Marshal(v)
		},
		Deserialize: func(data []byte) (T, error) {
			var zero T
			m := zero.ProtoReflect().New().Interface().(T)
			if err := proto.Unmarshal(data, m); err != nil {
				return zero, err
			}
			return m, nil
		},
	}
}

// JSONPair returns the JSON Pair for T.
func JSONPair[T any]() Pair[T] {
	return For[T](JSON)
}

// String returns a Pair that sends strings as raw UTF-8 bytes.
func String() Pair[string] {
	return Pair[string]{
		Serialize: func(s string) ([]byte, error) {
			return []byte(s), nil
		},
		Deserialize: func(data []byte) (string, error) {
			return string(data), nil
		},
	}
}

// Bytes returns a Pair that passes payloads through unchanged.
func Bytes() Pair[[]byte] {
	return Pair[[]byte]{
		Serialize: func(b []byte) ([]byte, error) {
			return b, nil
		},
		Deserialize: func(data []byte) ([]byte, error) {
			return data, nil
		},
	}
}
