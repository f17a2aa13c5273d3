// Package codec turns event payloads into bytes and back.
package codec

import (
	"fmt"
	"io"
	"time"

	"github.com/bytedance/sonic"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

var defaultConfig = sonic.ConfigStd

// Marshal encodes v as JSON.
func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

// Unmarshal decodes JSON data into v.
func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// Encode writes v to w as a single JSON value followed by a newline.
func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

// NewDecoder returns a streaming JSON decoder reading from r.
func NewDecoder(r io.Reader) sonic.Decoder {
	return defaultConfig.NewDecoder(r)
}

// Serializer converts a typed payload to and from its wire form.
type Serializer[T any] interface {
	Encode(T) ([]byte, error)
	Decode([]byte) (T, error)
}

type jsonSerializer[T any] struct{}

// JSON returns a Serializer backed by sonic in encoding/json compatible mode.
func JSON[T any]() Serializer[T] { return jsonSerializer[T]{} }

func (jsonSerializer[T]) Encode(v T) ([]byte, error) { return Marshal(v) }

func (jsonSerializer[T]) Decode(data []byte) (T, error) {
	var v T
	if err := Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode json payload: %w", err)
	}
	return v, nil
}

type protoSerializer[T proto.Message] struct {
	prototype T
	json      bool
}

// Proto returns a Serializer for protobuf messages using the binary wire
// format. prototype is only used to allocate new messages.
func Proto[T proto.Message](prototype T) Serializer[T] {
	return protoSerializer[T]{prototype: prototype}
}

// ProtoJSON is like Proto but uses the canonical protobuf JSON mapping.
func ProtoJSON[T proto.Message](prototype T) Serializer[T] {
	return protoSerializer[T]{prototype: prototype, json: true}
}

func (p protoSerializer[T]) Encode(v T) ([]byte, error) {
	if p.json {
		return protojson.Marshal(v)
	}
	return proto.Marshal(v)
}

func (p protoSerializer[T]) Decode(data []byte) (T, error) {
	msg, ok := p.prototype.ProtoReflect().New().Interface().(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("decode proto payload: cannot allocate %T", p.prototype)
	}
	var err error
	if p.json {
		err = protojson.Unmarshal(data, msg)
	} else {
		err = proto.Unmarshal(data, msg)
	}
	if err != nil {
		return msg, fmt.Errorf("decode proto payload: %w", err)
	}
	return msg, nil
}

type bytesSerializer struct{}

// Bytes passes payloads through untouched.
func Bytes() Serializer[[]byte] { return bytesSerializer{} }

func (bytesSerializer) Encode(v []byte) ([]byte, error)    { return v, nil }
func (bytesSerializer) Decode(data []byte) ([]byte, error) { return data, nil }

type stringSerializer struct{}

// String stores payloads as UTF-8 text.
func String() Serializer[string] { return stringSerializer{} }

func (stringSerializer) Encode(v string) ([]byte, error)    { return []byte(v), nil }
func (stringSerializer) Decode(data []byte) (string, error) { return string(data), nil }

type timeSerializer struct{}

// Time stores timestamps as RFC 3339 text with nanoseconds.
func Time() Serializer[time.Time] { return timeSerializer{} }

func (timeSerializer) Encode(v time.Time) ([]byte, error) {
	return []byte(v.UTC().Format(time.RFC3339Nano)), nil
}

func (timeSerializer) Decode(data []byte) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, string(data))
	if err != nil {
		return time.Time{}, fmt.Errorf("decode time payload: %w", err)
	}
	return ts, nil
}
