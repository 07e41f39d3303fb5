package codec

import (
	"fmt"
	"reflect"
)

// Serializer combines a Codec with optional LZ4 compression. Messages, call
// envelopes and results are compressed; arguments inside an envelope are not.
type Serializer struct {
	codec Codec
}

// NewSerializer returns a serializer over c, defaulting to JSON.
func NewSerializer(c Codec) *Serializer {
	if c == nil {
		c = JSON{}
	}
	return &Serializer{codec: c}
}

// Codec returns the underlying codec.
func (s *Serializer) Codec() Codec {
	return s.codec
}

// Serialize marshals v and compresses the result when compress is set.
func (s *Serializer) Serialize(v any, compress bool) ([]byte, error) {
	data, err := s.codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%s marshal %T: %w", s.codec.Name(), v, err)
	}
	if !compress {
		return data, nil
	}
	return Compress(data)
}

// Deserialize fills v from data. Empty data leaves v untouched.
func (s *Serializer) Deserialize(data []byte, v any, compress bool) error {
	if len(data) == 0 {
		return nil
	}
	if compress {
		raw, err := Decompress(data)
		if err != nil {
			return err
		}
		data = raw
	}
	if err := s.codec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s unmarshal %T: %w", s.codec.Name(), v, err)
	}
	return nil
}

// DeserializeType decodes data into a fresh value of type t.
func (s *Serializer) DeserializeType(data []byte, t reflect.Type, compress bool) (any, error) {
	ptr := reflect.New(t)
	if err := s.Deserialize(data, ptr.Interface(), compress); err != nil {
		return nil, err
	}
	return ptr.Elem().Interface(), nil
}
