// Package codec implements the RPC wire format: value serialization, block
// compression, the ServiceInvocation envelope and the closed registry that
// resolves type names carried on the wire.
package codec

import (
	"github.com/bytedance/sonic"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec marshals values into a structured byte representation.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSON is the default codec, backed by sonic in encoding/json compatible mode.
type JSON struct{}

var jsonConfig = sonic.ConfigStd

func (JSON) Name() string { return "json" }

func (JSON) Marshal(v any) ([]byte, error) {
	return jsonConfig.Marshal(v)
}

func (JSON) Unmarshal(data []byte, v any) error {
	return jsonConfig.Unmarshal(data, v)
}

// Msgpack is a compact binary codec.
type Msgpack struct{}

func (Msgpack) Name() string { return "msgpack" }

func (Msgpack) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (Msgpack) Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// ByName returns the codec registered under name, or false.
func ByName(name string) (Codec, bool) {
	switch name {
	case "", "json":
		return JSON{}, true
	case "msgpack":
		return Msgpack{}, true
	}
	return nil, false
}
