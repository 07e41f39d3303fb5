package codec

import (
	"fmt"
	"reflect"

	meshErrors "github.com/drblury/servicemesh/internal/runtime/errors"
)

// ServiceInvocation is the RPC call envelope. Signature and Arguments hold one
// entry per declared parameter; nil marks an absent argument.
type ServiceInvocation struct {
	Signature []*string `json:"signature" msgpack:"signature"`
	Arguments [][]byte  `json:"arguments" msgpack:"arguments"`
	Generics  []string  `json:"generics" msgpack:"generics"`
}

// NewInvocation serializes args uncompressed and records their wire type names.
func (s *Serializer) NewInvocation(types *TypeRegistry, args []any, generics []reflect.Type) (*ServiceInvocation, error) {
	inv := &ServiceInvocation{
		Signature: make([]*string, len(args)),
		Arguments: make([][]byte, len(args)),
		Generics:  types.Names(generics),
	}
	for i, arg := range args {
		if arg == nil {
			continue
		}
		name := types.NameOf(reflect.TypeOf(arg))
		data, err := s.Serialize(arg, false)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		inv.Signature[i] = &name
		inv.Arguments[i] = data
	}
	return inv, nil
}

// EncodeInvocation builds and compresses a call envelope.
func (s *Serializer) EncodeInvocation(types *TypeRegistry, args []any, generics []reflect.Type) ([]byte, error) {
	inv, err := s.NewInvocation(types, args, generics)
	if err != nil {
		return nil, err
	}
	return s.Serialize(inv, true)
}

// DecodeInvocation reads a compressed call envelope.
func (s *Serializer) DecodeInvocation(data []byte) (*ServiceInvocation, error) {
	inv := &ServiceInvocation{}
	if err := s.Deserialize(data, inv, true); err != nil {
		return nil, fmt.Errorf("decode invocation: %w", err)
	}
	if len(inv.Signature) != len(inv.Arguments) {
		return nil, fmt.Errorf("%w: %d signatures for %d arguments",
			meshErrors.ErrArgumentCount, len(inv.Signature), len(inv.Arguments))
	}
	return inv, nil
}

// ResolveGenerics maps the envelope's generic names through the registry.
func (inv *ServiceInvocation) ResolveGenerics(types *TypeRegistry) ([]reflect.Type, error) {
	out := make([]reflect.Type, len(inv.Generics))
	for i, name := range inv.Generics {
		t, err := types.Resolve(name)
		if err != nil {
			return nil, fmt.Errorf("generic %d: %w", i, err)
		}
		out[i] = t
	}
	return out, nil
}

// DecodeArguments materializes each argument using its wire type and checks
// it against the declared parameter type. Absent arguments become the
// parameter's zero value.
func (s *Serializer) DecodeArguments(types *TypeRegistry, inv *ServiceInvocation, params []reflect.Type) ([]any, error) {
	if len(inv.Arguments) != len(params) {
		return nil, fmt.Errorf("%w: got %d, want %d", meshErrors.ErrArgumentCount, len(inv.Arguments), len(params))
	}
	args := make([]any, len(params))
	for i, param := range params {
		if inv.Signature[i] == nil {
			args[i] = reflect.Zero(param).Interface()
			continue
		}
		t, err := types.Resolve(*inv.Signature[i])
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		if !t.AssignableTo(param) {
			return nil, fmt.Errorf("argument %d: %s is not assignable to %s", i, t, param)
		}
		v, err := s.DeserializeType(inv.Arguments[i], t, false)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		args[i] = v
	}
	return args, nil
}
