package codec

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	meshErrors "github.com/drblury/servicemesh/internal/runtime/errors"
)

// TypeFilter decides whether a resolved type may be materialized from the
// wire. Returning false rejects the name.
type TypeFilter func(name string, t reflect.Type) bool

// TypeRegistry is the closed set of types whose names may appear in a
// ServiceInvocation. Unknown names are rejected instead of being loaded.
type TypeRegistry struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	names  map[reflect.Type]string
	denied map[string]struct{}
	filter TypeFilter
}

var builtinTypes = []reflect.Type{
	reflect.TypeFor[bool](),
	reflect.TypeFor[string](),
	reflect.TypeFor[int](),
	reflect.TypeFor[int8](),
	reflect.TypeFor[int16](),
	reflect.TypeFor[int32](),
	reflect.TypeFor[int64](),
	reflect.TypeFor[uint](),
	reflect.TypeFor[uint8](),
	reflect.TypeFor[uint16](),
	reflect.TypeFor[uint32](),
	reflect.TypeFor[uint64](),
	reflect.TypeFor[float32](),
	reflect.TypeFor[float64](),
	reflect.TypeFor[[]byte](),
	reflect.TypeFor[[]string](),
	reflect.TypeFor[[]int](),
	reflect.TypeFor[map[string]string](),
	reflect.TypeFor[map[string]any](),
	reflect.TypeFor[time.Time](),
	reflect.TypeFor[time.Duration](),
}

// NewTypeRegistry returns a registry preloaded with scalar and common
// container types.
func NewTypeRegistry() *TypeRegistry {
	r := &TypeRegistry{
		byName: make(map[string]reflect.Type),
		names:  make(map[reflect.Type]string),
		denied: make(map[string]struct{}),
	}
	r.Register(builtinTypes...)
	return r
}

// TypeName is the default wire name of t.
func TypeName(t reflect.Type) string {
	return t.String()
}

// Register adds types under their default names. Already known types are
// left alone.
func (r *TypeRegistry) Register(types ...reflect.Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range types {
		if t == nil {
			continue
		}
		if _, ok := r.names[t]; ok {
			continue
		}
		name := TypeName(t)
		r.byName[name] = t
		r.names[t] = name
	}
}

// RegisterAs binds t to an explicit wire name, for cross-process aliases.
func (r *TypeRegistry) RegisterAs(name string, t reflect.Type) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byName[name]; ok && existing != t {
		return fmt.Errorf("servicemesh: type name %q already bound to %s", name, existing)
	}
	r.byName[name] = t
	r.names[t] = name
	return nil
}

// Deny blocks names from resolving even when registered.
func (r *TypeRegistry) Deny(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		r.denied[name] = struct{}{}
	}
}

// SetFilter installs an additional allow check run on every resolution.
func (r *TypeRegistry) SetFilter(filter TypeFilter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filter = filter
}

// NameOf returns the wire name for t.
func (r *TypeRegistry) NameOf(t reflect.Type) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name, ok := r.names[t]; ok {
		return name
	}
	return TypeName(t)
}

// Resolve maps a wire name back to a registered type.
func (r *TypeRegistry) Resolve(name string) (reflect.Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.denied[name]; ok {
		return nil, fmt.Errorf("%w: %s", meshErrors.ErrTypeDenied, name)
	}
	t, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", meshErrors.ErrUnknownType, name)
	}
	if r.filter != nil && !r.filter(name, t) {
		return nil, fmt.Errorf("%w: %s", meshErrors.ErrTypeDenied, name)
	}
	return t, nil
}

// Names returns the wire names for types, in order.
func (r *TypeRegistry) Names(types []reflect.Type) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = r.NameOf(t)
	}
	return out
}
