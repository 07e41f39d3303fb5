// Package registry holds the immutable registration model built at startup:
// RPC services with their method subjects and durable or transient consumers
// with their per-subject handlers.
package registry

import (
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/drblury/servicemesh/internal/runtime/codec"
	"github.com/drblury/servicemesh/internal/runtime/config"
	meshErrors "github.com/drblury/servicemesh/internal/runtime/errors"
)

type instance struct {
	generics []reflect.Type
	invoker  *Invoker
}

// Method is one RPC entry point. Generic methods hold one invoker per
// registered instantiation.
type Method struct {
	Name         string
	Subject      string
	GenericArity int
	ParamCount   int
	Kind         Kind

	instances []instance
}

// Invoker returns the implementation registered for the generic arguments.
func (m *Method) Invoker(generics []reflect.Type) (*Invoker, error) {
	for _, inst := range m.instances {
		if slices.Equal(inst.generics, generics) {
			return inst.invoker, nil
		}
	}
	return nil, fmt.Errorf("%w: %s[%s]", meshErrors.ErrGenericNotRegistered, m.Subject, typeList(generics))
}

func typeList(types []reflect.Type) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = t.String()
	}
	return strings.Join(names, ",")
}

type methodKey struct {
	name    string
	generic int
	params  int
}

// ServiceRegistration describes one RPC service. Build it with NewService and
// Handle, then Bind it to a config before starting the mesh.
type ServiceRegistration struct {
	Name string
	// SubjectPrefix is the prefixed service name every method subject starts with.
	SubjectPrefix string
	QueueGroup    string

	methods   map[methodKey]*Method
	order     []methodKey
	bySubject map[string]*Method
}

// NewService starts a registration for the named service.
func NewService(name string) *ServiceRegistration {
	return &ServiceRegistration{
		Name:    name,
		methods: make(map[methodKey]*Method),
	}
}

// Handle registers a non generic method.
func (s *ServiceRegistration) Handle(method string, inv *Invoker) error {
	return s.HandleGeneric(method, nil, inv)
}

// HandleGeneric registers one instantiation of a generic method. Calls
// for the same method and arity must agree on parameter count and kind.
func (s *ServiceRegistration) HandleGeneric(method string, generics []reflect.Type, inv *Invoker) error {
	if method == "" {
		return meshErrors.ErrMethodNameRequired
	}
	if inv == nil {
		return meshErrors.ErrHandlerRequired
	}
	key := methodKey{name: method, generic: len(generics), params: len(inv.Params)}
	m, ok := s.methods[key]
	if !ok {
		m = &Method{Name: method, GenericArity: key.generic, ParamCount: key.params, Kind: inv.Kind}
		s.methods[key] = m
		s.order = append(s.order, key)
	}
	if m.Kind != inv.Kind {
		return fmt.Errorf("servicemesh: method %s.%s mixes %s and %s instantiations", s.Name, method, m.Kind, inv.Kind)
	}
	for _, inst := range m.instances {
		if slices.Equal(inst.generics, generics) {
			return fmt.Errorf("%w: %s.%s[%s]", meshErrors.ErrDuplicateSubject, s.Name, method, typeList(generics))
		}
	}
	m.instances = append(m.instances, instance{generics: slices.Clone(generics), invoker: inv})
	return nil
}

// Bind derives subjects from cfg and registers every parameter, result and
// generic type with types so they can be resolved from the wire.
func (s *ServiceRegistration) Bind(cfg *config.Config, types *codec.TypeRegistry) error {
	if s.Name == "" {
		return meshErrors.ErrServiceNameRequired
	}
	resolve := cfg.ServiceSubjectResolver
	if resolve == nil {
		resolve = config.DefaultServiceSubjectResolver
	}
	s.SubjectPrefix = cfg.ApplyPrefix(s.Name)
	if s.QueueGroup == "" {
		s.QueueGroup = s.SubjectPrefix
	}
	s.bySubject = make(map[string]*Method, len(s.methods))
	for _, key := range s.order {
		m := s.methods[key]
		m.Subject = resolve(s.SubjectPrefix, m.Name, m.GenericArity, m.ParamCount)
		if !strings.HasPrefix(m.Subject, s.SubjectPrefix+".") {
			return fmt.Errorf("servicemesh: subject %q is outside service %q", m.Subject, s.SubjectPrefix)
		}
		if _, dup := s.bySubject[m.Subject]; dup {
			return fmt.Errorf("%w: %s", meshErrors.ErrDuplicateSubject, m.Subject)
		}
		s.bySubject[m.Subject] = m
		for _, inst := range m.instances {
			types.Register(inst.generics...)
			types.Register(inst.invoker.Params...)
			types.Register(inst.invoker.Result)
		}
	}
	return nil
}

// WildcardSubject is the subscription that captures every method subject.
func (s *ServiceRegistration) WildcardSubject() string {
	return s.SubjectPrefix + ".>"
}

// Lookup finds the method bound to an exact subject.
func (s *ServiceRegistration) Lookup(subject string) (*Method, bool) {
	m, ok := s.bySubject[subject]
	return m, ok
}

// Find returns a method by name and shape, independent of subject binding.
func (s *ServiceRegistration) Find(method string, genericArity, paramCount int) (*Method, bool) {
	m, ok := s.methods[methodKey{name: method, generic: genericArity, params: paramCount}]
	return m, ok
}

// Methods lists methods in registration order.
func (s *ServiceRegistration) Methods() []*Method {
	out := make([]*Method, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.methods[key])
	}
	return out
}
