package servicemesh

import (
	"context"
	"iter"
	"reflect"

	runtimepkg "github.com/drblury/servicemesh/internal/runtime"
	"github.com/drblury/servicemesh/internal/runtime/codec"
	configpkg "github.com/drblury/servicemesh/internal/runtime/config"
	"github.com/drblury/servicemesh/internal/runtime/dispatch"
	errspkg "github.com/drblury/servicemesh/internal/runtime/errors"
	idspkg "github.com/drblury/servicemesh/internal/runtime/ids"
	loggingpkg "github.com/drblury/servicemesh/internal/runtime/logging"
	metadatapkg "github.com/drblury/servicemesh/internal/runtime/metadata"
	"github.com/drblury/servicemesh/internal/runtime/registry"
	transportpkg "github.com/drblury/servicemesh/internal/runtime/transport"
)

type (
	Config       = configpkg.Config
	Mesh         = runtimepkg.Mesh
	Dependencies = runtimepkg.Dependencies
	Producer     = runtimepkg.Producer

	ServiceRegistration  = registry.ServiceRegistration
	ConsumerRegistration = registry.ConsumerRegistration
	DurablePolicy        = registry.DurablePolicy
	Invoker              = registry.Invoker
	Scope                = registry.Scope

	RegistrationInfo  = runtimepkg.RegistrationInfo
	RegistrationStats = runtimepkg.RegistrationStats
	PublishOption     = runtimepkg.PublishOption

	Codec        = codec.Codec
	TypeRegistry = codec.TypeRegistry
	TypeFilter   = codec.TypeFilter

	Conn             = transportpkg.Conn
	TransportFactory = transportpkg.Factory
	StreamManager    = transportpkg.StreamManager

	Middleware = dispatch.Middleware
	JobContext = dispatch.JobContext
	JobHooks   = dispatch.JobHooks
	PanicError = dispatch.PanicError

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	RemoteError           = errspkg.RemoteError
	ReconcileError        = errspkg.ReconcileError
	ConfigValidationError = errspkg.ConfigValidationError
)

var (
	New            = runtimepkg.New
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	NewService           = registry.NewService
	NewDurable           = registry.NewDurable
	NewTransient         = registry.NewTransient
	DefaultDurablePolicy = registry.DefaultDurablePolicy
	ScopeFrom            = registry.ScopeFrom

	Void0 = registry.Void0

	WithMsgID    = runtimepkg.WithMsgID
	WithRetry    = runtimepkg.WithRetry
	WithMetadata = runtimepkg.WithMetadata
	WithHeader   = runtimepkg.WithHeader

	NewTypeRegistry = codec.NewTypeRegistry

	DefaultTransport = transportpkg.DefaultFactory

	LoggingHooks  = dispatch.LoggingHooks
	AlertingHooks = dispatch.AlertingHooks

	NewMetadata = metadatapkg.New
	NewULID     = idspkg.New

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopLogger              = loggingpkg.NewNopLogger

	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrServiceNameRequired  = errspkg.ErrServiceNameRequired
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrDuplicateSubject     = errspkg.ErrDuplicateSubject
	ErrNoHandler            = errspkg.ErrNoHandler
	ErrUnknownType          = errspkg.ErrUnknownType
	ErrTypeDenied           = errspkg.ErrTypeDenied
	ErrGenericNotRegistered = errspkg.ErrGenericNotRegistered
	ErrMeshClosed           = errspkg.ErrMeshClosed
	ErrNoStream             = transportpkg.ErrNoStream
	ErrNoResponders         = transportpkg.ErrNoResponders
)

// Interface modes accepted by Config.InterfaceMode.
const (
	InterfaceNone        = configpkg.InterfaceNone
	InterfaceAuto        = configpkg.InterfaceAuto
	InterfaceAutoTrace   = configpkg.InterfaceAutoTrace
	InterfaceForceRemote = configpkg.InterfaceForceRemote
)

// TypeOf returns the reflect.Type of T, for passing generic arguments.
func TypeOf[T any]() reflect.Type {
	return reflect.TypeFor[T]()
}

func Consume[T any](c *ConsumerRegistration, fn func(ctx context.Context, msg T) error) error {
	return registry.Consume(c, fn)
}

func Unary0[R any](fn func(ctx context.Context) (R, error)) *Invoker {
	return registry.Unary0(fn)
}

func Unary1[A, R any](fn func(ctx context.Context, a A) (R, error)) *Invoker {
	return registry.Unary1(fn)
}

func Unary2[A, B, R any](fn func(ctx context.Context, a A, b B) (R, error)) *Invoker {
	return registry.Unary2(fn)
}

func Unary3[A, B, C, R any](fn func(ctx context.Context, a A, b B, c C) (R, error)) *Invoker {
	return registry.Unary3(fn)
}

func Void1[A any](fn func(ctx context.Context, a A) error) *Invoker {
	return registry.Void1(fn)
}

func Void2[A, B any](fn func(ctx context.Context, a A, b B) error) *Invoker {
	return registry.Void2(fn)
}

func Stream0[R any](fn func(ctx context.Context) iter.Seq2[R, error]) *Invoker {
	return registry.Stream0(fn)
}

func Stream1[A, R any](fn func(ctx context.Context, a A) iter.Seq2[R, error]) *Invoker {
	return registry.Stream1(fn)
}

func Stream2[A, B, R any](fn func(ctx context.Context, a A, b B) iter.Seq2[R, error]) *Invoker {
	return registry.Stream2(fn)
}

// Request calls the method behind subject and returns its typed result.
func Request[T any](ctx context.Context, m *Mesh, subject string, args []any, generics ...reflect.Type) (T, error) {
	var out T
	err := m.Request(ctx, subject, args, generics, &out)
	return out, err
}

// Invoke calls service.method, in process when the interface mode allows it.
func Invoke[T any](ctx context.Context, m *Mesh, service, method string, args []any, generics ...reflect.Type) (T, error) {
	var out T
	err := m.Invoke(ctx, service, method, args, generics, &out)
	return out, err
}

// Call invokes a void method.
func Call(ctx context.Context, m *Mesh, service, method string, args []any, generics ...reflect.Type) error {
	return m.Invoke(ctx, service, method, args, generics, nil)
}

// Stream calls a streaming method behind subject and yields typed items.
func Stream[T any](ctx context.Context, m *Mesh, subject string, args []any, generics ...reflect.Type) iter.Seq2[T, error] {
	return typed[T](m.Stream(ctx, subject, args, generics, reflect.TypeFor[T]()))
}

// InvokeStream is the streaming counterpart of Invoke.
func InvokeStream[T any](ctx context.Context, m *Mesh, service, method string, args []any, generics ...reflect.Type) iter.Seq2[T, error] {
	return typed[T](m.InvokeStream(ctx, service, method, args, generics, reflect.TypeFor[T]()))
}

func typed[T any](seq iter.Seq2[any, error]) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for item, err := range seq {
			var v T
			if err == nil {
				if cast, ok := item.(T); ok {
					v = cast
				}
			}
			if !yield(v, err) {
				return
			}
		}
	}
}
