package runtime

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/drblury/servicemesh/internal/runtime/config"
	"github.com/drblury/servicemesh/internal/runtime/dispatch"
	errspkg "github.com/drblury/servicemesh/internal/runtime/errors"
	metadatapkg "github.com/drblury/servicemesh/internal/runtime/metadata"
	"github.com/drblury/servicemesh/internal/runtime/registry"
	transportpkg "github.com/drblury/servicemesh/internal/runtime/transport"
)

// MethodSubject returns the RPC subject of a service method as seen by this
// mesh's configuration.
func (m *Mesh) MethodSubject(service, method string, genericArity, paramCount int) string {
	resolve := m.Conf.ServiceSubjectResolver
	if resolve == nil {
		resolve = configpkg.DefaultServiceSubjectResolver
	}
	return resolve(m.Conf.ApplyPrefix(service), method, genericArity, paramCount)
}

func (m *Mesh) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.Conf.RequestTimeout)
}

func (m *Mesh) invocationMessage(ctx context.Context, subject string, args []any, generics []reflect.Type) (*transportpkg.Message, error) {
	data, err := m.serializer.EncodeInvocation(m.types, args, generics)
	if err != nil {
		return nil, fmt.Errorf("encode call %s: %w", subject, err)
	}
	msg := &transportpkg.Message{Subject: subject, Data: data, Header: metadatapkg.ToHeader(nil)}
	metadatapkg.InjectTrace(ctx, msg.Header)
	return msg, nil
}

// Request calls the method behind subject and decodes its result into out.
// A nil out discards the result, as for void methods. Failures reported by
// the remote handler are returned as *errors.RemoteError.
func (m *Mesh) Request(ctx context.Context, subject string, args []any, generics []reflect.Type, out any) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "request "+subject, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("rpc.method", subject))

	err := m.request(ctx, subject, args, generics, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (m *Mesh) request(ctx context.Context, subject string, args []any, generics []reflect.Type, out any) error {
	msg, err := m.invocationMessage(ctx, subject, args, generics)
	if err != nil {
		return err
	}

	rctx, cancel := m.requestContext(ctx)
	defer cancel()
	reply, err := m.conn.Request(rctx, msg)
	if err != nil {
		return fmt.Errorf("request %s: %w", subject, err)
	}
	if text, failed := metadatapkg.Exception(reply.Header); failed {
		return &errspkg.RemoteError{Subject: subject, Message: text}
	}
	if out == nil {
		return nil
	}
	if err := m.serializer.Deserialize(reply.Data, out, true); err != nil {
		return fmt.Errorf("decode reply %s: %w", subject, err)
	}
	return nil
}

// localMethod returns the in-process implementation of a method when the
// interface mode allows calling it directly.
func (m *Mesh) localMethod(service, method string, generics []reflect.Type, paramCount int) (*registry.Method, *registry.Invoker, bool) {
	switch m.Conf.InterfaceMode {
	case configpkg.InterfaceNone, configpkg.InterfaceForceRemote:
		return nil, nil, false
	}
	svc, ok := m.localService(service)
	if !ok {
		return nil, nil, false
	}
	meth, ok := svc.Find(method, len(generics), paramCount)
	if !ok {
		return nil, nil, false
	}
	inv, err := meth.Invoker(generics)
	if err != nil {
		return nil, nil, false
	}
	return meth, inv, true
}

// callLocal runs fn in a fresh scope, wrapped in an internal span when the
// interface mode asks for tracing. A handler panic is returned as a
// *dispatch.PanicError, the same error a remote call reports.
func (m *Mesh) callLocal(ctx context.Context, meth *registry.Method, service string, fn func(context.Context) error) error {
	ctx = registry.WithScope(ctx, registry.NewScope(meth.Subject, service))
	if m.Conf.InterfaceMode != configpkg.InterfaceAutoTrace {
		return recoverHandler(ctx, fn)
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "local "+meth.Subject, trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	err := recoverHandler(ctx, fn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// callerPanic marks a panic raised by the caller's own code, such as the body
// of a loop over a local stream. recoverHandler lets it through.
type callerPanic struct {
	value any
}

func recoverHandler(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if cp, ok := r.(callerPanic); ok {
			panic(cp.value)
		}
		err = &dispatch.PanicError{Value: r, Stack: debug.Stack()}
	}()
	return fn(ctx)
}

// Invoke calls a unary or void service method. Depending on the interface
// mode it runs a registered in-process implementation directly or goes
// through the broker.
func (m *Mesh) Invoke(ctx context.Context, service, method string, args []any, generics []reflect.Type, out any) error {
	meth, inv, ok := m.localMethod(service, method, generics, len(args))
	if !ok {
		return m.Request(ctx, m.MethodSubject(service, method, len(generics), len(args)), args, generics, out)
	}
	if meth.Kind == registry.KindStream {
		return fmt.Errorf("servicemesh: %s is a streaming method", meth.Subject)
	}
	return m.callLocal(ctx, meth, service, func(ctx context.Context) error {
		result, err := inv.Call(ctx, args)
		if err != nil {
			return err
		}
		return assign(out, result)
	})
}

// assign stores result into the pointer out.
func assign(out, result any) error {
	if out == nil || result == nil {
		return nil
	}
	dst := reflect.ValueOf(out)
	if dst.Kind() != reflect.Pointer || dst.IsNil() {
		return errors.New("servicemesh: result target must be a non-nil pointer")
	}
	src := reflect.ValueOf(result)
	if !src.Type().AssignableTo(dst.Elem().Type()) {
		return fmt.Errorf("servicemesh: cannot assign %s to %s", src.Type(), dst.Elem().Type())
	}
	dst.Elem().Set(src)
	return nil
}
