package registry

import (
	"context"
	"fmt"
	"iter"
	"reflect"
	"slices"
)

// Kind describes how a method answers a call.
type Kind int

const (
	// KindUnary methods reply once with a serialized result.
	KindUnary Kind = iota
	// KindVoid methods reply once with an empty body.
	KindVoid
	// KindStream methods publish one message per element and an empty sentinel.
	KindStream
)

func (k Kind) String() string {
	switch k {
	case KindUnary:
		return "unary"
	case KindVoid:
		return "void"
	case KindStream:
		return "stream"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Invoker is a typed method implementation erased to positional arguments.
// Call serves unary and void methods, Stream serves streaming methods.
type Invoker struct {
	Params []reflect.Type
	// Result is the reply or element type; nil for void methods.
	Result reflect.Type
	Kind   Kind

	call   func(ctx context.Context, args []any) (any, error)
	stream func(ctx context.Context, args []any) iter.Seq2[any, error]
}

// Call runs a unary or void method.
func (i *Invoker) Call(ctx context.Context, args []any) (any, error) {
	if i.call == nil {
		return nil, fmt.Errorf("servicemesh: %s method cannot be called, stream it instead", i.Kind)
	}
	args, err := i.bind(args)
	if err != nil {
		return nil, err
	}
	return i.call(ctx, args)
}

// Stream runs a streaming method.
func (i *Invoker) Stream(ctx context.Context, args []any) iter.Seq2[any, error] {
	if i.stream == nil {
		return func(yield func(any, error) bool) {
			yield(nil, fmt.Errorf("servicemesh: %s method cannot be streamed", i.Kind))
		}
	}
	args, err := i.bind(args)
	if err != nil {
		return func(yield func(any, error) bool) {
			yield(nil, err)
		}
	}
	return i.stream(ctx, args)
}

// bind checks args against Params and converts assignable values to the
// exact parameter type. A nil argument stands for the zero value.
func (i *Invoker) bind(args []any) ([]any, error) {
	if len(args) != len(i.Params) {
		return nil, fmt.Errorf("servicemesh: want %d arguments, got %d", len(i.Params), len(args))
	}
	out, copied := args, false
	for n, a := range args {
		if a == nil {
			continue
		}
		param := i.Params[n]
		t := reflect.TypeOf(a)
		if t == param || param.Kind() == reflect.Interface && t.Implements(param) {
			continue
		}
		if !t.AssignableTo(param) {
			return nil, fmt.Errorf("servicemesh: argument %d: %s is not assignable to %s", n, t, param)
		}
		if !copied {
			out, copied = slices.Clone(args), true
		}
		out[n] = reflect.ValueOf(a).Convert(param).Interface()
	}
	return out, nil
}

func arg[T any](v any) T {
	if v == nil {
		var zero T
		return zero
	}
	return v.(T)
}

func unary(params []reflect.Type, result reflect.Type, fn func(context.Context, []any) (any, error)) *Invoker {
	return &Invoker{Params: params, Result: result, Kind: KindUnary, call: fn}
}

func void(params []reflect.Type, fn func(context.Context, []any) error) *Invoker {
	return &Invoker{Params: params, Kind: KindVoid, call: func(ctx context.Context, args []any) (any, error) {
		return nil, fn(ctx, args)
	}}
}

func streaming[R any](params []reflect.Type, fn func(context.Context, []any) iter.Seq2[R, error]) *Invoker {
	return &Invoker{
		Params: params,
		Result: reflect.TypeFor[R](),
		Kind:   KindStream,
		stream: func(ctx context.Context, args []any) iter.Seq2[any, error] {
			return func(yield func(any, error) bool) {
				for v, err := range fn(ctx, args) {
					if !yield(v, err) {
						return
					}
				}
			}
		},
	}
}

func Unary0[R any](fn func(ctx context.Context) (R, error)) *Invoker {
	return unary(nil, reflect.TypeFor[R](), func(ctx context.Context, _ []any) (any, error) {
		return fn(ctx)
	})
}

func Unary1[A, R any](fn func(ctx context.Context, a A) (R, error)) *Invoker {
	params := []reflect.Type{reflect.TypeFor[A]()}
	return unary(params, reflect.TypeFor[R](), func(ctx context.Context, args []any) (any, error) {
		return fn(ctx, arg[A](args[0]))
	})
}

func Unary2[A, B, R any](fn func(ctx context.Context, a A, b B) (R, error)) *Invoker {
	params := []reflect.Type{reflect.TypeFor[A](), reflect.TypeFor[B]()}
	return unary(params, reflect.TypeFor[R](), func(ctx context.Context, args []any) (any, error) {
		return fn(ctx, arg[A](args[0]), arg[B](args[1]))
	})
}

func Unary3[A, B, C, R any](fn func(ctx context.Context, a A, b B, c C) (R, error)) *Invoker {
	params := []reflect.Type{reflect.TypeFor[A](), reflect.TypeFor[B](), reflect.TypeFor[C]()}
	return unary(params, reflect.TypeFor[R](), func(ctx context.Context, args []any) (any, error) {
		return fn(ctx, arg[A](args[0]), arg[B](args[1]), arg[C](args[2]))
	})
}

func Void0(fn func(ctx context.Context) error) *Invoker {
	return void(nil, func(ctx context.Context, _ []any) error {
		return fn(ctx)
	})
}

func Void1[A any](fn func(ctx context.Context, a A) error) *Invoker {
	return void([]reflect.Type{reflect.TypeFor[A]()}, func(ctx context.Context, args []any) error {
		return fn(ctx, arg[A](args[0]))
	})
}

func Void2[A, B any](fn func(ctx context.Context, a A, b B) error) *Invoker {
	return void([]reflect.Type{reflect.TypeFor[A](), reflect.TypeFor[B]()}, func(ctx context.Context, args []any) error {
		return fn(ctx, arg[A](args[0]), arg[B](args[1]))
	})
}

func Stream0[R any](fn func(ctx context.Context) iter.Seq2[R, error]) *Invoker {
	return streaming(nil, func(ctx context.Context, _ []any) iter.Seq2[R, error] {
		return fn(ctx)
	})
}

func Stream1[A, R any](fn func(ctx context.Context, a A) iter.Seq2[R, error]) *Invoker {
	return streaming([]reflect.Type{reflect.TypeFor[A]()}, func(ctx context.Context, args []any) iter.Seq2[R, error] {
		return fn(ctx, arg[A](args[0]))
	})
}

func Stream2[A, B, R any](fn func(ctx context.Context, a A, b B) iter.Seq2[R, error]) *Invoker {
	params := []reflect.Type{reflect.TypeFor[A](), reflect.TypeFor[B]()}
	return streaming(params, func(ctx context.Context, args []any) iter.Seq2[R, error] {
		return fn(ctx, arg[A](args[0]), arg[B](args[1]))
	})
}
