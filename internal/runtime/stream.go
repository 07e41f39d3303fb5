package runtime

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"reflect"

	errspkg "github.com/drblury/servicemesh/internal/runtime/errors"
	idspkg "github.com/drblury/servicemesh/internal/runtime/ids"
	loggingpkg "github.com/drblury/servicemesh/internal/runtime/logging"
	metadatapkg "github.com/drblury/servicemesh/internal/runtime/metadata"
	"github.com/drblury/servicemesh/internal/runtime/registry"
)

// Stream calls a streaming method and yields each item decoded as itemType.
// The sequence ends after the server's empty terminator; a remote failure is
// yielded as *errors.RemoteError. Each item must arrive within the request
// timeout.
func (m *Mesh) Stream(ctx context.Context, subject string, args []any, generics []reflect.Type, itemType reflect.Type) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		if err := m.checkOpen(); err != nil {
			yield(nil, err)
			return
		}

		// Subscribe before publishing so no item can be missed.
		replySubject := "_INBOX." + idspkg.New()
		src, err := m.conn.Subscribe(replySubject, "")
		if err != nil {
			yield(nil, fmt.Errorf("stream %s: %w", subject, err))
			return
		}
		defer func() {
			if err := src.Stop(); err != nil {
				m.Logger.Debug("Stream subscription stop failed", loggingpkg.LogFields{"subject": subject, "error": err.Error()})
			}
		}()

		msg, err := m.invocationMessage(ctx, subject, args, generics)
		if err != nil {
			yield(nil, err)
			return
		}
		msg.Header.Set(metadatapkg.HeaderReturnSubject, replySubject)
		if err := m.conn.Publish(ctx, msg); err != nil {
			yield(nil, fmt.Errorf("stream %s: %w", subject, err))
			return
		}

		for {
			rctx, cancel := m.requestContext(ctx)
			d, err := src.Next(rctx)
			cancel()
			if err != nil {
				yield(nil, fmt.Errorf("stream %s: %w", subject, err))
				return
			}
			if text, failed := metadatapkg.Exception(d.Header); failed {
				yield(nil, &errspkg.RemoteError{Subject: subject, Message: text})
				return
			}
			if len(d.Data) == 0 {
				return
			}
			item, err := m.serializer.DeserializeType(d.Data, itemType, true)
			if err != nil {
				yield(nil, fmt.Errorf("stream %s: decode item: %w", subject, err))
				return
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

var errStreamStopped = errors.New("servicemesh: stream consumer stopped")

// InvokeStream is the streaming counterpart of Invoke.
func (m *Mesh) InvokeStream(ctx context.Context, service, method string, args []any, generics []reflect.Type, itemType reflect.Type) iter.Seq2[any, error] {
	meth, inv, ok := m.localMethod(service, method, generics, len(args))
	if !ok {
		return m.Stream(ctx, m.MethodSubject(service, method, len(generics), len(args)), args, generics, itemType)
	}
	return func(yield func(any, error) bool) {
		if meth.Kind != registry.KindStream {
			yield(nil, fmt.Errorf("servicemesh: %s is not a streaming method", meth.Subject))
			return
		}
		err := m.callLocal(ctx, meth, service, func(ctx context.Context) error {
			for item, err := range inv.Stream(ctx, args) {
				if err != nil {
					return err
				}
				if !yieldLocal(yield, item) {
					return errStreamStopped
				}
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStreamStopped) {
			yield(nil, err)
		}
	}
}

// yieldLocal hands item to the caller. A panic in the caller's loop body is
// re-raised as callerPanic so it is not reported as a handler failure.
func yieldLocal(yield func(any, error) bool, item any) bool {
	defer func() {
		if r := recover(); r != nil {
			panic(callerPanic{value: r})
		}
	}()
	return yield(item, nil)
}
