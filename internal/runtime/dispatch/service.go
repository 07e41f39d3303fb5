package dispatch

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	meshErrors "github.com/drblury/servicemesh/internal/runtime/errors"
	"github.com/drblury/servicemesh/internal/runtime/logging"
	"github.com/drblury/servicemesh/internal/runtime/metadata"
	"github.com/drblury/servicemesh/internal/runtime/registry"
	"github.com/drblury/servicemesh/internal/runtime/transport"
)

// handleService runs one RPC invocation. Stream items are published while the
// handler runs; terminal replies are sent by settleService.
func (e *Engine) handleService(ctx context.Context, job *Job) error {
	method, ok := job.service.Lookup(job.Subject)
	if !ok {
		return fmt.Errorf("%w: %s", meshErrors.ErrNoHandler, job.Subject)
	}
	job.method = method

	inv, err := e.serializer.DecodeInvocation(job.Delivery.Data)
	if err != nil {
		return err
	}
	generics, err := inv.ResolveGenerics(e.types)
	if err != nil {
		return err
	}
	invoker, err := method.Invoker(generics)
	if err != nil {
		return err
	}
	args, err := e.serializer.DecodeArguments(e.types, inv, invoker.Params)
	if err != nil {
		return fmt.Errorf("%s: %w", job.Subject, err)
	}

	switch method.Kind {
	case registry.KindStream:
		returnSubject := job.Delivery.Header.Get(metadata.HeaderReturnSubject)
		if returnSubject == "" {
			return meshErrors.ErrStreamReplyMissing
		}
		for item, err := range invoker.Stream(ctx, args) {
			if err != nil {
				return err
			}
			data, err := e.serializer.Serialize(item, true)
			if err != nil {
				return err
			}
			if err := e.conn.Publish(ctx, &transport.Message{Subject: returnSubject, Data: data}); err != nil {
				return fmt.Errorf("publish stream item: %w", err)
			}
		}
		return nil
	case registry.KindVoid:
		_, err := invoker.Call(ctx, args)
		return err
	default:
		result, err := invoker.Call(ctx, args)
		if err != nil {
			return err
		}
		job.reply, err = e.serializer.Serialize(result, true)
		return err
	}
}

func exceptionHeader(err error) nats.Header {
	return metadata.ToHeader(metadata.New(metadata.HeaderException, err.Error()))
}

// settleService sends the single terminal reply of an invocation.
func (e *Engine) settleService(job *Job, err error) {
	ctx := context.Background()
	fields := logging.LogFields{"service": job.Registration, "subject": job.Subject}

	if job.method != nil && job.method.Kind == registry.KindStream {
		if returnSubject := job.Delivery.Header.Get(metadata.HeaderReturnSubject); returnSubject != "" {
			end := &transport.Message{Subject: returnSubject}
			if err != nil {
				end.Header = exceptionHeader(err)
			}
			if perr := e.conn.Publish(ctx, end); perr != nil {
				e.logger.Error("Failed to terminate stream", perr, fields)
			}
		}
	}

	if err != nil {
		e.logger.Error("Service invocation failed", err, fields)
	}
	if job.Delivery.Reply == "" {
		return
	}
	reply := &transport.Message{Subject: job.Delivery.Reply}
	if err != nil {
		reply.Header = exceptionHeader(err)
	} else {
		reply.Data = job.reply
	}
	if perr := e.conn.Publish(ctx, reply); perr != nil {
		e.logger.Error("Failed to send reply", perr, fields)
	}
}
