package runtime

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	idspkg "github.com/drblury/servicemesh/internal/runtime/ids"
	metadatapkg "github.com/drblury/servicemesh/internal/runtime/metadata"
	transportpkg "github.com/drblury/servicemesh/internal/runtime/transport"
)

const tracerName = "github.com/drblury/servicemesh"

// Producer emits messages onto the mesh. Publish waits for the broker's
// store confirmation; Send does not wait for anything.
type Producer interface {
	Publish(ctx context.Context, msg any, opts ...PublishOption) error
	Send(ctx context.Context, msg any, opts ...PublishOption) error
}

var _ Producer = (*Mesh)(nil)

type publishOptions struct {
	msgID    string
	attempts int
	wait     time.Duration
	metadata metadatapkg.Metadata
}

// PublishOption tunes a single publish.
type PublishOption func(*publishOptions)

// WithMsgID sets the deduplication id. Publishes sharing an id within the
// stream's duplicate window are stored once.
func WithMsgID(id string) PublishOption {
	return func(o *publishOptions) { o.msgID = id }
}

// WithRetry overrides the configured publish retry policy.
func WithRetry(attempts int, wait time.Duration) PublishOption {
	return func(o *publishOptions) {
		o.attempts = attempts
		o.wait = wait
	}
}

// WithMetadata replaces the headers of the message.
func WithMetadata(md metadatapkg.Metadata) PublishOption {
	return func(o *publishOptions) { o.metadata = md.Clone() }
}

// WithHeader adds a single header to the message.
func WithHeader(key, value string) PublishOption {
	return func(o *publishOptions) { o.metadata = o.metadata.With(key, value) }
}

func (m *Mesh) publishOptions(opts []PublishOption) publishOptions {
	o := publishOptions{
		attempts: m.Conf.PublishRetryAttempts,
		wait:     m.Conf.PublishRetryWait,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.msgID == "" {
		o.msgID = idspkg.New()
	}
	return o
}

// MessageSubject returns the subject messages of msg's type are published on.
func (m *Mesh) MessageSubject(msg any) string {
	return m.Conf.MessageSubject(reflect.TypeOf(msg))
}

func (m *Mesh) encodeMessage(msg any) (string, []byte, error) {
	if msg == nil {
		return "", nil, errors.New("servicemesh: message is required")
	}
	data, err := m.serializer.Serialize(msg, true)
	if err != nil {
		return "", nil, err
	}
	return m.MessageSubject(msg), data, nil
}

// Publish durably stores msg on the subject derived from its type.
func (m *Mesh) Publish(ctx context.Context, msg any, opts ...PublishOption) error {
	subject, data, err := m.encodeMessage(msg)
	if err != nil {
		return err
	}
	return m.PublishRaw(ctx, subject, data, opts...)
}

// PublishRaw durably stores an already serialized payload.
func (m *Mesh) PublishRaw(ctx context.Context, subject string, data []byte, opts ...PublishOption) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	o := m.publishOptions(opts)
	return m.produce(ctx, "publish", subject, o, data, func(ctx context.Context, msg *transportpkg.Message) error {
		return m.conn.PublishDurable(ctx, msg, transportpkg.PublishOptions{
			MsgID:         o.msgID,
			RetryAttempts: o.attempts,
			RetryWait:     o.wait,
		})
	})
}

// Send broadcasts msg to current subscribers without confirmation.
func (m *Mesh) Send(ctx context.Context, msg any, opts ...PublishOption) error {
	subject, data, err := m.encodeMessage(msg)
	if err != nil {
		return err
	}
	return m.SendRaw(ctx, subject, data, opts...)
}

// SendRaw broadcasts an already serialized payload.
func (m *Mesh) SendRaw(ctx context.Context, subject string, data []byte, opts ...PublishOption) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	o := m.publishOptions(opts)
	return m.produce(ctx, "send", subject, o, data, m.conn.Publish)
}

func (m *Mesh) produce(ctx context.Context, kind, subject string, o publishOptions, data []byte, send func(context.Context, *transportpkg.Message) error) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, kind+" "+subject, trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.system", "nats"),
		attribute.String("messaging.destination.name", subject),
		attribute.String("messaging.message.id", o.msgID),
	)

	msg := &transportpkg.Message{
		Subject: subject,
		Header:  metadatapkg.ToHeader(o.metadata),
		Data:    data,
	}
	metadatapkg.InjectTrace(ctx, msg.Header)

	err := send(ctx, msg)
	m.metrics.RecordProducer(kind, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s %s: %w", kind, subject, err)
	}
	return nil
}
