// Package transport is the broker boundary of the mesh. Conn covers core
// publish/subscribe and request/reply, StreamManager covers persistent
// streams and durable consumers. NATS implements both against a server and
// Embedded runs that server inside the process.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

var (
	// ErrStreamNotFound is returned when a stream does not exist.
	ErrStreamNotFound = jetstream.ErrStreamNotFound
	// ErrConsumerNotFound is returned when a durable consumer does not exist.
	ErrConsumerNotFound = jetstream.ErrConsumerNotFound
	// ErrNoResponders is returned by Request when nobody listens on the subject.
	ErrNoResponders = nats.ErrNoResponders
	// ErrNoStream is returned by PublishDurable when no stream captures the subject.
	ErrNoStream = jetstream.ErrNoStreamResponse
	// ErrSourceClosed is returned by Source.Next once the source is stopped.
	ErrSourceClosed = errors.New("servicemesh: source closed")
)

// Message is a broker message independent of the client library.
type Message struct {
	Subject string
	Reply   string
	Header  nats.Header
	Data    []byte
}

// Acker settles a durable delivery.
type Acker interface {
	Ack() error
	// Nak asks for redelivery after delay; zero redelivers immediately.
	Nak(delay time.Duration) error
}

// Delivery is a message handed out by a Source.
type Delivery struct {
	Message
	// Attempt counts deliveries of a durable message, starting at 1. It is
	// zero for core subscriptions.
	Attempt uint64
	acker   Acker
}

// NewDelivery builds a delivery settled through acker, which may be nil.
func NewDelivery(msg Message, attempt uint64, acker Acker) *Delivery {
	return &Delivery{Message: msg, Attempt: attempt, acker: acker}
}

// Ack confirms a durable delivery. It is a no-op for core deliveries.
func (d *Delivery) Ack() error {
	if d.acker == nil {
		return nil
	}
	return d.acker.Ack()
}

// Nak rejects a durable delivery. It is a no-op for core deliveries.
func (d *Delivery) Nak(delay time.Duration) error {
	if d.acker == nil {
		return nil
	}
	return d.acker.Nak(delay)
}

// Source yields deliveries until it is stopped or ctx is done.
type Source interface {
	Next(ctx context.Context) (*Delivery, error)
	Stop() error
}

// PublishOptions tunes a durable publish.
type PublishOptions struct {
	// MsgID deduplicates publishes within the stream's duplicate window.
	MsgID         string
	RetryAttempts int
	RetryWait     time.Duration
}

// ConsumeOptions tunes a durable pull consumer.
type ConsumeOptions struct {
	MaxMessages int
	Expiry      time.Duration
	Heartbeat   time.Duration
}

// Conn is the shared broker connection. It is safe for concurrent use.
type Conn interface {
	// Publish sends a core message without confirmation.
	Publish(ctx context.Context, msg *Message) error
	// Request publishes msg and waits for one reply until ctx is done.
	Request(ctx context.Context, msg *Message) (*Message, error)
	// Subscribe listens on a subject pattern; a non-empty queue load-balances.
	Subscribe(subject, queue string) (Source, error)
	// PublishDurable stores msg in the stream capturing its subject and
	// returns once the broker acknowledged the write.
	PublishDurable(ctx context.Context, msg *Message, opts PublishOptions) error
	// Consume pulls from an existing durable consumer. The source stops when
	// ctx is done.
	Consume(ctx context.Context, stream, consumer string, opts ConsumeOptions) (Source, error)
	Streams() StreamManager
	Close() error
}

// StreamManager administers streams and durable consumers.
type StreamManager interface {
	StreamConfig(ctx context.Context, name string) (*jetstream.StreamConfig, error)
	StreamState(ctx context.Context, name string) (*jetstream.StreamState, error)
	CreateStream(ctx context.Context, cfg jetstream.StreamConfig) error
	UpdateStream(ctx context.Context, cfg jetstream.StreamConfig) error
	DeleteStream(ctx context.Context, name string) error
	ConsumerNames(ctx context.Context, stream string) ([]string, error)
	ConsumerConfig(ctx context.Context, stream, name string) (*jetstream.ConsumerConfig, error)
	UpsertConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) error
	DeleteConsumer(ctx context.Context, stream, name string) error
}
