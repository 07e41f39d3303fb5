package registry

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/drblury/servicemesh/internal/runtime/config"
	meshErrors "github.com/drblury/servicemesh/internal/runtime/errors"
)

// DurablePolicy controls broker-side redelivery for a durable consumer.
type DurablePolicy struct {
	// MaxDeliver of -1 redelivers until acknowledged.
	MaxDeliver    int
	MaxAckPending int
	AckWait       time.Duration
	DeliverPolicy jetstream.DeliverPolicy
	// Backoff overrides AckWait for successive redeliveries.
	Backoff []time.Duration
}

// DefaultDurablePolicy returns the policy applied when none is given.
func DefaultDurablePolicy() DurablePolicy {
	return DurablePolicy{
		MaxDeliver:    -1,
		MaxAckPending: 1000,
		AckWait:       5 * time.Minute,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
}

// Validate reports policies the broker would reject.
func (p DurablePolicy) Validate() error {
	if p.MaxDeliver == 0 || p.MaxDeliver < -1 {
		return fmt.Errorf("servicemesh: max deliver must be -1 or positive, got %d", p.MaxDeliver)
	}
	if p.MaxDeliver > 0 && len(p.Backoff) > p.MaxDeliver {
		return fmt.Errorf("servicemesh: %d backoff steps exceed max deliver %d", len(p.Backoff), p.MaxDeliver)
	}
	for i, d := range p.Backoff {
		if d <= 0 {
			return fmt.Errorf("servicemesh: backoff step %d must be positive", i)
		}
	}
	return nil
}

// MessageHandler decodes deliveries on one subject into MessageType.
type MessageHandler struct {
	MessageType reflect.Type
	Handle      func(ctx context.Context, msg any) error
}

// ConsumerRegistration describes a durable or transient consumer and the
// message types it handles. Subjects are derived from the message types.
type ConsumerRegistration struct {
	Name       string
	Durable    bool
	Stream     string
	QueueGroup string
	// Obsolete marks a durable consumer for teardown at reconciliation.
	Obsolete bool
	Policy   DurablePolicy

	pending  []*MessageHandler
	handlers map[string]*MessageHandler
	subjects []string
	bound    bool
}

// NewDurable starts a durable consumer registration. An empty stream falls
// back to the configured default stream.
func NewDurable(name, stream string) *ConsumerRegistration {
	return &ConsumerRegistration{
		Name:    name,
		Durable: true,
		Stream:  stream,
		Policy:  DefaultDurablePolicy(),
	}
}

// NewTransient starts a broadcast consumer registration. Consumers sharing a
// non-empty queue group load-balance deliveries.
func NewTransient(name, queueGroup string) *ConsumerRegistration {
	return &ConsumerRegistration{
		Name:       name,
		QueueGroup: queueGroup,
	}
}

// Consume adds a handler for messages of type T.
func Consume[T any](c *ConsumerRegistration, fn func(ctx context.Context, msg T) error) error {
	if fn == nil {
		return meshErrors.ErrHandlerRequired
	}
	t := reflect.TypeFor[T]()
	for _, h := range c.pending {
		if h.MessageType == t {
			return fmt.Errorf("%w: %s handles %s twice", meshErrors.ErrDuplicateSubject, c.Name, t)
		}
	}
	c.pending = append(c.pending, &MessageHandler{
		MessageType: t,
		Handle: func(ctx context.Context, msg any) error {
			return fn(ctx, arg[T](msg))
		},
	})
	return nil
}

// Bind resolves subjects and the stream name against cfg. Binding twice is a
// no-op.
func (c *ConsumerRegistration) Bind(cfg *config.Config) error {
	if c.bound {
		return nil
	}
	if c.Name == "" {
		return meshErrors.ErrConsumerNameRequired
	}
	if len(c.pending) == 0 && !c.Obsolete {
		return fmt.Errorf("%w: consumer %s", meshErrors.ErrHandlerRequired, c.Name)
	}
	if c.Durable {
		if c.Stream == "" {
			c.Stream = cfg.DefaultStream
		}
		if c.Stream == "" {
			return fmt.Errorf("%w: consumer %s", meshErrors.ErrStreamRequired, c.Name)
		}
		if err := c.Policy.Validate(); err != nil {
			return fmt.Errorf("consumer %s: %w", c.Name, err)
		}
		c.Stream = cfg.ApplyPrefix(c.Stream)
		c.QueueGroup = ""
	} else if c.QueueGroup != "" {
		c.QueueGroup = cfg.ApplyPrefix(c.QueueGroup)
	}
	c.Name = cfg.ApplyPrefix(c.Name)

	c.handlers = make(map[string]*MessageHandler, len(c.pending))
	c.subjects = c.subjects[:0]
	for _, h := range c.pending {
		subject := cfg.MessageSubject(h.MessageType)
		if _, dup := c.handlers[subject]; dup {
			return fmt.Errorf("%w: %s in consumer %s", meshErrors.ErrDuplicateSubject, subject, c.Name)
		}
		c.handlers[subject] = h
		c.subjects = append(c.subjects, subject)
	}
	slices.Sort(c.subjects)
	c.bound = true
	return nil
}

// Subjects returns the bound subjects in sorted order.
func (c *ConsumerRegistration) Subjects() []string {
	return slices.Clone(c.subjects)
}

// Handler returns the handler for an exact subject.
func (c *ConsumerRegistration) Handler(subject string) (*MessageHandler, bool) {
	h, ok := c.handlers[subject]
	return h, ok
}

// Kind labels the registration for logs and metrics.
func (c *ConsumerRegistration) Kind() string {
	if c.Durable {
		return "durable"
	}
	return "transient"
}
