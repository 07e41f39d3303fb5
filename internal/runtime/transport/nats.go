package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/drblury/servicemesh/internal/runtime/config"
	"github.com/drblury/servicemesh/internal/runtime/logging"
)

var (
	NATSConnectFactory = func(url string, opts ...nats.Option) (*nats.Conn, error) {
		return nats.Connect(url, opts...)
	}
	JetStreamFactory = func(nc *nats.Conn) (jetstream.JetStream, error) {
		return jetstream.New(nc)
	}
)

// NATS adapts a nats.Conn and its JetStream context to Conn.
type NATS struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger logging.ServiceLogger
	owned  bool
}

// Connect dials the configured servers and reconnects forever.
func Connect(conf *config.Config, logger logging.ServiceLogger) (*NATS, error) {
	if conf.NATSURL == "" {
		return nil, errors.New("nats: URL is required")
	}
	log := logger.With(logging.LogFields{"component": "nats"})
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Error("Disconnected from NATS", err, nil)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("Reconnected to NATS", logging.LogFields{"url": nc.ConnectedUrlRedacted()})
		}),
	}
	if conf.ConnectionName != "" {
		opts = append(opts, nats.Name(conf.ConnectionName))
	}
	nc, err := NATSConnectFactory(conf.NATSURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	n, err := NewNATS(nc, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	n.owned = true
	log.Info("Connected to NATS", logging.LogFields{"url": nc.ConnectedUrlRedacted()})
	return n, nil
}

// NewNATS wraps an existing connection. Close leaves it open.
func NewNATS(nc *nats.Conn, logger logging.ServiceLogger) (*NATS, error) {
	js, err := JetStreamFactory(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return &NATS{nc: nc, js: js, logger: logger}, nil
}

func toNATS(msg *Message) *nats.Msg {
	return &nats.Msg{Subject: msg.Subject, Reply: msg.Reply, Header: msg.Header, Data: msg.Data}
}

func fromNATS(msg *nats.Msg) Message {
	return Message{Subject: msg.Subject, Reply: msg.Reply, Header: msg.Header, Data: msg.Data}
}

func (n *NATS) Publish(_ context.Context, msg *Message) error {
	return n.nc.PublishMsg(toNATS(msg))
}

func (n *NATS) Request(ctx context.Context, msg *Message) (*Message, error) {
	reply, err := n.nc.RequestMsgWithContext(ctx, toNATS(msg))
	if err != nil {
		return nil, err
	}
	out := fromNATS(reply)
	return &out, nil
}

func (n *NATS) Subscribe(subject, queue string) (Source, error) {
	var (
		sub *nats.Subscription
		err error
	)
	if queue == "" {
		sub, err = n.nc.SubscribeSync(subject)
	} else {
		sub, err = n.nc.QueueSubscribeSync(subject, queue)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return &natsSubscription{sub: sub}, nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Next(ctx context.Context) (*Delivery, error) {
	msg, err := s.sub.NextMsgWithContext(ctx)
	if err != nil {
		if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
			return nil, ErrSourceClosed
		}
		return nil, err
	}
	return NewDelivery(fromNATS(msg), 0, nil), nil
}

func (s *natsSubscription) Stop() error {
	if !s.sub.IsValid() {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (n *NATS) PublishDurable(ctx context.Context, msg *Message, opts PublishOptions) error {
	var pubOpts []jetstream.PublishOpt
	if opts.MsgID != "" {
		pubOpts = append(pubOpts, jetstream.WithMsgID(opts.MsgID))
	}
	if opts.RetryAttempts > 0 {
		pubOpts = append(pubOpts, jetstream.WithRetryAttempts(opts.RetryAttempts))
	}
	if opts.RetryWait > 0 {
		pubOpts = append(pubOpts, jetstream.WithRetryWait(opts.RetryWait))
	}
	_, err := n.js.PublishMsg(ctx, toNATS(msg), pubOpts...)
	return err
}

func (n *NATS) Consume(ctx context.Context, stream, consumer string, opts ConsumeOptions) (Source, error) {
	c, err := n.js.Consumer(ctx, stream, consumer)
	if err != nil {
		return nil, fmt.Errorf("consumer %s/%s: %w", stream, consumer, err)
	}
	src := &pullSource{msgs: make(chan jetstream.Msg), done: make(chan struct{})}
	pullOpts := []jetstream.PullConsumeOpt{
		jetstream.ConsumeErrHandler(func(cc jetstream.ConsumeContext, err error) {
			if errors.Is(err, jetstream.ErrConsumerDeleted) || errors.Is(err, jetstream.ErrConsumerNotFound) {
				cc.Stop()
				src.finish()
				return
			}
			n.logger.Debug("Pull consumer error", logging.LogFields{"stream": stream, "consumer": consumer, "error": err.Error()})
		}),
	}
	if opts.MaxMessages > 0 {
		pullOpts = append(pullOpts, jetstream.PullMaxMessages(opts.MaxMessages))
	}
	if opts.Expiry > 0 {
		pullOpts = append(pullOpts, jetstream.PullExpiry(opts.Expiry))
	}
	if opts.Heartbeat > 0 {
		pullOpts = append(pullOpts, jetstream.PullHeartbeat(opts.Heartbeat))
	}
	cc, err := c.Consume(src.push, pullOpts...)
	if err != nil {
		return nil, fmt.Errorf("consume %s/%s: %w", stream, consumer, err)
	}
	src.cc = cc
	src.release = context.AfterFunc(ctx, src.close)
	return src, nil
}

// pullSource hands messages from a jetstream consume callback to Next.
type pullSource struct {
	cc      jetstream.ConsumeContext
	msgs    chan jetstream.Msg
	done    chan struct{}
	once    sync.Once
	release func() bool
}

func (s *pullSource) push(msg jetstream.Msg) {
	select {
	case s.msgs <- msg:
	case <-s.done:
	}
}

func (s *pullSource) Next(ctx context.Context) (*Delivery, error) {
	select {
	case <-s.done:
		return nil, ErrSourceClosed
	default:
	}
	select {
	case msg := <-s.msgs:
		var attempt uint64 = 1
		if md, err := msg.Metadata(); err == nil {
			attempt = md.NumDelivered
		}
		out := Message{Subject: msg.Subject(), Reply: msg.Reply(), Header: msg.Headers(), Data: msg.Data()}
		return NewDelivery(out, attempt, jsAcker{msg: msg}), nil
	case <-s.done:
		return nil, ErrSourceClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *pullSource) finish() {
	s.once.Do(func() { close(s.done) })
}

func (s *pullSource) close() {
	s.finish()
	s.cc.Stop()
}

func (s *pullSource) Stop() error {
	s.release()
	s.close()
	return nil
}

type jsAcker struct {
	msg jetstream.Msg
}

func (a jsAcker) Ack() error {
	return a.msg.Ack()
}

func (a jsAcker) Nak(delay time.Duration) error {
	if delay > 0 {
		return a.msg.NakWithDelay(delay)
	}
	return a.msg.Nak()
}

func (n *NATS) Streams() StreamManager {
	return n
}

func (n *NATS) StreamConfig(ctx context.Context, name string) (*jetstream.StreamConfig, error) {
	s, err := n.js.Stream(ctx, name)
	if err != nil {
		return nil, err
	}
	cfg := s.CachedInfo().Config
	return &cfg, nil
}

// StreamState reports message counts and sequence bounds of a stream.
func (n *NATS) StreamState(ctx context.Context, name string) (*jetstream.StreamState, error) {
	s, err := n.js.Stream(ctx, name)
	if err != nil {
		return nil, err
	}
	state := s.CachedInfo().State
	return &state, nil
}

func (n *NATS) CreateStream(ctx context.Context, cfg jetstream.StreamConfig) error {
	_, err := n.js.CreateStream(ctx, cfg)
	return err
}

func (n *NATS) UpdateStream(ctx context.Context, cfg jetstream.StreamConfig) error {
	_, err := n.js.UpdateStream(ctx, cfg)
	return err
}

func (n *NATS) DeleteStream(ctx context.Context, name string) error {
	return n.js.DeleteStream(ctx, name)
}

func (n *NATS) ConsumerNames(ctx context.Context, stream string) ([]string, error) {
	s, err := n.js.Stream(ctx, stream)
	if err != nil {
		return nil, err
	}
	lister := s.ConsumerNames(ctx)
	var names []string
	for name := range lister.Name() {
		names = append(names, name)
	}
	if err := lister.Err(); err != nil {
		return nil, err
	}
	return names, nil
}

func (n *NATS) ConsumerConfig(ctx context.Context, stream, name string) (*jetstream.ConsumerConfig, error) {
	c, err := n.js.Consumer(ctx, stream, name)
	if err != nil {
		return nil, err
	}
	cfg := c.CachedInfo().Config
	return &cfg, nil
}

func (n *NATS) UpsertConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) error {
	_, err := n.js.CreateOrUpdateConsumer(ctx, stream, cfg)
	return err
}

func (n *NATS) DeleteConsumer(ctx context.Context, stream, name string) error {
	return n.js.DeleteConsumer(ctx, stream, name)
}

// Close drains the connection when it was opened by Connect.
func (n *NATS) Close() error {
	if !n.owned {
		return nil
	}
	return n.nc.Drain()
}
