package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drblury/servicemesh/internal/runtime/codec"
	"github.com/drblury/servicemesh/internal/runtime/config"
	"github.com/drblury/servicemesh/internal/runtime/logging"
	"github.com/drblury/servicemesh/internal/runtime/reconcile"
	"github.com/drblury/servicemesh/internal/runtime/registry"
	"github.com/drblury/servicemesh/internal/runtime/transport"
)

type harness struct {
	broker     *transport.Embedded
	conf       *config.Config
	serializer *codec.Serializer
	types      *codec.TypeRegistry
	engine     *Engine
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	broker, err := transport.NewEmbedded(nil, logging.NewNopLogger())
	require.NoError(t, err)
	h := &harness{
		broker:     broker,
		conf:       (&config.Config{PubSubSystem: config.PubSubMemory, ServiceWorkers: 2, DurableWorkers: 2, TransientWorkers: 2}).WithDefaults(),
		serializer: codec.NewSerializer(nil),
		types:      codec.NewTypeRegistry(),
	}
	h.engine = New(h.broker, h.conf, h.serializer, h.types, logging.NewNopLogger(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.engine.Stop(ctx)
		_ = h.broker.Close()
	})
	return h
}

// start binds and reconciles the registrations, then starts the engine.
func (h *harness) start(t *testing.T, services []*registry.ServiceRegistration, consumers []*registry.ConsumerRegistration) {
	t.Helper()
	ctx := testContext(t)
	for _, svc := range services {
		require.NoError(t, svc.Bind(h.conf, h.types))
	}
	for _, c := range consumers {
		require.NoError(t, c.Bind(h.conf))
	}
	require.NoError(t, reconcile.New(h.broker, h.conf, logging.NewNopLogger(), nil).Reconcile(ctx, consumers))
	require.NoError(t, h.engine.Start(context.Background(), services, consumers))
}

func (h *harness) call(t *testing.T, subject string, args []any) *transport.Message {
	t.Helper()
	data, err := h.serializer.EncodeInvocation(h.types, args, nil)
	require.NoError(t, err)
	reply, err := h.broker.Request(testContext(t), &transport.Message{Subject: subject, Data: data})
	require.NoError(t, err)
	return reply
}

func (h *harness) publishDurable(t *testing.T, subject string, msg any) {
	t.Helper()
	data, err := h.serializer.Serialize(msg, true)
	require.NoError(t, err)
	require.NoError(t, h.broker.PublishDurable(testContext(t), &transport.Message{Subject: subject, Data: data}, transport.PublishOptions{}))
}

func (h *harness) publish(t *testing.T, subject string, msg any) {
	t.Helper()
	data, err := h.serializer.Serialize(msg, true)
	require.NoError(t, err)
	require.NoError(t, h.broker.Publish(testContext(t), &transport.Message{Subject: subject, Data: data}))
}

func (h *harness) storedMessages(t *testing.T, stream string) uint64 {
	t.Helper()
	state, err := h.broker.StreamState(testContext(t), stream)
	require.NoError(t, err)
	return state.Msgs
}
