package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/servicemesh/internal/runtime/config"
	meshErrors "github.com/drblury/servicemesh/internal/runtime/errors"
	"github.com/drblury/servicemesh/internal/runtime/logging"
	"github.com/drblury/servicemesh/internal/runtime/registry"
	"github.com/drblury/servicemesh/internal/runtime/transport"
)

type InvoiceIssued struct{ ID string }

type InvoicePaid struct{ ID string }

func durable(t *testing.T, cfg *config.Config, name, stream string, handlers ...func(*registry.ConsumerRegistration)) *registry.ConsumerRegistration {
	t.Helper()
	c := registry.NewDurable(name, stream)
	for _, h := range handlers {
		h(c)
	}
	require.NoError(t, c.Bind(cfg))
	return c
}

func handles[T any](c *registry.ConsumerRegistration) {
	_ = registry.Consume(c, func(context.Context, T) error { return nil })
}

func newBroker(t *testing.T) *transport.Embedded {
	t.Helper()
	broker, err := transport.NewEmbedded(nil, logging.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = broker.Close() })
	return broker
}

func newReconciler(streams transport.StreamManager, cfg *config.Config) *Reconciler {
	return New(streams, cfg, logging.NewNopLogger(), nil)
}

// countingStreams records every call that changes broker state.
type countingStreams struct {
	transport.StreamManager
	mutations atomic.Int32
}

func (c *countingStreams) CreateStream(ctx context.Context, cfg jetstream.StreamConfig) error {
	c.mutations.Add(1)
	return c.StreamManager.CreateStream(ctx, cfg)
}

func (c *countingStreams) UpdateStream(ctx context.Context, cfg jetstream.StreamConfig) error {
	c.mutations.Add(1)
	return c.StreamManager.UpdateStream(ctx, cfg)
}

func (c *countingStreams) DeleteStream(ctx context.Context, name string) error {
	c.mutations.Add(1)
	return c.StreamManager.DeleteStream(ctx, name)
}

func (c *countingStreams) UpsertConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) error {
	c.mutations.Add(1)
	return c.StreamManager.UpsertConsumer(ctx, stream, cfg)
}

func (c *countingStreams) DeleteConsumer(ctx context.Context, stream, name string) error {
	c.mutations.Add(1)
	return c.StreamManager.DeleteConsumer(ctx, stream, name)
}

func TestReconcileCreatesStreamAndConsumer(t *testing.T) {
	ctx := context.Background()
	cfg := (&config.Config{}).WithDefaults()
	broker := newBroker(t)
	c := durable(t, cfg, "billing", "billing", handles[InvoiceIssued], handles[InvoicePaid])

	require.NoError(t, newReconciler(broker, cfg).Reconcile(ctx, []*registry.ConsumerRegistration{c}))

	st, err := broker.StreamConfig(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, []string{"InvoiceIssued", "InvoicePaid"}, st.Subjects)
	assert.Equal(t, jetstream.FileStorage, st.Storage)
	assert.Equal(t, config.DefaultDuplicateWindow, st.Duplicates)
	assert.Equal(t, config.DefaultStreamMaxAge, st.MaxAge)

	cc, err := broker.ConsumerConfig(ctx, "billing", "billing")
	require.NoError(t, err)
	assert.Equal(t, "billing", cc.Durable)
	assert.Equal(t, jetstream.AckExplicitPolicy, cc.AckPolicy)
	assert.Equal(t, []string{"InvoiceIssued", "InvoicePaid"}, cc.FilterSubjects)
	assert.Equal(t, -1, cc.MaxDeliver)
	assert.Equal(t, 5*time.Minute, cc.AckWait)
}

func TestReconcileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	cfg := (&config.Config{}).WithDefaults()
	broker := newBroker(t)
	c := durable(t, cfg, "billing", "billing", handles[InvoiceIssued])
	c.Policy.MaxDeliver = 3
	c.Policy.Backoff = []time.Duration{time.Second, 5 * time.Second}
	regs := []*registry.ConsumerRegistration{c}
	require.NoError(t, newReconciler(broker, cfg).Reconcile(ctx, regs))

	counted := &countingStreams{StreamManager: broker}
	require.NoError(t, newReconciler(counted, cfg).Reconcile(ctx, regs))
	assert.Zero(t, counted.mutations.Load(), "second run must not mutate the broker")

	cc, err := broker.ConsumerConfig(ctx, "billing", "billing")
	require.NoError(t, err)
	assert.Equal(t, time.Second, cc.AckWait, "ack wait follows the first backoff step")
}

func TestReconcileMergesSubjectsKeepingExisting(t *testing.T) {
	ctx := context.Background()
	cfg := (&config.Config{}).WithDefaults()
	broker := newBroker(t)
	require.NoError(t, broker.CreateStream(ctx, jetstream.StreamConfig{
		Name:     "billing",
		Subjects: []string{"legacy.>"},
		Storage:  jetstream.FileStorage,
	}))
	c := durable(t, cfg, "billing", "billing", handles[InvoicePaid])

	require.NoError(t, newReconciler(broker, cfg).Reconcile(ctx, []*registry.ConsumerRegistration{c}))

	st, err := broker.StreamConfig(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, []string{"legacy.>", "InvoicePaid"}, st.Subjects)
	assert.Equal(t, config.DefaultDuplicateWindow, st.Duplicates)
}

func TestReconcileRefusesStorageChange(t *testing.T) {
	ctx := context.Background()
	cfg := (&config.Config{}).WithDefaults()
	broker := newBroker(t)
	require.NoError(t, broker.CreateStream(ctx, jetstream.StreamConfig{
		Name:     "billing",
		Subjects: []string{"InvoicePaid"},
		Storage:  jetstream.MemoryStorage,
	}))
	counted := &countingStreams{StreamManager: broker}
	c := durable(t, cfg, "billing", "billing", handles[InvoicePaid])

	err := newReconciler(counted, cfg).Reconcile(ctx, []*registry.ConsumerRegistration{c})

	var rerr *meshErrors.ReconcileError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "billing", rerr.Stream)
	assert.Zero(t, counted.mutations.Load())
}

func TestReconcileHooks(t *testing.T) {
	ctx := context.Background()
	cfg := (&config.Config{
		ConfigureStream: func(name string, sc *jetstream.StreamConfig) {
			sc.Storage = jetstream.MemoryStorage
			sc.Description = "stream " + name
		},
		ConfigureConsumer: func(name string, cc *jetstream.ConsumerConfig) {
			cc.MaxAckPending = 5
		},
	}).WithDefaults()
	broker := newBroker(t)
	c := durable(t, cfg, "billing", "billing", handles[InvoicePaid])
	require.NoError(t, newReconciler(broker, cfg).Reconcile(ctx, []*registry.ConsumerRegistration{c}))

	counted := &countingStreams{StreamManager: broker}
	require.NoError(t, newReconciler(counted, cfg).Reconcile(ctx, []*registry.ConsumerRegistration{c}))
	assert.Zero(t, counted.mutations.Load())

	st, err := broker.StreamConfig(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, jetstream.MemoryStorage, st.Storage)
	assert.Equal(t, "stream billing", st.Description)

	cc, err := broker.ConsumerConfig(ctx, "billing", "billing")
	require.NoError(t, err)
	assert.Equal(t, 5, cc.MaxAckPending)
}

func TestReconcileTearsDownObsoleteConsumerAndStream(t *testing.T) {
	ctx := context.Background()
	cfg := (&config.Config{}).WithDefaults()
	broker := newBroker(t)
	live := durable(t, cfg, "shipping", "shipping", handles[InvoicePaid])
	require.NoError(t, newReconciler(broker, cfg).Reconcile(ctx, []*registry.ConsumerRegistration{live}))

	gone := registry.NewDurable("shipping", "shipping")
	gone.Obsolete = true
	require.NoError(t, gone.Bind(cfg))

	require.NoError(t, newReconciler(broker, cfg).Reconcile(ctx, []*registry.ConsumerRegistration{gone}))

	_, err := broker.StreamConfig(ctx, "shipping")
	assert.ErrorIs(t, err, transport.ErrStreamNotFound)
}

func TestReconcileKeepsStreamWithOtherConsumers(t *testing.T) {
	ctx := context.Background()
	cfg := (&config.Config{}).WithDefaults()
	broker := newBroker(t)
	a := durable(t, cfg, "a", "shared", handles[InvoicePaid])
	b := durable(t, cfg, "b", "shared", handles[InvoiceIssued])
	require.NoError(t, newReconciler(broker, cfg).Reconcile(ctx, []*registry.ConsumerRegistration{a, b}))

	gone := registry.NewDurable("a", "shared")
	gone.Obsolete = true
	require.NoError(t, gone.Bind(cfg))
	require.NoError(t, newReconciler(broker, cfg).Reconcile(ctx, []*registry.ConsumerRegistration{gone}))

	names, err := broker.ConsumerNames(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, names)
}

func TestReconcileObsoleteWithoutBrokerState(t *testing.T) {
	cfg := (&config.Config{}).WithDefaults()
	gone := registry.NewDurable("never", "missing")
	gone.Obsolete = true
	require.NoError(t, gone.Bind(cfg))

	assert.NoError(t, newReconciler(newBroker(t), cfg).Reconcile(context.Background(), []*registry.ConsumerRegistration{gone}))
}

type failingDeletes struct {
	transport.StreamManager
}

func (failingDeletes) DeleteConsumer(context.Context, string, string) error {
	return errors.New("broker unavailable")
}

func TestReconcileTeardownErrorsAreNotFatal(t *testing.T) {
	ctx := context.Background()
	cfg := (&config.Config{}).WithDefaults()
	broker := newBroker(t)
	live := durable(t, cfg, "old", "legacy", handles[InvoicePaid])
	require.NoError(t, newReconciler(broker, cfg).Reconcile(ctx, []*registry.ConsumerRegistration{live}))

	gone := registry.NewDurable("old", "legacy")
	gone.Obsolete = true
	require.NoError(t, gone.Bind(cfg))
	next := durable(t, cfg, "fresh", "billing", handles[InvoiceIssued])

	r := New(failingDeletes{broker}, cfg, logging.NewNopLogger(), nil)
	require.NoError(t, r.Reconcile(ctx, []*registry.ConsumerRegistration{gone, next}))

	_, err := broker.StreamConfig(ctx, "legacy")
	assert.NoError(t, err, "stream survives a failed consumer delete")
	_, err = broker.ConsumerConfig(ctx, "billing", "fresh")
	assert.NoError(t, err)
}

func TestReconcileKeepsDeliverPolicyOfExistingConsumer(t *testing.T) {
	ctx := context.Background()
	cfg := (&config.Config{}).WithDefaults()
	broker := newBroker(t)
	c := durable(t, cfg, "billing", "billing", handles[InvoicePaid])
	require.NoError(t, newReconciler(broker, cfg).Reconcile(ctx, []*registry.ConsumerRegistration{c}))

	changed := durable(t, cfg, "billing", "billing", handles[InvoicePaid])
	changed.Policy.DeliverPolicy = jetstream.DeliverNewPolicy
	changed.Policy.MaxAckPending = 10
	require.NoError(t, newReconciler(broker, cfg).Reconcile(ctx, []*registry.ConsumerRegistration{changed}))

	cc, err := broker.ConsumerConfig(ctx, "billing", "billing")
	require.NoError(t, err)
	assert.Equal(t, jetstream.DeliverAllPolicy, cc.DeliverPolicy)
	assert.Equal(t, 10, cc.MaxAckPending)
}

func TestReconcileSkipsTransientConsumers(t *testing.T) {
	cfg := (&config.Config{}).WithDefaults()
	broker := newBroker(t)
	c := registry.NewTransient("audit", "")
	handles[InvoicePaid](c)
	require.NoError(t, c.Bind(cfg))

	counted := &countingStreams{StreamManager: broker}
	require.NoError(t, newReconciler(counted, cfg).Reconcile(context.Background(), []*registry.ConsumerRegistration{c}))
	assert.Zero(t, counted.mutations.Load())
}
