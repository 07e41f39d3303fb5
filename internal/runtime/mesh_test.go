package runtime

import (
	"context"
	"iter"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/servicemesh/internal/runtime/config"
	"github.com/drblury/servicemesh/internal/runtime/dispatch"
	errspkg "github.com/drblury/servicemesh/internal/runtime/errors"
	loggingpkg "github.com/drblury/servicemesh/internal/runtime/logging"
	metadatapkg "github.com/drblury/servicemesh/internal/runtime/metadata"
	"github.com/drblury/servicemesh/internal/runtime/registry"
	transportpkg "github.com/drblury/servicemesh/internal/runtime/transport"
)

func TestNewRequiresConfigAndLogger(t *testing.T) {
	_, err := New(context.Background(), nil, loggingpkg.NewNopLogger(), Dependencies{})
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)

	_, err = New(context.Background(), &configpkg.Config{}, nil, Dependencies{})
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)

	_, err = New(context.Background(), &configpkg.Config{PubSubSystem: "nats"}, loggingpkg.NewNopLogger(), Dependencies{})
	var cerr errspkg.ConfigValidationError
	assert.ErrorAs(t, err, &cerr)
}

func TestNewBuildsMemoryTransport(t *testing.T) {
	mesh, err := New(context.Background(), &configpkg.Config{PubSubSystem: configpkg.PubSubMemory}, loggingpkg.NewNopLogger(), Dependencies{})
	require.NoError(t, err)
	assert.IsType(t, &transportpkg.Embedded{}, mesh.Conn())
	require.NoError(t, mesh.Stop(context.Background()))
}

func TestDurablePublishIsHandledOnce(t *testing.T) {
	mesh, broker, reg := newTestMesh(t, nil)
	var calls atomic.Int32
	var got atomic.Value
	c := registry.NewDurable("orders", "S")
	require.NoError(t, registry.Consume(c, func(_ context.Context, msg OrderPlaced) error {
		calls.Add(1)
		got.Store(msg)
		return nil
	}))
	require.NoError(t, mesh.RegisterConsumer(c))
	require.NoError(t, mesh.Start(testContext(t)))

	order := OrderPlaced{ID: "o-1", Total: 9.5}
	require.NoError(t, mesh.Publish(testContext(t), order, WithMsgID("o-1")))
	require.NoError(t, mesh.Publish(testContext(t), order, WithMsgID("o-1")))

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "duplicate msg id is stored once")
	assert.Equal(t, order, got.Load())
	state, err := broker.StreamState(testContext(t), "S")
	require.NoError(t, err)
	assert.EqualValues(t, 1, state.Msgs)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "servicemesh_producer_messages_total")
	assert.Contains(t, names, "servicemesh_reconcile_actions_total")
}

func TestPublishWithoutStreamFails(t *testing.T) {
	mesh, _, _ := newTestMesh(t, nil)
	require.NoError(t, mesh.Start(testContext(t)))
	err := mesh.Publish(testContext(t), OrderPlaced{ID: "lost"})
	assert.ErrorIs(t, err, transportpkg.ErrNoStream)
}

func TestSendReachesTransientConsumers(t *testing.T) {
	mesh, _, _ := newTestMesh(t, func(c *configpkg.Config) { c.Prefix = "test" })
	var calls atomic.Int32
	c := registry.NewTransient("audit", "")
	require.NoError(t, registry.Consume(c, func(context.Context, *OrderPlaced) error {
		calls.Add(1)
		return nil
	}))
	require.NoError(t, mesh.RegisterConsumer(c))
	require.NoError(t, mesh.Start(testContext(t)))

	assert.Equal(t, "test-OrderPlaced", mesh.MessageSubject(&OrderPlaced{}))
	require.NoError(t, mesh.Send(testContext(t), &OrderPlaced{ID: "o-2"}))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestSendCarriesHeaders(t *testing.T) {
	mesh, broker, _ := newTestMesh(t, nil)
	require.NoError(t, mesh.Start(testContext(t)))
	src, err := broker.Subscribe("audit.raw", "")
	require.NoError(t, err)
	defer src.Stop()

	require.NoError(t, mesh.SendRaw(testContext(t), "audit.raw", []byte("{}"),
		WithMetadata(metadatapkg.New("source", "cli")),
		WithHeader("tenant", "acme"),
	))

	d, err := src.Next(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, "cli", d.Header.Get("source"))
	assert.Equal(t, "acme", d.Header.Get("tenant"))
}

func TestRequest(t *testing.T) {
	mesh, _, _ := newTestMesh(t, nil)
	require.NoError(t, mesh.RegisterService(calculator(t)))
	require.NoError(t, mesh.Start(testContext(t)))

	var sum int
	require.NoError(t, mesh.Request(testContext(t), mesh.MethodSubject("calc", "Add", 0, 2), []any{2, 4}, nil, &sum))
	assert.Equal(t, 6, sum)

	err := mesh.Request(testContext(t), mesh.MethodSubject("calc", "Divide", 0, 2), []any{1, 0}, nil, &sum)
	var remote *errspkg.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "division by zero", remote.Message)

	err = mesh.Request(testContext(t), mesh.MethodSubject("nobody", "Add", 0, 2), []any{2, 4}, nil, &sum)
	assert.ErrorIs(t, err, transportpkg.ErrNoResponders)
}

func TestStream(t *testing.T) {
	mesh, _, _ := newTestMesh(t, nil)
	require.NoError(t, mesh.RegisterService(calculator(t)))
	require.NoError(t, mesh.Start(testContext(t)))
	subject := mesh.MethodSubject("calc", "Count", 0, 1)

	var items []any
	for item, err := range mesh.Stream(testContext(t), subject, []any{3}, nil, reflect.TypeFor[int]()) {
		require.NoError(t, err)
		items = append(items, item)
	}
	assert.Equal(t, []any{0, 1, 2}, items)

	items = nil
	var streamErr error
	for item, err := range mesh.Stream(testContext(t), subject, []any{5}, nil, reflect.TypeFor[int]()) {
		if err != nil {
			streamErr = err
			break
		}
		items = append(items, item)
	}
	assert.Equal(t, []any{0, 1, 2}, items)
	var remote *errspkg.RemoteError
	assert.ErrorAs(t, streamErr, &remote)
}

func TestStreamEarlyBreak(t *testing.T) {
	mesh, _, _ := newTestMesh(t, nil)
	require.NoError(t, mesh.RegisterService(calculator(t)))
	require.NoError(t, mesh.Start(testContext(t)))

	var first any
	for item, err := range mesh.Stream(testContext(t), mesh.MethodSubject("calc", "Count", 0, 1), []any{3}, nil, reflect.TypeFor[int]()) {
		require.NoError(t, err)
		first = item
		break
	}
	assert.Equal(t, 0, first)
}

func TestInvokeInterfaceModes(t *testing.T) {
	tests := []struct {
		mode       string
		start      bool
		wantRemote bool
	}{
		{configpkg.InterfaceAuto, false, false},
		{configpkg.InterfaceAutoTrace, false, false},
		{configpkg.InterfaceForceRemote, false, true},
		{configpkg.InterfaceNone, false, true},
		{configpkg.InterfaceForceRemote, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			mesh, _, _ := newTestMesh(t, func(c *configpkg.Config) { c.InterfaceMode = tt.mode })
			require.NoError(t, mesh.RegisterService(calculator(t)))
			if tt.start {
				require.NoError(t, mesh.Start(testContext(t)))
			}

			var sum int
			err := mesh.Invoke(testContext(t), "calc", "Add", []any{20, 22}, nil, &sum)
			if tt.wantRemote {
				assert.ErrorIs(t, err, transportpkg.ErrNoResponders, "remote call without listeners")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 42, sum)
		})
	}
}

func TestInvokeStreamLocal(t *testing.T) {
	mesh, _, _ := newTestMesh(t, nil)
	require.NoError(t, mesh.RegisterService(calculator(t)))

	var items []any
	var failure error
	for item, err := range mesh.InvokeStream(testContext(t), "calc", "Count", []any{4}, nil, reflect.TypeFor[int]()) {
		if err != nil {
			failure = err
			break
		}
		items = append(items, item)
	}
	assert.Equal(t, []any{0, 1, 2}, items)
	assert.EqualError(t, failure, "too many")

	err := mesh.Invoke(testContext(t), "calc", "Count", []any{1}, nil, nil)
	assert.Error(t, err)
}

func TestInvokeLocalChecksArgumentTypes(t *testing.T) {
	for _, mode := range []string{configpkg.InterfaceAuto, configpkg.InterfaceAutoTrace} {
		t.Run(mode, func(t *testing.T) {
			mesh, _, _ := newTestMesh(t, func(c *configpkg.Config) { c.InterfaceMode = mode })
			require.NoError(t, mesh.RegisterService(calculator(t)))

			var sum int
			err := mesh.Invoke(testContext(t), "calc", "Add", []any{int64(20), 22}, nil, &sum)
			assert.ErrorContains(t, err, "int64 is not assignable to int")

			for _, err := range mesh.InvokeStream(testContext(t), "calc", "Count", []any{"3"}, nil, reflect.TypeFor[int]()) {
				assert.ErrorContains(t, err, "string is not assignable to int")
			}
		})
	}
}

func faultyService(t *testing.T) *registry.ServiceRegistration {
	t.Helper()
	svc := registry.NewService("faulty")
	require.NoError(t, svc.Handle("Explode", registry.Unary0(func(context.Context) (int, error) {
		panic("boom")
	})))
	require.NoError(t, svc.Handle("Sparks", registry.Stream0(func(context.Context) iter.Seq2[int, error] {
		return func(yield func(int, error) bool) {
			if yield(1, nil) {
				panic("fizzle")
			}
		}
	})))
	return svc
}

func TestInvokeLocalRecoversHandlerPanic(t *testing.T) {
	mesh, _, _ := newTestMesh(t, func(c *configpkg.Config) { c.InterfaceMode = configpkg.InterfaceAuto })
	require.NoError(t, mesh.RegisterService(faultyService(t)))

	var out int
	err := mesh.Invoke(testContext(t), "faulty", "Explode", nil, nil, &out)
	var perr *dispatch.PanicError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "boom", perr.Value)
	assert.NotEmpty(t, perr.Stack)

	var items []any
	var failure error
	for item, err := range mesh.InvokeStream(testContext(t), "faulty", "Sparks", nil, nil, reflect.TypeFor[int]()) {
		if err != nil {
			failure = err
			break
		}
		items = append(items, item)
	}
	assert.Equal(t, []any{1}, items)
	require.ErrorAs(t, failure, &perr)
	assert.Equal(t, "fizzle", perr.Value)
}

func TestInvokeStreamLocalLetsCallerPanicThrough(t *testing.T) {
	mesh, _, _ := newTestMesh(t, func(c *configpkg.Config) { c.InterfaceMode = configpkg.InterfaceAuto })
	require.NoError(t, mesh.RegisterService(calculator(t)))

	assert.PanicsWithValue(t, "caller bug", func() {
		for range mesh.InvokeStream(testContext(t), "calc", "Count", []any{2}, nil, reflect.TypeFor[int]()) {
			panic("caller bug")
		}
	})
}

func TestDeveloperModeSkipsBrokerState(t *testing.T) {
	mesh, broker, _ := newTestMesh(t, func(c *configpkg.Config) { c.DeveloperMode = true })
	c := registry.NewDurable("orders", "S")
	require.NoError(t, registry.Consume(c, func(context.Context, OrderPlaced) error { return nil }))
	require.NoError(t, mesh.RegisterConsumer(c))
	require.NoError(t, mesh.RegisterService(calculator(t)))
	require.NoError(t, mesh.Start(testContext(t)))

	_, err := broker.StreamConfig(testContext(t), "S")
	assert.ErrorIs(t, err, transportpkg.ErrStreamNotFound)
	err = mesh.Request(testContext(t), mesh.MethodSubject("calc", "Add", 0, 2), []any{1, 1}, nil, nil)
	assert.ErrorIs(t, err, transportpkg.ErrNoResponders)
}

func TestLifecycle(t *testing.T) {
	mesh, _, _ := newTestMesh(t, nil)
	require.NoError(t, mesh.Start(testContext(t)))
	require.NoError(t, mesh.Start(testContext(t)))

	assert.Error(t, mesh.RegisterService(calculator(t)), "registration after start")

	require.NoError(t, mesh.Stop(context.Background()))
	require.NoError(t, mesh.Stop(context.Background()))
	assert.ErrorIs(t, mesh.Publish(context.Background(), OrderPlaced{}), errspkg.ErrMeshClosed)
	assert.ErrorIs(t, mesh.Start(context.Background()), errspkg.ErrMeshClosed)
}

func TestRegisterServiceTwiceFails(t *testing.T) {
	mesh, _, _ := newTestMesh(t, nil)
	require.NoError(t, mesh.RegisterService(calculator(t)))
	assert.ErrorIs(t, mesh.RegisterService(calculator(t)), errspkg.ErrDuplicateSubject)
}

func TestRegistrationsEndpoint(t *testing.T) {
	mesh, _, _ := newTestMesh(t, nil)
	require.NoError(t, mesh.RegisterService(calculator(t)))
	require.NoError(t, mesh.Start(testContext(t)))

	var sum int
	require.NoError(t, mesh.Request(testContext(t), mesh.MethodSubject("calc", "Add", 0, 2), []any{1, 2}, nil, &sum))
	_ = mesh.Request(testContext(t), mesh.MethodSubject("calc", "Divide", 0, 2), []any{1, 0}, nil, &sum)

	require.Eventually(t, func() bool {
		regs := mesh.Registrations()
		return len(regs) == 1 && regs[0].Stats.MessagesProcessed == 2
	}, time.Second, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	mesh.handleGetRegistrations(rec, httptest.NewRequest(http.MethodGet, "/api/registrations", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var payload []RegistrationInfo
	require.NoError(t, sonic.ConfigStd.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload, 1)
	assert.Equal(t, "calc", payload[0].Name)
	assert.Equal(t, "service", payload[0].Kind)
	assert.Equal(t, uint64(1), payload[0].Stats.MessagesFailed)
	assert.Equal(t, "division by zero", payload[0].Stats.LastError)
	assert.Equal(t, 2, payload[0].Stats.Latency.SampleSize)

	rec = httptest.NewRecorder()
	mesh.handleGetRegistrations(rec, httptest.NewRequest(http.MethodPost, "/api/registrations", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRegisterHTTPHandlerSharesPortMux(t *testing.T) {
	mesh, _, _ := newTestMesh(t, nil)
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	mesh.RegisterHTTPHandler(9464, "/a", ok)
	mesh.RegisterHTTPHandler(9464, "/b", ok)
	mesh.RegisterHTTPHandler(9465, "/a", ok)
	require.Len(t, mesh.httpServers, 2)

	rec := httptest.NewRecorder()
	mesh.httpServers[9464].ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/b", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestPercentile(t *testing.T) {
	lw := newLatencyWindow(4)
	for _, d := range []time.Duration{4, 1, 3, 2, 5} {
		lw.Add(d)
	}
	snap := lw.Snapshot()
	assert.Equal(t, 4, snap.SampleSize)
	assert.Equal(t, int64(5), snap.LastNs)
	assert.Equal(t, int64(2), snap.P50Ns)
	assert.Equal(t, int64(4), snap.P99Ns)
	assert.Equal(t, int64(2), snap.AverageNs)
}
