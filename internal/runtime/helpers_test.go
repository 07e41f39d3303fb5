package runtime

import (
	"context"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/servicemesh/internal/runtime/config"
	loggingpkg "github.com/drblury/servicemesh/internal/runtime/logging"
	"github.com/drblury/servicemesh/internal/runtime/registry"
	transportpkg "github.com/drblury/servicemesh/internal/runtime/transport"
)

type OrderPlaced struct {
	ID    string  `json:"id"`
	Total float64 `json:"total"`
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestMesh(t *testing.T, mutate func(*configpkg.Config)) (*Mesh, *transportpkg.Embedded, *prometheus.Registry) {
	t.Helper()
	conf := &configpkg.Config{
		PubSubSystem:   configpkg.PubSubMemory,
		RequestTimeout: 2 * time.Second,
		MetricsEnabled: true,
	}
	if mutate != nil {
		mutate(conf)
	}
	broker, err := transportpkg.NewEmbedded(conf, loggingpkg.NewNopLogger())
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	mesh, err := New(context.Background(), conf, loggingpkg.NewNopLogger(), Dependencies{
		Conn:       broker,
		Registerer: reg,
		Gatherer:   reg,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mesh.Stop(ctx)
	})
	return mesh, broker, reg
}

func calculator(t *testing.T) *registry.ServiceRegistration {
	t.Helper()
	svc := registry.NewService("calc")
	require.NoError(t, svc.Handle("Add", registry.Unary2(func(_ context.Context, a, b int) (int, error) {
		return a + b, nil
	})))
	require.NoError(t, svc.Handle("Divide", registry.Unary2(func(_ context.Context, a, b int) (int, error) {
		if b == 0 {
			return 0, errors.New("division by zero")
		}
		return a / b, nil
	})))
	require.NoError(t, svc.Handle("Count", registry.Stream1(func(_ context.Context, n int) iter.Seq2[int, error] {
		return func(yield func(int, error) bool) {
			for i := range n {
				if i == 3 {
					yield(0, errors.New("too many"))
					return
				}
				if !yield(i, nil) {
					return
				}
			}
		}
	})))
	return svc
}
