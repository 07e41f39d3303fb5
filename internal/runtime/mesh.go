package runtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/servicemesh/internal/runtime/codec"
	configpkg "github.com/drblury/servicemesh/internal/runtime/config"
	"github.com/drblury/servicemesh/internal/runtime/dispatch"
	errspkg "github.com/drblury/servicemesh/internal/runtime/errors"
	loggingpkg "github.com/drblury/servicemesh/internal/runtime/logging"
	metricspkg "github.com/drblury/servicemesh/internal/runtime/metrics"
	"github.com/drblury/servicemesh/internal/runtime/reconcile"
	"github.com/drblury/servicemesh/internal/runtime/registry"
	transportpkg "github.com/drblury/servicemesh/internal/runtime/transport"
)

// Dependencies holds the optional collaborators of a Mesh. Leave fields nil
// to use the defaults.
type Dependencies struct {
	// Conn is used as is instead of building a connection.
	Conn             transportpkg.Conn
	TransportFactory transportpkg.Factory
	// Codec defaults to JSON.
	Codec codec.Codec
	Types *codec.TypeRegistry
	// Registerer receives the mesh collectors; defaults to the Prometheus
	// default registry.
	Registerer  prometheus.Registerer
	Gatherer    prometheus.Gatherer
	Middlewares []dispatch.Middleware
	Hooks       dispatch.JobHooks
}

// Mesh owns the broker connection, the registration model and the dispatch
// engine of one process.
type Mesh struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	conn       transportpkg.Conn
	serializer *codec.Serializer
	types      *codec.TypeRegistry
	metrics    *metricspkg.Metrics
	gatherer   prometheus.Gatherer
	engine     *dispatch.Engine
	stats      *statsCollector

	mu        sync.RWMutex
	services  []*registry.ServiceRegistration
	local     map[string]*registry.ServiceRegistration
	consumers []*registry.ConsumerRegistration
	started   bool
	closed    bool

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	servers       []*http.Server
}

// New validates conf, connects to the broker and prepares the dispatch
// engine. Register services and consumers before calling Start.
func New(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps Dependencies) (*Mesh, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	conf = conf.WithDefaults()
	if deps.Conn == nil {
		if err := conf.Validate(); err != nil {
			return nil, errspkg.NewConfigValidationError(err)
		}
	}
	log.Info("Creating service mesh", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"config":        conf,
	})

	conn := deps.Conn
	if conn == nil {
		factory := deps.TransportFactory
		if factory == nil {
			factory = transportpkg.DefaultFactory()
		}
		var err error
		conn, err = factory.Build(ctx, conf, log)
		if err != nil {
			return nil, fmt.Errorf("connect broker: %w", err)
		}
	}

	types := deps.Types
	if types == nil {
		types = codec.NewTypeRegistry()
	}

	m := &Mesh{
		Conf:       conf,
		Logger:     log,
		conn:       conn,
		serializer: codec.NewSerializer(deps.Codec),
		types:      types,
		stats:      newStatsCollector(),
		local:      make(map[string]*registry.ServiceRegistration),
	}

	if conf.MetricsEnabled {
		registerer := deps.Registerer
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		m.gatherer = deps.Gatherer
		if m.gatherer == nil {
			m.gatherer = prometheus.DefaultGatherer
		}
		m.metrics = metricspkg.New(registerer)
		if err := m.metrics.Register(); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	m.engine = dispatch.New(conn, conf, m.serializer, types, log,
		dispatch.WithMetrics(m.metrics),
		dispatch.WithHooks(m.stats.hooks()),
		dispatch.WithHooks(deps.Hooks),
		dispatch.WithMiddleware(deps.Middlewares...),
	)
	return m, nil
}

// Types exposes the wire type registry so callers can register, alias or
// deny argument types.
func (m *Mesh) Types() *codec.TypeRegistry {
	return m.types
}

// Serializer returns the serializer used for every payload.
func (m *Mesh) Serializer() *codec.Serializer {
	return m.serializer
}

// Conn returns the shared broker connection.
func (m *Mesh) Conn() transportpkg.Conn {
	return m.conn
}

// RegisterService binds svc to the configuration and adds it to the mesh.
func (m *Mesh) RegisterService(svc *registry.ServiceRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("register service %s: mesh already started", svc.Name)
	}
	if _, dup := m.local[svc.Name]; dup {
		return fmt.Errorf("%w: service %s registered twice", errspkg.ErrDuplicateSubject, svc.Name)
	}
	if err := svc.Bind(m.Conf, m.types); err != nil {
		return err
	}
	m.services = append(m.services, svc)
	m.local[svc.Name] = svc
	m.stats.track(svc.Name, dispatch.PoolService, svc.WildcardSubject())
	return nil
}

// RegisterConsumer binds c to the configuration and adds it to the mesh.
func (m *Mesh) RegisterConsumer(c *registry.ConsumerRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("register consumer %s: mesh already started", c.Name)
	}
	if err := c.Bind(m.Conf); err != nil {
		return err
	}
	for _, other := range m.consumers {
		if other.Durable && c.Durable && other.Stream == c.Stream && other.Name == c.Name {
			return fmt.Errorf("%w: durable consumer %s/%s registered twice", errspkg.ErrDuplicateSubject, c.Stream, c.Name)
		}
	}
	m.consumers = append(m.consumers, c)
	if !c.Obsolete {
		m.stats.track(c.Name, c.Kind(), c.Subjects()...)
	}
	return nil
}

// Start reconciles broker state and starts the listeners and worker pools.
// It returns once everything runs; in developer mode it only starts the
// HTTP endpoints.
func (m *Mesh) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errspkg.ErrMeshClosed
	}
	if m.started {
		return nil
	}
	m.started = true

	if m.Conf.DeveloperMode {
		m.Logger.Info("Developer mode: reconciliation and listeners are disabled", nil)
		m.startHTTPServers()
		return nil
	}

	r := reconcile.New(m.conn.Streams(), m.Conf, m.Logger, m.metrics)
	if err := r.Reconcile(ctx, m.consumers); err != nil {
		return err
	}
	if err := m.engine.Start(ctx, m.services, m.consumers); err != nil {
		return err
	}
	m.startHTTPServers()
	return nil
}

// Run starts the mesh and blocks until ctx is done, then stops it.
func (m *Mesh) Run(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return m.Stop(context.WithoutCancel(ctx))
}

// Stop drains the worker pools, shuts the HTTP endpoints down and closes the
// broker connection.
func (m *Mesh) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	var drainErr error
	if !m.Conf.DeveloperMode {
		drainErr = m.engine.Stop(ctx)
	}
	m.stopHTTPServers(ctx)
	if err := m.conn.Close(); err != nil {
		m.Logger.Error("Failed to close broker connection", err, nil)
	}
	m.Logger.Info("Service mesh stopped", nil)
	return drainErr
}

func (m *Mesh) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errspkg.ErrMeshClosed
	}
	return nil
}

func (m *Mesh) localService(name string) (*registry.ServiceRegistration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	svc, ok := m.local[name]
	return svc, ok
}
