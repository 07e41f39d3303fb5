package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/drblury/servicemesh/internal/runtime/codec"
	"github.com/drblury/servicemesh/internal/runtime/config"
	"github.com/drblury/servicemesh/internal/runtime/logging"
	"github.com/drblury/servicemesh/internal/runtime/metrics"
	"github.com/drblury/servicemesh/internal/runtime/registry"
	"github.com/drblury/servicemesh/internal/runtime/transport"
)

const listenRetryWait = 100 * time.Millisecond

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics records job and queue metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithMiddleware adds middlewares around every handler. They run inside the
// tracing and metrics middlewares and outside panic recovery.
func WithMiddleware(mws ...Middleware) Option {
	return func(e *Engine) { e.middlewares = append(e.middlewares, mws...) }
}

// WithHooks adds job lifecycle hooks.
func WithHooks(h JobHooks) Option {
	return func(e *Engine) { e.hooks = e.hooks.Merge(h) }
}

type pool struct {
	name    string
	workers int
	queue   chan *Job
	run     JobFunc
	settle  func(job *Job, err error)
}

// Engine owns the listeners and worker pools of one process.
type Engine struct {
	conn       transport.Conn
	conf       *config.Config
	serializer *codec.Serializer
	types      *codec.TypeRegistry
	logger     logging.ServiceLogger
	metrics    *metrics.Metrics

	middlewares []Middleware
	hooks       JobHooks

	mu        sync.Mutex
	started   bool
	cancel    context.CancelFunc
	sources   []transport.Source
	listeners sync.WaitGroup
	pools     map[string]*pool
	done      chan struct{}
}

// New creates an engine dispatching over conn.
func New(conn transport.Conn, conf *config.Config, serializer *codec.Serializer, types *codec.TypeRegistry, logger logging.ServiceLogger, opts ...Option) *Engine {
	e := &Engine{
		conn:       conn,
		conf:       conf,
		serializer: serializer,
		types:      types,
		logger:     logger.With(logging.LogFields{"component": "dispatch"}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) chain(h JobFunc) JobFunc {
	mws := []Middleware{Tracer(), Metrics(e.metrics)}
	if !e.hooks.empty() {
		mws = append(mws, Hooks(e.hooks))
	}
	mws = append(mws, e.middlewares...)
	mws = append(mws, Recoverer())
	return Chain(h, mws...)
}

func (e *Engine) newPool(name string, workers int, h JobFunc, settle func(*Job, error)) *pool {
	return &pool{
		name:    name,
		workers: max(1, workers),
		queue:   make(chan *Job, max(1, e.conf.QueueDepth)),
		run:     e.chain(h),
		settle:  settle,
	}
}

// Start subscribes every registration and spawns the worker pools. Listeners
// stop when ctx is done or Stop is called; queued jobs are drained first.
func (e *Engine) Start(ctx context.Context, services []*registry.ServiceRegistration, consumers []*registry.ConsumerRegistration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("servicemesh: dispatch engine already started")
	}
	e.started = true

	lctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.pools = map[string]*pool{
		PoolService:   e.newPool(PoolService, e.conf.ServiceWorkers, e.handleService, e.settleService),
		PoolDurable:   e.newPool(PoolDurable, e.conf.DurableWorkers, e.handleMessage, e.settleDurable),
		PoolTransient: e.newPool(PoolTransient, e.conf.TransientWorkers, e.handleMessage, e.settleTransient),
	}

	if err := e.subscribe(lctx, services, consumers); err != nil {
		cancel()
		for _, src := range e.sources {
			_ = src.Stop()
		}
		e.listeners.Wait()
		close(e.done)
		return err
	}

	// Handlers outlive the listener context so in-flight work completes.
	hctx := context.WithoutCancel(ctx)
	var workers sync.WaitGroup
	for _, p := range e.pools {
		for range p.workers {
			workers.Add(1)
			go func() {
				defer workers.Done()
				e.work(hctx, p)
			}()
		}
	}

	go func() {
		e.listeners.Wait()
		for _, p := range e.pools {
			close(p.queue)
		}
		workers.Wait()
		close(e.done)
	}()

	e.logger.Info("Dispatch engine started", logging.LogFields{
		"services":          len(services),
		"consumers":         len(consumers),
		"service_workers":   e.pools[PoolService].workers,
		"durable_workers":   e.pools[PoolDurable].workers,
		"transient_workers": e.pools[PoolTransient].workers,
	})
	return nil
}

func (e *Engine) subscribe(ctx context.Context, services []*registry.ServiceRegistration, consumers []*registry.ConsumerRegistration) error {
	for _, svc := range services {
		src, err := e.conn.Subscribe(svc.WildcardSubject(), svc.QueueGroup)
		if err != nil {
			return fmt.Errorf("subscribe service %s: %w", svc.Name, err)
		}
		e.listen(ctx, src, e.pools[PoolService], func(d *transport.Delivery) *Job {
			return &Job{Pool: PoolService, Registration: svc.Name, Subject: d.Subject, Delivery: d, service: svc}
		})
	}

	for _, c := range consumers {
		if c.Obsolete {
			continue
		}
		build := func(pool string) func(d *transport.Delivery) *Job {
			return func(d *transport.Delivery) *Job {
				return &Job{Pool: pool, Registration: c.Name, Subject: d.Subject, Delivery: d, consumer: c}
			}
		}
		if c.Durable {
			src, err := e.conn.Consume(ctx, c.Stream, c.Name, transport.ConsumeOptions{
				MaxMessages: e.conf.ConsumeMaxMessages,
				Expiry:      e.conf.ConsumeExpiry,
				Heartbeat:   e.conf.ConsumeHeartbeat,
			})
			if err != nil {
				return fmt.Errorf("consume %s/%s: %w", c.Stream, c.Name, err)
			}
			e.listen(ctx, src, e.pools[PoolDurable], build(PoolDurable))
			continue
		}
		for _, subject := range c.Subjects() {
			src, err := e.conn.Subscribe(subject, c.QueueGroup)
			if err != nil {
				return fmt.Errorf("subscribe consumer %s on %s: %w", c.Name, subject, err)
			}
			e.listen(ctx, src, e.pools[PoolTransient], build(PoolTransient))
		}
	}
	return nil
}

func (e *Engine) listen(ctx context.Context, src transport.Source, p *pool, build func(*transport.Delivery) *Job) {
	e.sources = append(e.sources, src)
	e.listeners.Add(1)
	go func() {
		defer e.listeners.Done()
		defer func() { _ = src.Stop() }()
		for {
			d, err := src.Next(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, transport.ErrSourceClosed) {
					return
				}
				e.logger.Error("Listener receive failed", err, logging.LogFields{"pool": p.name})
				select {
				case <-ctx.Done():
					return
				case <-time.After(listenRetryWait):
				}
				continue
			}

			if ctx.Err() != nil {
				_ = d.Nak(0)
				return
			}
			job := build(d)
			select {
			case p.queue <- job:
				e.metrics.SetQueueDepth(p.name, len(p.queue))
			case <-ctx.Done():
				// Hand the delivery back so another process picks it up.
				_ = d.Nak(0)
				return
			}
		}
	}()
}

func (e *Engine) work(ctx context.Context, p *pool) {
	for job := range p.queue {
		e.metrics.SetQueueDepth(p.name, len(p.queue))
		job.Scope = registry.NewScope(job.Subject, job.Registration)
		err := p.run(registry.WithScope(ctx, job.Scope), job)
		p.settle(job, err)
	}
}

// Stop cancels the listeners and waits until queued jobs are drained or ctx
// is done.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.cancel()
	sources := e.sources
	e.mu.Unlock()

	for _, src := range sources {
		_ = src.Stop()
	}

	select {
	case <-e.done:
		e.logger.Info("Dispatch engine drained", nil)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("servicemesh: dispatch drain: %w", ctx.Err())
	}
}

// Done is closed once every worker has exited after Stop.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}
