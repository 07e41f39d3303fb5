// Package metrics exposes Prometheus collectors for the dispatch pools, the
// reconciler and the producer side of the mesh. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "servicemesh"

// Job outcomes.
const (
	OutcomeOK         = "ok"
	OutcomeError      = "error"
	OutcomeNak        = "nak"
	OutcomeUnroutable = "unroutable"
)

// Metrics groups the mesh collectors.
type Metrics struct {
	mu sync.Mutex

	jobsTotal      *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	queueDepth     *prometheus.GaugeVec
	reconcileTotal *prometheus.CounterVec
	producerTotal  *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// New creates collectors bound to registerer, defaulting to the global one.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer: registerer,
		jobsTotal:  newCounterVec("dispatch", "jobs_total", "Handler invocations by pool, registration and outcome", []string{"pool", "registration", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "job_duration_seconds",
				Help:      "Handler invocation latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"pool", "registration"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "queue_depth",
				Help:      "Items waiting in a worker pool queue",
			},
			[]string{"pool"},
		),
		reconcileTotal: newCounterVec("reconcile", "actions_total", "Broker mutations and skips performed by the reconciler", []string{"resource", "action"}),
		producerTotal:  newCounterVec("producer", "messages_total", "Messages sent by the mesh facade", []string{"kind", "outcome"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.jobsTotal,
		m.jobDuration,
		m.queueDepth,
		m.reconcileTotal,
		m.producerTotal,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// ObserveJob records one handler invocation.
func (m *Metrics) ObserveJob(pool, registration, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(pool, registration, outcome).Inc()
	m.jobDuration.WithLabelValues(pool, registration).Observe(d.Seconds())
}

// SetQueueDepth publishes the current length of a pool queue.
func (m *Metrics) SetQueueDepth(pool string, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(pool).Set(float64(n))
}

// RecordReconcile counts a reconciler action on a stream or consumer.
func (m *Metrics) RecordReconcile(resource, action string) {
	if m == nil {
		return
	}
	m.reconcileTotal.WithLabelValues(resource, action).Inc()
}

// RecordProducer counts a publish, send, request or stream call.
func (m *Metrics) RecordProducer(kind string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	m.producerTotal.WithLabelValues(kind, outcome).Inc()
}

// Handler serves the gatherer in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
