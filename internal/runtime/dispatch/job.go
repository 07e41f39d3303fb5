// Package dispatch routes broker deliveries into bounded queues served by
// the service, durable and transient worker pools.
package dispatch

import (
	"context"

	"github.com/drblury/servicemesh/internal/runtime/registry"
	"github.com/drblury/servicemesh/internal/runtime/transport"
)

// Pool names, also used as metric and log labels.
const (
	PoolService   = "service"
	PoolDurable   = "durable"
	PoolTransient = "transient"
)

// Job is one delivery on its way through a worker pool.
type Job struct {
	Pool         string
	Registration string
	Subject      string
	Delivery     *transport.Delivery
	Scope        *registry.Scope

	service  *registry.ServiceRegistration
	consumer *registry.ConsumerRegistration
	method   *registry.Method
	reply    []byte
}

// JobFunc processes a job. The returned error drives the settle step:
// error replies for RPC, nak for durable deliveries.
type JobFunc func(ctx context.Context, job *Job) error

// Middleware decorates a JobFunc.
type Middleware func(JobFunc) JobFunc

// Chain wraps h so that the first middleware runs outermost.
func Chain(h JobFunc, mws ...Middleware) JobFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}
