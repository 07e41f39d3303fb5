// Package servicemesh is a service mesh runtime on top of NATS and JetStream.
// It exposes typed RPC services, durable and transient message consumers,
// and a producer, and it keeps JetStream streams and consumers in line with
// the registrations of the running process.
//
// A Mesh reads its broker settings from Config, derives every subject from
// the registered types and service names, reconciles broker state at Start,
// and then dispatches incoming work onto three bounded worker pools:
// services, durable consumers and transient consumers. Each job runs in its
// own Scope, is traced with OpenTelemetry, counted with Prometheus, and
// settled exactly once: RPC calls get one reply, durable messages are acked
// or negatively acknowledged with the consumer's backoff.
//
// # Services
//
// NewService starts a registration; Handle and HandleGeneric bind methods
// built with Unary*, Void* and Stream*. Clients call them with Request,
// Stream, Invoke, InvokeStream and Call. Depending on Config.InterfaceMode,
// Invoke runs a service registered in the same process directly.
//
// # Consumers
//
// NewDurable binds a JetStream durable consumer to a stream; NewTransient
// subscribes a queue group on core NATS. Consume adds one typed handler per
// message type. Mesh.Publish stores a message in JetStream with a
// deduplication id, Mesh.Send fans it out to transient consumers.
//
// # Transports
//
// "nats" connects to a NATS server with JetStream enabled. "memory" starts an
// embedded nats-server inside the process that does not listen on the
// network; tests and local runs use it.
//
// # Observability
//
// With MetricsEnabled, /metrics and /api/registrations are served on
// MetricsPort. JobHooks receive start, success and failure callbacks around
// every job; LoggingHooks and AlertingHooks are ready-made sets.
package servicemesh
