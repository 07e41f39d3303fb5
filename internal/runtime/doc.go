/*
Package runtime provides the mesh facade: one broker connection per process
carrying typed RPC, fire-and-forget broadcasts, durable at-least-once
delivery and server-streamed responses.

# Architecture Overview

A Mesh is built once from a Config. Services and consumers are registered
before Start, which reconciles broker-side streams and durable consumers and
then starts the dispatch engine. After Start the registration model is
immutable.

## Facade (mesh.go, producer.go, rpc.go, stream.go)

  - Publish / PublishRaw: durable publish, confirmed by the broker, deduplicated
    by message id within the stream's duplicate window
  - Send / SendRaw: core publish without confirmation
  - Request: RPC with a bounded timeout and remote error propagation
  - Stream: server-streamed RPC terminated by an empty message
  - Invoke / InvokeStream: honour the configured interface mode and call a
    registered in-process service directly when allowed

## Introspection (stats.go, http.go)

Registration statistics fed by job hooks are served as JSON on
/api/registrations next to the Prometheus /metrics endpoint.

# Sub-packages

  - codec/: call envelope, serializers, LZ4 compression and the type registry
  - config/: configuration with validation and YAML loading
  - dispatch/: listeners, bounded queues, worker pools and middleware
  - errors/: sentinel errors and error types
  - ids/: ULID generation
  - logging/: logger interface and Watermill adapters
  - metadata/: header conventions and trace propagation
  - metrics/: Prometheus collectors
  - reconcile/: stream and durable consumer reconciliation
  - registry/: services, methods and consumer registrations
  - transport/: NATS/JetStream and in-memory brokers

# Usage Example

	conf := &config.Config{NATSURL: "nats://localhost:4222"}
	mesh, err := runtime.New(ctx, conf, logger, runtime.Dependencies{})

	svc := registry.NewService("calculator")
	_ = svc.Handle("Add", registry.Unary2(add))
	_ = mesh.RegisterService(svc)

	_ = mesh.Start(ctx)
	defer mesh.Stop(context.Background())
*/
package runtime
