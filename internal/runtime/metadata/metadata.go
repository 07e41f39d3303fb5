// Package metadata holds the header conventions carried on broker messages.
package metadata

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	// HeaderException carries the error text of a failed RPC handler.
	HeaderException = "exception"

	// HeaderReturnSubject carries the correlation id a streaming call replies on.
	HeaderReturnSubject = "return-sub-id"
)

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// FromHeader flattens a NATS header, keeping the first value of every key.
func FromHeader(h nats.Header) Metadata {
	if len(h) == 0 {
		return Metadata{}
	}

	md := make(Metadata, len(h))
	for k, v := range h {
		if len(v) > 0 {
			md[k] = v[0]
		}
	}
	return md
}

// ToHeader converts metadata into a NATS header.
func ToHeader(md Metadata) nats.Header {
	h := make(nats.Header, len(md))
	for k, v := range md {
		h.Set(k, v)
	}
	return h
}

// Exception returns the remote error text and whether the header was present.
func Exception(h nats.Header) (string, bool) {
	if h == nil {
		return "", false
	}
	values, ok := h[HeaderException]
	if !ok {
		return "", false
	}
	if len(values) == 0 {
		return "", true
	}
	return values[0], true
}

// InjectTrace writes the trace context of ctx into h using the global propagator.
func InjectTrace(ctx context.Context, h nats.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
}

// ExtractTrace returns ctx enriched with the trace context found in h.
func ExtractTrace(ctx context.Context, h nats.Header) context.Context {
	if len(h) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(h))
}
