package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	meshErrors "github.com/drblury/servicemesh/internal/runtime/errors"
	"github.com/drblury/servicemesh/internal/runtime/metadata"
	"github.com/drblury/servicemesh/internal/runtime/metrics"
)

// PanicError is returned by Recoverer when a handler panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("servicemesh: handler panicked: %v", e.Value)
}

// Recoverer converts handler panics into errors so the job is settled like
// any other failure.
func Recoverer() Middleware {
	return func(next JobFunc) JobFunc {
		return func(ctx context.Context, job *Job) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &PanicError{Value: r, Stack: debug.Stack()}
				}
			}()
			return next(ctx, job)
		}
	}
}

// Tracer continues the trace carried in the delivery headers and wraps the
// job in a consumer span.
func Tracer() Middleware {
	tracer := otel.Tracer("github.com/drblury/servicemesh/dispatch")
	return func(next JobFunc) JobFunc {
		return func(ctx context.Context, job *Job) error {
			ctx = metadata.ExtractTrace(ctx, job.Delivery.Header)
			ctx, span := tracer.Start(ctx, job.Pool+" "+job.Subject, trace.WithSpanKind(trace.SpanKindConsumer))
			defer span.End()

			span.SetAttributes(
				attribute.String("messaging.system", "nats"),
				attribute.String("messaging.destination.name", job.Subject),
				attribute.String("servicemesh.pool", job.Pool),
				attribute.String("servicemesh.registration", job.Registration),
			)
			if job.Scope != nil {
				span.SetAttributes(attribute.String("servicemesh.scope", job.Scope.ID))
			}

			err := next(ctx, job)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return err
		}
	}
}

// Metrics records job outcomes and durations. A nil m disables it.
func Metrics(m *metrics.Metrics) Middleware {
	return func(next JobFunc) JobFunc {
		if m == nil {
			return next
		}
		return func(ctx context.Context, job *Job) error {
			start := time.Now()
			err := next(ctx, job)
			m.ObserveJob(job.Pool, job.Registration, Outcome(job.Pool, err), time.Since(start))
			return err
		}
	}
}

// Outcome classifies a job result for metrics.
func Outcome(pool string, err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, meshErrors.ErrNoHandler):
		return metrics.OutcomeUnroutable
	case pool == PoolDurable:
		return metrics.OutcomeNak
	default:
		return metrics.OutcomeError
	}
}
