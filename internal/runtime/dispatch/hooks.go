package dispatch

import (
	"context"
	"time"

	"github.com/drblury/servicemesh/internal/runtime/logging"
	"github.com/drblury/servicemesh/internal/runtime/metadata"
)

// JobContext provides information about a job execution to hooks.
type JobContext struct {
	// Pool is the worker pool running the job.
	Pool string
	// Registration is the service or consumer name handling the job.
	Registration string
	// Subject is the exact subject the delivery arrived on.
	Subject string
	// ScopeID identifies the handler invocation.
	ScopeID string
	// Attempt is the broker delivery count of a durable message.
	Attempt uint64
	// Metadata holds the delivery headers, first value per key.
	Metadata metadata.Metadata
	Context  context.Context
	// StartedAt is when the job started processing.
	StartedAt time.Time
	// Duration is only set in OnJobDone and OnJobError.
	Duration time.Duration
}

// JobHooks defines callbacks for job lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type JobHooks struct {
	OnJobStart func(ctx JobContext)
	OnJobDone  func(ctx JobContext)
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks. The hooks from other run after those of h.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func (h JobHooks) empty() bool {
	return h.OnJobStart == nil && h.OnJobDone == nil && h.OnJobError == nil
}

func chainHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// Hooks returns a middleware invoking hooks around every job.
func Hooks(hooks JobHooks) Middleware {
	return func(next JobFunc) JobFunc {
		return func(ctx context.Context, job *Job) error {
			jc := JobContext{
				Pool:         job.Pool,
				Registration: job.Registration,
				Subject:      job.Subject,
				Attempt:      job.Delivery.Attempt,
				Metadata:     metadata.FromHeader(job.Delivery.Header),
				Context:      ctx,
				StartedAt:    time.Now(),
			}
			if job.Scope != nil {
				jc.ScopeID = job.Scope.ID
			}
			if hooks.OnJobStart != nil {
				hooks.OnJobStart(jc)
			}

			err := next(ctx, job)

			jc.Duration = time.Since(jc.StartedAt)
			if err != nil {
				if hooks.OnJobError != nil {
					hooks.OnJobError(jc, err)
				}
			} else if hooks.OnJobDone != nil {
				hooks.OnJobDone(jc)
			}
			return err
		}
	}
}

// LoggingHooks returns hooks that log job lifecycle events at debug level and
// failures at error level.
func LoggingHooks(logger logging.ServiceLogger) JobHooks {
	fields := func(ctx JobContext) logging.LogFields {
		return logging.LogFields{
			"pool":         ctx.Pool,
			"registration": ctx.Registration,
			"subject":      ctx.Subject,
			"scope":        ctx.ScopeID,
			"attempt":      ctx.Attempt,
		}
	}
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Debug("Job started", fields(ctx))
		},
		OnJobDone: func(ctx JobContext) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Debug("Job completed", f)
		},
		OnJobError: func(ctx JobContext, err error) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Error("Job failed", err, f)
		},
	}
}

// AlertingHooks returns hooks that call alertFunc on job errors.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{OnJobError: alertFunc}
}
