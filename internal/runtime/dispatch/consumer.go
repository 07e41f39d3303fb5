package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	meshErrors "github.com/drblury/servicemesh/internal/runtime/errors"
	"github.com/drblury/servicemesh/internal/runtime/logging"
)

// handleMessage decodes a consumer delivery and runs the handler bound to its
// exact subject.
func (e *Engine) handleMessage(ctx context.Context, job *Job) error {
	h, ok := job.consumer.Handler(job.Subject)
	if !ok {
		return fmt.Errorf("%w: %s", meshErrors.ErrNoHandler, job.Subject)
	}
	msg, err := e.serializer.DeserializeType(job.Delivery.Data, h.MessageType, true)
	if err != nil {
		return fmt.Errorf("decode %s: %w", job.Subject, err)
	}
	return h.Handle(ctx, msg)
}

// BackoffDelay returns the nak delay for a delivery attempt. Attempts past
// the end of the schedule reuse its last step.
func BackoffDelay(backoff []time.Duration, attempt uint64) time.Duration {
	if len(backoff) == 0 {
		return 0
	}
	i := 0
	if attempt > 1 {
		i = int(min(attempt-1, uint64(len(backoff)-1)))
	}
	return backoff[i]
}

func (e *Engine) settleDurable(job *Job, err error) {
	fields := logging.LogFields{
		"consumer": job.Registration,
		"subject":  job.Subject,
		"attempt":  job.Delivery.Attempt,
	}
	if err == nil {
		if aerr := job.Delivery.Ack(); aerr != nil {
			e.logger.Error("Failed to ack delivery", aerr, fields)
		}
		return
	}

	// Unmapped subjects skip the backoff schedule.
	var delay time.Duration
	if !errors.Is(err, meshErrors.ErrNoHandler) {
		delay = BackoffDelay(job.consumer.Policy.Backoff, job.Delivery.Attempt)
	}
	fields["redeliver_in"] = delay.String()
	e.logger.Error("Durable handler failed", err, fields)
	if nerr := job.Delivery.Nak(delay); nerr != nil {
		e.logger.Error("Failed to nak delivery", nerr, fields)
	}
}

func (e *Engine) settleTransient(job *Job, err error) {
	if err != nil {
		e.logger.Error("Transient handler failed", err, logging.LogFields{
			"consumer": job.Registration,
			"subject":  job.Subject,
		})
	}
}
