// Package reconcile brings broker-side streams and durable consumers in line
// with the consumer registrations of a process.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/drblury/servicemesh/internal/runtime/config"
	meshErrors "github.com/drblury/servicemesh/internal/runtime/errors"
	"github.com/drblury/servicemesh/internal/runtime/logging"
	"github.com/drblury/servicemesh/internal/runtime/metrics"
	"github.com/drblury/servicemesh/internal/runtime/registry"
	"github.com/drblury/servicemesh/internal/runtime/transport"
)

// Reconciler actions, used as metric labels.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionSkip   = "skip"
)

// Reconciler owns every broker mutation performed at startup.
type Reconciler struct {
	streams transport.StreamManager
	conf    *config.Config
	logger  logging.ServiceLogger
	metrics *metrics.Metrics
}

// New creates a reconciler. metrics may be nil.
func New(streams transport.StreamManager, conf *config.Config, logger logging.ServiceLogger, m *metrics.Metrics) *Reconciler {
	return &Reconciler{
		streams: streams,
		conf:    conf,
		logger:  logger.With(logging.LogFields{"component": "reconciler"}),
		metrics: m,
	}
}

// Reconcile converges streams, tears down obsolete consumers and upserts live
// durable consumers. Stream and consumer upsert failures are returned and
// are fatal; teardown failures are logged and skipped.
func (r *Reconciler) Reconcile(ctx context.Context, consumers []*registry.ConsumerRegistration) error {
	live := make(map[string][]*registry.ConsumerRegistration)
	var obsolete []*registry.ConsumerRegistration
	for _, c := range consumers {
		if !c.Durable {
			continue
		}
		if c.Obsolete {
			obsolete = append(obsolete, c)
			continue
		}
		live[c.Stream] = append(live[c.Stream], c)
	}

	for _, stream := range slices.Sorted(maps.Keys(live)) {
		if err := r.reconcileStream(ctx, stream, declaredSubjects(live[stream])); err != nil {
			return err
		}
	}

	for _, c := range obsolete {
		r.teardown(ctx, c, len(live[c.Stream]) > 0)
	}

	for _, stream := range slices.Sorted(maps.Keys(live)) {
		for _, c := range live[stream] {
			if err := r.upsertConsumer(ctx, c); err != nil {
				return err
			}
		}
	}
	return nil
}

func declaredSubjects(regs []*registry.ConsumerRegistration) []string {
	var out []string
	for _, c := range regs {
		for _, s := range c.Subjects() {
			if !slices.Contains(out, s) {
				out = append(out, s)
			}
		}
	}
	slices.Sort(out)
	return out
}

// TargetStream returns the stream config the mesh wants for name before any
// merge with existing broker state.
func (r *Reconciler) TargetStream(name string, subjects []string) jetstream.StreamConfig {
	cfg := jetstream.StreamConfig{
		Name:       name,
		Subjects:   slices.Clone(subjects),
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     r.conf.StreamMaxAge,
		Duplicates: r.conf.StreamDuplicateWindow,
		Replicas:   r.conf.StreamReplicas,
	}
	if r.conf.ConfigureStream != nil {
		r.conf.ConfigureStream(name, &cfg)
	}
	cfg.Name = name
	cfg.Subjects = mergeSubjects(cfg.Subjects, subjects)
	return cfg
}

// mergeSubjects keeps the order of base and appends missing extras.
func mergeSubjects(base, extra []string) []string {
	out := slices.Clone(base)
	for _, s := range extra {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func (r *Reconciler) reconcileStream(ctx context.Context, name string, subjects []string) error {
	target := r.TargetStream(name, subjects)
	fields := logging.LogFields{"stream": name, "subjects": target.Subjects}

	existing, err := r.streams.StreamConfig(ctx, name)
	if errors.Is(err, transport.ErrStreamNotFound) {
		if err := r.streams.CreateStream(ctx, target); err != nil {
			return &meshErrors.ReconcileError{Stream: name, Reason: "create failed", Err: err}
		}
		r.metrics.RecordReconcile("stream", ActionCreate)
		r.logger.Info("Created stream", fields)
		return nil
	}
	if err != nil {
		return &meshErrors.ReconcileError{Stream: name, Reason: "lookup failed", Err: err}
	}

	if reason := identityChange(existing, &target); reason != "" {
		r.logger.Error("Refusing destructive stream change", nil, withField(fields, "reason", reason))
		return &meshErrors.ReconcileError{Stream: name, Reason: reason}
	}

	update := *existing
	update.Subjects = mergeSubjects(existing.Subjects, target.Subjects)
	applyMutable(&update, &target)
	if !streamChanged(existing, &update) {
		r.metrics.RecordReconcile("stream", ActionSkip)
		r.logger.Debug("Stream up to date", fields)
		return nil
	}
	if err := r.streams.UpdateStream(ctx, update); err != nil {
		return &meshErrors.ReconcileError{Stream: name, Reason: "update failed", Err: err}
	}
	r.metrics.RecordReconcile("stream", ActionUpdate)
	r.logger.Info("Updated stream", logging.LogFields{"stream": name, "subjects": update.Subjects})
	return nil
}

func withField(f logging.LogFields, key string, value any) logging.LogFields {
	out := make(logging.LogFields, len(f)+1)
	maps.Copy(out, f)
	out[key] = value
	return out
}

// identityChange names the first field whose change would force the broker to
// rebuild the stream.
func identityChange(existing, target *jetstream.StreamConfig) string {
	switch {
	case existing.Storage != target.Storage:
		return fmt.Sprintf("storage change %v -> %v", existing.Storage, target.Storage)
	case existing.Retention != target.Retention:
		return fmt.Sprintf("retention change %v -> %v", existing.Retention, target.Retention)
	case existing.DenyDelete != target.DenyDelete:
		return "deny delete change"
	case existing.DenyPurge != target.DenyPurge:
		return "deny purge change"
	}
	return ""
}

func normLimit[T ~int | ~int32 | ~int64](v T) T {
	if v <= 0 {
		return -1
	}
	return v
}

func applyMutable(dst, target *jetstream.StreamConfig) {
	dst.MaxAge = target.MaxAge
	dst.MaxBytes = normLimit(target.MaxBytes)
	dst.MaxMsgs = normLimit(target.MaxMsgs)
	dst.MaxMsgSize = normLimit(target.MaxMsgSize)
	dst.Replicas = max(1, target.Replicas)
	if target.Duplicates > 0 {
		dst.Duplicates = target.Duplicates
	}
	if target.Description != "" {
		dst.Description = target.Description
	}
}

func streamChanged(existing, update *jetstream.StreamConfig) bool {
	if len(existing.Subjects) != len(update.Subjects) {
		return true
	}
	return existing.MaxAge != update.MaxAge ||
		normLimit(existing.MaxBytes) != update.MaxBytes ||
		normLimit(existing.MaxMsgs) != update.MaxMsgs ||
		normLimit(existing.MaxMsgSize) != update.MaxMsgSize ||
		max(1, existing.Replicas) != update.Replicas ||
		existing.Duplicates != update.Duplicates ||
		existing.Description != update.Description
}

// teardown deletes an obsolete consumer and, when neither the broker nor the
// registration set shows a remaining consumer, its stream.
func (r *Reconciler) teardown(ctx context.Context, c *registry.ConsumerRegistration, streamInUse bool) {
	fields := logging.LogFields{"stream": c.Stream, "consumer": c.Name}

	names, err := r.streams.ConsumerNames(ctx, c.Stream)
	if err != nil {
		if errors.Is(err, transport.ErrStreamNotFound) {
			r.logger.Debug("Obsolete consumer stream already gone", fields)
		} else {
			r.logger.Error("Failed to list consumers for teardown", err, fields)
		}
		return
	}

	if slices.Contains(names, c.Name) {
		if err := r.streams.DeleteConsumer(ctx, c.Stream, c.Name); err != nil && !errors.Is(err, transport.ErrConsumerNotFound) {
			r.logger.Error("Failed to delete obsolete consumer", err, fields)
			return
		}
		names = slices.DeleteFunc(names, func(n string) bool { return n == c.Name })
		r.metrics.RecordReconcile("consumer", ActionDelete)
		r.logger.Info("Deleted obsolete consumer", fields)
	}

	if len(names) > 0 || streamInUse {
		return
	}
	if err := r.streams.DeleteStream(ctx, c.Stream); err != nil && !errors.Is(err, transport.ErrStreamNotFound) {
		r.logger.Error("Failed to delete orphaned stream", err, fields)
		return
	}
	r.metrics.RecordReconcile("stream", ActionDelete)
	r.logger.Info("Deleted orphaned stream", fields)
}

// TargetConsumer returns the durable consumer config for c.
func (r *Reconciler) TargetConsumer(c *registry.ConsumerRegistration) jetstream.ConsumerConfig {
	p := c.Policy
	cfg := jetstream.ConsumerConfig{
		Name:           c.Name,
		Durable:        c.Name,
		AckPolicy:      jetstream.AckExplicitPolicy,
		DeliverPolicy:  p.DeliverPolicy,
		MaxDeliver:     p.MaxDeliver,
		MaxAckPending:  p.MaxAckPending,
		AckWait:        p.AckWait,
		FilterSubjects: c.Subjects(),
		BackOff:        slices.Clone(p.Backoff),
	}
	if len(cfg.BackOff) > 0 {
		cfg.AckWait = cfg.BackOff[0]
	}
	if r.conf.ConfigureConsumer != nil {
		r.conf.ConfigureConsumer(c.Name, &cfg)
	}
	return cfg
}

func (r *Reconciler) upsertConsumer(ctx context.Context, c *registry.ConsumerRegistration) error {
	target := r.TargetConsumer(c)
	fields := logging.LogFields{"stream": c.Stream, "consumer": c.Name, "subjects": target.FilterSubjects}

	existing, err := r.streams.ConsumerConfig(ctx, c.Stream, c.Name)
	switch {
	case err == nil:
		if existing.DeliverPolicy != target.DeliverPolicy {
			r.logger.Info("Deliver policy of an existing consumer cannot change, keeping it", fields)
			target.DeliverPolicy = existing.DeliverPolicy
		}
		if consumerEqual(existing, &target) {
			r.metrics.RecordReconcile("consumer", ActionSkip)
			r.logger.Debug("Consumer up to date", fields)
			return nil
		}
	case !errors.Is(err, transport.ErrConsumerNotFound):
		return &meshErrors.ReconcileError{Stream: c.Stream, Reason: "consumer " + c.Name + " lookup failed", Err: err}
	}

	if err := r.streams.UpsertConsumer(ctx, c.Stream, target); err != nil {
		return &meshErrors.ReconcileError{Stream: c.Stream, Reason: "consumer " + c.Name + " upsert failed", Err: err}
	}
	action := ActionUpdate
	if existing == nil {
		action = ActionCreate
	}
	r.metrics.RecordReconcile("consumer", action)
	r.logger.Info("Upserted durable consumer", withField(fields, "action", action))
	return nil
}

func filterSet(cfg *jetstream.ConsumerConfig) []string {
	out := slices.Clone(cfg.FilterSubjects)
	if cfg.FilterSubject != "" && !slices.Contains(out, cfg.FilterSubject) {
		out = append(out, cfg.FilterSubject)
	}
	slices.Sort(out)
	return out
}

func orDefault[T comparable](v, unset, def T) T {
	if v == unset {
		return def
	}
	return v
}

// consumerEqual compares the fields the mesh manages, applying the broker's
// defaults for unset values.
func consumerEqual(a, b *jetstream.ConsumerConfig) bool {
	return a.AckPolicy == b.AckPolicy &&
		a.DeliverPolicy == b.DeliverPolicy &&
		orDefault(a.MaxDeliver, 0, -1) == orDefault(b.MaxDeliver, 0, -1) &&
		orDefault(a.MaxAckPending, 0, 1000) == orDefault(b.MaxAckPending, 0, 1000) &&
		orDefault(a.AckWait, 0, 30*time.Second) == orDefault(b.AckWait, 0, 30*time.Second) &&
		slices.Equal(a.BackOff, b.BackOff) &&
		slices.Equal(filterSet(a), filterSet(b)) &&
		a.Description == b.Description &&
		a.HeadersOnly == b.HeadersOnly &&
		a.MaxRequestBatch == b.MaxRequestBatch &&
		a.InactiveThreshold == b.InactiveThreshold
}
