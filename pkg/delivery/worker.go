package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/machinehub/platform/pkg/common/logger"
	"github.com/machinehub/platform/pkg/common/models"
	"github.com/machinehub/platform/pkg/observability/metrics"
	"github.com/machinehub/platform/pkg/store"
	"github.com/machinehub/platform/pkg/tenants"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	OutcomeForwarded     = "forwarded"
	OutcomeConfiguration = "configuration_error"
	OutcomeRejected      = "rejected"
	OutcomeRetry         = "retry"
	OutcomeExhausted     = "exhausted"
	OutcomeSkipped       = "skipped"
)

type Forwarder interface {
	Forward(ctx context.Context, supplier, tenant string, record models.TelemetryRecord) error
}

type Options struct {
	Policy RetryPolicy
	// AttemptTimeout bounds a single outbound call.
	AttemptTimeout time.Duration
	// StaleAfter is how long a processing row may sit before another worker
	// reclaims it. Defaults to twice AttemptTimeout.
	StaleAfter time.Duration
	// DevMode logs the envelope instead of calling the tenant.
	DevMode bool
}

// Worker executes one delivery attempt per task and decides the follow-up.
type Worker struct {
	repo      store.Repository
	forwarder Forwarder
	queue     Queue
	opts      Options
	tracer    trace.Tracer
	now       func() time.Time
}

func NewWorker(repo store.Repository, forwarder Forwarder, queue Queue, opts Options) *Worker {
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = DefaultRetryPolicy()
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 30 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 2 * opts.AttemptTimeout
	}
	return &Worker{
		repo:      repo,
		forwarder: forwarder,
		queue:     queue,
		opts:      opts,
		tracer:    otel.Tracer("github.com/machinehub/platform/pkg/delivery"),
		now:       time.Now,
	}
}

// SetClock replaces the worker's time source.
func (w *Worker) SetClock(now func() time.Time) {
	w.now = now
}

// Handle processes a task. A returned error means the task was not settled
// and should be redelivered.
func (w *Worker) Handle(ctx context.Context, task models.DeliveryTask) error {
	if err := w.waitUntil(ctx, task.NotBefore); err != nil {
		return err
	}

	ctx, span := w.tracer.Start(ctx, "delivery.attempt", trace.WithAttributes(
		attribute.String("supplier", task.Supplier),
		attribute.String("tenant", task.Tenant),
		attribute.String("event_id", task.Record.EventID),
		attribute.Int("attempt", task.Attempt),
	))
	defer span.End()

	entry := logger.ForDelivery(task.Supplier, task.Tenant).WithFields(map[string]interface{}{
		"event_id": task.Record.EventID,
		"attempt":  task.Attempt,
		"task_id":  task.ID,
	})

	key := store.DeliveryKey{Supplier: task.Supplier, EventID: task.Record.EventID, Tenant: task.Tenant}
	current, err := w.repo.EnsureDelivery(ctx, key)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("ensure delivery: %w", err)
	}
	if current.Status.IsTerminal() {
		entry.WithField("status", current.Status).Debug("Delivery already settled")
		metrics.DeliveryOutcomes.WithLabelValues(task.Supplier, task.Tenant, OutcomeSkipped).Inc()
		return nil
	}

	claimed, err := w.repo.ClaimDelivery(ctx, key, w.now().Add(-w.opts.StaleAfter))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("claim delivery: %w", err)
	}
	if !claimed {
		entry.Debug("Delivery claimed by another worker")
		metrics.DeliveryOutcomes.WithLabelValues(task.Supplier, task.Tenant, OutcomeSkipped).Inc()
		return nil
	}
	if _, err := w.repo.Transition(ctx, task.Supplier, task.Record.EventID, models.StatusProcessing, store.Update{}); err != nil {
		entry.WithError(err).Warn("Failed to mark record processing")
	}

	attemptErr := w.attempt(ctx, task)
	return w.settle(ctx, span, key, task, attemptErr)
}

func (w *Worker) attempt(ctx context.Context, task models.DeliveryTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.ForDelivery(task.Supplier, task.Tenant).WithField("panic", r).Error("Panic during delivery")
			err = &tenants.DeliveryError{Kind: tenants.KindTransient, Message: fmt.Sprintf("panic: %v", r)}
		}
	}()

	if w.opts.DevMode {
		envelope, _ := json.Marshal(models.NewEnvelope(task.Supplier, task.Tenant, task.Record, w.now()))
		logger.ForDelivery(task.Supplier, task.Tenant).WithFields(map[string]interface{}{
			"event_id": task.Record.EventID,
			"envelope": string(envelope),
		}).Info("Development mode: delivery logged instead of sent")
		return nil
	}

	attemptCtx, cancel := context.WithTimeout(ctx, w.opts.AttemptTimeout)
	defer cancel()

	start := time.Now()
	err = w.forwarder.Forward(attemptCtx, task.Supplier, task.Tenant, task.Record)
	metrics.DeliveryDuration.WithLabelValues(task.Supplier).Observe(time.Since(start).Seconds())
	return err
}

func (w *Worker) settle(ctx context.Context, span trace.Span, key store.DeliveryKey, task models.DeliveryTask, attemptErr error) error {
	entry := logger.ForDelivery(task.Supplier, task.Tenant).WithFields(map[string]interface{}{
		"event_id": task.Record.EventID,
		"attempt":  task.Attempt,
	})

	if attemptErr == nil {
		forwardedAt := w.now()
		metrics.DeliveryOutcomes.WithLabelValues(task.Supplier, task.Tenant, OutcomeForwarded).Inc()
		span.SetStatus(codes.Ok, "")
		return w.complete(ctx, key, models.StatusForwarded, store.Update{Attempts: task.Attempt, ForwardedAt: &forwardedAt})
	}

	de, ok := tenants.AsDeliveryError(attemptErr)
	if !ok {
		de = &tenants.DeliveryError{Kind: tenants.KindTransient, Message: "unexpected error", Err: attemptErr}
	}
	span.RecordError(de)
	span.SetStatus(codes.Error, string(de.Kind))
	entry = entry.WithField("error_type", de.Kind)

	switch de.Kind {
	case tenants.KindConfiguration:
		entry.WithError(de).Error("Delivery not possible, tenant configuration missing")
		metrics.DeliveryOutcomes.WithLabelValues(task.Supplier, task.Tenant, OutcomeConfiguration).Inc()
		return w.complete(ctx, key, models.StatusFailed, store.Update{Attempts: task.Attempt, LastError: de.Error()})
	case tenants.KindRejected:
		entry.WithError(de).Error("Delivery rejected by destination")
		metrics.DeliveryOutcomes.WithLabelValues(task.Supplier, task.Tenant, OutcomeRejected).Inc()
		return w.complete(ctx, key, models.StatusFailed, store.Update{Attempts: task.Attempt, LastError: de.Error()})
	}

	if w.opts.Policy.Exhausted(task.Attempt) {
		msg := fmt.Sprintf("failed permanently after %d attempts: %s", task.Attempt, de.Error())
		entry.WithError(de).Error("Delivery failed permanently")
		metrics.DeliveryOutcomes.WithLabelValues(task.Supplier, task.Tenant, OutcomeExhausted).Inc()
		return w.complete(ctx, key, models.StatusFailed, store.Update{Attempts: task.Attempt, LastError: msg})
	}

	if err := w.complete(ctx, key, models.StatusError, store.Update{Attempts: task.Attempt, LastError: de.Error()}); err != nil {
		return err
	}

	next := task
	next.Attempt = task.Attempt + 1
	next.NotBefore = w.now().Add(w.opts.Policy.Delay(task.Attempt))
	next.EnqueuedAt = w.now()
	next.LastError = de.Error()
	if err := w.queue.Enqueue(ctx, next); err != nil {
		return fmt.Errorf("requeue delivery: %w", err)
	}

	entry.WithError(de).WithField("retry_at", next.NotBefore).Warn("Delivery failed, retry scheduled")
	metrics.DeliveryOutcomes.WithLabelValues(task.Supplier, task.Tenant, OutcomeRetry).Inc()
	return nil
}

// complete settles the ledger row and rolls the outcome up to the record.
func (w *Worker) complete(ctx context.Context, key store.DeliveryKey, to models.DeliveryStatus, update store.Update) error {
	if _, err := w.repo.TransitionDelivery(ctx, key, to, update); err != nil {
		return fmt.Errorf("transition delivery to %s: %w", to, err)
	}
	applied, err := w.repo.Transition(ctx, key.Supplier, key.EventID, to, update)
	if err != nil {
		return fmt.Errorf("transition record to %s: %w", to, err)
	}
	if !applied {
		logger.ForDelivery(key.Supplier, key.Tenant).WithFields(map[string]interface{}{
			"event_id": key.EventID,
			"status":   to,
		}).Debug("Record status already settled")
	}
	return nil
}

func (w *Worker) waitUntil(ctx context.Context, at time.Time) error {
	wait := at.Sub(w.now())
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run consumes every source concurrently until ctx is done.
func (w *Worker) Run(ctx context.Context, sources ...Source) error {
	errs := make(chan error, len(sources))
	for _, src := range sources {
		go func(src Source) {
			errs <- src.Consume(ctx, w.Handle)
		}(src)
	}

	var first error
	for range sources {
		if err := <-errs; err != nil && first == nil && ctx.Err() == nil {
			first = err
		}
	}
	return first
}
