package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/machinehub/platform/pkg/common/logger"
	"github.com/machinehub/platform/pkg/common/models"
	"github.com/machinehub/platform/pkg/delivery"
	"github.com/machinehub/platform/pkg/observability/metrics"
	"github.com/machinehub/platform/pkg/store"
	"github.com/machinehub/platform/pkg/suppliers"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type PollerSource interface {
	ListByMode(mode suppliers.Mode) []string
	Poller(name string) (suppliers.Poller, error)
	Tenants(name string) []string
}

type Options struct {
	FetchInterval   time.Duration
	ForwardInterval time.Duration
	Lookback        time.Duration
	SweepBatch      int
	// RecoverAfter is how long a ledger row may stay unsettled before the
	// recovery sweep enqueues it again. Keep it above the longest retry delay.
	RecoverAfter time.Duration
}

// Scheduler polls api-poll suppliers and fans their pending records out to
// tenant deliveries.
type Scheduler struct {
	registry PollerSource
	repo     store.Repository
	queue    delivery.Queue
	opts     Options
	tracer   trace.Tracer
	now      func() time.Time
}

func New(registry PollerSource, repo store.Repository, queue delivery.Queue, opts Options) *Scheduler {
	if opts.FetchInterval <= 0 {
		opts.FetchInterval = 5 * time.Minute
	}
	if opts.ForwardInterval <= 0 {
		opts.ForwardInterval = 2 * time.Minute
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 60 * time.Minute
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = 500
	}
	if opts.RecoverAfter <= 0 {
		opts.RecoverAfter = 10 * time.Minute
	}
	return &Scheduler{
		registry: registry,
		repo:     repo,
		queue:    queue,
		opts:     opts,
		tracer:   otel.Tracer("github.com/machinehub/platform/pkg/scheduler"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Run starts the fetch, forward and recovery loops. Each runs once
// immediately and then on its interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		s.loop(ctx, "fetch", s.opts.FetchInterval, s.FetchCycle)
	}()
	go func() {
		defer wg.Done()
		s.loop(ctx, "forward", s.opts.ForwardInterval, s.ForwardSweep)
	}()
	go func() {
		defer wg.Done()
		s.loop(ctx, "recover", s.opts.ForwardInterval, s.RecoverySweep)
	}()
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, job func(context.Context) error) {
	run := func() {
		if err := job(ctx); err != nil && ctx.Err() == nil {
			logger.Log.WithError(err).WithField("job", name).Warn("scheduled job finished with errors")
		}
	}

	run()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			run()
		case <-ctx.Done():
			return
		}
	}
}

// FetchCycle polls every resource of every api-poll supplier. One failing
// resource does not stop the others.
func (s *Scheduler) FetchCycle(ctx context.Context) error {
	var errs []error
	for _, name := range s.registry.ListByMode(suppliers.ModeAPIPoll) {
		poller, err := s.registry.Poller(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, resource := range poller.Resources() {
			if err := s.fetchResource(ctx, name, poller, resource); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Window returns the time range of the next fetch for (supplier, resource):
// one second after the watermark up to now, or the lookback window when no
// watermark exists.
func (s *Scheduler) Window(ctx context.Context, supplier, resource string) (time.Time, time.Time, error) {
	end := s.now()
	start := end.Add(-s.opts.Lookback)

	wm, err := s.repo.Watermark(ctx, supplier, resource)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return time.Time{}, time.Time{}, fmt.Errorf("load watermark: %w", err)
	case wm.LastFetchedAt != nil:
		start = wm.LastFetchedAt.Add(time.Second)
	}
	return start, end, nil
}

func (s *Scheduler) fetchResource(ctx context.Context, supplier string, poller suppliers.Poller, resource string) (err error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.fetch", trace.WithAttributes(
		attribute.String("supplier", supplier),
		attribute.String("resource", resource),
	))
	defer span.End()

	entry := logger.Log.WithFields(map[string]interface{}{
		"supplier": supplier,
		"resource": resource,
	})

	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, "fetch failed")
			if markErr := s.repo.MarkFetchFailed(ctx, supplier, resource, err); markErr != nil {
				entry.WithError(markErr).Error("failed to record fetch failure")
			}
		}
		metrics.FetchCycles.WithLabelValues(supplier, resource, outcome).Inc()
	}()

	start, end, err := s.Window(ctx, supplier, resource)
	if err != nil {
		return err
	}
	if !start.Before(end) {
		entry.Debug("fetch window empty, skipping")
		return nil
	}
	entry = entry.WithFields(map[string]interface{}{"start": start, "end": end})

	records, fetchErr := poller.FetchSince(ctx, resource, start, end)
	metrics.FetchedRecords.WithLabelValues(supplier, resource).Add(float64(len(records)))

	var persistErrs []error
	for _, rec := range records {
		if err := s.repo.UpsertPending(ctx, rec); err != nil {
			persistErrs = append(persistErrs, fmt.Errorf("persist %s: %w", rec.EventID, err))
		}
	}

	if fetchErr != nil || len(persistErrs) > 0 {
		err = errors.Join(append([]error{fetchErr}, persistErrs...)...)
		entry.WithError(err).WithField("records", len(records)).Error("fetch cycle failed, watermark kept")
		return fmt.Errorf("%s/%s: %w", supplier, resource, err)
	}

	if err := s.repo.AdvanceWatermark(ctx, supplier, resource, end, len(records)); err != nil {
		return fmt.Errorf("advance watermark for %s/%s: %w", supplier, resource, err)
	}
	entry.WithField("records", len(records)).Info("fetch cycle completed")
	return nil
}

// ForwardSweep schedules one delivery per configured tenant for every
// pending polled record and marks the record processing. The ledger rows are
// written before anything is enqueued, so a tenant whose task could not be
// enqueued is picked up by RecoverySweep even after the record moved on.
func (s *Scheduler) ForwardSweep(ctx context.Context) error {
	var errs []error
	for _, name := range s.registry.ListByMode(suppliers.ModeAPIPoll) {
		tenantNames := s.registry.Tenants(name)
		if len(tenantNames) == 0 {
			logger.Log.WithField("supplier", name).Warn("no tenants configured, pending records left in place")
			continue
		}

		pending, err := s.repo.ListByStatus(ctx, name, models.StatusPending, s.opts.SweepBatch)
		if err != nil {
			errs = append(errs, fmt.Errorf("list pending for %s: %w", name, err))
			continue
		}

		scheduled := 0
		for _, rec := range pending {
			if err := s.fanOut(ctx, rec, tenantNames); err != nil {
				errs = append(errs, err)
				continue
			}
			if _, err := s.repo.Transition(ctx, name, rec.EventID, models.StatusProcessing, store.Update{}); err != nil {
				errs = append(errs, fmt.Errorf("mark %s processing: %w", rec.EventID, err))
				continue
			}
			scheduled++
		}

		if len(pending) > 0 {
			logger.Log.WithFields(map[string]interface{}{
				"supplier":  name,
				"pending":   len(pending),
				"scheduled": scheduled,
				"tenants":   len(tenantNames),
			}).Info("forward sweep completed")
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) fanOut(ctx context.Context, rec models.TelemetryRecord, tenantNames []string) error {
	for _, tenant := range tenantNames {
		key := store.DeliveryKey{Supplier: rec.Supplier, EventID: rec.EventID, Tenant: tenant}
		if _, err := s.repo.EnsureDelivery(ctx, key); err != nil {
			return fmt.Errorf("create delivery %s for %s: %w", rec.EventID, tenant, err)
		}
	}

	var errs []error
	for _, tenant := range tenantNames {
		if err := s.queue.Enqueue(ctx, models.NewDeliveryTask(rec.Supplier, tenant, rec)); err != nil {
			errs = append(errs, fmt.Errorf("enqueue %s for %s: %w", rec.EventID, tenant, err))
		}
	}
	return errors.Join(errs...)
}

// RecoverySweep enqueues again every ledger row that stayed pending, error or
// processing for longer than RecoverAfter. It covers tasks lost between the
// ledger and the queue for webhook and polled suppliers alike. A duplicate
// of a task still in flight is harmless because workers claim the row first.
func (s *Scheduler) RecoverySweep(ctx context.Context) error {
	stuck, err := s.repo.ListUnsettledDeliveries(ctx, s.now().Add(-s.opts.RecoverAfter), s.opts.SweepBatch)
	if err != nil {
		return fmt.Errorf("list unsettled deliveries: %w", err)
	}

	var errs []error
	for _, d := range stuck {
		entry := logger.ForDelivery(d.Supplier, d.Tenant).WithFields(map[string]interface{}{
			"event_id": d.EventID,
			"status":   d.Status,
		})

		rec, err := s.repo.Get(ctx, d.Supplier, d.EventID)
		if errors.Is(err, store.ErrNotFound) {
			entry.Warn("delivery without telemetry record, skipping")
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("load %s/%s: %w", d.Supplier, d.EventID, err))
			continue
		}

		task := models.NewDeliveryTask(d.Supplier, d.Tenant, *rec)
		task.Attempt = d.Attempts + 1
		task.LastError = d.LastError
		if err := s.queue.Enqueue(ctx, task); err != nil {
			errs = append(errs, fmt.Errorf("requeue %s for %s: %w", d.EventID, d.Tenant, err))
			continue
		}
		entry.WithField("attempt", task.Attempt).Info("unsettled delivery requeued")
		metrics.RecoveredDeliveries.WithLabelValues(d.Supplier).Inc()
	}
	return errors.Join(errs...)
}
