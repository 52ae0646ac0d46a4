package ingestion

import (
	"context"
	"fmt"

	"github.com/machinehub/platform/pkg/common/logger"
	"github.com/machinehub/platform/pkg/common/models"
	"github.com/machinehub/platform/pkg/delivery"
	"github.com/machinehub/platform/pkg/observability/metrics"
	"github.com/machinehub/platform/pkg/store"
	"github.com/machinehub/platform/pkg/suppliers"
)

// Service maps decoded webhook events, persists them and schedules delivery.
type Service struct {
	repo  store.Repository
	queue delivery.Queue
}

func NewService(repo store.Repository, queue delivery.Queue) *Service {
	return &Service{repo: repo, queue: queue}
}

// Process handles every event independently. A failing event adds an entry
// to Errors and never aborts the batch.
func (s *Service) Process(ctx context.Context, adapter suppliers.Adapter, tenant string, events []suppliers.Event) models.WebhookResponse {
	supplier := adapter.Name()
	resp := models.WebhookResponse{
		Message:     fmt.Sprintf("%s webhook processed", adapter.Label()),
		Supplier:    supplier,
		Tenant:      tenant,
		TotalEvents: len(events),
	}

	for i, event := range events {
		processed, err := s.processEvent(ctx, adapter, tenant, event)
		if err != nil {
			logger.ForDelivery(supplier, tenant).WithError(err).WithFields(map[string]interface{}{
				"index":      i,
				"event_type": event.Type(),
			}).Error("Failed to process webhook event")
			if suppliers.IsMappingError(err) {
				metrics.MappingErrors.WithLabelValues(supplier).Inc()
			}
			resp.Errors = append(resp.Errors, "Error processing event: "+err.Error())
			continue
		}
		if processed {
			resp.ProcessedCount++
		}
	}

	return resp
}

func (s *Service) processEvent(ctx context.Context, adapter suppliers.Adapter, tenant string, event suppliers.Event) (processed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			processed = false
			err = fmt.Errorf("panic while mapping event: %v", r)
		}
	}()

	record, err := adapter.HandleEvent(event)
	if err != nil {
		return false, err
	}
	// validation events and similar control messages map to nothing
	if record == nil {
		return false, nil
	}

	if err := s.repo.UpsertPending(ctx, *record); err != nil {
		return false, fmt.Errorf("persisting telemetry record: %w", err)
	}
	metrics.EventsIngested.WithLabelValues(record.Supplier, record.Type).Inc()

	// the ledger row lets the recovery sweep find the delivery if the enqueue is lost
	key := store.DeliveryKey{Supplier: record.Supplier, EventID: record.EventID, Tenant: tenant}
	if _, err := s.repo.EnsureDelivery(ctx, key); err != nil {
		return false, fmt.Errorf("recording delivery: %w", err)
	}

	task := models.NewDeliveryTask(record.Supplier, tenant, *record)
	if err := s.queue.Enqueue(ctx, task); err != nil {
		return false, fmt.Errorf("scheduling delivery: %w", err)
	}

	logger.ForDelivery(record.Supplier, tenant).WithFields(map[string]interface{}{
		"event_id":   record.EventID,
		"event_type": record.Type,
		"device_id":  record.DeviceID,
		"task_id":    task.ID,
	}).Info("Telemetry event dispatched")
	return true, nil
}
