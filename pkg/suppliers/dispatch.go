package suppliers

import (
	"time"

	"github.com/google/uuid"
	"github.com/machinehub/platform/pkg/common/logger"
	"github.com/machinehub/platform/pkg/common/models"
)

// EventHandler maps one event of a known type.
type EventHandler func(event Event) (*models.TelemetryRecord, error)

// dispatcher routes events through an explicit type -> handler table.
type dispatcher struct {
	supplier string
	handlers map[string]EventHandler
	fallback EventHandler
	// untyped events are an error unless the adapter has a single generic mapping
	allowUntyped bool
	now          func() time.Time
}

func (d dispatcher) dispatch(event Event) (*models.TelemetryRecord, error) {
	if IsValidationEvent(event) {
		return nil, nil
	}

	eventType := event.Type()
	if eventType == "" && !d.allowUntyped {
		return nil, &MappingError{Supplier: d.supplier, EventID: event.String("id"), Reason: "missing event type"}
	}

	handler, ok := d.handlers[eventType]
	if !ok {
		logger.Log.WithFields(map[string]interface{}{
			"supplier":   d.supplier,
			"event_type": eventType,
			"event_id":   event.String("id"),
		}).Warn("Unhandled event type, using generic mapping")
		handler = d.fallback
	}

	record, err := handler(event)
	if err != nil || record == nil {
		return record, err
	}
	return d.finish(record)
}

func (d dispatcher) finish(record *models.TelemetryRecord) (*models.TelemetryRecord, error) {
	if record.EventID == "" {
		return nil, &MappingError{Supplier: d.supplier, Reason: "missing event id"}
	}
	record.Supplier = d.supplier
	record.Status = models.StatusPending
	if record.OccurredAt.IsZero() {
		record.OccurredAt = d.clock().UTC()
	}
	if record.Payload == nil {
		record.Payload = map[string]interface{}{}
	}
	return record, nil
}

func (d dispatcher) clock() time.Time {
	if d.now != nil {
		return d.now()
	}
	return time.Now()
}

func syntheticID(prefix string) string {
	return prefix + uuid.New().String()
}
