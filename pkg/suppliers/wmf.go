package suppliers

import (
	"net/http"
	"time"

	"github.com/machinehub/platform/pkg/common/models"
)

// WMFAdapter handles WMF CoffeeConnect events delivered through Azure Event Grid.
type WMFAdapter struct {
	name       string
	dispatcher dispatcher
}

func NewWMFAdapter(name string, cfg SupplierConfig) (Adapter, error) {
	return newWMFAdapter(name, time.Now), nil
}

func newWMFAdapter(name string, now func() time.Time) *WMFAdapter {
	a := &WMFAdapter{name: name}
	a.dispatcher = dispatcher{
		supplier: name,
		handlers: map[string]EventHandler{
			"Dispensing":       telemetryInformationHandler("Dispensing"),
			"MachineEvent":     eventTimeHandler("MachineEvent"),
			"Diagnostics":      eventTimeHandler("Diagnostics"),
			"ModemMessage":     telemetryInformationHandler("ModemMessage"),
			"Statistics":       telemetryInformationHandler("Statistics"),
			"MachineTwin":      dataTimeHandler("MachineTwin"),
			"MachineModemTwin": untimedHandler("MachineModemTwin"),
		},
		fallback: a.handleUnknown,
		now:      now,
	}
	return a
}

func (a *WMFAdapter) Name() string  { return a.name }
func (a *WMFAdapter) Label() string { return "WMF" }

func (a *WMFAdapter) Verify(r *http.Request, body []byte) Verification {
	return verifyEventGrid(r, body, true)
}

func (a *WMFAdapter) HandleEvent(event Event) (*models.TelemetryRecord, error) {
	return a.dispatcher.dispatch(event)
}

func (a *WMFAdapter) handleUnknown(event Event) (*models.TelemetryRecord, error) {
	id := event.String("id")
	if id == "" {
		id = syntheticID("wmf_")
	}
	occurred, ok := event.Time("eventTime")
	if !ok {
		occurred, _ = event.Time("data", "Timestamp")
	}
	return &models.TelemetryRecord{
		Type:       "WMFEvent",
		EventID:    id,
		DeviceID:   event.String("data", "DeviceId"),
		OccurredAt: occurred,
		Payload:    event,
	}, nil
}

// Event Grid telemetry shares one shape; only the timestamp source differs.
func gridRecord(eventType string, event Event, occurred time.Time) *models.TelemetryRecord {
	return &models.TelemetryRecord{
		Type:       eventType,
		EventID:    event.String("id"),
		DeviceID:   event.String("data", "DeviceId"),
		OccurredAt: occurred,
		Payload:    event.Map("data"),
	}
}

func telemetryInformationHandler(eventType string) EventHandler {
	return func(event Event) (*models.TelemetryRecord, error) {
		occurred, _ := event.Time("data", "TelemetryInformation", "Timestamp")
		return gridRecord(eventType, event, occurred), nil
	}
}

func eventTimeHandler(eventType string) EventHandler {
	return func(event Event) (*models.TelemetryRecord, error) {
		occurred, _ := event.Time("eventTime")
		return gridRecord(eventType, event, occurred), nil
	}
}

func dataTimeHandler(eventType string) EventHandler {
	return func(event Event) (*models.TelemetryRecord, error) {
		occurred, _ := event.Time("data", "Time")
		return gridRecord(eventType, event, occurred), nil
	}
}

func untimedHandler(eventType string) EventHandler {
	return func(event Event) (*models.TelemetryRecord, error) {
		return gridRecord(eventType, event, time.Time{}), nil
	}
}
