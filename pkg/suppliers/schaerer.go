package suppliers

import (
	"net/http"
	"time"

	"github.com/machinehub/platform/pkg/common/models"
)

// SchaererAdapter speaks the same Event Grid contract as WMF but forwards the
// whole event as payload.
type SchaererAdapter struct {
	name       string
	dispatcher dispatcher
}

func NewSchaererAdapter(name string, cfg SupplierConfig) (Adapter, error) {
	a := &SchaererAdapter{name: name}
	handlers := make(map[string]EventHandler)
	for _, eventType := range []string{"Dispensing", "MachineEvent", "Diagnostics", "ModemMessage", "Statistics", "MachineTwin", "MachineModemTwin"} {
		handlers[eventType] = a.handler(eventType)
	}
	a.dispatcher = dispatcher{
		supplier: name,
		handlers: handlers,
		fallback: a.handler("SchaererEvent"),
		now:      time.Now,
	}
	return a, nil
}

func (a *SchaererAdapter) Name() string  { return a.name }
func (a *SchaererAdapter) Label() string { return "Schaerer" }

func (a *SchaererAdapter) Verify(r *http.Request, body []byte) Verification {
	return verifyEventGrid(r, body, false)
}

func (a *SchaererAdapter) HandleEvent(event Event) (*models.TelemetryRecord, error) {
	return a.dispatcher.dispatch(event)
}

func (a *SchaererAdapter) handler(eventType string) EventHandler {
	return func(event Event) (*models.TelemetryRecord, error) {
		id := event.String("id")
		if id == "" {
			id = syntheticID("schaerer_")
		}
		occurred, ok := event.Time("eventTime")
		if !ok {
			occurred, _ = event.Time("data", "TelemetryInformation", "Timestamp")
		}
		return &models.TelemetryRecord{
			Type:       eventType,
			EventID:    id,
			DeviceID:   event.String("data", "DeviceId"),
			OccurredAt: occurred,
			Payload:    event,
		}, nil
	}
}
