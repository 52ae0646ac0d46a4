package suppliers

import (
	"net/http"
	"time"

	"github.com/machinehub/platform/pkg/common/models"
)

// FrankeAdapter has no handshake and a single generic mapping.
type FrankeAdapter struct {
	name       string
	dispatcher dispatcher
}

func NewFrankeAdapter(name string, cfg SupplierConfig) (Adapter, error) {
	a := &FrankeAdapter{name: name}
	a.dispatcher = dispatcher{
		supplier:     name,
		handlers:     map[string]EventHandler{},
		fallback:     a.handleEvent,
		allowUntyped: true,
		now:          time.Now,
	}
	return a, nil
}

func (a *FrankeAdapter) Name() string  { return a.name }
func (a *FrankeAdapter) Label() string { return "Franke" }

func (a *FrankeAdapter) Verify(r *http.Request, body []byte) Verification {
	if r.Method == http.MethodOptions {
		return abuseProtectionHandshake(r)
	}
	return Passed()
}

func (a *FrankeAdapter) HandleEvent(event Event) (*models.TelemetryRecord, error) {
	return a.dispatcher.dispatch(event)
}

func (a *FrankeAdapter) handleEvent(event Event) (*models.TelemetryRecord, error) {
	id := event.String("id")
	if id == "" {
		id = syntheticID("franke_")
	}
	deviceID := event.String("device_id")
	if deviceID == "" {
		deviceID = event.String("data", "DeviceId")
	}
	occurred, _ := event.Time("timestamp")
	return &models.TelemetryRecord{
		Type:       "FrankeEvent",
		EventID:    id,
		DeviceID:   deviceID,
		OccurredAt: occurred,
		Payload:    event,
	}, nil
}
