package suppliers

import (
	"context"
	"net/http"
	"time"

	"github.com/machinehub/platform/pkg/common/models"
)

// Adapter translates one supplier's webhook traffic into canonical records.
type Adapter interface {
	Name() string
	// Label is the human-facing supplier name used in responses.
	Label() string
	Verify(r *http.Request, body []byte) Verification
	// HandleEvent returns (nil, nil) for events that are not telemetry.
	HandleEvent(event Event) (*models.TelemetryRecord, error)
}

// Poller is implemented by adapters of api-poll suppliers.
type Poller interface {
	Adapter
	Resources() []string
	// FetchSince returns the records collected so far together with the
	// first error that aborted pagination.
	FetchSince(ctx context.Context, resource string, start, end time.Time) ([]models.TelemetryRecord, error)
}

type Outcome int

const (
	VerifyPassed Outcome = iota
	VerifyHandshake
	VerifyFailed
)

func (o Outcome) String() string {
	switch o {
	case VerifyPassed:
		return "passed"
	case VerifyHandshake:
		return "handshake"
	default:
		return "failed"
	}
}

// Response is written to the client verbatim. A nil Body means no body.
type Response struct {
	Status  int
	Headers http.Header
	Body    interface{}
}

type Verification struct {
	Outcome  Outcome
	Reason   string
	Response *Response
}

func Passed() Verification {
	return Verification{Outcome: VerifyPassed}
}

func Handshake(resp Response) Verification {
	return Verification{Outcome: VerifyHandshake, Reason: "handshake", Response: &resp}
}

// Failed builds a rejection; resp may be nil to let the caller pick the body.
func Failed(reason string, resp *Response) Verification {
	return Verification{Outcome: VerifyFailed, Reason: reason, Response: resp}
}

type Factory func(name string, cfg SupplierConfig) (Adapter, error)

// DefaultFactories is the static adapter table keyed by adapter name.
func DefaultFactories() map[string]Factory {
	return map[string]Factory{
		"wmf":      NewWMFAdapter,
		"schaerer": NewSchaererAdapter,
		"franke":   NewFrankeAdapter,
		"dejong":   NewDejongAdapterFromConfig,
	}
}
