package tenants

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/machinehub/platform/pkg/common/logger"
	"github.com/machinehub/platform/pkg/common/models"
	"github.com/machinehub/platform/pkg/gateway/httpclient"
	"github.com/machinehub/platform/pkg/suppliers"
)

type ErrorKind string

const (
	// KindConfiguration needs operator action; never retried.
	KindConfiguration ErrorKind = "configuration_error"
	// KindRejected is a 4xx from the destination; never retried.
	KindRejected ErrorKind = "destination_rejected"
	// KindTransient covers 5xx, network errors and timeouts.
	KindTransient ErrorKind = "transient_error"
)

const maxResponseSnippet = 512

type DeliveryError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

func (e *DeliveryError) Retryable() bool {
	return e.Kind == KindTransient
}

func AsDeliveryError(err error) (*DeliveryError, bool) {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

type TenantLookup interface {
	Tenant(supplier, tenant string) (suppliers.TenantConfig, bool)
}

// Forwarder posts canonical telemetry to a tenant destination.
type Forwarder struct {
	lookup TenantLookup
	client *http.Client
	now    func() time.Time
}

func NewForwarder(lookup TenantLookup, timeout time.Duration) *Forwarder {
	return NewForwarderWithClient(lookup, httpclient.New(timeout))
}

func NewForwarderWithClient(lookup TenantLookup, client *http.Client) *Forwarder {
	return &Forwarder{lookup: lookup, client: client, now: time.Now}
}

// Destination resolves the tenant configuration. Missing configuration is
// reported as a KindConfiguration error.
func (f *Forwarder) Destination(supplier, tenant string) (suppliers.TenantConfig, error) {
	tc, ok := f.lookup.Tenant(supplier, tenant)
	if !ok {
		return suppliers.TenantConfig{}, &DeliveryError{
			Kind:    KindConfiguration,
			Message: fmt.Sprintf("no tenant configuration found for supplier %q and tenant %q", supplier, tenant),
		}
	}
	if tc.WebhookURL == "" {
		return suppliers.TenantConfig{}, &DeliveryError{
			Kind:    KindConfiguration,
			Message: fmt.Sprintf("no endpoint configured for tenant %q of supplier %q", tenant, supplier),
		}
	}
	return tc, nil
}

// Forward delivers record and classifies the outcome. A nil error means the
// destination answered 2xx.
func (f *Forwarder) Forward(ctx context.Context, supplier, tenant string, record models.TelemetryRecord) error {
	tc, err := f.Destination(supplier, tenant)
	if err != nil {
		return err
	}

	body, err := json.Marshal(models.NewEnvelope(supplier, tenant, record, f.now()))
	if err != nil {
		return &DeliveryError{Kind: KindConfiguration, Message: "envelope is not serializable", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tc.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Kind: KindConfiguration, Message: "invalid destination URL", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", httpclient.UserAgent)
	req.Header.Set("X-Supplier", supplier)
	req.Header.Set("X-Tenant", tenant)
	if tc.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+tc.APIKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		msg := "network error"
		if httpclient.IsTimeout(err) {
			msg = "timeout"
		}
		return &DeliveryError{Kind: KindTransient, Message: msg, Err: err}
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSnippet))

	entry := logger.ForDelivery(supplier, tenant).WithFields(map[string]interface{}{
		"event_id":        record.EventID,
		"response_status": resp.StatusCode,
	})

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		entry.Info("Forwarded telemetry to tenant")
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		entry.WithField("response_body", string(snippet)).Error("Destination rejected telemetry")
		return &DeliveryError{
			Kind:       KindRejected,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("destination rejected data with status %d: %s", resp.StatusCode, snippet),
		}
	default:
		entry.WithField("response_body", string(snippet)).Warn("Destination server error")
		return &DeliveryError{
			Kind:       KindTransient,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("destination returned status %d", resp.StatusCode),
		}
	}
}

