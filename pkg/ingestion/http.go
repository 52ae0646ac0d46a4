package ingestion

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/machinehub/platform/pkg/common/logger"
	"github.com/machinehub/platform/pkg/common/models"
	"github.com/machinehub/platform/pkg/gateway/middleware"
	"github.com/machinehub/platform/pkg/observability/metrics"
	"github.com/machinehub/platform/pkg/suppliers"
	"github.com/machinehub/platform/pkg/tenants"
)

type SupplierRegistry interface {
	middleware.SupplierLookup
	Resolve(name string) (suppliers.Adapter, error)
	ModeOf(name string) (suppliers.Mode, error)
}

// HTTPHandler is the webhook front door: verify, resolve the tenant, parse
// and hand the events to the Service.
type HTTPHandler struct {
	service  *Service
	registry SupplierRegistry
	verifier *middleware.Verifier
	maxBody  int64
}

func NewHTTPHandler(service *Service, registry SupplierRegistry, verifier *middleware.Verifier, maxBody int64) *HTTPHandler {
	return &HTTPHandler{service: service, registry: registry, verifier: verifier, maxBody: maxBody}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	webhooks := router.PathPrefix("/webhook").Subrouter()
	webhooks.Use(middleware.VerifyWebhook(h.verifier, h.registry))
	webhooks.HandleFunc("/{supplier}/{tenant}", h.handleWebhook).Methods(http.MethodPost, http.MethodOptions)
	webhooks.HandleFunc("/{supplier}", h.handleWebhook).Methods(http.MethodPost, http.MethodOptions)
}

func (h *HTTPHandler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	supplier := strings.ToLower(mux.Vars(r)["supplier"])
	entry := logger.Log.WithFields(map[string]interface{}{
		"supplier":   supplier,
		"method":     r.Method,
		"request_id": w.Header().Get(middleware.RequestIDHeader),
	})
	entry.Info("Webhook received")

	adapter, err := h.registry.Resolve(supplier)
	if err != nil {
		if !errors.Is(err, suppliers.ErrUnknownSupplier) {
			entry.WithError(err).Error("Supplier lookup failed")
		}
		h.respond(w, supplier, "unknown_supplier", http.StatusNotFound, models.ErrorResponse{Error: "Unknown supplier"})
		return
	}

	if mode, err := h.registry.ModeOf(supplier); err == nil && mode == suppliers.ModeAPIPoll {
		h.respond(w, supplier, "not_webhook", http.StatusMethodNotAllowed, models.ErrorResponse{
			Error:   supplier + " does not support webhooks",
			Message: "This supplier delivers data through API polling",
		})
		return
	}

	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		entry.WithError(err).Warn("Failed to read webhook body")
		h.respond(w, supplier, "invalid_payload", http.StatusBadRequest, models.ErrorResponse{Error: "Invalid payload"})
		return
	}

	verification := adapter.Verify(r, body)
	switch verification.Outcome {
	case suppliers.VerifyHandshake:
		entry.Info("Webhook handshake answered")
		metrics.WebhookRequests.WithLabelValues(supplier, "handshake").Inc()
		writeAdapterResponse(w, verification.Response)
		return
	case suppliers.VerifyFailed:
		entry.WithField("reason", verification.Reason).Warn("Webhook verification failed")
		if verification.Response != nil {
			metrics.WebhookRequests.WithLabelValues(supplier, "verification_failed").Inc()
			writeAdapterResponse(w, verification.Response)
			return
		}
		h.respond(w, supplier, "verification_failed", http.StatusBadRequest, models.ErrorResponse{Error: "Verification failed"})
		return
	}
	entry.Debug("Webhook verified")

	tenant, source := tenants.Resolve(r)
	if tenant == "" {
		h.respond(w, supplier, "tenant_missing", http.StatusBadRequest, models.ErrorResponse{Error: "Tenant not found"})
		return
	}
	entry = entry.WithFields(map[string]interface{}{"tenant": tenant, "tenant_source": source})

	events, err := suppliers.DecodeEvents(body)
	if err != nil {
		entry.WithError(err).Warn("Invalid webhook payload")
		h.respond(w, supplier, "invalid_payload", http.StatusBadRequest, models.ErrorResponse{Error: "Invalid payload"})
		return
	}
	entry.WithField("events", len(events)).Debug("Webhook parsed")

	if len(events) == 0 {
		h.respond(w, supplier, "empty", http.StatusOK, map[string]string{"message": "No events to process"})
		return
	}

	resp := h.service.Process(r.Context(), adapter, tenant, events)
	entry.WithFields(map[string]interface{}{
		"processed_count": resp.ProcessedCount,
		"total_events":    resp.TotalEvents,
		"errors":          len(resp.Errors),
	}).Info("Webhook dispatched")

	outcome := "processed"
	if len(resp.Errors) > 0 {
		outcome = "partial"
	}
	h.respond(w, supplier, outcome, http.StatusOK, resp)
}

func (h *HTTPHandler) respond(w http.ResponseWriter, supplier, outcome string, status int, body interface{}) {
	metrics.WebhookRequests.WithLabelValues(supplier, outcome).Inc()
	middleware.WriteJSON(w, status, body)
}

func writeAdapterResponse(w http.ResponseWriter, resp *suppliers.Response) {
	for key, values := range resp.Headers {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	if resp.Body == nil {
		w.WriteHeader(resp.Status)
		return
	}
	middleware.WriteJSON(w, resp.Status, resp.Body)
}
