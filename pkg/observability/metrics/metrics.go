package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WebhookRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "machinehub_webhook_requests_total",
			Help: "Webhook requests by supplier and outcome",
		},
		[]string{"supplier", "outcome"},
	)

	GuardRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "machinehub_guard_rejections_total",
			Help: "Requests rejected by the verification guard chain",
		},
		[]string{"supplier", "guard"},
	)

	EventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "machinehub_events_ingested_total",
			Help: "Telemetry events mapped and persisted",
		},
		[]string{"supplier", "type"},
	)

	MappingErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "machinehub_mapping_errors_total",
			Help: "Vendor events that could not be mapped",
		},
		[]string{"supplier"},
	)

	// DeliveryOutcomes separates configuration errors from transient and
	// rejected deliveries.
	DeliveryOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "machinehub_delivery_outcomes_total",
			Help: "Delivery attempts by supplier, tenant and outcome",
		},
		[]string{"supplier", "tenant", "outcome"},
	)

	DeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "machinehub_delivery_duration_seconds",
			Help:    "Duration of outbound tenant deliveries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"supplier"},
	)

	FetchCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "machinehub_fetch_cycles_total",
			Help: "API polling cycles by supplier, resource and outcome",
		},
		[]string{"supplier", "resource", "outcome"},
	)

	FetchedRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "machinehub_fetched_records_total",
			Help: "Records retrieved from supplier APIs",
		},
		[]string{"supplier", "resource"},
	)

	RecoveredDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "machinehub_recovered_deliveries_total",
			Help: "Unsettled deliveries enqueued again by the recovery sweep",
		},
		[]string{"supplier"},
	)

	registerOnce sync.Once
)

// Register registers all collectors with the default registry. Safe to call
// more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			WebhookRequests,
			GuardRejections,
			EventsIngested,
			MappingErrors,
			DeliveryOutcomes,
			DeliveryDuration,
			FetchCycles,
			FetchedRecords,
			RecoveredDeliveries,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}
