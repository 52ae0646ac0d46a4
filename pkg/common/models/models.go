package models

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus tracks a telemetry record (and each per-tenant delivery) through forwarding.
type DeliveryStatus string

const (
	StatusPending    DeliveryStatus = "pending"
	StatusProcessing DeliveryStatus = "processing"
	StatusForwarded  DeliveryStatus = "forwarded"
	StatusFailed     DeliveryStatus = "failed"
	StatusError      DeliveryStatus = "error"
)

var transitions = map[DeliveryStatus][]DeliveryStatus{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusForwarded, StatusFailed, StatusError},
	StatusError:      {StatusProcessing},
}

// CanTransition reports whether from -> to is an edge of the delivery graph.
func CanTransition(from, to DeliveryStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Predecessors lists the states that may move into to.
func Predecessors(to DeliveryStatus) []DeliveryStatus {
	var out []DeliveryStatus
	for _, from := range []DeliveryStatus{StatusPending, StatusProcessing, StatusError} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

func (s DeliveryStatus) IsTerminal() bool {
	return s == StatusForwarded || s == StatusFailed
}

func (s DeliveryStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusForwarded, StatusFailed, StatusError:
		return true
	}
	return false
}

// Canonical telemetry
type TelemetryRecord struct {
	Supplier    string                 `json:"supplier"`
	EventID     string                 `json:"eventId"`
	Type        string                 `json:"type"`
	DeviceID    string                 `json:"deviceId,omitempty"`
	OccurredAt  time.Time              `json:"occurredAt"`
	Payload     map[string]interface{} `json:"payload"`
	Status      DeliveryStatus         `json:"status"`
	ForwardedAt *time.Time             `json:"forwardedAt,omitempty"`
	Attempts    int                    `json:"attempts,omitempty"`
	LastError   string                 `json:"lastError,omitempty"`
}

// Delivery queue
type DeliveryTask struct {
	ID         string          `json:"id"`
	Supplier   string          `json:"supplier"`
	Tenant     string          `json:"tenant"`
	Record     TelemetryRecord `json:"record"`
	Attempt    int             `json:"attempt"`
	NotBefore  time.Time       `json:"not_before"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	LastError  string          `json:"last_error,omitempty"`
}

func NewDeliveryTask(supplier, tenant string, record TelemetryRecord) DeliveryTask {
	now := time.Now().UTC()
	return DeliveryTask{
		ID:         uuid.New().String(),
		Supplier:   supplier,
		Tenant:     tenant,
		Record:     record,
		Attempt:    1,
		NotBefore:  now,
		EnqueuedAt: now,
	}
}

// Outbound envelope
type Envelope struct {
	Supplier  string        `json:"supplier"`
	Tenant    string        `json:"tenant"`
	Event     EnvelopeEvent `json:"event"`
	Timestamp time.Time     `json:"timestamp"`
}

type EnvelopeEvent struct {
	Type       string                 `json:"type"`
	EventID    string                 `json:"eventId"`
	DeviceID   string                 `json:"deviceId"`
	OccurredAt time.Time              `json:"occurredAt"`
	Payload    map[string]interface{} `json:"payload"`
}

func NewEnvelope(supplier, tenant string, record TelemetryRecord, now time.Time) Envelope {
	return Envelope{
		Supplier: supplier,
		Tenant:   tenant,
		Event: EnvelopeEvent{
			Type:       record.Type,
			EventID:    record.EventID,
			DeviceID:   record.DeviceID,
			OccurredAt: record.OccurredAt,
			Payload:    record.Payload,
		},
		Timestamp: now.UTC(),
	}
}

// Webhook responses
type WebhookResponse struct {
	Message        string   `json:"message"`
	Supplier       string   `json:"supplier"`
	Tenant         string   `json:"tenant"`
	ProcessedCount int      `json:"processed_count"`
	TotalEvents    int      `json:"total_events"`
	Errors         []string `json:"errors,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Admin
type SupplierSummary struct {
	Name    string   `json:"name"`
	Mode    string   `json:"mode"`
	Adapter string   `json:"adapter"`
	Tenants []string `json:"tenants"`
}

// TaskHandler processes one delivery task. A non-nil error leaves the task
// uncommitted on the queue.
type TaskHandler = func(ctx context.Context, task DeliveryTask) error
