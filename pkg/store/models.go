package store

import (
	"time"

	"github.com/machinehub/platform/pkg/common/models"
	"gorm.io/datatypes"
)

type TelemetryRow struct {
	ID          uint              `gorm:"primaryKey;column:id"`
	Supplier    string            `gorm:"column:supplier;size:50;not null;uniqueIndex:idx_telemetry_supplier_event"`
	EventID     string            `gorm:"column:event_id;not null;uniqueIndex:idx_telemetry_supplier_event"`
	Type        string            `gorm:"column:type"`
	DeviceID    string            `gorm:"column:device_id"`
	OccurredAt  time.Time         `gorm:"column:occurred_at"`
	Payload     datatypes.JSONMap `gorm:"column:payload"`
	Status      string            `gorm:"column:status;default:pending;index"`
	Attempts    int               `gorm:"column:attempts"`
	LastError   string            `gorm:"column:last_error"`
	ForwardedAt *time.Time        `gorm:"column:forwarded_at"`
	CreatedAt   time.Time         `gorm:"column:created_at"`
	UpdatedAt   time.Time         `gorm:"column:updated_at"`
}

func (TelemetryRow) TableName() string {
	return "processed_telemetries"
}

func (r TelemetryRow) toModel() models.TelemetryRecord {
	return models.TelemetryRecord{
		Supplier:    r.Supplier,
		EventID:     r.EventID,
		Type:        r.Type,
		DeviceID:    r.DeviceID,
		OccurredAt:  r.OccurredAt,
		Payload:     map[string]interface{}(r.Payload),
		Status:      models.DeliveryStatus(r.Status),
		ForwardedAt: r.ForwardedAt,
		Attempts:    r.Attempts,
		LastError:   r.LastError,
	}
}

type DeliveryRow struct {
	ID          uint       `gorm:"primaryKey;column:id"`
	Supplier    string     `gorm:"column:supplier;size:50;not null;uniqueIndex:idx_delivery_key"`
	EventID     string     `gorm:"column:event_id;not null;uniqueIndex:idx_delivery_key"`
	Tenant      string     `gorm:"column:tenant;size:100;not null;uniqueIndex:idx_delivery_key"`
	Status      string     `gorm:"column:status;default:pending;index"`
	Attempts    int        `gorm:"column:attempts"`
	LastError   string     `gorm:"column:last_error"`
	ForwardedAt *time.Time `gorm:"column:forwarded_at"`
	CreatedAt   time.Time  `gorm:"column:created_at"`
	UpdatedAt   time.Time  `gorm:"column:updated_at"`
}

func (DeliveryRow) TableName() string {
	return "telemetry_deliveries"
}

func (r DeliveryRow) toModel() Delivery {
	return Delivery{
		DeliveryKey: DeliveryKey{Supplier: r.Supplier, EventID: r.EventID, Tenant: r.Tenant},
		Status:      models.DeliveryStatus(r.Status),
		Attempts:    r.Attempts,
		LastError:   r.LastError,
		ForwardedAt: r.ForwardedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

type FetchLogRow struct {
	ID            uint       `gorm:"primaryKey;column:id"`
	Supplier      string     `gorm:"column:supplier;size:50;not null;uniqueIndex:idx_fetch_supplier_endpoint"`
	Endpoint      string     `gorm:"column:endpoint;not null;uniqueIndex:idx_fetch_supplier_endpoint"`
	LastFetchedAt *time.Time `gorm:"column:last_fetched_at"`
	Count         int        `gorm:"column:count"`
	Status        string     `gorm:"column:status"`
	LastError     string     `gorm:"column:last_error"`
	UpdatedAt     time.Time  `gorm:"column:updated_at"`
}

func (FetchLogRow) TableName() string {
	return "supplier_fetch_logs"
}
