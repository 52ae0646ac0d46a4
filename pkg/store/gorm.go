package store

import (
	"context"
	"errors"
	"time"

	"github.com/machinehub/platform/pkg/common/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *GormRepository) AutoMigrate() error {
	return r.db.AutoMigrate(&TelemetryRow{}, &DeliveryRow{}, &FetchLogRow{})
}

func (r *GormRepository) UpsertPending(ctx context.Context, rec models.TelemetryRecord) error {
	now := r.now()
	row := TelemetryRow{
		Supplier:   rec.Supplier,
		EventID:    rec.EventID,
		Type:       rec.Type,
		DeviceID:   rec.DeviceID,
		OccurredAt: rec.OccurredAt,
		Payload:    datatypes.JSONMap(rec.Payload),
		Status:     string(models.StatusPending),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "supplier"}, {Name: "event_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"type", "device_id", "occurred_at", "payload", "updated_at"}),
	}).Create(&row).Error
}

func (r *GormRepository) Get(ctx context.Context, supplier, eventID string) (*models.TelemetryRecord, error) {
	var row TelemetryRow
	result := r.db.WithContext(ctx).First(&row, "supplier = ? AND event_id = ?", supplier, eventID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if result.Error != nil {
		return nil, result.Error
	}
	rec := row.toModel()
	return &rec, nil
}

func (r *GormRepository) Transition(ctx context.Context, supplier, eventID string, to models.DeliveryStatus, update Update) (bool, error) {
	from := models.Predecessors(to)
	if len(from) == 0 {
		return false, nil
	}
	result := r.db.WithContext(ctx).Model(&TelemetryRow{}).
		Where("supplier = ? AND event_id = ? AND status IN ?", supplier, eventID, statusStrings(from)).
		Updates(r.columns(to, update))
	return result.RowsAffected > 0, result.Error
}

func (r *GormRepository) ListByStatus(ctx context.Context, supplier string, status models.DeliveryStatus, limit int) ([]models.TelemetryRecord, error) {
	var rows []TelemetryRow
	query := r.db.WithContext(ctx).Where("supplier = ? AND status = ?", supplier, string(status)).Order("id")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.TelemetryRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

func (r *GormRepository) EnsureDelivery(ctx context.Context, key DeliveryKey) (*Delivery, error) {
	now := r.now()
	row := DeliveryRow{
		Supplier:  key.Supplier,
		EventID:   key.EventID,
		Tenant:    key.Tenant,
		Status:    string(models.StatusPending),
		CreatedAt: now,
		UpdatedAt: now,
	}
	db := r.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return nil, err
	}

	var current DeliveryRow
	if err := db.First(&current, "supplier = ? AND event_id = ? AND tenant = ?", key.Supplier, key.EventID, key.Tenant).Error; err != nil {
		return nil, err
	}
	d := current.toModel()
	return &d, nil
}

func (r *GormRepository) ClaimDelivery(ctx context.Context, key DeliveryKey, staleBefore time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&DeliveryRow{}).
		Where("supplier = ? AND event_id = ? AND tenant = ?", key.Supplier, key.EventID, key.Tenant).
		Where("(status IN ? OR (status = ? AND updated_at < ?))",
			statusStrings(models.Predecessors(models.StatusProcessing)), string(models.StatusProcessing), staleBefore).
		Updates(map[string]interface{}{
			"status":     string(models.StatusProcessing),
			"updated_at": r.now(),
		})
	return result.RowsAffected > 0, result.Error
}

func (r *GormRepository) TransitionDelivery(ctx context.Context, key DeliveryKey, to models.DeliveryStatus, update Update) (bool, error) {
	from := models.Predecessors(to)
	if len(from) == 0 {
		return false, nil
	}
	result := r.db.WithContext(ctx).Model(&DeliveryRow{}).
		Where("supplier = ? AND event_id = ? AND tenant = ? AND status IN ?", key.Supplier, key.EventID, key.Tenant, statusStrings(from)).
		Updates(r.columns(to, update))
	return result.RowsAffected > 0, result.Error
}

func (r *GormRepository) ListUnsettledDeliveries(ctx context.Context, updatedBefore time.Time, limit int) ([]Delivery, error) {
	var rows []DeliveryRow
	query := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", statusStrings(unsettledStatuses), updatedBefore).
		Order("updated_at")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Delivery, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

func (r *GormRepository) columns(to models.DeliveryStatus, update Update) map[string]interface{} {
	cols := map[string]interface{}{
		"status":     string(to),
		"updated_at": r.now(),
	}
	if update.Attempts > 0 {
		cols["attempts"] = update.Attempts
	}
	if update.LastError != "" {
		cols["last_error"] = update.LastError
	}
	if update.ForwardedAt != nil {
		cols["forwarded_at"] = *update.ForwardedAt
	}
	return cols
}

func (r *GormRepository) Watermark(ctx context.Context, supplier, resource string) (*Watermark, error) {
	var row FetchLogRow
	result := r.db.WithContext(ctx).First(&row, "supplier = ? AND endpoint = ?", supplier, resource)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return &Watermark{
		Supplier:      row.Supplier,
		Resource:      row.Endpoint,
		LastFetchedAt: row.LastFetchedAt,
		Count:         row.Count,
		Status:        row.Status,
		LastError:     row.LastError,
	}, nil
}

func (r *GormRepository) AdvanceWatermark(ctx context.Context, supplier, resource string, to time.Time, count int) error {
	to = to.UTC()
	row := FetchLogRow{
		Supplier:      supplier,
		Endpoint:      resource,
		LastFetchedAt: &to,
		Count:         count,
		Status:        FetchStatusOK,
		UpdatedAt:     r.now(),
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "supplier"}, {Name: "endpoint"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"last_fetched_at": gorm.Expr("GREATEST(supplier_fetch_logs.last_fetched_at, EXCLUDED.last_fetched_at)"),
			"count":           count,
			"status":          FetchStatusOK,
			"last_error":      "",
			"updated_at":      row.UpdatedAt,
		}),
	}).Create(&row).Error
}

func (r *GormRepository) MarkFetchFailed(ctx context.Context, supplier, resource string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	row := FetchLogRow{
		Supplier:  supplier,
		Endpoint:  resource,
		Status:    FetchStatusError,
		LastError: msg,
		UpdatedAt: r.now(),
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "supplier"}, {Name: "endpoint"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"status":     FetchStatusError,
			"last_error": msg,
			"updated_at": row.UpdatedAt,
		}),
	}).Create(&row).Error
}
