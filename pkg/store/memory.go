package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/machinehub/platform/pkg/common/models"
)

type recordKey struct {
	supplier string
	eventID  string
}

type memoryRecord struct {
	rec models.TelemetryRecord
	seq int
}

type watermarkKey struct {
	supplier string
	resource string
}

// MemoryRepository keeps all state in process. It backs tests and
// single-process development setups.
type MemoryRepository struct {
	mu         sync.Mutex
	seq        int
	records    map[recordKey]*memoryRecord
	deliveries map[DeliveryKey]*Delivery
	watermarks map[watermarkKey]*Watermark
	now        func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records:    make(map[recordKey]*memoryRecord),
		deliveries: make(map[DeliveryKey]*Delivery),
		watermarks: make(map[watermarkKey]*Watermark),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (m *MemoryRepository) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryRepository) UpsertPending(ctx context.Context, rec models.TelemetryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey{rec.Supplier, rec.EventID}
	if existing, ok := m.records[key]; ok {
		existing.rec.Type = rec.Type
		existing.rec.DeviceID = rec.DeviceID
		existing.rec.OccurredAt = rec.OccurredAt
		existing.rec.Payload = copyPayload(rec.Payload)
		return nil
	}

	m.seq++
	rec.Status = models.StatusPending
	rec.ForwardedAt = nil
	rec.Attempts = 0
	rec.LastError = ""
	rec.Payload = copyPayload(rec.Payload)
	m.records[key] = &memoryRecord{rec: rec, seq: m.seq}
	return nil
}

func (m *MemoryRepository) Get(ctx context.Context, supplier, eventID string) (*models.TelemetryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.records[recordKey{supplier, eventID}]
	if !ok {
		return nil, ErrNotFound
	}
	rec := existing.rec
	return &rec, nil
}

func (m *MemoryRepository) Transition(ctx context.Context, supplier, eventID string, to models.DeliveryStatus, update Update) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.records[recordKey{supplier, eventID}]
	if !ok || !models.CanTransition(existing.rec.Status, to) {
		return false, nil
	}
	existing.rec.Status = to
	if update.Attempts > 0 {
		existing.rec.Attempts = update.Attempts
	}
	if update.LastError != "" {
		existing.rec.LastError = update.LastError
	}
	if update.ForwardedAt != nil {
		at := *update.ForwardedAt
		existing.rec.ForwardedAt = &at
	}
	return true, nil
}

func (m *MemoryRepository) ListByStatus(ctx context.Context, supplier string, status models.DeliveryStatus, limit int) ([]models.TelemetryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matches []*memoryRecord
	for key, existing := range m.records {
		if key.supplier == supplier && existing.rec.Status == status {
			matches = append(matches, existing)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].seq < matches[j].seq })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]models.TelemetryRecord, 0, len(matches))
	for _, existing := range matches {
		out = append(out, existing.rec)
	}
	return out, nil
}

// Count returns the number of stored records.
func (m *MemoryRepository) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *MemoryRepository) EnsureDelivery(ctx context.Context, key DeliveryKey) (*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[key]
	if !ok {
		d = &Delivery{DeliveryKey: key, Status: models.StatusPending, UpdatedAt: m.now()}
		m.deliveries[key] = d
	}
	out := *d
	return &out, nil
}

func (m *MemoryRepository) ClaimDelivery(ctx context.Context, key DeliveryKey, staleBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[key]
	if !ok {
		return false, nil
	}
	stale := d.Status == models.StatusProcessing && d.UpdatedAt.Before(staleBefore)
	if !stale && !models.CanTransition(d.Status, models.StatusProcessing) {
		return false, nil
	}
	d.Status = models.StatusProcessing
	d.UpdatedAt = m.now()
	return true, nil
}

func (m *MemoryRepository) TransitionDelivery(ctx context.Context, key DeliveryKey, to models.DeliveryStatus, update Update) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[key]
	if !ok || !models.CanTransition(d.Status, to) {
		return false, nil
	}
	d.Status = to
	d.UpdatedAt = m.now()
	if update.Attempts > 0 {
		d.Attempts = update.Attempts
	}
	if update.LastError != "" {
		d.LastError = update.LastError
	}
	if update.ForwardedAt != nil {
		at := *update.ForwardedAt
		d.ForwardedAt = &at
	}
	return true, nil
}

func (m *MemoryRepository) ListUnsettledDeliveries(ctx context.Context, updatedBefore time.Time, limit int) ([]Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Delivery
	for _, d := range m.deliveries {
		if !d.Status.IsTerminal() && d.UpdatedAt.Before(updatedBefore) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delivery returns a copy of one ledger row.
func (m *MemoryRepository) Delivery(key DeliveryKey) (*Delivery, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[key]
	if !ok {
		return nil, false
	}
	out := *d
	return &out, true
}

func (m *MemoryRepository) Watermark(ctx context.Context, supplier, resource string) (*Watermark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wm, ok := m.watermarks[watermarkKey{supplier, resource}]
	if !ok {
		return nil, ErrNotFound
	}
	out := *wm
	return &out, nil
}

func (m *MemoryRepository) AdvanceWatermark(ctx context.Context, supplier, resource string, to time.Time, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := watermarkKey{supplier, resource}
	wm, ok := m.watermarks[key]
	if !ok {
		wm = &Watermark{Supplier: supplier, Resource: resource}
		m.watermarks[key] = wm
	}
	to = to.UTC()
	if wm.LastFetchedAt == nil || to.After(*wm.LastFetchedAt) {
		wm.LastFetchedAt = &to
	}
	wm.Count = count
	wm.Status = FetchStatusOK
	wm.LastError = ""
	return nil
}

func (m *MemoryRepository) MarkFetchFailed(ctx context.Context, supplier, resource string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := watermarkKey{supplier, resource}
	wm, ok := m.watermarks[key]
	if !ok {
		wm = &Watermark{Supplier: supplier, Resource: resource}
		m.watermarks[key] = wm
	}
	wm.Status = FetchStatusError
	if cause != nil {
		wm.LastError = cause.Error()
	}
	return nil
}

func copyPayload(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
