package store

import (
	"context"
	"errors"
	"time"

	"github.com/machinehub/platform/pkg/common/models"
)

var ErrNotFound = errors.New("record not found")

// DeliveryKey identifies one record forwarded to one tenant.
type DeliveryKey struct {
	Supplier string
	EventID  string
	Tenant   string
}

type Delivery struct {
	DeliveryKey
	Status      models.DeliveryStatus
	Attempts    int
	LastError   string
	ForwardedAt *time.Time
	UpdatedAt   time.Time
}

// Update carries the columns written alongside a status change. Zero values
// leave the column untouched.
type Update struct {
	Attempts    int
	LastError   string
	ForwardedAt *time.Time
}

type Watermark struct {
	Supplier      string
	Resource      string
	LastFetchedAt *time.Time
	Count         int
	Status        string
	LastError     string
}

const (
	FetchStatusOK    = "ok"
	FetchStatusError = "error"
)

// Repository is the single source of truth for delivery status. Status
// changes are compare-and-set along models.CanTransition.
type Repository interface {
	// UpsertPending inserts rec as pending, or refreshes its content while
	// keeping the stored status.
	UpsertPending(ctx context.Context, rec models.TelemetryRecord) error
	Get(ctx context.Context, supplier, eventID string) (*models.TelemetryRecord, error)
	// Transition moves the record to `to` if its current status is a legal
	// predecessor and reports whether the update was applied.
	Transition(ctx context.Context, supplier, eventID string, to models.DeliveryStatus, update Update) (bool, error)
	ListByStatus(ctx context.Context, supplier string, status models.DeliveryStatus, limit int) ([]models.TelemetryRecord, error)

	// EnsureDelivery creates the pending ledger row if missing and returns the current row.
	EnsureDelivery(ctx context.Context, key DeliveryKey) (*Delivery, error)
	// ClaimDelivery moves a delivery to processing from pending, error, or a
	// processing row last touched before staleBefore.
	ClaimDelivery(ctx context.Context, key DeliveryKey, staleBefore time.Time) (bool, error)
	TransitionDelivery(ctx context.Context, key DeliveryKey, to models.DeliveryStatus, update Update) (bool, error)
	// ListUnsettledDeliveries returns pending, error and processing rows last
	// touched before updatedBefore, oldest first.
	ListUnsettledDeliveries(ctx context.Context, updatedBefore time.Time, limit int) ([]Delivery, error)

	Watermark(ctx context.Context, supplier, resource string) (*Watermark, error)
	// AdvanceWatermark never moves last_fetched_at backwards.
	AdvanceWatermark(ctx context.Context, supplier, resource string, to time.Time, count int) error
	MarkFetchFailed(ctx context.Context, supplier, resource string, cause error) error
}

var unsettledStatuses = []models.DeliveryStatus{models.StatusPending, models.StatusProcessing, models.StatusError}

func statusStrings(statuses []models.DeliveryStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

var (
	_ Repository = (*GormRepository)(nil)
	_ Repository = (*MemoryRepository)(nil)
)
