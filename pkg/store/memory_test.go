package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/machinehub/platform/pkg/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(id string) models.TelemetryRecord {
	return models.TelemetryRecord{
		Supplier: "wmf",
		EventID:  id,
		Type:     "Dispensing",
		Payload:  map[string]interface{}{"DeviceId": "d1"},
	}
}

func TestUpsertPendingIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	require.NoError(t, repo.UpsertPending(ctx, record("e1")))
	require.NoError(t, repo.UpsertPending(ctx, record("e1")))

	assert.Equal(t, 1, repo.Count())
}

func TestUpsertPendingDoesNotRegressStatus(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	require.NoError(t, repo.UpsertPending(ctx, record("e1")))

	ok, err := repo.Transition(ctx, "wmf", "e1", models.StatusProcessing, Update{})
	require.NoError(t, err)
	require.True(t, ok)
	now := time.Now()
	ok, _ = repo.Transition(ctx, "wmf", "e1", models.StatusForwarded, Update{ForwardedAt: &now})
	require.True(t, ok)

	updated := record("e1")
	updated.DeviceID = "d2"
	require.NoError(t, repo.UpsertPending(ctx, updated))

	got, err := repo.Get(ctx, "wmf", "e1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusForwarded, got.Status)
	assert.Equal(t, "d2", got.DeviceID)
	assert.NotNil(t, got.ForwardedAt)
}

func TestTransitionIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	require.NoError(t, repo.UpsertPending(ctx, record("e1")))

	ok, _ := repo.Transition(ctx, "wmf", "e1", models.StatusForwarded, Update{})
	assert.False(t, ok, "pending cannot jump to forwarded")

	ok, _ = repo.Transition(ctx, "wmf", "e1", models.StatusProcessing, Update{})
	assert.True(t, ok)
	ok, _ = repo.Transition(ctx, "wmf", "e1", models.StatusForwarded, Update{})
	assert.True(t, ok)

	ok, _ = repo.Transition(ctx, "wmf", "e1", models.StatusError, Update{LastError: "late"})
	assert.False(t, ok, "late error must not overwrite forwarded")

	got, _ := repo.Get(ctx, "wmf", "e1")
	assert.Equal(t, models.StatusForwarded, got.Status)
	assert.Empty(t, got.LastError)

	ok, _ = repo.Transition(ctx, "wmf", "missing", models.StatusProcessing, Update{})
	assert.False(t, ok)
}

func TestGetMissing(t *testing.T) {
	_, err := NewMemoryRepository().Get(context.Background(), "wmf", "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListByStatusKeepsInsertOrder(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, repo.UpsertPending(ctx, record(id)))
	}
	other := record("x")
	other.Supplier = "dejong"
	require.NoError(t, repo.UpsertPending(ctx, other))
	_, _ = repo.Transition(ctx, "wmf", "b", models.StatusProcessing, Update{})

	pending, err := repo.ListByStatus(ctx, "wmf", models.StatusPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].EventID)
	assert.Equal(t, "c", pending[1].EventID)

	limited, _ := repo.ListByStatus(ctx, "wmf", models.StatusPending, 1)
	assert.Len(t, limited, 1)
}

func TestDeliveryLedger(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	key := DeliveryKey{Supplier: "wmf", EventID: "e1", Tenant: "acme"}

	d, err := repo.EnsureDelivery(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, d.Status)

	ok, _ := repo.ClaimDelivery(ctx, key, time.Now().Add(-time.Minute))
	assert.True(t, ok)
	ok, _ = repo.ClaimDelivery(ctx, key, time.Now().Add(-time.Minute))
	assert.False(t, ok, "fresh processing row is owned by another worker")

	ok, _ = repo.ClaimDelivery(ctx, key, time.Now().Add(time.Minute))
	assert.True(t, ok, "stale processing row can be reclaimed")

	ok, _ = repo.TransitionDelivery(ctx, key, models.StatusForwarded, Update{Attempts: 1})
	assert.True(t, ok)

	d, _ = repo.EnsureDelivery(ctx, key)
	assert.Equal(t, models.StatusForwarded, d.Status)
	assert.Equal(t, 1, d.Attempts)

	ok, _ = repo.ClaimDelivery(ctx, key, time.Now().Add(time.Hour))
	assert.False(t, ok)
}

func TestWatermarkNeverDecreases(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	_, err := repo.Watermark(ctx, "dejong", "events")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.AdvanceWatermark(ctx, "dejong", "events", t0, 5))
	require.NoError(t, repo.AdvanceWatermark(ctx, "dejong", "events", t0.Add(-time.Hour), 1))

	wm, err := repo.Watermark(ctx, "dejong", "events")
	require.NoError(t, err)
	assert.Equal(t, t0, *wm.LastFetchedAt)
	assert.Equal(t, FetchStatusOK, wm.Status)

	require.NoError(t, repo.MarkFetchFailed(ctx, "dejong", "events", errors.New("boom")))
	wm, _ = repo.Watermark(ctx, "dejong", "events")
	assert.Equal(t, t0, *wm.LastFetchedAt)
	assert.Equal(t, FetchStatusError, wm.Status)
	assert.Equal(t, "boom", wm.LastError)
}

func TestListUnsettledDeliveries(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	keys := []DeliveryKey{
		{Supplier: "wmf", EventID: "e1", Tenant: "acme"},
		{Supplier: "wmf", EventID: "e2", Tenant: "acme"},
		{Supplier: "wmf", EventID: "e3", Tenant: "acme"},
		{Supplier: "wmf", EventID: "e4", Tenant: "acme"},
	}
	for i, key := range keys {
		at := base.Add(time.Duration(i) * time.Minute)
		repo.SetClock(func() time.Time { return at })
		_, err := repo.EnsureDelivery(ctx, key)
		require.NoError(t, err)
	}

	repo.SetClock(func() time.Time { return base.Add(time.Minute) })
	_, err := repo.TransitionDelivery(ctx, keys[0], models.StatusProcessing, Update{})
	require.NoError(t, err)
	_, err = repo.TransitionDelivery(ctx, keys[0], models.StatusForwarded, Update{Attempts: 1})
	require.NoError(t, err)

	unsettled, err := repo.ListUnsettledDeliveries(ctx, base.Add(3*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, unsettled, 2, "forwarded and recently touched rows are left out")
	assert.Equal(t, "e2", unsettled[0].EventID)
	assert.Equal(t, "e3", unsettled[1].EventID)

	limited, err := repo.ListUnsettledDeliveries(ctx, base.Add(time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "e2", limited[0].EventID)
}
