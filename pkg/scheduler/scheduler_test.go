package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/machinehub/platform/pkg/common/models"
	"github.com/machinehub/platform/pkg/delivery"
	"github.com/machinehub/platform/pkg/store"
	"github.com/machinehub/platform/pkg/suppliers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

type window struct {
	resource   string
	start, end time.Time
}

type fakePoller struct {
	resources []string
	records   []models.TelemetryRecord
	err       error
	calls     []window
}

func (p *fakePoller) Name() string  { return "dejong" }
func (p *fakePoller) Label() string { return "Dejong" }
func (p *fakePoller) Verify(r *http.Request, body []byte) suppliers.Verification {
	return suppliers.Passed()
}
func (p *fakePoller) HandleEvent(event suppliers.Event) (*models.TelemetryRecord, error) {
	return nil, nil
}
func (p *fakePoller) Resources() []string { return p.resources }
func (p *fakePoller) FetchSince(ctx context.Context, resource string, start, end time.Time) ([]models.TelemetryRecord, error) {
	p.calls = append(p.calls, window{resource, start, end})
	return p.records, p.err
}

type fakeRegistry struct {
	poller  *fakePoller
	tenants []string
}

func (r *fakeRegistry) ListByMode(mode suppliers.Mode) []string {
	if mode == suppliers.ModeAPIPoll {
		return []string{"dejong"}
	}
	return nil
}

func (r *fakeRegistry) Poller(name string) (suppliers.Poller, error) {
	if name != "dejong" {
		return nil, suppliers.ErrUnknownSupplier
	}
	return r.poller, nil
}

func (r *fakeRegistry) Tenants(name string) []string { return r.tenants }

type failingQueue struct{}

func (failingQueue) Enqueue(ctx context.Context, task models.DeliveryTask) error {
	return errors.New("broker unavailable")
}

// selectiveQueue fails enqueues for one tenant and records the rest.
type selectiveQueue struct {
	failTenant string
	tasks      []models.DeliveryTask
}

func (q *selectiveQueue) Enqueue(ctx context.Context, task models.DeliveryTask) error {
	if task.Tenant == q.failTenant {
		return errors.New("broker unavailable")
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func consumption(id string) models.TelemetryRecord {
	return models.TelemetryRecord{
		Supplier:   "dejong",
		EventID:    id,
		Type:       "Consumption",
		DeviceID:   "m-1",
		OccurredAt: t0,
		Payload:    map[string]interface{}{"id": id},
		Status:     models.StatusPending,
	}
}

func newScheduler(reg *fakeRegistry, repo store.Repository, queue delivery.Queue, now time.Time) *Scheduler {
	s := New(reg, repo, queue, Options{})
	s.SetClock(func() time.Time { return now })
	return s
}

func TestFetchUsesLookbackWithoutWatermark(t *testing.T) {
	poller := &fakePoller{resources: []string{"consumptions"}}
	repo := store.NewMemoryRepository()
	s := newScheduler(&fakeRegistry{poller: poller}, repo, delivery.NewMemoryQueue(1), t0)

	require.NoError(t, s.FetchCycle(context.Background()))

	require.Len(t, poller.calls, 1)
	assert.Equal(t, t0.Add(-60*time.Minute), poller.calls[0].start)
	assert.Equal(t, t0, poller.calls[0].end)
}

func TestFetchWindowFollowsWatermark(t *testing.T) {
	poller := &fakePoller{resources: []string{"consumptions"}, records: []models.TelemetryRecord{consumption("c1"), consumption("c2")}}
	repo := store.NewMemoryRepository()
	require.NoError(t, repo.AdvanceWatermark(context.Background(), "dejong", "consumptions", t0, 0))

	now := t0.Add(10 * time.Minute)
	s := newScheduler(&fakeRegistry{poller: poller}, repo, delivery.NewMemoryQueue(1), now)
	require.NoError(t, s.FetchCycle(context.Background()))

	require.Len(t, poller.calls, 1)
	assert.Equal(t, t0.Add(time.Second), poller.calls[0].start)
	assert.Equal(t, now, poller.calls[0].end)

	wm, err := repo.Watermark(context.Background(), "dejong", "consumptions")
	require.NoError(t, err)
	require.NotNil(t, wm.LastFetchedAt)
	assert.Equal(t, now, *wm.LastFetchedAt)
	assert.Equal(t, 2, wm.Count)
	assert.Equal(t, store.FetchStatusOK, wm.Status)
	assert.Equal(t, 2, repo.Count())
}

func TestFetchErrorKeepsWatermark(t *testing.T) {
	poller := &fakePoller{
		resources: []string{"consumptions"},
		records:   []models.TelemetryRecord{consumption("c1")},
		err:       fmt.Errorf("page 2: status 502"),
	}
	repo := store.NewMemoryRepository()
	require.NoError(t, repo.AdvanceWatermark(context.Background(), "dejong", "consumptions", t0, 0))

	s := newScheduler(&fakeRegistry{poller: poller}, repo, delivery.NewMemoryQueue(1), t0.Add(10*time.Minute))
	err := s.FetchCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")

	wm, err := repo.Watermark(context.Background(), "dejong", "consumptions")
	require.NoError(t, err)
	assert.Equal(t, t0, *wm.LastFetchedAt)
	assert.Equal(t, store.FetchStatusError, wm.Status)
	assert.Contains(t, wm.LastError, "status 502")

	// collected records are kept; re-fetching them is idempotent
	assert.Equal(t, 1, repo.Count())
}

func TestFetchIsIdempotentAndKeepsStatus(t *testing.T) {
	poller := &fakePoller{resources: []string{"consumptions"}, records: []models.TelemetryRecord{consumption("c1")}}
	repo := store.NewMemoryRepository()
	s := newScheduler(&fakeRegistry{poller: poller}, repo, delivery.NewMemoryQueue(1), t0)

	require.NoError(t, s.FetchCycle(context.Background()))
	_, err := repo.Transition(context.Background(), "dejong", "c1", models.StatusProcessing, store.Update{})
	require.NoError(t, err)
	require.NoError(t, s.FetchCycle(context.Background()))

	rec, err := repo.Get(context.Background(), "dejong", "c1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, rec.Status)
	assert.Equal(t, 1, repo.Count())
}

func TestForwardSweepFansOutPerTenant(t *testing.T) {
	repo := store.NewMemoryRepository()
	for _, id := range []string{"c1", "c2"} {
		require.NoError(t, repo.UpsertPending(context.Background(), consumption(id)))
	}
	queue := delivery.NewMemoryQueue(16)
	defer queue.Close()

	reg := &fakeRegistry{poller: &fakePoller{}, tenants: []string{"acme", "beta"}}
	s := newScheduler(reg, repo, queue, t0)
	require.NoError(t, s.ForwardSweep(context.Background()))

	assert.Equal(t, 4, queue.Len())
	seen := map[string]bool{}
	for {
		task, ok := queue.TryDequeue()
		if !ok {
			break
		}
		seen[task.Record.EventID+"/"+task.Tenant] = true
	}
	assert.Equal(t, map[string]bool{"c1/acme": true, "c1/beta": true, "c2/acme": true, "c2/beta": true}, seen)

	pending, err := repo.ListByStatus(context.Background(), "dejong", models.StatusPending, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// a second sweep finds nothing left to schedule
	require.NoError(t, s.ForwardSweep(context.Background()))
	assert.Equal(t, 0, queue.Len())
}

func TestForwardSweepLeavesRecordPendingOnEnqueueFailure(t *testing.T) {
	repo := store.NewMemoryRepository()
	require.NoError(t, repo.UpsertPending(context.Background(), consumption("c1")))

	reg := &fakeRegistry{poller: &fakePoller{}, tenants: []string{"acme"}}
	s := newScheduler(reg, repo, failingQueue{}, t0)
	require.Error(t, s.ForwardSweep(context.Background()))

	rec, err := repo.Get(context.Background(), "dejong", "c1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, rec.Status)
}

func TestRunExecutesImmediately(t *testing.T) {
	poller := &fakePoller{resources: []string{"events"}}
	repo := store.NewMemoryRepository()
	s := New(&fakeRegistry{poller: poller}, repo, delivery.NewMemoryQueue(1), Options{FetchInterval: time.Hour, ForwardInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		_, err := repo.Watermark(context.Background(), "dejong", "events")
		return err == nil
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestForwardSweepPartialFanOutIsRecovered(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	repo.SetClock(func() time.Time { return t0 })
	require.NoError(t, repo.UpsertPending(ctx, consumption("c1")))

	reg := &fakeRegistry{poller: &fakePoller{}, tenants: []string{"acme", "beta"}}
	queue := &selectiveQueue{failTenant: "beta"}
	require.Error(t, newScheduler(reg, repo, queue, t0).ForwardSweep(ctx))
	require.Len(t, queue.tasks, 1)
	assert.Equal(t, "acme", queue.tasks[0].Tenant)

	// acme's worker settles its delivery and moves the record on
	acme := store.DeliveryKey{Supplier: "dejong", EventID: "c1", Tenant: "acme"}
	_, err := repo.ClaimDelivery(ctx, acme, t0)
	require.NoError(t, err)
	_, err = repo.TransitionDelivery(ctx, acme, models.StatusForwarded, store.Update{Attempts: 1})
	require.NoError(t, err)
	_, err = repo.Transition(ctx, "dejong", "c1", models.StatusProcessing, store.Update{})
	require.NoError(t, err)
	_, err = repo.Transition(ctx, "dejong", "c1", models.StatusForwarded, store.Update{Attempts: 1})
	require.NoError(t, err)

	beta, ok := repo.Delivery(store.DeliveryKey{Supplier: "dejong", EventID: "c1", Tenant: "beta"})
	require.True(t, ok, "ledger row exists before the enqueue is attempted")
	assert.Equal(t, models.StatusPending, beta.Status)

	// the record is no longer pending, so only the ledger brings beta back
	later := &selectiveQueue{}
	s := newScheduler(reg, repo, later, t0.Add(11*time.Minute))
	require.NoError(t, s.ForwardSweep(ctx))
	assert.Empty(t, later.tasks)

	require.NoError(t, s.RecoverySweep(ctx))
	require.Len(t, later.tasks, 1)
	assert.Equal(t, "beta", later.tasks[0].Tenant)
	assert.Equal(t, "c1", later.tasks[0].Record.EventID)
	assert.Equal(t, 1, later.tasks[0].Attempt)
}

func TestRecoverySweepRequeuesStuckDeliveries(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	repo.SetClock(func() time.Time { return t0 })
	for _, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, repo.UpsertPending(ctx, consumption(id)))
	}

	failed := store.DeliveryKey{Supplier: "dejong", EventID: "c1", Tenant: "acme"}
	_, err := repo.EnsureDelivery(ctx, failed)
	require.NoError(t, err)
	_, err = repo.ClaimDelivery(ctx, failed, t0)
	require.NoError(t, err)
	_, err = repo.TransitionDelivery(ctx, failed, models.StatusError, store.Update{Attempts: 2, LastError: "status 503"})
	require.NoError(t, err)

	abandoned := store.DeliveryKey{Supplier: "dejong", EventID: "c2", Tenant: "acme"}
	_, err = repo.EnsureDelivery(ctx, abandoned)
	require.NoError(t, err)
	_, err = repo.ClaimDelivery(ctx, abandoned, t0)
	require.NoError(t, err)

	// touched recently, still owned by its retry timer
	repo.SetClock(func() time.Time { return t0.Add(9 * time.Minute) })
	_, err = repo.EnsureDelivery(ctx, store.DeliveryKey{Supplier: "dejong", EventID: "c3", Tenant: "acme"})
	require.NoError(t, err)

	queue := &selectiveQueue{}
	s := newScheduler(&fakeRegistry{poller: &fakePoller{}}, repo, queue, t0.Add(15*time.Minute))
	require.NoError(t, s.RecoverySweep(ctx))

	require.Len(t, queue.tasks, 2)
	byEvent := map[string]models.DeliveryTask{}
	for _, task := range queue.tasks {
		byEvent[task.Record.EventID] = task
	}
	assert.Equal(t, 3, byEvent["c1"].Attempt)
	assert.Equal(t, "status 503", byEvent["c1"].LastError)
	assert.Equal(t, 1, byEvent["c2"].Attempt)
	assert.NotContains(t, byEvent, "c3")
}

func TestRecoverySweepSkipsDeliveryWithoutRecord(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	repo.SetClock(func() time.Time { return t0 })
	_, err := repo.EnsureDelivery(ctx, store.DeliveryKey{Supplier: "dejong", EventID: "gone", Tenant: "acme"})
	require.NoError(t, err)

	queue := &selectiveQueue{}
	s := newScheduler(&fakeRegistry{poller: &fakePoller{}}, repo, queue, t0.Add(time.Hour))
	require.NoError(t, s.RecoverySweep(ctx))
	assert.Empty(t, queue.tasks)
}
