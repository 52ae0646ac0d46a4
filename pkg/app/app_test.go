package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gorilla/mux"
	"github.com/machinehub/platform/pkg/common/config"
	"github.com/machinehub/platform/pkg/common/models"
	"github.com/machinehub/platform/pkg/delivery"
	"github.com/machinehub/platform/pkg/gateway/middleware"
	"github.com/machinehub/platform/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSuppliers(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "suppliers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
suppliers:
  wmf:
    mode: webhook
    skip_ip_check: true
    tenants:
      acme:
        webhook_url: https://acme.example/hook
`), 0o600))
	return path
}

func TestNewInMemoryRuntime(t *testing.T) {
	cfg := &config.Config{
		SuppliersFile:    writeSuppliers(t),
		StoreBackend:     "memory",
		QueueBackend:     "memory",
		RateLimitBackend: "memory",
		DeliveryWorkers:  3,
	}

	rt, err := New(cfg)
	require.NoError(t, err)
	defer rt.Close()

	assert.IsType(t, &store.MemoryRepository{}, rt.Repo)
	assert.IsType(t, &delivery.MemoryQueue{}, rt.Queue)
	assert.True(t, rt.InProcessQueue())
	assert.Len(t, rt.Sources(), 3)
	assert.IsType(t, &middleware.LocalLimiter{}, rt.Limiter())
	assert.NotNil(t, rt.Worker())

	reloaded, err := rt.ReloadSuppliers()
	require.NoError(t, err)
	assert.Equal(t, []string{"wmf"}, reloaded.Names())
}

func TestNewRejectsUnknownStore(t *testing.T) {
	_, err := New(&config.Config{SuppliersFile: writeSuppliers(t), StoreBackend: "mongo"})
	assert.Error(t, err)
}

func TestNewRequiresSuppliersFile(t *testing.T) {
	_, err := New(&config.Config{SuppliersFile: filepath.Join(t.TempDir(), "missing.yaml"), StoreBackend: "memory"})
	assert.Error(t, err)
}

func TestWorkerRoundTripInMemory(t *testing.T) {
	rt, err := New(&config.Config{
		SuppliersFile: writeSuppliers(t),
		StoreBackend:  "memory",
		QueueBackend:  "memory",
		AppEnv:        "development",
	})
	require.NoError(t, err)
	defer rt.Close()

	task := models.NewDeliveryTask("wmf", "acme", models.TelemetryRecord{Supplier: "wmf", EventID: "e1", Type: "Dispensing"})
	require.NoError(t, rt.Worker().Handle(context.Background(), task))

	d, ok := rt.Repo.(*store.MemoryRepository).Delivery(store.DeliveryKey{Supplier: "wmf", EventID: "e1", Tenant: "acme"})
	require.True(t, ok)
	assert.Equal(t, models.StatusForwarded, d.Status)
}

func TestRegisterAdminReloadsThisProcess(t *testing.T) {
	path := writeSuppliers(t)
	rt, err := New(&config.Config{
		SuppliersFile: path,
		StoreBackend:  "memory",
		QueueBackend:  "memory",
		AdminToken:    "s3cret",
	})
	require.NoError(t, err)
	defer rt.Close()

	router := mux.NewRouter()
	rt.RegisterAdmin(router)

	require.NoError(t, os.WriteFile(path, []byte(`
suppliers:
  wmf:
    mode: webhook
    skip_ip_check: true
  franke:
    mode: webhook
    skip_ip_check: true
`), 0o600))

	req := httptest.NewRequest(http.MethodPost, "/admin/suppliers/reload", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, []string{"wmf"}, rt.Registry.Names())

	req = httptest.NewRequest(http.MethodPost, "/admin/suppliers/reload", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.ElementsMatch(t, []string{"wmf", "franke"}, rt.Registry.Names())
}
