package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/machinehub/platform/pkg/suppliers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T, yaml string) *suppliers.Registry {
	t.Helper()
	cfg, err := suppliers.ParseConfig([]byte(yaml))
	require.NoError(t, err)
	reg, err := suppliers.NewRegistry(cfg, suppliers.DefaultFactories())
	require.NoError(t, err)
	return reg
}

const initialYAML = `
suppliers:
  wmf:
    mode: webhook
    tenants:
      acme:
        webhook_url: https://acme.example/hook
`

const reloadedYAML = `
suppliers:
  wmf:
    mode: webhook
  dejong:
    mode: api-poll
    base_url: https://api.dejong.example
`

func TestSuppliersListAndReload(t *testing.T) {
	reg := newRegistry(t, initialYAML)
	next := reloadedYAML
	handler := NewSuppliersHandler(reg, func() (suppliers.Config, error) {
		return suppliers.ParseConfig([]byte(next))
	})
	router := mux.NewRouter()
	handler.Register(router.PathPrefix("/admin").Subrouter())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/suppliers", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Suppliers []struct {
			Name    string   `json:"name"`
			Mode    string   `json:"mode"`
			Tenants []string `json:"tenants"`
		} `json:"suppliers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Suppliers, 1)
	assert.Equal(t, "wmf", list.Suppliers[0].Name)
	assert.Equal(t, []string{"acme"}, list.Suppliers[0].Tenants)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/suppliers/reload", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"dejong", "wmf"}, reg.Names())

	next = "suppliers: {}"
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/suppliers/reload", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, []string{"dejong", "wmf"}, reg.Names())
}

func TestReadiness(t *testing.T) {
	healthy := true
	router := mux.NewRouter()
	RegisterOperational(router, ReadinessCheck{Name: "store", Check: func(ctx context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("connection refused")
	}})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	healthy = false
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}
