package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/machinehub/platform/pkg/common/logger"
	"github.com/machinehub/platform/pkg/common/models"
	"github.com/machinehub/platform/pkg/gateway/middleware"
	"github.com/machinehub/platform/pkg/suppliers"
)

type SupplierAdmin interface {
	Summaries() []models.SupplierSummary
	Reload(cfg suppliers.Config) error
}

// ConfigLoader re-reads the supplier configuration source.
type ConfigLoader func() (suppliers.Config, error)

type SuppliersHandler struct {
	registry SupplierAdmin
	load     ConfigLoader
}

func NewSuppliersHandler(registry SupplierAdmin, load ConfigLoader) *SuppliersHandler {
	return &SuppliersHandler{registry: registry, load: load}
}

// Register mounts the supplier endpoints; callers pass the /admin subrouter.
func (h *SuppliersHandler) Register(r *mux.Router) {
	r.HandleFunc("/suppliers", h.handleList).Methods(http.MethodGet)
	r.HandleFunc("/suppliers/reload", h.handleReload).Methods(http.MethodPost)
}

func (h *SuppliersHandler) handleList(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"suppliers": h.registry.Summaries(),
	})
}

func (h *SuppliersHandler) handleReload(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.load()
	if err != nil {
		logger.Log.WithError(err).Error("failed to load supplier configuration")
		middleware.WriteJSON(w, http.StatusUnprocessableEntity, models.ErrorResponse{
			Error:   "Invalid supplier configuration",
			Message: err.Error(),
		})
		return
	}
	if err := h.registry.Reload(cfg); err != nil {
		logger.Log.WithError(err).Error("failed to reload supplier registry")
		middleware.WriteJSON(w, http.StatusUnprocessableEntity, models.ErrorResponse{
			Error:   "Supplier reload failed",
			Message: err.Error(),
		})
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "Suppliers reloaded",
		"suppliers": h.registry.Summaries(),
	})
}
