package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/machinehub/platform/pkg/common/logger"
	"github.com/machinehub/platform/pkg/gateway/middleware"
	"github.com/machinehub/platform/pkg/observability/metrics"
)

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// RegisterOperational mounts /health, /ready and /metrics.
func RegisterOperational(router *mux.Router, checks ...ReadinessCheck) {
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}).Methods(http.MethodGet)

	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		failed := map[string]string{}
		for _, c := range checks {
			if err := c.Check(ctx); err != nil {
				logger.Log.WithError(err).WithField("check", c.Name).Warn("readiness check failed")
				failed[c.Name] = err.Error()
			}
		}
		if len(failed) > 0 {
			middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status": "not_ready",
				"failed": failed,
			})
			return
		}
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}).Methods(http.MethodGet)

	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
}
