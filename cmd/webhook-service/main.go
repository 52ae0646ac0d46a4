package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/machinehub/platform/pkg/app"
	"github.com/machinehub/platform/pkg/common/config"
	"github.com/machinehub/platform/pkg/common/logger"
	"github.com/machinehub/platform/pkg/gateway/middleware"
	"github.com/machinehub/platform/pkg/gateway/routes"
	"github.com/machinehub/platform/pkg/ingestion"
	"github.com/machinehub/platform/pkg/observability/metrics"
	"github.com/machinehub/platform/pkg/observability/tracing"
)

func main() {
	logger.Init()
	cfg := config.Load()
	metrics.Register()

	shutdownTracing, err := tracing.Init(cfg, "webhook")
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to initialise tracing")
	}
	defer shutdownTracing()

	rt, err := app.New(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to initialise runtime")
	}
	defer rt.Close()

	verifier := middleware.NewVerifier(rt.Limiter(), cfg.TrustForwardedFor)
	svc := ingestion.NewService(rt.Repo, rt.Queue)
	handler := ingestion.NewHTTPHandler(svc, rt.Registry, verifier, cfg.MaxRequestBody)

	router := mux.NewRouter()
	router.Use(middleware.Logging)
	router.Use(middleware.Recovery)

	routes.RegisterOperational(router, rt.Checks...)
	rt.RegisterAdmin(router)
	handler.Register(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// with the in-memory queue nobody else can consume the tasks
	if rt.InProcessQueue() {
		worker := rt.Worker()
		go func() {
			if err := worker.Run(ctx, rt.Sources()...); err != nil {
				logger.Log.WithError(err).Error("in-process delivery workers stopped")
			}
		}()
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":      cfg.ServerHost,
			"port":      cfg.ServerPort,
			"suppliers": rt.Registry.Names(),
		}).Info("Webhook Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Webhook Service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("Webhook Service stopped")
}
