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
	"github.com/machinehub/platform/pkg/gateway/routes"
	"github.com/machinehub/platform/pkg/observability/metrics"
	"github.com/machinehub/platform/pkg/observability/tracing"
)

func main() {
	logger.Init()
	cfg := config.Load()
	metrics.Register()

	shutdownTracing, err := tracing.Init(cfg, "delivery")
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to initialise tracing")
	}
	defer shutdownTracing()

	rt, err := app.New(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to initialise runtime")
	}
	defer rt.Close()

	if rt.InProcessQueue() {
		logger.Log.Warn("memory queue selected, this process only sees tasks it enqueues itself")
	}

	router := mux.NewRouter()
	routes.RegisterOperational(router, rt.Checks...)
	rt.RegisterAdmin(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := rt.Worker()
	sources := rt.Sources()
	done := make(chan struct{})
	go func() {
		defer close(done)
		logger.Log.WithFields(map[string]interface{}{
			"topic":   cfg.DeliveryTopic,
			"workers": len(sources),
			"dev":     cfg.IsDevelopment(),
		}).Info("Delivery workers started")
		if err := worker.Run(ctx, sources...); err != nil {
			logger.Log.WithError(err).Error("delivery workers stopped")
		}
	}()

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Delivery Service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Log.Warn("delivery workers did not stop in time")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("Delivery Service stopped")
}
