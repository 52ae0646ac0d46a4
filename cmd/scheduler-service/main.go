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
	"github.com/machinehub/platform/pkg/scheduler"
	"github.com/machinehub/platform/pkg/suppliers"
)

func main() {
	logger.Init()
	cfg := config.Load()
	metrics.Register()

	shutdownTracing, err := tracing.Init(cfg, "scheduler")
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to initialise tracing")
	}
	defer shutdownTracing()

	rt, err := app.New(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to initialise runtime")
	}
	defer rt.Close()

	sched := scheduler.New(rt.Registry, rt.Repo, rt.Queue, scheduler.Options{
		FetchInterval:   cfg.FetchInterval,
		ForwardInterval: cfg.ForwardInterval,
		Lookback:        cfg.FetchLookback,
		RecoverAfter:    cfg.RecoverAfter,
	})

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

	if rt.InProcessQueue() {
		worker := rt.Worker()
		go func() {
			if err := worker.Run(ctx, rt.Sources()...); err != nil {
				logger.Log.WithError(err).Error("in-process delivery workers stopped")
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		logger.Log.WithFields(map[string]interface{}{
			"suppliers":        rt.Registry.ListByMode(suppliers.ModeAPIPoll),
			"fetch_interval":   cfg.FetchInterval.String(),
			"forward_interval": cfg.ForwardInterval.String(),
		}).Info("Scheduler Service started")
		sched.Run(ctx)
	}()

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Scheduler Service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	select {
	case <-done:
	case <-shutdownCtx.Done():
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("Scheduler Service stopped")
}
