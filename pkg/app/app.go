// Package app wires the shared runtime of the MachineHub services from
// configuration: supplier registry, store, queue and rate limiter.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/gorilla/mux"
	"github.com/machinehub/platform/pkg/common/config"
	"github.com/machinehub/platform/pkg/common/database"
	"github.com/machinehub/platform/pkg/common/kafka"
	"github.com/machinehub/platform/pkg/common/logger"
	"github.com/machinehub/platform/pkg/delivery"
	"github.com/machinehub/platform/pkg/gateway/auth"
	"github.com/machinehub/platform/pkg/gateway/middleware"
	"github.com/machinehub/platform/pkg/gateway/routes"
	"github.com/machinehub/platform/pkg/store"
	"github.com/machinehub/platform/pkg/suppliers"
	"github.com/machinehub/platform/pkg/tenants"
)

type Runtime struct {
	Config   *config.Config
	Registry *suppliers.Registry
	Repo     store.Repository
	Queue    delivery.Queue
	Checks   []routes.ReadinessCheck

	memoryQueue *delivery.MemoryQueue
	closers     []func() error
}

// LoadRegistry reads the suppliers file and builds the registry.
func LoadRegistry(cfg *config.Config) (*suppliers.Registry, error) {
	supplierCfg, err := suppliers.LoadConfigFile(cfg.SuppliersFile)
	if err != nil {
		return nil, err
	}
	return suppliers.NewRegistry(supplierCfg, suppliers.DefaultFactories())
}

func New(cfg *config.Config) (*Runtime, error) {
	registry, err := LoadRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("load suppliers: %w", err)
	}
	rt := &Runtime{Config: cfg, Registry: registry}

	if err := rt.openStore(); err != nil {
		rt.Close()
		return nil, err
	}
	rt.openQueue()

	logger.Log.WithFields(map[string]interface{}{
		"suppliers":     registry.Names(),
		"store_backend": cfg.StoreBackend,
		"queue_backend": cfg.QueueBackend,
		"environment":   cfg.AppEnv,
	}).Info("Runtime initialised")
	return rt, nil
}

func (rt *Runtime) openStore() error {
	switch strings.ToLower(rt.Config.StoreBackend) {
	case "memory":
		rt.Repo = store.NewMemoryRepository()
		return nil
	case "postgres", "":
	default:
		return fmt.Errorf("unknown store backend %q", rt.Config.StoreBackend)
	}

	db, err := database.GetPostgres(rt.Config)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	rt.closers = append(rt.closers, database.ClosePostgres)

	repo := store.NewGormRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	rt.Repo = repo
	rt.Checks = append(rt.Checks, routes.ReadinessCheck{Name: "postgres", Check: func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}})
	return nil
}

func (rt *Runtime) openQueue() {
	if strings.EqualFold(rt.Config.QueueBackend, "memory") {
		rt.memoryQueue = delivery.NewMemoryQueue(0)
		rt.memoryQueue.SetRedeliveryDelay(rt.Config.DeliveryBackoffBase)
		rt.Queue = rt.memoryQueue
		rt.closers = append(rt.closers, rt.memoryQueue.Close)
		return
	}
	producer := kafka.NewProducer(rt.Config, rt.Config.DeliveryTopic)
	rt.Queue = producer
	rt.closers = append(rt.closers, producer.Close)
}

// InProcessQueue reports whether tasks never leave this process, in which
// case the owner must also run the delivery workers.
func (rt *Runtime) InProcessQueue() bool {
	return rt.memoryQueue != nil
}

// Sources returns one task source per delivery worker.
func (rt *Runtime) Sources() []delivery.Source {
	n := rt.Config.DeliveryWorkers
	if n <= 0 {
		n = 1
	}
	sources := make([]delivery.Source, 0, n)
	for i := 0; i < n; i++ {
		if rt.memoryQueue != nil {
			sources = append(sources, rt.memoryQueue)
			continue
		}
		consumer := kafka.NewConsumer(rt.Config, rt.Config.DeliveryTopic, rt.Config.KafkaGroupID)
		rt.closers = append(rt.closers, consumer.Close)
		sources = append(sources, consumer)
	}
	return sources
}

func (rt *Runtime) Worker() *delivery.Worker {
	forwarder := tenants.NewForwarder(rt.Registry, rt.Config.DeliveryTimeout)
	return delivery.NewWorker(rt.Repo, forwarder, rt.Queue, delivery.Options{
		Policy: delivery.RetryPolicy{
			MaxAttempts: rt.Config.DeliveryMaxAttempts,
			BaseDelay:   rt.Config.DeliveryBackoffBase,
			MaxDelay:    rt.Config.DeliveryBackoffMax,
		},
		AttemptTimeout: rt.Config.DeliveryTimeout,
		DevMode:        rt.Config.IsDevelopment(),
	})
}

func (rt *Runtime) Limiter() middleware.Limiter {
	if !strings.EqualFold(rt.Config.RateLimitBackend, "redis") {
		return middleware.NewLocalLimiter()
	}
	client := database.GetRedis(rt.Config)
	rt.closers = append(rt.closers, database.CloseRedis)
	rt.Checks = append(rt.Checks, routes.ReadinessCheck{Name: "redis", Check: func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}})
	return middleware.NewRedisLimiter(client)
}

// ReloadSuppliers is the loader behind the admin reload endpoint.
func (rt *Runtime) ReloadSuppliers() (suppliers.Config, error) {
	return suppliers.LoadConfigFile(rt.Config.SuppliersFile)
}

// RegisterAdmin mounts the token-guarded /admin routes. Every service mounts
// them because a reload only swaps the registry of the process that serves it.
func (rt *Runtime) RegisterAdmin(router *mux.Router) {
	admin := router.PathPrefix("/admin").Subrouter()
	admin.Use(auth.NewAdminGuard(rt.Config.AdminToken, rt.Config.IsDevelopment()).Middleware())
	routes.NewSuppliersHandler(rt.Registry, rt.ReloadSuppliers).Register(admin)
}

// Close releases resources in reverse order of acquisition.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			logger.Log.WithError(err).Warn("failed to close resource")
		}
	}
	rt.closers = nil
}
