package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/aristath/swarmcore/internal/config"
	"github.com/aristath/swarmcore/internal/coordinator"
	"github.com/aristath/swarmcore/internal/events"
	"github.com/aristath/swarmcore/internal/logging"
	"github.com/aristath/swarmcore/internal/memory"
	"github.com/aristath/swarmcore/internal/persistence"
	"github.com/aristath/swarmcore/internal/scheduler"
)

// app is the wired set of components behind every command.
type app struct {
	cfg    *config.OrchestratorConfig
	log    *zap.Logger
	bus    *events.EventBus
	store  persistence.Store // nil without a memory backend
	engine *scheduler.Engine
	coord  *coordinator.Coordinator
}

// loadConfig reads --config when set, otherwise the conventional paths.
func loadConfig() (*config.OrchestratorConfig, error) {
	if flagConfig != "" {
		return config.Load("", flagConfig)
	}
	return config.LoadDefault()
}

func openBackend(ctx context.Context, cfg config.MemoryConfig) (persistence.Store, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "sqlite":
		return persistence.NewSQLiteStore(ctx, cfg.Path)
	default:
		return nil, fmt.Errorf("unknown memory backend %q", cfg.Backend)
	}
}

// appOption adjusts the engine configuration before the engine is built.
type appOption func(*scheduler.Config)

// withWorker replaces the simulated worker.
func withWorker(w scheduler.Worker) appOption {
	return func(c *scheduler.Config) { c.Worker = w }
}

func newApp(ctx context.Context, cfg *config.OrchestratorConfig, log *zap.Logger, opts ...appOption) (*app, error) {
	store, err := openBackend(ctx, cfg.Memory)
	if err != nil {
		return nil, fmt.Errorf("open memory backend: %w", err)
	}

	a := &app{cfg: cfg, log: log, bus: events.NewEventBus(), store: store}

	engineCfg := scheduler.Config{
		MaxConcurrent:  cfg.Engine.MaxConcurrent,
		DefaultTimeout: cfg.Engine.DefaultTimeout,
		DefaultRetry: &scheduler.RetryPolicy{
			MaxAttempts:       cfg.Engine.Retry.MaxAttempts,
			Backoff:           cfg.Engine.Retry.Backoff,
			BackoffMultiplier: cfg.Engine.Retry.Multiplier,
		},
		StepCount:    cfg.Engine.StepCount,
		StepInterval: cfg.Engine.StepInterval,
		Bus:          a.bus,
		Logger:       log,
	}
	memCfg := memory.Config{
		Breaker: memory.BreakerConfig{Failures: cfg.Memory.BreakerFailures, Timeout: cfg.Memory.BreakerTimeout},
		Retry:   memory.RetryConfig{MaxRetries: cfg.Memory.WriteRetries, InitialInterval: cfg.Memory.WriteBackoff},
		Logger:  log,
	}
	if store != nil {
		if purged, err := store.PurgeExpired(ctx); err != nil {
			log.Warn("failed to purge expired memory", zap.Error(err))
		} else if purged > 0 {
			log.Info("purged expired memory entries", zap.Int64("count", purged))
		}
		engineCfg.Store = store
		memCfg.Backend = store
	}

	for _, opt := range opts {
		opt(&engineCfg)
	}
	a.engine = scheduler.NewEngine(engineCfg)

	a.coord, err = coordinator.New(coordinator.Config{
		Engine:             a.engine,
		Memory:             memory.NewStore(memCfg),
		Bus:                a.bus,
		SessionID:          cfg.Coordinator.SessionID,
		MemoryCoordination: cfg.Coordinator.MemoryCoordination,
		CoordinatorPool:    cfg.Coordinator.CoordinatorPool,
		MaxParallel:        cfg.Coordinator.MaxParallel,
		Logger:             log,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close stops the coordinator and the engine before the store they write to.
func (a *app) Close() error {
	if a.coord != nil {
		a.coord.Close()
	}
	if a.engine != nil {
		a.engine.Close()
	}
	a.bus.Close()

	var err error
	if a.store != nil {
		err = a.store.Close()
	}
	_ = a.log.Sync()
	return err
}

// setup loads config and wires the app.
func setup(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return newApp(ctx, cfg, log)
}

// watchConfig logs edits to the config file; settings apply on the next run.
func watchConfig(log *zap.Logger) {
	path := flagConfig
	if path == "" {
		_, project, err := config.DefaultPaths()
		if err != nil {
			return
		}
		path = project
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return
	}

	err := config.Watch(path, func(_ *config.OrchestratorConfig, err error) {
		if err != nil {
			log.Warn("config reload failed", zap.String("path", path), zap.Error(err))
			return
		}
		log.Info("config changed, restart to apply", zap.String("path", path))
	})
	if err != nil {
		log.Debug("config watch unavailable", zap.String("path", path), zap.Error(err))
	}
}
