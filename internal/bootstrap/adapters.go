package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/ayazgul2000/threatdiviner/config"
	"github.com/ayazgul2000/threatdiviner/internal/adapters/maintenance"
	redisad "github.com/ayazgul2000/threatdiviner/internal/adapters/redis"
	"github.com/ayazgul2000/threatdiviner/internal/adapters/scanrunner"
	schedrunner "github.com/ayazgul2000/threatdiviner/internal/adapters/scheduler"
	"github.com/ayazgul2000/threatdiviner/internal/core"
	"github.com/ayazgul2000/threatdiviner/internal/data"
	"github.com/ayazgul2000/threatdiviner/internal/observability/statsd"
	"github.com/ayazgul2000/threatdiviner/internal/service"
)

// SchedulerConfig contains configuration for the scheduler service.
type SchedulerConfig struct {
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
	KeyPrefix   string
	Scheduler   config.SchedulerConfig
	Dispatch    config.DispatchConfig
	Metrics     statsd.Sink
}

// RunScheduler starts the scheduler service.
func RunScheduler(ctx context.Context, cfg SchedulerConfig) error {
	schedulerCfg := cfg.Scheduler.ToCore()
	dispatchCfg := cfg.Dispatch.ToCore()

	runner, err := schedrunner.NewRunner(schedrunner.RunnerOptions{
		DB:        cfg.DB,
		Redis:     cfg.RedisClient,
		Config:    &schedulerCfg,
		Logger:    cfg.Logger,
		KeyPrefix: cfg.KeyPrefix,
		Dispatch:  &dispatchCfg,
		Metrics:   cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create scheduler runner: %w", err)
	}

	return runner.Run(ctx)
}

// MaintenanceConfig contains configuration for the maintenance service.
type MaintenanceConfig struct {
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
	KeyPrefix   string
	Maintenance config.MaintenanceConfig
	Dispatch    config.DispatchConfig
	Notifier    core.NotificationSender
	Metrics     statsd.Sink
}

// RunMaintenance starts the maintenance sweep service.
func RunMaintenance(ctx context.Context, cfg MaintenanceConfig) error {
	maintenanceCfg := cfg.Maintenance.ToCore()
	dispatchCfg := cfg.Dispatch.ToCore()

	runner, err := maintenance.NewRunner(maintenance.RunnerOptions{
		DB:        cfg.DB,
		Redis:     cfg.RedisClient,
		Notifier:  cfg.Notifier,
		Config:    &maintenanceCfg,
		Logger:    cfg.Logger,
		KeyPrefix: cfg.KeyPrefix,
		Dispatch:  &dispatchCfg,
		Metrics:   cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create maintenance runner: %w", err)
	}

	return runner.Run(ctx)
}

// ScanRunnerConfig contains configuration for the scan worker service.
type ScanRunnerConfig struct {
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
	KeyPrefix   string
	ScanRunner  config.ScanRunnerConfig
	Dispatch    config.DispatchConfig
	Metrics     statsd.Sink
}

// RunScanRunner starts the scan worker service. Jobs are claimed from the
// scans queue and executed by the external scan engine.
func RunScanRunner(ctx context.Context, cfg ScanRunnerConfig) error {
	executor, err := scanrunner.NewEngineClient(scanrunner.EngineConfig{
		BaseURL: cfg.ScanRunner.EngineURL,
		Timeout: cfg.ScanRunner.EngineTimeout,
	})
	if err != nil {
		return fmt.Errorf("create scan engine client: %w", err)
	}

	queue := redisad.NewQueue(redisad.QueueOptions{
		Client: cfg.RedisClient,
		Prefix: cfg.KeyPrefix,
		Logger: cfg.Logger,
	})
	bus := redisad.NewCancelBus(cfg.RedisClient, cfg.KeyPrefix, cfg.Logger)
	scans := data.NewScanRepo(cfg.DB)

	dispatchCfg := cfg.Dispatch.ToCore()
	dispatch := service.NewDispatchService(service.DispatchServiceOptions{
		Queue:   queue,
		Bus:     bus,
		Scans:   scans,
		Config:  &dispatchCfg,
		Metrics: cfg.Metrics,
		Logger:  cfg.Logger,
	})

	runner, err := scanrunner.NewRunner(scanrunner.RunnerOptions{
		Queue:             queue,
		Bus:               bus,
		Scans:             scans,
		Dispatch:          dispatch,
		Executor:          executor,
		WorkerID:          cfg.ScanRunner.WorkerID,
		Concurrency:       cfg.ScanRunner.Concurrency,
		PollInterval:      cfg.ScanRunner.PollInterval,
		HeartbeatInterval: cfg.ScanRunner.HeartbeatInterval,
		Logger:            cfg.Logger,
		Metrics:           cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create scan runner: %w", err)
	}

	return runner.Run(ctx)
}
