// Package maintenance provides the adapter that runs the housekeeping loop.
package maintenance

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	redisad "github.com/ayazgul2000/threatdiviner/internal/adapters/redis"
	"github.com/ayazgul2000/threatdiviner/internal/core"
	"github.com/ayazgul2000/threatdiviner/internal/data"
	"github.com/ayazgul2000/threatdiviner/internal/observability/statsd"
	"github.com/ayazgul2000/threatdiviner/internal/service"
)

type tickService interface {
	Tick(ctx context.Context) (int, error)
}

// Runner drives the maintenance service on a fixed interval. Same overlap
// rule as the scheduler runner: a slow tick causes the next fire to be
// skipped, never stacked.
type Runner struct {
	maintenance tickService
	interval    time.Duration
	logger      *slog.Logger
	metrics     statsd.Sink

	inFlight atomic.Bool
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB       *sql.DB
	Redis    redis.UniversalClient
	Notifier core.NotificationSender
	Config   *core.MaintenanceConfig
	Logger   *slog.Logger

	// KeyPrefix namespaces every queue and bus key; defaults to "td".
	KeyPrefix string
	// Dispatch overrides the default dispatch policy.
	Dispatch *core.DispatchConfig

	// Optional dependency injections for testing/decoupling
	Maintenance tickService
	Metrics     statsd.Sink
}

// NewRunner creates a maintenance runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	maint := opts.Maintenance
	if maint == nil {
		maint = wireMaintenanceService(opts)
	}

	cfg := core.DefaultMaintenanceConfig()
	if opts.Config != nil {
		cfg = *opts.Config
	}

	return &Runner{
		maintenance: maint,
		interval:    cfg.TickInterval,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}, nil
}

func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.Maintenance == nil {
		if opts.DB == nil {
			return errors.New("database connection is required")
		}
		if opts.Redis == nil {
			return errors.New("redis client is required")
		}
		if opts.Notifier == nil {
			return errors.New("notification sender is required")
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return nil
}

func wireMaintenanceService(opts RunnerOptions) *service.MaintenanceService {
	queue := redisad.NewQueue(redisad.QueueOptions{
		Client: opts.Redis,
		Prefix: opts.KeyPrefix,
		Logger: opts.Logger,
	})
	bus := redisad.NewCancelBus(opts.Redis, opts.KeyPrefix, opts.Logger)
	scans := data.NewScanRepo(opts.DB)

	dispatch := service.NewDispatchService(service.DispatchServiceOptions{
		Queue:   queue,
		Bus:     bus,
		Scans:   scans,
		Config:  opts.Dispatch,
		Metrics: opts.Metrics,
		Logger:  opts.Logger,
	})

	return service.NewMaintenanceService(service.MaintenanceServiceOptions{
		Tasks:     data.NewMaintenanceRepo(opts.DB),
		Findings:  data.NewFindingRepo(opts.DB),
		Tenants:   data.NewTenantRepo(opts.DB),
		Schedules: data.NewScheduleRepo(opts.DB),
		Scans:     scans,
		Dispatch:  dispatch,
		Notifier:  opts.Notifier,
		Config:    opts.Config,
		Metrics:   opts.Metrics,
		Logger:    opts.Logger,
	})
}

// Run starts the maintenance loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting maintenance runner", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "maintenance runner stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	if !r.inFlight.CompareAndSwap(false, true) {
		r.logger.WarnContext(ctx, "previous maintenance tick still running, skipping")
		if r.metrics != nil {
			r.metrics.Count("maintenance.tick_skipped", 1, nil)
		}
		return
	}
	defer r.inFlight.Store(false)

	if _, err := r.maintenance.Tick(ctx); err != nil {
		r.logger.ErrorContext(ctx, "maintenance tick failed", "error", err)
		return
	}
	if r.metrics != nil {
		r.metrics.Gauge("maintenance.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}
