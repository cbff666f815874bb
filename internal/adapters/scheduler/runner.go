// Package scheduler provides the adapter that runs the scan scheduler loop.
package scheduler

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

// tickService is the slice of SchedulerService the runner drives.
type tickService interface {
	Tick(ctx context.Context) (int, error)
}

// Runner drives the scheduler service on a fixed interval until its context
// is cancelled. Ticks never overlap: if one tick outlives the interval, the
// next fire is skipped rather than stacked.
type Runner struct {
	scheduler tickService
	interval  time.Duration
	logger    *slog.Logger
	metrics   statsd.Sink

	inFlight atomic.Bool
}

// RunnerOptions holds the dependencies for creating a Runner. With only DB
// and Redis set, the runner wires the full scheduler stack itself; Scheduler
// overrides the wiring for tests.
type RunnerOptions struct {
	DB     *sql.DB
	Redis  redis.UniversalClient
	Config *core.SchedulerConfig
	Logger *slog.Logger

	// KeyPrefix namespaces every queue and bus key; defaults to "td".
	KeyPrefix string
	// Dispatch overrides the default dispatch policy.
	Dispatch *core.DispatchConfig

	// Optional dependency injections for testing/decoupling
	Scheduler tickService
	Metrics   statsd.Sink
}

// NewRunner creates a scheduler runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	scheduler := opts.Scheduler
	if scheduler == nil {
		scheduler = wireSchedulerService(opts)
	}

	cfg := core.DefaultSchedulerConfig()
	if opts.Config != nil {
		cfg = *opts.Config
	}

	return &Runner{
		scheduler: scheduler,
		interval:  cfg.TickInterval,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}, nil
}

func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.Scheduler == nil {
		if opts.DB == nil {
			return errors.New("database connection is required")
		}
		if opts.Redis == nil {
			return errors.New("redis client is required")
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return nil
}

// wireSchedulerService builds the production scheduler stack: Postgres repos,
// the Redis queue and cancel bus, the dispatch facade, then the service.
func wireSchedulerService(opts RunnerOptions) *service.SchedulerService {
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

	return service.NewSchedulerService(service.SchedulerServiceOptions{
		Schedules: data.NewScheduleRepo(opts.DB),
		Tenants:   data.NewTenantRepo(opts.DB),
		Scans:     scans,
		Dispatch:  dispatch,
		Config:    opts.Config,
		Metrics:   opts.Metrics,
		Logger:    opts.Logger,
	})
}

// Run starts the scheduler loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting scheduler runner", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "scheduler runner stopping", "reason", ctx.Err())
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
		r.logger.WarnContext(ctx, "previous scheduler tick still running, skipping")
		if r.metrics != nil {
			r.metrics.Count("scheduler.tick_skipped", 1, nil)
		}
		return
	}
	defer r.inFlight.Store(false)

	if _, err := r.scheduler.Tick(ctx); err != nil {
		// Keep running despite errors; the next tick retries.
		r.logger.ErrorContext(ctx, "scheduler tick failed", "error", err)
		return
	}
	if r.metrics != nil {
		r.metrics.Gauge("scheduler.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}
