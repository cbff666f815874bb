package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ayazgul2000/threatdiviner/internal/core"
	"github.com/ayazgul2000/threatdiviner/internal/data"
	"github.com/ayazgul2000/threatdiviner/internal/domain/model"
	"github.com/ayazgul2000/threatdiviner/internal/domain/schedule"
	apperrors "github.com/ayazgul2000/threatdiviner/internal/errors"
	"github.com/ayazgul2000/threatdiviner/internal/observability/metrics"
	"github.com/ayazgul2000/threatdiviner/internal/observability/statsd"
	"github.com/ayazgul2000/threatdiviner/internal/scm"
)

// scanDispatcher is the slice of DispatchService the scheduler depends on.
type scanDispatcher interface {
	EnqueueScan(ctx context.Context, job model.ScanJobDescriptor) (bool, error)
}

// providerFactory resolves an SCM provider for a connection kind.
type providerFactory func(kind string) (scm.Provider, error)

// SchedulerService fires scheduled scans. Each tick sweeps due repository
// schedules, resolves the branch head through the repository's SCM provider,
// records a scan and hands it to the dispatcher. One repository's failure
// never blocks the rest of the batch.
type SchedulerService struct {
	schedules    core.ScheduleStore
	tenants      core.TenantStore
	scans        core.ScanStore
	dispatch     scanDispatcher
	providerFor  providerFactory
	cfg          core.SchedulerConfig
	timeProvider data.TimeProvider
	metrics      statsd.Sink
	logger       *slog.Logger
}

// SchedulerServiceOptions holds the dependencies for a SchedulerService.
type SchedulerServiceOptions struct {
	Schedules    core.ScheduleStore
	Tenants      core.TenantStore
	Scans        core.ScanStore
	Dispatch     scanDispatcher
	ProviderFor  providerFactory
	Config       *core.SchedulerConfig
	TimeProvider data.TimeProvider
	Metrics      statsd.Sink
	Logger       *slog.Logger
}

// NewSchedulerService constructs a SchedulerService.
func NewSchedulerService(opts SchedulerServiceOptions) *SchedulerService {
	if opts.Schedules == nil {
		panic("ScheduleStore is required")
	}
	if opts.Tenants == nil {
		panic("TenantStore is required")
	}
	if opts.Scans == nil {
		panic("ScanStore is required")
	}
	if opts.Dispatch == nil {
		panic("scan dispatcher is required")
	}
	if opts.ProviderFor == nil {
		opts.ProviderFor = func(kind string) (scm.Provider, error) {
			return scm.ForKind(kind, scm.Options{})
		}
	}
	cfg := core.DefaultSchedulerConfig()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &SchedulerService{
		schedules:    opts.Schedules,
		tenants:      opts.Tenants,
		scans:        opts.Scans,
		dispatch:     opts.Dispatch,
		providerFor:  opts.ProviderFor,
		cfg:          cfg,
		timeProvider: opts.TimeProvider,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
	}
}

// Tick sweeps due schedules once and returns how many scans it fired.
func (s *SchedulerService) Tick(ctx context.Context) (int, error) {
	now := s.timeProvider.Now().UTC()
	start := time.Now()

	due, err := s.schedules.FindDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		metrics.EmitTick(s.metrics, "scheduler", 0, 0, time.Since(start), err)
		return 0, err
	}
	if len(due) == 0 {
		metrics.EmitTick(s.metrics, "scheduler", 0, 0, time.Since(start), nil)
		return 0, nil
	}

	var (
		mu    sync.Mutex
		fired int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, sched := range due {
		g.Go(func() error {
			// Failures stay inside processDue so one repository cannot
			// poison the batch.
			if s.processDue(gctx, sched, now) {
				mu.Lock()
				fired++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.InfoContext(ctx, "scheduler tick complete",
		"due", len(due), "fired", fired, "duration", time.Since(start))
	metrics.EmitTick(s.metrics, "scheduler", len(due), fired, time.Since(start), nil)
	return fired, nil
}

// processDue handles one due repository schedule. Returns true when a scan
// was fired.
func (s *SchedulerService) processDue(ctx context.Context, sched model.RepositorySchedule, now time.Time) bool {
	logger := s.logger.With(
		"repository_id", sched.RepositoryID,
		"tenant_id", sched.TenantID,
		"repository", sched.FullName)

	if !sched.Schedule.Active() {
		// Raced with a concurrent disable; the row will stop surfacing once
		// the update lands.
		return false
	}

	next, err := schedule.NextFireTime(*sched.Schedule.Cron, sched.Schedule.EffectiveTimezone(), now)
	if err != nil {
		// Unparseable schedules are parked so they stop surfacing as due
		// every tick. The admin surface reports the same error on update.
		logger.WarnContext(ctx, "schedule has invalid cron, parking it",
			"cron", *sched.Schedule.Cron, "error", err)
		if clearErr := s.schedules.ClearNextRun(ctx, sched.RepositoryID); clearErr != nil {
			logger.ErrorContext(ctx, "failed to park schedule", "error", clearErr)
		}
		return false
	}

	active, err := s.tenants.IsActive(ctx, sched.TenantID)
	if err != nil {
		// Transient store failure: leave the schedule due and retry next tick.
		logger.ErrorContext(ctx, "tenant activation lookup failed", "error", err)
		return false
	}
	if !active {
		// Inactive tenants never fire, but the next run still advances so the
		// schedule resumes cleanly when the subscription does.
		logger.InfoContext(ctx, "skipping scan for inactive tenant", "next_run", next)
		if updErr := s.schedules.UpdateNextRun(ctx, sched.RepositoryID, next); updErr != nil {
			logger.ErrorContext(ctx, "failed to advance next run", "error", updErr)
		}
		return false
	}

	if !sched.Scan.AnyEnabled() {
		logger.WarnContext(ctx, "schedule enabled but no scanners configured", "next_run", next)
		if updErr := s.schedules.UpdateNextRun(ctx, sched.RepositoryID, next); updErr != nil {
			logger.ErrorContext(ctx, "failed to advance next run", "error", updErr)
		}
		return false
	}

	commit, err := s.latestCommit(ctx, sched)
	if err != nil {
		// Provider trouble (auth, rate limit, outage) must not turn into a
		// hot loop; advance the schedule and catch the commit next round.
		logger.WarnContext(ctx, "latest commit lookup failed, advancing schedule",
			"provider", sched.ProviderKind, "next_run", next, "error", err)
		if updErr := s.schedules.UpdateNextRun(ctx, sched.RepositoryID, next); updErr != nil {
			logger.ErrorContext(ctx, "failed to advance next run", "error", updErr)
		}
		return false
	}

	branch := model.NormalizeBranch(sched.DefaultBranch)
	scanID, created, err := s.scans.Create(ctx, model.ScanRecord{
		TenantID:     sched.TenantID,
		RepositoryID: sched.RepositoryID,
		CommitSHA:    commit.SHA,
		Branch:       branch,
		TriggeredBy:  model.TriggerScheduled,
	})
	if err != nil {
		logger.ErrorContext(ctx, "scan record create failed", "error", err)
		return false
	}
	if !created {
		logger.InfoContext(ctx, "pending scan already exists for commit",
			"scan_id", scanID, "commit_sha", commit.SHA)
	}

	if _, err := s.dispatch.EnqueueScan(ctx, model.ScanJobDescriptor{
		ScanID:       scanID,
		TenantID:     sched.TenantID,
		RepositoryID: sched.RepositoryID,
		ConnectionID: sched.ConnectionID,
		CommitSHA:    commit.SHA,
		Branch:       branch,
		CloneURL:     sched.CloneURL,
		FullName:     sched.FullName,
		Config:       sched.Scan,
		TriggeredBy:  model.TriggerScheduled,
	}); err != nil {
		// The schedule stays due so the next tick retries; the scan record's
		// unique index keeps the scan id stable across the retry.
		logger.ErrorContext(ctx, "scan enqueue failed, schedule stays due",
			"scan_id", scanID, "error", err)
		return false
	}

	if err := s.schedules.MarkFired(ctx, sched.RepositoryID, now, next); err != nil {
		logger.ErrorContext(ctx, "failed to mark schedule fired", "error", err)
		return true
	}

	logger.InfoContext(ctx, "scheduled scan fired",
		"scan_id", scanID, "commit_sha", commit.SHA, "next_run", next)
	return true
}

func (s *SchedulerService) latestCommit(ctx context.Context, sched model.RepositorySchedule) (scm.Commit, error) {
	provider, err := s.providerFor(sched.ProviderKind)
	if err != nil {
		return scm.Commit{}, apperrors.Wrapf(err, apperrors.ErrCodeProvider,
			"no provider for kind %q", sched.ProviderKind)
	}
	return provider.LatestCommit(ctx, scm.RepoRef{
		Owner:   sched.Owner,
		Name:    sched.Name,
		Branch:  model.NormalizeBranch(sched.DefaultBranch),
		BaseURL: sched.ProviderBaseURL,
	}, scm.Credentials{Token: sched.AccessToken})
}
