package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ayazgul2000/threatdiviner/internal/core"
	"github.com/ayazgul2000/threatdiviner/internal/data"
	"github.com/ayazgul2000/threatdiviner/internal/domain/model"
	"github.com/ayazgul2000/threatdiviner/internal/domain/schedule"
	"github.com/ayazgul2000/threatdiviner/internal/observability/metrics"
	"github.com/ayazgul2000/threatdiviner/internal/observability/statsd"
	"github.com/ayazgul2000/threatdiviner/internal/scm"
)

// Maintenance task names, matching the seeded maintenance_tasks rows.
const (
	TaskResolveStaleFindings = "auto_resolve_stale_findings"
	TaskExpireBaselines      = "expire_baselines"
	TaskWeeklyDigest         = "weekly_digest"
	TaskCVERecheck           = "cve_recheck"
)

// MaintenanceService runs the slow-cadence housekeeping tasks: stale-finding
// auto-resolution, baseline expiry, the weekly digest, and the CVE recheck
// sweep. Tasks share the scheduler's cron execution model but live in their
// own table with one row per task.
type MaintenanceService struct {
	tasks        core.MaintenanceStore
	findings     core.FindingStore
	tenants      core.TenantStore
	schedules    core.ScheduleStore
	scans        core.ScanStore
	dispatch     scanDispatcher
	notifier     core.NotificationSender
	providerFor  providerFactory
	cfg          core.MaintenanceConfig
	timeProvider data.TimeProvider
	metrics      statsd.Sink
	logger       *slog.Logger
}

// MaintenanceServiceOptions holds the dependencies for a MaintenanceService.
type MaintenanceServiceOptions struct {
	Tasks        core.MaintenanceStore
	Findings     core.FindingStore
	Tenants      core.TenantStore
	Schedules    core.ScheduleStore
	Scans        core.ScanStore
	Dispatch     scanDispatcher
	Notifier     core.NotificationSender
	ProviderFor  providerFactory
	Config       *core.MaintenanceConfig
	TimeProvider data.TimeProvider
	Metrics      statsd.Sink
	Logger       *slog.Logger
}

// NewMaintenanceService constructs a MaintenanceService.
func NewMaintenanceService(opts MaintenanceServiceOptions) *MaintenanceService {
	if opts.Tasks == nil {
		panic("MaintenanceStore is required")
	}
	if opts.Findings == nil {
		panic("FindingStore is required")
	}
	if opts.Tenants == nil {
		panic("TenantStore is required")
	}
	if opts.Schedules == nil {
		panic("ScheduleStore is required")
	}
	if opts.Scans == nil {
		panic("ScanStore is required")
	}
	if opts.Dispatch == nil {
		panic("scan dispatcher is required")
	}
	if opts.Notifier == nil {
		panic("NotificationSender is required")
	}
	if opts.ProviderFor == nil {
		opts.ProviderFor = func(kind string) (scm.Provider, error) {
			return scm.ForKind(kind, scm.Options{})
		}
	}
	cfg := core.DefaultMaintenanceConfig()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &MaintenanceService{
		tasks:        opts.Tasks,
		findings:     opts.Findings,
		tenants:      opts.Tenants,
		schedules:    opts.Schedules,
		scans:        opts.Scans,
		dispatch:     opts.Dispatch,
		notifier:     opts.Notifier,
		providerFor:  opts.ProviderFor,
		cfg:          cfg,
		timeProvider: opts.TimeProvider,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
	}
}

// Tick runs every due maintenance task once and returns how many ran. A task
// that fails stays due, so the next tick retries it; its failure never blocks
// the other tasks.
func (m *MaintenanceService) Tick(ctx context.Context) (int, error) {
	now := m.timeProvider.Now().UTC()
	start := time.Now()

	due, err := m.tasks.FindDue(ctx, now)
	if err != nil {
		metrics.EmitTick(m.metrics, "maintenance", 0, 0, time.Since(start), err)
		return 0, err
	}

	ran := 0
	for _, task := range due {
		logger := m.logger.With("task", task.Name)
		if err := m.runTask(ctx, task, now); err != nil {
			logger.ErrorContext(ctx, "maintenance task failed, staying due", "error", err)
			continue
		}
		next, err := schedule.NextFireTime(task.Cron, task.Timezone, now)
		if err != nil {
			// Seed data guarantees parseable crons; a bad row is an operator
			// edit gone wrong. Leave it due and complain.
			logger.ErrorContext(ctx, "maintenance task has invalid cron", "cron", task.Cron, "error", err)
			continue
		}
		if err := m.tasks.MarkRun(ctx, task.Name, now, next); err != nil {
			logger.ErrorContext(ctx, "failed to mark maintenance task run", "error", err)
			continue
		}
		logger.InfoContext(ctx, "maintenance task complete", "next_run", next)
		ran++
	}

	metrics.EmitTick(m.metrics, "maintenance", len(due), ran, time.Since(start), nil)
	return ran, nil
}

func (m *MaintenanceService) runTask(ctx context.Context, task model.MaintenanceTask, now time.Time) error {
	switch task.Name {
	case TaskResolveStaleFindings:
		return m.resolveStaleFindings(ctx, now)
	case TaskExpireBaselines:
		return m.expireBaselines(ctx, now)
	case TaskWeeklyDigest:
		return m.sendWeeklyDigests(ctx, now)
	case TaskCVERecheck:
		return m.recheckCVEs(ctx)
	default:
		// Unknown rows run as no-ops so a stray insert cannot wedge the
		// table; they still advance via MarkRun.
		m.logger.WarnContext(ctx, "unknown maintenance task", "task", task.Name)
		return nil
	}
}

func (m *MaintenanceService) resolveStaleFindings(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-m.cfg.StaleFindingAge)
	resolved, err := m.findings.ResolveStale(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("resolve stale findings: %w", err)
	}
	m.logger.InfoContext(ctx, "stale findings auto-resolved", "count", resolved, "cutoff", cutoff)
	if m.metrics != nil {
		m.metrics.Count("maintenance.findings_resolved", int64(resolved), nil)
	}
	return nil
}

func (m *MaintenanceService) expireBaselines(ctx context.Context, now time.Time) error {
	expired, err := m.findings.ExpireBaselines(ctx, now)
	if err != nil {
		return fmt.Errorf("expire baselines: %w", err)
	}
	m.logger.InfoContext(ctx, "baselines expired", "count", expired)
	if m.metrics != nil {
		m.metrics.Count("maintenance.baselines_expired", int64(expired), nil)
	}
	return nil
}

// sendWeeklyDigests delivers the weekly summary to every opted-in tenant.
// Delivery is fire-and-forget per tenant: a failed send is logged and the
// digest for that tenant is simply missed this week.
func (m *MaintenanceService) sendWeeklyDigests(ctx context.Context, now time.Time) error {
	tenants, err := m.tenants.ListDigestTenants(ctx, now)
	if err != nil {
		return fmt.Errorf("list digest tenants: %w", err)
	}
	sent := 0
	for _, tenant := range tenants {
		if err := m.notifier.SendWeeklySummary(ctx, tenant); err != nil {
			m.logger.ErrorContext(ctx, "weekly digest send failed",
				"tenant_id", tenant.TenantID, "error", err)
			continue
		}
		sent++
	}
	m.logger.InfoContext(ctx, "weekly digests sent", "tenants", len(tenants), "sent", sent)
	return nil
}

// recheckCVEs fires SCA-only scans over repositories with dependency
// inventories so freshly published CVEs surface without waiting for the next
// code change. Per-repository failures are logged and skipped.
func (m *MaintenanceService) recheckCVEs(ctx context.Context) error {
	repoIDs, err := m.findings.ReposWithKnownDependencies(ctx, m.cfg.CVERecheckBatch)
	if err != nil {
		return fmt.Errorf("list repositories for cve recheck: %w", err)
	}

	fired := 0
	for _, repoID := range repoIDs {
		if err := m.recheckRepo(ctx, repoID); err != nil {
			m.logger.WarnContext(ctx, "cve recheck skipped repository",
				"repository_id", repoID, "error", err)
			continue
		}
		fired++
	}
	m.logger.InfoContext(ctx, "cve recheck sweep complete", "candidates", len(repoIDs), "fired", fired)
	if m.metrics != nil {
		m.metrics.Count("maintenance.cve_rechecks", int64(fired), nil)
	}
	return nil
}

func (m *MaintenanceService) recheckRepo(ctx context.Context, repoID string) error {
	sched, err := m.schedules.Get(ctx, repoID)
	if err != nil {
		return err
	}

	active, err := m.tenants.IsActive(ctx, sched.TenantID)
	if err != nil {
		return err
	}
	if !active {
		return nil
	}

	provider, err := m.providerFor(sched.ProviderKind)
	if err != nil {
		return err
	}
	branch := model.NormalizeBranch(sched.DefaultBranch)
	commit, err := provider.LatestCommit(ctx, scm.RepoRef{
		Owner:   sched.Owner,
		Name:    sched.Name,
		Branch:  branch,
		BaseURL: sched.ProviderBaseURL,
	}, scm.Credentials{Token: sched.AccessToken})
	if err != nil {
		return err
	}

	scanID, _, err := m.scans.Create(ctx, model.ScanRecord{
		TenantID:     sched.TenantID,
		RepositoryID: sched.RepositoryID,
		CommitSHA:    commit.SHA,
		Branch:       branch,
		TriggeredBy:  model.TriggerCVERecheck,
	})
	if err != nil {
		return err
	}

	_, err = m.dispatch.EnqueueScan(ctx, model.ScanJobDescriptor{
		ScanID:       scanID,
		TenantID:     sched.TenantID,
		RepositoryID: sched.RepositoryID,
		ConnectionID: sched.ConnectionID,
		CommitSHA:    commit.SHA,
		Branch:       branch,
		CloneURL:     sched.CloneURL,
		FullName:     sched.FullName,
		Config:       sched.Scan.SCAOnly(),
		TriggeredBy:  model.TriggerCVERecheck,
	})
	return err
}
