package service

import (
	"context"
	"log/slog"

	"github.com/ayazgul2000/threatdiviner/internal/core"
	"github.com/ayazgul2000/threatdiviner/internal/data"
	"github.com/ayazgul2000/threatdiviner/internal/domain/model"
	"github.com/ayazgul2000/threatdiviner/internal/domain/schedule"
	apperrors "github.com/ayazgul2000/threatdiviner/internal/errors"
	"github.com/ayazgul2000/threatdiviner/internal/scm"
)

// ScheduleView is the admin-facing read model of a repository's schedule.
type ScheduleView struct {
	RepositoryID string               `json:"repository_id"`
	FullName     string               `json:"full_name"`
	Config       model.ScheduleConfig `json:"config"`
	// Preset is the friendly name the stored cron corresponds to, empty for
	// custom expressions.
	Preset string `json:"preset,omitempty"`
}

// ScheduleAdminService serves the control-plane operations on repository
// schedules: reading config, patching it, and firing a scan on demand.
type ScheduleAdminService struct {
	schedules    core.ScheduleStore
	tenants      core.TenantStore
	scans        core.ScanStore
	dispatch     scanDispatcher
	providerFor  providerFactory
	timeProvider data.TimeProvider
	logger       *slog.Logger
}

// ScheduleAdminServiceOptions holds the dependencies for a ScheduleAdminService.
type ScheduleAdminServiceOptions struct {
	Schedules    core.ScheduleStore
	Tenants      core.TenantStore
	Scans        core.ScanStore
	Dispatch     scanDispatcher
	ProviderFor  providerFactory
	TimeProvider data.TimeProvider
	Logger       *slog.Logger
}

// NewScheduleAdminService constructs a ScheduleAdminService.
func NewScheduleAdminService(opts ScheduleAdminServiceOptions) *ScheduleAdminService {
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
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ScheduleAdminService{
		schedules:    opts.Schedules,
		tenants:      opts.Tenants,
		scans:        opts.Scans,
		dispatch:     opts.Dispatch,
		providerFor:  opts.ProviderFor,
		timeProvider: opts.TimeProvider,
		logger:       opts.Logger,
	}
}

// GetScheduleConfig returns a repository's current schedule.
func (s *ScheduleAdminService) GetScheduleConfig(ctx context.Context, repositoryID string) (*ScheduleView, error) {
	sched, err := s.schedules.Get(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	return &ScheduleView{
		RepositoryID: sched.RepositoryID,
		FullName:     sched.FullName,
		Config:       sched.Schedule,
		Preset:       sched.Schedule.Preset(),
	}, nil
}

// UpdateScheduleConfig applies a partial schedule update. A preset in the
// patch wins over an explicit cron. The cron and timezone are validated and
// the next fire time recomputed before anything is written, so an invalid
// patch leaves the stored config in its last valid state.
func (s *ScheduleAdminService) UpdateScheduleConfig(ctx context.Context, repositoryID string, patch model.SchedulePatch) (*ScheduleView, error) {
	sched, err := s.schedules.Get(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	cfg := sched.Schedule

	if patch.Preset != nil {
		cron, ok := model.CronForPreset(*patch.Preset)
		if !ok {
			return nil, apperrors.ValidationField("preset", "unknown schedule preset: "+*patch.Preset)
		}
		cfg.Cron = &cron
	} else if patch.Cron != nil {
		cron := *patch.Cron
		if cron == "" {
			cfg.Cron = nil
		} else {
			cfg.Cron = &cron
		}
	}
	if patch.Timezone != nil {
		cfg.Timezone = *patch.Timezone
	}
	if patch.Enabled != nil {
		cfg.Enabled = *patch.Enabled
	}

	if cfg.Active() {
		if err := schedule.Validate(*cfg.Cron, cfg.EffectiveTimezone()); err != nil {
			return nil, err
		}
		next, err := schedule.NextFireTime(*cfg.Cron, cfg.EffectiveTimezone(), s.timeProvider.Now().UTC())
		if err != nil {
			return nil, err
		}
		cfg.NextScheduledScan = &next
	} else {
		cfg.NextScheduledScan = nil
	}

	if err := s.schedules.UpdateSchedule(ctx, repositoryID, cfg); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "schedule updated",
		"repository_id", repositoryID,
		"enabled", cfg.Enabled,
		"next_run", cfg.NextScheduledScan)

	return &ScheduleView{
		RepositoryID: sched.RepositoryID,
		FullName:     sched.FullName,
		Config:       cfg,
		Preset:       cfg.Preset(),
	}, nil
}

// TriggerImmediateScan fires a manual scan of the repository's default branch
// head right now, bypassing the schedule. Returns the scan id; dispatching an
// already-pending scan of the same commit returns the existing scan's id.
func (s *ScheduleAdminService) TriggerImmediateScan(ctx context.Context, repositoryID string) (string, error) {
	sched, err := s.schedules.Get(ctx, repositoryID)
	if err != nil {
		return "", err
	}

	active, err := s.tenants.IsActive(ctx, sched.TenantID)
	if err != nil {
		return "", err
	}
	if !active {
		return "", apperrors.Validation("tenant subscription is not active")
	}
	if !sched.Scan.AnyEnabled() {
		return "", apperrors.Validation("no scanners are configured for this repository")
	}

	provider, err := s.providerFor(sched.ProviderKind)
	if err != nil {
		return "", apperrors.Wrapf(err, apperrors.ErrCodeProvider,
			"no provider for kind %q", sched.ProviderKind)
	}
	branch := model.NormalizeBranch(sched.DefaultBranch)
	commit, err := provider.LatestCommit(ctx, scm.RepoRef{
		Owner:   sched.Owner,
		Name:    sched.Name,
		Branch:  branch,
		BaseURL: sched.ProviderBaseURL,
	}, scm.Credentials{Token: sched.AccessToken})
	if err != nil {
		return "", err
	}

	scanID, created, err := s.scans.Create(ctx, model.ScanRecord{
		TenantID:     sched.TenantID,
		RepositoryID: sched.RepositoryID,
		CommitSHA:    commit.SHA,
		Branch:       branch,
		TriggeredBy:  model.TriggerManual,
	})
	if err != nil {
		return "", err
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
		TriggeredBy:  model.TriggerManual,
	}); err != nil {
		return "", err
	}

	s.logger.InfoContext(ctx, "manual scan triggered",
		"repository_id", repositoryID,
		"scan_id", scanID,
		"commit_sha", commit.SHA,
		"reused_pending", !created)
	return scanID, nil
}
