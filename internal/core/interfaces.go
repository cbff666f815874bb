package core

import (
	"context"
	"time"

	"github.com/ayazgul2000/threatdiviner/internal/domain/model"
)

// ScheduleStore provides persisted repository schedule state.
type ScheduleStore interface {
	// FindDue returns up to limit repositories whose schedule is enabled and
	// whose next fire time is at or before now. Rows are claimed with
	// FOR UPDATE SKIP LOCKED so concurrent schedulers never double-fire.
	FindDue(ctx context.Context, now time.Time, limit int) ([]model.RepositorySchedule, error)

	// Get returns one repository's schedule context.
	Get(ctx context.Context, repositoryID string) (*model.RepositorySchedule, error)

	// UpdateSchedule persists a repository's full schedule config.
	UpdateSchedule(ctx context.Context, repositoryID string, cfg model.ScheduleConfig) error

	// MarkFired records a successful firing: last scheduled scan time and the
	// recomputed next fire time in one write.
	MarkFired(ctx context.Context, repositoryID string, firedAt, next time.Time) error

	// UpdateNextRun advances only the next fire time, used when a schedule is
	// skipped (inactive tenant, provider failure) but must not stay due.
	UpdateNextRun(ctx context.Context, repositoryID string, next time.Time) error

	// ClearNextRun nils the next fire time so an unparseable schedule stops
	// surfacing as due every tick.
	ClearNextRun(ctx context.Context, repositoryID string) error
}

// ScanStore persists scan lifecycle records.
type ScanStore interface {
	// Create inserts a scan record in the queued status. Creation is
	// idempotent per (repository, commit, trigger) while the prior scan is
	// still pending; on conflict the existing scan's id is returned with
	// created=false.
	Create(ctx context.Context, scan model.ScanRecord) (id string, created bool, err error)

	Get(ctx context.Context, id string) (*model.ScanRecord, error)

	// UpdateStatus transitions a scan's status, stamping started/finished
	// times as appropriate and recording errMsg for terminal failures.
	UpdateStatus(ctx context.Context, id string, status model.ScanStatus, errMsg string) error

	// CountSince returns how many scans a tenant ran since the given time.
	CountSince(ctx context.Context, tenantID string, since time.Time) (int, error)
}

// TenantStore answers tenant activation questions for the scheduler gate.
type TenantStore interface {
	// IsActive reports whether the tenant's subscription permits scans.
	IsActive(ctx context.Context, tenantID string) (bool, error)

	// ListDigestTenants returns tenants opted into the weekly digest,
	// including their summary data for the period ending at now.
	ListDigestTenants(ctx context.Context, now time.Time) ([]model.DigestTenant, error)
}

// FindingStore covers the maintenance sweeps over finding and baseline rows.
type FindingStore interface {
	// ResolveStale auto-resolves findings not seen by any scan since the
	// cutoff and returns how many rows changed.
	ResolveStale(ctx context.Context, cutoff time.Time) (int, error)

	// ExpireBaselines deactivates baseline suppressions past their expiry
	// and returns how many rows changed.
	ExpireBaselines(ctx context.Context, now time.Time) (int, error)

	// ReposWithKnownDependencies returns repository ids that have SCA
	// dependency inventories, the population the CVE recheck sweeps.
	ReposWithKnownDependencies(ctx context.Context, limit int) ([]string, error)
}

// MaintenanceStore persists the slow-cadence maintenance task schedule.
type MaintenanceStore interface {
	FindDue(ctx context.Context, now time.Time) ([]model.MaintenanceTask, error)
	MarkRun(ctx context.Context, name string, ranAt, next time.Time) error
}

// NotificationSender delivers out-of-band notifications. Implementations are
// fire-and-forget from the caller's perspective; failures are logged, never
// propagated into scan or maintenance flow.
type NotificationSender interface {
	SendScanResult(ctx context.Context, payload model.NotificationPayload) error
	SendWeeklySummary(ctx context.Context, digest model.DigestTenant) error
}

// ScanExecutor runs one scan job to completion. The scan-runner adapter owns
// claiming, retries and cancellation; Execute only does the work and must
// return promptly once ctx is cancelled.
type ScanExecutor interface {
	Execute(ctx context.Context, job model.ScanJobDescriptor) error
}
