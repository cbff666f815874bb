package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayazgul2000/threatdiviner/internal/core"
	"github.com/ayazgul2000/threatdiviner/internal/data"
	"github.com/ayazgul2000/threatdiviner/internal/domain/model"
	apperrors "github.com/ayazgul2000/threatdiviner/internal/errors"
	"github.com/ayazgul2000/threatdiviner/internal/scm"
	"github.com/ayazgul2000/threatdiviner/internal/testutil"
)

type adminFixture struct {
	svc       *ScheduleAdminService
	schedules *stubScheduleStore
	scans     *stubScanStore
	queue     *testutil.MemQueue
	provider  *stubProvider
}

func newAdminFixture(t *testing.T, schedules *stubScheduleStore, tenants *stubTenantStore) *adminFixture {
	t.Helper()

	queue := testutil.NewMemQueue()
	scans := newStubScanStore()
	provider := &stubProvider{commit: scm.Commit{SHA: "head-sha"}}

	dispatch := NewDispatchService(DispatchServiceOptions{
		Queue: queue,
		Bus:   testutil.NewMemBus(),
		Scans: scans,
	})
	svc := NewScheduleAdminService(ScheduleAdminServiceOptions{
		Schedules:    schedules,
		Tenants:      tenants,
		Scans:        scans,
		Dispatch:     dispatch,
		ProviderFor:  func(string) (scm.Provider, error) { return provider, nil },
		TimeProvider: data.NewFixedTimeProvider(testutil.TestTime()),
	})
	return &adminFixture{svc: svc, schedules: schedules, scans: scans, queue: queue, provider: provider}
}

func TestGetScheduleConfig(t *testing.T) {
	schedules := newStubScheduleStore(dueSchedule("repo-1", "tenant-1"))
	f := newAdminFixture(t, schedules, &stubTenantStore{})

	view, err := f.svc.GetScheduleConfig(context.Background(), "repo-1")
	require.NoError(t, err)
	assert.Equal(t, "repo-1", view.RepositoryID)
	assert.Equal(t, "acme/web", view.FullName)
	// "0 2 * * *" is the daily preset's cron.
	assert.Equal(t, model.PresetDaily, view.Preset)

	_, err = f.svc.GetScheduleConfig(context.Background(), "missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestUpdateScheduleConfigPresetWinsOverCron(t *testing.T) {
	schedules := newStubScheduleStore(dueSchedule("repo-1", "tenant-1"))
	f := newAdminFixture(t, schedules, &stubTenantStore{})

	preset := model.PresetWeekly
	custom := "15 6 * * *"
	view, err := f.svc.UpdateScheduleConfig(context.Background(), "repo-1", model.SchedulePatch{
		Preset: &preset,
		Cron:   &custom,
	})
	require.NoError(t, err)
	assert.Equal(t, model.PresetWeekly, view.Preset)

	stored, ok := schedules.updated["repo-1"]
	require.True(t, ok)
	require.NotNil(t, stored.NextScheduledScan)
	assert.True(t, stored.NextScheduledScan.After(testutil.TestTime()))
}

func TestUpdateScheduleConfigRejectsInvalidCron(t *testing.T) {
	schedules := newStubScheduleStore(dueSchedule("repo-1", "tenant-1"))
	f := newAdminFixture(t, schedules, &stubTenantStore{})

	bad := "every five minutes"
	_, err := f.svc.UpdateScheduleConfig(context.Background(), "repo-1", model.SchedulePatch{Cron: &bad})
	require.Error(t, err)
	assert.True(t, apperrors.IsInvalidCron(err))

	// Nothing was written; the stored config stays in its last valid state.
	assert.Empty(t, schedules.updated)
}

func TestUpdateScheduleConfigRejectsUnknownPreset(t *testing.T) {
	schedules := newStubScheduleStore(dueSchedule("repo-1", "tenant-1"))
	f := newAdminFixture(t, schedules, &stubTenantStore{})

	preset := "hourly"
	_, err := f.svc.UpdateScheduleConfig(context.Background(), "repo-1", model.SchedulePatch{Preset: &preset})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.Equal(t, "preset", apperrors.GetField(err))
}

func TestUpdateScheduleConfigDisableClearsNextRun(t *testing.T) {
	schedules := newStubScheduleStore(dueSchedule("repo-1", "tenant-1"))
	f := newAdminFixture(t, schedules, &stubTenantStore{})

	disabled := false
	view, err := f.svc.UpdateScheduleConfig(context.Background(), "repo-1", model.SchedulePatch{Enabled: &disabled})
	require.NoError(t, err)
	assert.False(t, view.Config.Enabled)
	assert.Nil(t, view.Config.NextScheduledScan)

	stored := schedules.updated["repo-1"]
	assert.Nil(t, stored.NextScheduledScan)
}

func TestUpdateScheduleConfigTimezoneShiftsNextRun(t *testing.T) {
	schedules := newStubScheduleStore(dueSchedule("repo-1", "tenant-1"))
	f := newAdminFixture(t, schedules, &stubTenantStore{})

	tz := "America/New_York"
	view, err := f.svc.UpdateScheduleConfig(context.Background(), "repo-1", model.SchedulePatch{Timezone: &tz})
	require.NoError(t, err)
	require.NotNil(t, view.Config.NextScheduledScan)

	// 02:00 America/New_York is 06:00 or 07:00 UTC depending on DST, never
	// the 02:00 UTC a naive recompute would produce.
	assert.NotEqual(t, 2, view.Config.NextScheduledScan.UTC().Hour())
}

func TestTriggerImmediateScan(t *testing.T) {
	schedules := newStubScheduleStore(dueSchedule("repo-1", "tenant-1"))
	f := newAdminFixture(t, schedules, &stubTenantStore{active: map[string]bool{"tenant-1": true}})

	scanID, err := f.svc.TriggerImmediateScan(context.Background(), "repo-1")
	require.NoError(t, err)
	assert.Equal(t, f.scans.createID, scanID)

	require.Len(t, f.scans.created, 1)
	assert.Equal(t, model.TriggerManual, f.scans.created[0].TriggeredBy)
	assert.Equal(t, "head-sha", f.scans.created[0].CommitSHA)

	state, err := f.queue.State(context.Background(), core.QueueScans, ScanJobID(scanID))
	require.NoError(t, err)
	assert.Equal(t, core.JobStateWaiting, state)

	// The schedule itself is untouched by a manual trigger.
	assert.Empty(t, schedules.markedFired)
	assert.Empty(t, schedules.nextRuns)
}

func TestTriggerImmediateScanInactiveTenant(t *testing.T) {
	schedules := newStubScheduleStore(dueSchedule("repo-1", "tenant-1"))
	f := newAdminFixture(t, schedules, &stubTenantStore{active: map[string]bool{}})

	_, err := f.svc.TriggerImmediateScan(context.Background(), "repo-1")
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.Empty(t, f.scans.created)
}

func TestTriggerImmediateScanProviderFailure(t *testing.T) {
	schedules := newStubScheduleStore(dueSchedule("repo-1", "tenant-1"))
	f := newAdminFixture(t, schedules, &stubTenantStore{active: map[string]bool{"tenant-1": true}})
	f.provider.err = apperrors.Provider("bad credentials", nil)

	_, err := f.svc.TriggerImmediateScan(context.Background(), "repo-1")
	require.Error(t, err)
	assert.True(t, apperrors.IsProvider(err))
	assert.Empty(t, f.scans.created)
}

func TestTriggerImmediateScanNoScannersConfigured(t *testing.T) {
	sched := dueSchedule("repo-1", "tenant-1")
	sched.Scan = model.ScanConfig{}
	schedules := newStubScheduleStore(sched)
	f := newAdminFixture(t, schedules, &stubTenantStore{active: map[string]bool{"tenant-1": true}})

	_, err := f.svc.TriggerImmediateScan(context.Background(), "repo-1")
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.Zero(t, f.provider.calls)
}

// Guards the admin recompute against drifting from the scheduler's own cron
// math: both must agree on when a daily schedule fires next.
func TestUpdateAndTickAgreeOnNextFire(t *testing.T) {
	schedules := newStubScheduleStore(dueSchedule("repo-1", "tenant-1"))
	f := newAdminFixture(t, schedules, &stubTenantStore{active: map[string]bool{"tenant-1": true}})

	preset := model.PresetDaily
	view, err := f.svc.UpdateScheduleConfig(context.Background(), "repo-1", model.SchedulePatch{Preset: &preset})
	require.NoError(t, err)
	require.NotNil(t, view.Config.NextScheduledScan)

	// TestTime is 12:00 UTC; the daily preset fires at 02:00, so next is
	// 02:00 the following day.
	want := time.Date(2025, 3, 11, 2, 0, 0, 0, time.UTC)
	assert.Equal(t, want, view.Config.NextScheduledScan.UTC())
}
