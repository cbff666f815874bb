package data

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayazgul2000/threatdiviner/internal/domain/model"
	apperrors "github.com/ayazgul2000/threatdiviner/internal/errors"
	"github.com/ayazgul2000/threatdiviner/internal/testutil"
)

type fixtureIDs struct {
	tenantID     string
	connectionID string
	repositoryID string
}

func insertFixtures(t *testing.T, db *sql.DB, active bool) fixtureIDs {
	t.Helper()
	ctx := context.Background()

	ids := fixtureIDs{
		tenantID:     uuid.NewString(),
		connectionID: uuid.NewString(),
		repositoryID: uuid.NewString(),
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, active, digest_enabled, digest_recipients)
		VALUES ($1, 'acme', $2, TRUE, ARRAY['sec@acme.test'])
	`, ids.tenantID, active)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `
		INSERT INTO connections (id, tenant_id, provider_kind, access_token)
		VALUES ($1, $2, 'github', 'token-123')
	`, ids.connectionID, ids.tenantID)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `
		INSERT INTO repositories (id, tenant_id, connection_id, owner, name, full_name, clone_url,
		                          schedule_enabled, schedule_cron, next_scheduled_scan, scan_config)
		VALUES ($1, $2, $3, 'acme', 'web', 'acme/web', 'https://github.test/acme/web.git',
		        TRUE, '0 2 * * *', now() - interval '1 minute', '{"sast": true, "sca": true}')
	`, ids.repositoryID, ids.tenantID, ids.connectionID)
	require.NoError(t, err)

	return ids
}

func TestScheduleRepoFindDue(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		ids := insertFixtures(t, db, true)
		repo := NewScheduleRepo(db)
		ctx := context.Background()

		due, err := repo.FindDue(ctx, time.Now(), 10)
		require.NoError(t, err)
		require.Len(t, due, 1)

		got := due[0]
		assert.Equal(t, ids.repositoryID, got.RepositoryID)
		assert.Equal(t, "github", got.ProviderKind)
		assert.Equal(t, "token-123", got.AccessToken)
		assert.True(t, got.Schedule.Active())
		assert.True(t, got.Scan.SAST)
		assert.True(t, got.Scan.SCA)
		assert.False(t, got.Scan.DAST)

		// Disabled schedules never surface.
		_, err = db.ExecContext(ctx, `UPDATE repositories SET schedule_enabled = FALSE WHERE id = $1`, ids.repositoryID)
		require.NoError(t, err)
		due, err = repo.FindDue(ctx, time.Now(), 10)
		require.NoError(t, err)
		assert.Empty(t, due)
	})
}

func TestScheduleRepoMarkFiredAndClear(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		ids := insertFixtures(t, db, true)
		repo := NewScheduleRepo(db)
		ctx := context.Background()

		fired := time.Now().UTC().Truncate(time.Second)
		next := fired.Add(24 * time.Hour)
		require.NoError(t, repo.MarkFired(ctx, ids.repositoryID, fired, next))

		got, err := repo.Get(ctx, ids.repositoryID)
		require.NoError(t, err)
		require.NotNil(t, got.Schedule.LastScheduledScan)
		require.NotNil(t, got.Schedule.NextScheduledScan)
		assert.WithinDuration(t, fired, *got.Schedule.LastScheduledScan, time.Second)
		assert.WithinDuration(t, next, *got.Schedule.NextScheduledScan, time.Second)

		require.NoError(t, repo.ClearNextRun(ctx, ids.repositoryID))
		got, err = repo.Get(ctx, ids.repositoryID)
		require.NoError(t, err)
		assert.Nil(t, got.Schedule.NextScheduledScan)

		// Unknown repository surfaces not_found.
		err = repo.MarkFired(ctx, uuid.NewString(), fired, next)
		assert.True(t, apperrors.IsNotFound(err))
	})
}

func TestScanRepoCreateIsIdempotentWhilePending(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		ids := insertFixtures(t, db, true)
		repo := NewScanRepo(db)
		ctx := context.Background()

		scan := model.ScanRecord{
			TenantID:     ids.tenantID,
			RepositoryID: ids.repositoryID,
			CommitSHA:    "abc123",
			Branch:       "main",
			TriggeredBy:  model.TriggerScheduled,
		}

		id1, created, err := repo.Create(ctx, scan)
		require.NoError(t, err)
		assert.True(t, created)

		// Same commit and trigger while pending returns the existing id.
		id2, created, err := repo.Create(ctx, scan)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, id1, id2)

		// After the scan completes the same commit can be scanned again.
		require.NoError(t, repo.UpdateStatus(ctx, id1, model.ScanStatusCompleted, ""))
		id3, created, err := repo.Create(ctx, scan)
		require.NoError(t, err)
		assert.True(t, created)
		assert.NotEqual(t, id1, id3)
	})
}

func TestScanRepoUpdateStatusStampsTimes(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		ids := insertFixtures(t, db, true)
		repo := NewScanRepo(db)
		ctx := context.Background()

		id, _, err := repo.Create(ctx, model.ScanRecord{
			TenantID:     ids.tenantID,
			RepositoryID: ids.repositoryID,
			CommitSHA:    "abc123",
			Branch:       "main",
			TriggeredBy:  model.TriggerManual,
		})
		require.NoError(t, err)

		require.NoError(t, repo.UpdateStatus(ctx, id, model.ScanStatusRunning, ""))
		got, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.ScanStatusRunning, got.Status)
		assert.NotNil(t, got.StartedAt)
		assert.Nil(t, got.FinishedAt)

		require.NoError(t, repo.UpdateStatus(ctx, id, model.ScanStatusFailed, "clone timeout"))
		got, err = repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.ScanStatusFailed, got.Status)
		assert.NotNil(t, got.FinishedAt)
		require.NotNil(t, got.LastError)
		assert.Equal(t, "clone timeout", *got.LastError)
	})
}

func TestTenantRepoIsActive(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		ids := insertFixtures(t, db, false)
		repo := NewTenantRepo(db)
		ctx := context.Background()

		active, err := repo.IsActive(ctx, ids.tenantID)
		require.NoError(t, err)
		assert.False(t, active)

		_, err = repo.IsActive(ctx, uuid.NewString())
		assert.True(t, apperrors.IsNotFound(err))
	})
}

func TestMaintenanceRepoLifecycle(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewMaintenanceRepo(db)
		ctx := context.Background()

		// Seeded tasks have NULL next_run and are all due.
		due, err := repo.FindDue(ctx, time.Now())
		require.NoError(t, err)
		require.Len(t, due, 4)

		ranAt := time.Now().UTC().Truncate(time.Second)
		next := ranAt.Add(24 * time.Hour)
		require.NoError(t, repo.MarkRun(ctx, "weekly_digest", ranAt, next))

		due, err = repo.FindDue(ctx, time.Now())
		require.NoError(t, err)
		assert.Len(t, due, 3)

		err = repo.MarkRun(ctx, "no_such_task", ranAt, next)
		assert.True(t, apperrors.IsNotFound(err))
	})
}

func TestFindingRepoSweeps(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		ids := insertFixtures(t, db, true)
		repo := NewFindingRepo(db)
		ctx := context.Background()

		_, err := db.ExecContext(ctx, `
			INSERT INTO findings (tenant_id, repository_id, severity, status, last_seen_at)
			VALUES ($1, $2, 'high', 'open', now() - interval '60 days'),
			       ($1, $2, 'critical', 'open', now())
		`, ids.tenantID, ids.repositoryID)
		require.NoError(t, err)

		resolved, err := repo.ResolveStale(ctx, time.Now().Add(-30*24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, resolved)

		_, err = db.ExecContext(ctx, `
			INSERT INTO baselines (tenant_id, repository_id, finding_fingerprint, active, expires_at)
			VALUES ($1, $2, 'fp-1', TRUE, now() - interval '1 day'),
			       ($1, $2, 'fp-2', TRUE, now() + interval '30 days')
		`, ids.tenantID, ids.repositoryID)
		require.NoError(t, err)

		expired, err := repo.ExpireBaselines(ctx, time.Now())
		require.NoError(t, err)
		assert.Equal(t, 1, expired)

		_, err = db.ExecContext(ctx,
			`UPDATE repositories SET has_dependency_inventory = TRUE WHERE id = $1`, ids.repositoryID)
		require.NoError(t, err)

		repos, err := repo.ReposWithKnownDependencies(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{ids.repositoryID}, repos)
	})
}
