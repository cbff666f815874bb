// Package data implements the persistence layer over PostgreSQL using the
// pgx stdlib driver.
package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ayazgul2000/threatdiviner/internal/core"
	"github.com/ayazgul2000/threatdiviner/internal/data/pgxutil"
	"github.com/ayazgul2000/threatdiviner/internal/domain/model"
	apperrors "github.com/ayazgul2000/threatdiviner/internal/errors"
)

// ScheduleRepo provides database operations over repository schedules.
type ScheduleRepo struct {
	db           *sql.DB
	timeProvider TimeProvider
}

var _ core.ScheduleStore = (*ScheduleRepo)(nil)

// NewScheduleRepo creates a ScheduleRepo with the given database connection.
func NewScheduleRepo(db *sql.DB) *ScheduleRepo {
	return &ScheduleRepo{db: db, timeProvider: &RealTimeProvider{}}
}

// NewScheduleRepoWithTimeProvider creates a ScheduleRepo with a custom
// TimeProvider, useful for testing.
func NewScheduleRepoWithTimeProvider(db *sql.DB, tp TimeProvider) *ScheduleRepo {
	return &ScheduleRepo{db: db, timeProvider: tp}
}

const repositoryScheduleColumns = `
  r.id,
  r.tenant_id,
  r.connection_id,
  c.provider_kind,
  r.owner,
  r.name,
  r.full_name,
  r.clone_url,
  r.default_branch,
  c.access_token,
  COALESCE(c.base_url, ''),
  r.schedule_enabled,
  r.schedule_cron,
  r.schedule_timezone,
  r.last_scheduled_scan,
  r.next_scheduled_scan,
  r.scan_config
`

// FindDue returns up to limit repositories whose schedule is enabled and due
// at or before now. FOR UPDATE SKIP LOCKED only holds for the statement's
// implicit transaction, so it skips rows another scheduler is selecting at
// that instant, not rows still being processed from an earlier sweep.
// Concurrent schedulers can therefore double-select a due row; the double
// fire is benign because scan creation is idempotent and the queue
// deduplicates on job id.
func (r *ScheduleRepo) FindDue(ctx context.Context, now time.Time, limit int) ([]model.RepositorySchedule, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	query := `
		SELECT ` + repositoryScheduleColumns + `
		FROM repositories r
		JOIN connections c ON c.id = r.connection_id
		WHERE r.schedule_enabled
		  AND r.schedule_cron IS NOT NULL
		  AND r.next_scheduled_scan IS NOT NULL
		  AND r.next_scheduled_scan <= $1
		ORDER BY r.next_scheduled_scan ASC
		LIMIT $2
		FOR UPDATE OF r SKIP LOCKED
	`

	var schedules []model.RepositorySchedule
	err := pgxutil.WithPgxConn(ctx, r.db, func(conn *pgx.Conn) error {
		rows, queryErr := conn.Query(ctx, query, now.UTC(), limit)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()

		collected, collectErr := pgx.CollectRows(rows, rowToRepositorySchedule)
		if collectErr != nil {
			return collectErr
		}
		schedules = collected
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	return schedules, nil
}

// Get returns one repository's schedule context.
func (r *ScheduleRepo) Get(ctx context.Context, repositoryID string) (*model.RepositorySchedule, error) {
	query := `
		SELECT ` + repositoryScheduleColumns + `
		FROM repositories r
		JOIN connections c ON c.id = r.connection_id
		WHERE r.id = $1
	`

	var schedule model.RepositorySchedule
	err := pgxutil.WithPgxConn(ctx, r.db, func(conn *pgx.Conn) error {
		rows, queryErr := conn.Query(ctx, query, repositoryID)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()

		found, collectErr := pgx.CollectOneRow(rows, rowToRepositorySchedule)
		if collectErr != nil {
			return collectErr
		}
		schedule = found
		return nil
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFoundf("repository %s not found", repositoryID)
	}
	if err != nil {
		return nil, fmt.Errorf("query repository schedule: %w", err)
	}
	return &schedule, nil
}

// UpdateSchedule persists a repository's full schedule config.
func (r *ScheduleRepo) UpdateSchedule(ctx context.Context, repositoryID string, cfg model.ScheduleConfig) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE repositories
		SET schedule_enabled = $2,
		    schedule_cron = $3,
		    schedule_timezone = $4,
		    last_scheduled_scan = $5,
		    next_scheduled_scan = $6,
		    updated_at = $7
		WHERE id = $1
	`, repositoryID, cfg.Enabled, cfg.Cron, cfg.EffectiveTimezone(),
		cfg.LastScheduledScan, cfg.NextScheduledScan, r.timeProvider.Now().UTC())
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	return r.requireRow(res, repositoryID)
}

// MarkFired records a firing and the recomputed next fire time in one write.
func (r *ScheduleRepo) MarkFired(ctx context.Context, repositoryID string, firedAt, next time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE repositories
		SET last_scheduled_scan = $2,
		    next_scheduled_scan = $3,
		    updated_at = $4
		WHERE id = $1
	`, repositoryID, firedAt.UTC(), next.UTC(), r.timeProvider.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark schedule fired: %w", err)
	}
	return r.requireRow(res, repositoryID)
}

// UpdateNextRun advances only the next fire time.
func (r *ScheduleRepo) UpdateNextRun(ctx context.Context, repositoryID string, next time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE repositories
		SET next_scheduled_scan = $2, updated_at = $3
		WHERE id = $1
	`, repositoryID, next.UTC(), r.timeProvider.Now().UTC())
	if err != nil {
		return fmt.Errorf("update next run: %w", err)
	}
	return r.requireRow(res, repositoryID)
}

// ClearNextRun nils the next fire time so a broken schedule stops surfacing
// as due.
func (r *ScheduleRepo) ClearNextRun(ctx context.Context, repositoryID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE repositories
		SET next_scheduled_scan = NULL, updated_at = $2
		WHERE id = $1
	`, repositoryID, r.timeProvider.Now().UTC())
	if err != nil {
		return fmt.Errorf("clear next run: %w", err)
	}
	return r.requireRow(res, repositoryID)
}

func (r *ScheduleRepo) requireRow(res sql.Result, repositoryID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return apperrors.NotFoundf("repository %s not found", repositoryID)
	}
	return nil
}

func rowToRepositorySchedule(row pgx.CollectableRow) (model.RepositorySchedule, error) {
	var (
		s         model.RepositorySchedule
		rawConfig []byte
	)
	if err := row.Scan(
		&s.RepositoryID,
		&s.TenantID,
		&s.ConnectionID,
		&s.ProviderKind,
		&s.Owner,
		&s.Name,
		&s.FullName,
		&s.CloneURL,
		&s.DefaultBranch,
		&s.AccessToken,
		&s.ProviderBaseURL,
		&s.Schedule.Enabled,
		&s.Schedule.Cron,
		&s.Schedule.Timezone,
		&s.Schedule.LastScheduledScan,
		&s.Schedule.NextScheduledScan,
		&rawConfig,
	); err != nil {
		return model.RepositorySchedule{}, err
	}
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &s.Scan); err != nil {
			return model.RepositorySchedule{}, fmt.Errorf("decode scan config: %w", err)
		}
	}
	return s, nil
}
