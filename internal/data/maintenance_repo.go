package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ayazgul2000/threatdiviner/internal/core"
	"github.com/ayazgul2000/threatdiviner/internal/domain/model"
	apperrors "github.com/ayazgul2000/threatdiviner/internal/errors"
)

// MaintenanceRepo persists the slow-cadence maintenance task schedule.
type MaintenanceRepo struct {
	db *sql.DB
}

var _ core.MaintenanceStore = (*MaintenanceRepo)(nil)

// NewMaintenanceRepo creates a MaintenanceRepo with the given database
// connection.
func NewMaintenanceRepo(db *sql.DB) *MaintenanceRepo {
	return &MaintenanceRepo{db: db}
}

// FindDue returns maintenance tasks whose next run is unset or at or before
// now. A NULL next_run means the task has never been scheduled and is due
// immediately so its cadence gets bootstrapped.
func (r *MaintenanceRepo) FindDue(ctx context.Context, now time.Time) ([]model.MaintenanceTask, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, cron, timezone, last_run, next_run
		FROM maintenance_tasks
		WHERE next_run IS NULL OR next_run <= $1
		ORDER BY name
		FOR UPDATE SKIP LOCKED
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query due maintenance tasks: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var tasks []model.MaintenanceTask
	for rows.Next() {
		var task model.MaintenanceTask
		if scanErr := rows.Scan(&task.Name, &task.Cron, &task.Timezone, &task.LastRun, &task.NextRun); scanErr != nil {
			return nil, fmt.Errorf("scan maintenance task: %w", scanErr)
		}
		tasks = append(tasks, task)
	}
	if iterErr := rows.Err(); iterErr != nil {
		return nil, fmt.Errorf("iterate maintenance tasks: %w", iterErr)
	}
	return tasks, nil
}

// MarkRun records a completed run and the next scheduled one.
func (r *MaintenanceRepo) MarkRun(ctx context.Context, name string, ranAt, next time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE maintenance_tasks
		SET last_run = $2, next_run = $3
		WHERE name = $1
	`, name, ranAt.UTC(), next.UTC())
	if err != nil {
		return fmt.Errorf("mark maintenance run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return apperrors.NotFoundf("maintenance task %s not found", name)
	}
	return nil
}
