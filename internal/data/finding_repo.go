package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ayazgul2000/threatdiviner/internal/core"
)

// FindingRepo provides the maintenance sweeps over finding and baseline rows.
type FindingRepo struct {
	db           *sql.DB
	timeProvider TimeProvider
}

var _ core.FindingStore = (*FindingRepo)(nil)

// NewFindingRepo creates a FindingRepo with the given database connection.
func NewFindingRepo(db *sql.DB) *FindingRepo {
	return &FindingRepo{db: db, timeProvider: &RealTimeProvider{}}
}

// NewFindingRepoWithTimeProvider creates a FindingRepo with a custom
// TimeProvider.
func NewFindingRepoWithTimeProvider(db *sql.DB, tp TimeProvider) *FindingRepo {
	return &FindingRepo{db: db, timeProvider: tp}
}

// ResolveStale auto-resolves open findings not seen by any scan since the
// cutoff and returns how many rows changed.
func (r *FindingRepo) ResolveStale(ctx context.Context, cutoff time.Time) (int, error) {
	now := r.timeProvider.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE findings
		SET status = 'resolved', resolved_at = $1
		WHERE status = 'open' AND last_seen_at < $2
	`, now, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("resolve stale findings: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(affected), nil
}

// ExpireBaselines deactivates baseline suppressions past their expiry and
// returns how many rows changed.
func (r *FindingRepo) ExpireBaselines(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE baselines
		SET active = FALSE
		WHERE active AND expires_at IS NOT NULL AND expires_at <= $1
	`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("expire baselines: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(affected), nil
}

// ReposWithKnownDependencies returns repository ids with SCA dependency
// inventories, the population the CVE recheck sweeps.
func (r *FindingRepo) ReposWithKnownDependencies(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM repositories
		WHERE has_dependency_inventory
		ORDER BY id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query repositories with dependencies: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ids []string
	for rows.Next() {
		var id string
		if scanErr := rows.Scan(&id); scanErr != nil {
			return nil, fmt.Errorf("scan repository id: %w", scanErr)
		}
		ids = append(ids, id)
	}
	if iterErr := rows.Err(); iterErr != nil {
		return nil, fmt.Errorf("iterate repositories: %w", iterErr)
	}
	return ids, nil
}
