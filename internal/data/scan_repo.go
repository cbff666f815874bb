package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ayazgul2000/threatdiviner/internal/core"
	"github.com/ayazgul2000/threatdiviner/internal/domain/model"
	apperrors "github.com/ayazgul2000/threatdiviner/internal/errors"
)

// ScanRepo provides database operations over scan records.
type ScanRepo struct {
	db           *sql.DB
	timeProvider TimeProvider
}

var _ core.ScanStore = (*ScanRepo)(nil)

// NewScanRepo creates a ScanRepo with the given database connection.
func NewScanRepo(db *sql.DB) *ScanRepo {
	return &ScanRepo{db: db, timeProvider: &RealTimeProvider{}}
}

// NewScanRepoWithTimeProvider creates a ScanRepo with a custom TimeProvider.
func NewScanRepoWithTimeProvider(db *sql.DB, tp TimeProvider) *ScanRepo {
	return &ScanRepo{db: db, timeProvider: tp}
}

// Create inserts a scan record in the queued status. While a queued or
// running scan exists for the same (repository, commit, trigger), the unique
// index rejects the insert and the existing scan's id is returned with
// created=false, so retried ticks keep a stable scan identity.
func (r *ScanRepo) Create(ctx context.Context, scan model.ScanRecord) (string, bool, error) {
	if scan.RepositoryID == "" || scan.TenantID == "" {
		return "", false, apperrors.Validation("tenant id and repository id are required")
	}
	if !scan.TriggeredBy.Valid() {
		return "", false, apperrors.ValidationField("triggered_by", "unknown trigger source")
	}

	id := scan.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := r.timeProvider.Now().UTC()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO scans (id, tenant_id, repository_id, commit_sha, branch, status, triggered_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, id, scan.TenantID, scan.RepositoryID, scan.CommitSHA, scan.Branch,
		model.ScanStatusQueued, scan.TriggeredBy, now)
	if err == nil {
		return id, true, nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgerrcode.UniqueViolation {
		return "", false, fmt.Errorf("insert scan: %w", err)
	}

	// Pending scan already exists for this commit and trigger; reuse it.
	var existingID string
	err = r.db.QueryRowContext(ctx, `
		SELECT id FROM scans
		WHERE repository_id = $1 AND commit_sha = $2 AND triggered_by = $3
		  AND status IN ($4, $5)
		ORDER BY created_at DESC
		LIMIT 1
	`, scan.RepositoryID, scan.CommitSHA, scan.TriggeredBy,
		model.ScanStatusQueued, model.ScanStatusRunning).Scan(&existingID)
	if err != nil {
		return "", false, fmt.Errorf("lookup existing scan: %w", err)
	}
	return existingID, false, nil
}

// Get returns one scan record.
func (r *ScanRepo) Get(ctx context.Context, id string) (*model.ScanRecord, error) {
	var scan model.ScanRecord
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, repository_id, commit_sha, branch, status, triggered_by,
		       last_error, started_at, finished_at, created_at, updated_at
		FROM scans
		WHERE id = $1
	`, id).Scan(
		&scan.ID, &scan.TenantID, &scan.RepositoryID, &scan.CommitSHA, &scan.Branch,
		&scan.Status, &scan.TriggeredBy, &scan.LastError,
		&scan.StartedAt, &scan.FinishedAt, &scan.CreatedAt, &scan.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("scan %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query scan: %w", err)
	}
	return &scan, nil
}

// UpdateStatus transitions a scan's status, stamping started/finished times
// and recording errMsg for terminal failures.
func (r *ScanRepo) UpdateStatus(ctx context.Context, id string, status model.ScanStatus, errMsg string) error {
	if !status.Valid() {
		return apperrors.ValidationField("status", "unknown scan status")
	}

	now := r.timeProvider.Now().UTC()
	var (
		startedAt  *time.Time
		finishedAt *time.Time
		lastError  *string
	)
	switch status {
	case model.ScanStatusRunning:
		startedAt = &now
	case model.ScanStatusCompleted, model.ScanStatusFailed, model.ScanStatusCancelled:
		finishedAt = &now
	}
	if errMsg != "" {
		lastError = &errMsg
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE scans
		SET status = $2,
		    started_at = COALESCE($3, started_at),
		    finished_at = COALESCE($4, finished_at),
		    last_error = COALESCE($5, last_error),
		    updated_at = $6
		WHERE id = $1
	`, id, status, startedAt, finishedAt, lastError, now)
	if err != nil {
		return fmt.Errorf("update scan status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return apperrors.NotFoundf("scan %s not found", id)
	}
	return nil
}

// CountSince returns how many scans a tenant ran since the given time.
func (r *ScanRepo) CountSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM scans
		WHERE tenant_id = $1 AND created_at >= $2
	`, tenantID, since.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count scans: %w", err)
	}
	return count, nil
}
