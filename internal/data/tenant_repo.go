package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ayazgul2000/threatdiviner/internal/core"
	"github.com/ayazgul2000/threatdiviner/internal/data/pgxutil"
	"github.com/ayazgul2000/threatdiviner/internal/domain/model"
	apperrors "github.com/ayazgul2000/threatdiviner/internal/errors"
)

// TenantRepo provides database operations over tenants.
type TenantRepo struct {
	db *sql.DB
}

var _ core.TenantStore = (*TenantRepo)(nil)

// NewTenantRepo creates a TenantRepo with the given database connection.
func NewTenantRepo(db *sql.DB) *TenantRepo {
	return &TenantRepo{db: db}
}

// IsActive reports whether the tenant's subscription permits scans.
func (r *TenantRepo) IsActive(ctx context.Context, tenantID string) (bool, error) {
	var active bool
	err := r.db.QueryRowContext(ctx,
		`SELECT active FROM tenants WHERE id = $1`, tenantID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, apperrors.NotFoundf("tenant %s not found", tenantID)
	}
	if err != nil {
		return false, fmt.Errorf("query tenant: %w", err)
	}
	return active, nil
}

// ListDigestTenants returns active tenants opted into the weekly digest,
// with their summary counts for the seven days ending at now.
func (r *TenantRepo) ListDigestTenants(ctx context.Context, now time.Time) ([]model.DigestTenant, error) {
	periodEnd := now.UTC()
	periodStart := periodEnd.Add(-7 * 24 * time.Hour)

	query := `
		SELECT t.id,
		       t.digest_recipients,
		       COUNT(DISTINCT s.id) FILTER (WHERE s.created_at >= $1) AS scans_run,
		       COUNT(DISTINCT f.id) FILTER (WHERE f.created_at >= $1) AS new_findings,
		       COUNT(DISTINCT f.id) FILTER (WHERE f.status = 'resolved' AND f.resolved_at >= $1) AS auto_resolved,
		       COUNT(DISTINCT f.id) FILTER (WHERE f.status = 'open' AND f.severity = 'critical') AS critical_open
		FROM tenants t
		LEFT JOIN scans s ON s.tenant_id = t.id
		LEFT JOIN findings f ON f.tenant_id = t.id
		WHERE t.active AND t.digest_enabled
		GROUP BY t.id, t.digest_recipients
		ORDER BY t.id
	`

	var tenants []model.DigestTenant
	err := pgxutil.WithPgxConn(ctx, r.db, func(conn *pgx.Conn) error {
		rows, queryErr := conn.Query(ctx, query, periodStart)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()

		for rows.Next() {
			var dt model.DigestTenant
			if scanErr := rows.Scan(
				&dt.TenantID,
				&dt.Recipients,
				&dt.Summary.ScansRun,
				&dt.Summary.NewFindings,
				&dt.Summary.AutoResolved,
				&dt.Summary.CriticalOpen,
			); scanErr != nil {
				return scanErr
			}
			dt.Summary.TenantID = dt.TenantID
			dt.Summary.PeriodStart = periodStart
			dt.Summary.PeriodEnd = periodEnd
			tenants = append(tenants, dt)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("query digest tenants: %w", err)
	}
	return tenants, nil
}
