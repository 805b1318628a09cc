package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/careshield/internal/errs"
	"github.com/and161185/careshield/internal/model"
	"github.com/and161185/careshield/internal/repository"
)

// AuditRepo implements repository.AuditRepository using PostgreSQL.
type AuditRepo struct{ rls *Propagator }

var _ repository.AuditRepository = (*AuditRepo)(nil)

// NewAuditRepo constructs an audit repository.
func NewAuditRepo(rls *Propagator) *AuditRepo { return &AuditRepo{rls: rls} }

// InsertAction appends a user-action record.
func (r *AuditRepo) InsertAction(ctx context.Context, id model.IdentityContext, a *model.UserActionAuditLog) error {
	const q = `
INSERT INTO user_action_audit_logs (id, user_id, target_user_id, target_facility_id, target_tenant_id, client_id, action, details)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING created_at, updated_at`
	var details any
	if len(a.Details) > 0 {
		details = a.Details
	}
	return r.rls.WithContext(ctx, id, func(ctx context.Context, tx pgx.Tx) error {
		return tx.QueryRow(ctx, q,
			a.ID, a.UserID, a.TargetUserID, a.TargetFacilityID, a.TargetTenantID, a.ClientID, a.Action, details,
		).Scan(&a.CreatedAt, &a.UpdatedAt)
	})
}

const actionColumns = `id, user_id, target_user_id, target_facility_id, target_tenant_id, client_id,
action, details, created_at, updated_at`

// ListActions returns the user-action records matching q, newest first.
func (r *AuditRepo) ListActions(ctx context.Context, id model.IdentityContext, q model.AuditQuery) ([]model.UserActionAuditLog, error) {
	sql, args := buildActionQuery(q)
	var out []model.UserActionAuditLog
	err := r.rls.WithContext(ctx, id, func(ctx context.Context, tx pgx.Tx) error {
		return pgxscan.Select(ctx, tx, &out, sql, args...)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func buildActionQuery(q model.AuditQuery) (string, []any) {
	var (
		where = []string{"target_tenant_id = $1"}
		args  = []any{q.TargetTenantID}
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.UserID != "" {
		add("user_id = $%d", q.UserID)
	}
	if q.FacilityID != "" {
		add("target_facility_id = $%d", q.FacilityID)
	}
	if q.Search != "" {
		args = append(args, "%"+escapeLike(q.Search)+"%")
		n := len(args)
		where = append(where, fmt.Sprintf("(action ILIKE $%d OR details::text ILIKE $%d)", n, n))
	}
	if q.From != nil {
		add("created_at >= $%d", *q.From)
	}
	if q.To != nil {
		add("created_at <= $%d", *q.To)
	}
	args = append(args, q.Limit, q.Offset)
	sql := `SELECT ` + actionColumns + ` FROM user_action_audit_logs WHERE ` +
		strings.Join(where, " AND ") +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return sql, args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// ExportDataLogs calls export_audit_logs for the caller's tenant. The function
// itself rejects a tenant other than app.tenant_id.
func (r *AuditRepo) ExportDataLogs(ctx context.Context, id model.IdentityContext, start, end time.Time, tableName *string) ([]model.DataAuditLog, error) {
	const q = `
SELECT id, table_name, operation, row_id, user_id, tenant_id, facility_id, "timestamp",
       old_values, new_values, changed_fields, session_id, ip_address, user_agent
FROM export_audit_logs($1, $2, $3, $4)`
	var out []model.DataAuditLog
	err := r.rls.WithContext(ctx, id, func(ctx context.Context, tx pgx.Tx) error {
		return pgxscan.Select(ctx, tx, &out, q, start, end, id.TenantID, tableName)
	})
	if isInsufficientPrivilege(err) {
		return nil, errs.ErrInsufficientAuditPermission
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CleanupDataLogs calls cleanup_old_audit_logs and returns the number of removed
// rows. Both statements share the transaction, so now() and the row set agree.
func (r *AuditRepo) CleanupDataLogs(ctx context.Context, id model.IdentityContext) (int64, error) {
	const (
		count   = `SELECT count_expired_audit_logs()`
		cleanup = `SELECT cleanup_old_audit_logs()`
	)
	var n int64
	err := r.rls.WithContext(ctx, id, func(ctx context.Context, tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, count).Scan(&n); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, cleanup)
		return err
	})
	if isInsufficientPrivilege(err) {
		return 0, errs.ErrInsufficientAuditPermission
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}
