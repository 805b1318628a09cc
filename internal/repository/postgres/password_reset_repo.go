package postgres

import (
	"context"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/careshield/internal/model"
	"github.com/and161185/careshield/internal/repository"
)

// PasswordResetRepo implements repository.PasswordResetRepository using PostgreSQL.
type PasswordResetRepo struct{ rls *Propagator }

var _ repository.PasswordResetRepository = (*PasswordResetRepo)(nil)

// NewPasswordResetRepo constructs a password reset audit repository.
func NewPasswordResetRepo(rls *Propagator) *PasswordResetRepo { return &PasswordResetRepo{rls: rls} }

const resetColumns = `id, tenant_id, reset_by_user_id, target_user_id, reset_method, success, error_message,
temp_password_token, temp_password_used, expires_at, used_at, created_at, updated_at`

// Insert appends a reset record.
func (r *PasswordResetRepo) Insert(ctx context.Context, id model.IdentityContext, a *model.PasswordResetAudit) error {
	const q = `
INSERT INTO password_reset_audits (id, tenant_id, reset_by_user_id, target_user_id, reset_method, success,
    error_message, temp_password_token, temp_password_used, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false, $9)
RETURNING created_at, updated_at`
	return r.rls.WithContext(ctx, id, func(ctx context.Context, tx pgx.Tx) error {
		return tx.QueryRow(ctx, q,
			a.ID, a.TenantID, a.ResetByUserID, a.TargetUserID, string(a.ResetMethod), a.Success,
			a.ErrorMessage, a.TempPasswordToken, a.ExpiresAt,
		).Scan(&a.CreatedAt, &a.UpdatedAt)
	})
}

// ListUsableTempPasswords returns candidate temp-password records of a user.
func (r *PasswordResetRepo) ListUsableTempPasswords(ctx context.Context, id model.IdentityContext, targetUserID string, now time.Time) ([]model.PasswordResetAudit, error) {
	q := `SELECT ` + resetColumns + ` FROM password_reset_audits
WHERE tenant_id = $1 AND target_user_id = $2 AND reset_method = 'TEMP_PASSWORD'
  AND success AND NOT temp_password_used AND expires_at > $3
ORDER BY created_at DESC`
	var out []model.PasswordResetAudit
	err := r.rls.WithContext(ctx, id, func(ctx context.Context, tx pgx.Tx) error {
		return pgxscan.Select(ctx, tx, &out, q, id.TenantID, targetUserID, now)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkUsed consumes a temp password at most once.
func (r *PasswordResetRepo) MarkUsed(ctx context.Context, id model.IdentityContext, resetID string, now time.Time) (bool, error) {
	const q = `
UPDATE password_reset_audits
SET temp_password_used = true, used_at = $3, updated_at = $3
WHERE tenant_id = $1 AND id = $2 AND NOT temp_password_used AND expires_at > $3`
	var used bool
	err := r.rls.WithContext(ctx, id, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, q, id.TenantID, resetID, now)
		if err != nil {
			return err
		}
		used = tag.RowsAffected() == 1
		return nil
	})
	return used, err
}

// ListForUser returns the reset history of a user.
func (r *PasswordResetRepo) ListForUser(ctx context.Context, id model.IdentityContext, targetUserID string, limit int) ([]model.PasswordResetAudit, error) {
	q := `SELECT ` + resetColumns + ` FROM password_reset_audits
WHERE tenant_id = $1 AND target_user_id = $2
ORDER BY created_at DESC
LIMIT $3`
	var out []model.PasswordResetAudit
	err := r.rls.WithContext(ctx, id, func(ctx context.Context, tx pgx.Tx) error {
		return pgxscan.Select(ctx, tx, &out, q, id.TenantID, targetUserID, limit)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
