package postgres

import (
	"context"
	"errors"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/careshield/internal/errs"
	"github.com/and161185/careshield/internal/model"
	"github.com/and161185/careshield/internal/repository"
)

// RoleRepo implements repository.RoleRepository using PostgreSQL.
type RoleRepo struct{ rls *Propagator }

var _ repository.RoleRepository = (*RoleRepo)(nil)

// NewRoleRepo constructs a role repository.
func NewRoleRepo(rls *Propagator) *RoleRepo { return &RoleRepo{rls: rls} }

const roleColumns = `id, name, display_name, description, permissions, is_system, is_active,
tenant_id, created_by, updated_by, created_at, updated_at`

// Create inserts an active role. A concurrent insert of the same active name
// trips the partial unique index and is reported as a duplicate.
func (r *RoleRepo) Create(ctx context.Context, id model.IdentityContext, role *model.CustomRole, hook repository.Hook) error {
	const q = `
INSERT INTO custom_roles (id, tenant_id, name, display_name, description, permissions, is_system, is_active, created_by, updated_by)
VALUES ($1, $2, $3, $4, $5, $6, false, true, $7, $8)
RETURNING created_at, updated_at`
	return r.rls.WithContext(ctx, id, func(ctx context.Context, tx pgx.Tx) error {
		err := tx.QueryRow(ctx, q,
			role.ID, role.TenantID, role.Name, role.DisplayName, role.Description, role.Permissions,
			role.CreatedBy, role.UpdatedBy,
		).Scan(&role.CreatedAt, &role.UpdatedAt)
		if isUniqueViolation(err) {
			return errs.Invalid(errs.ErrDuplicateRoleName, role.Name)
		}
		if err != nil {
			return err
		}
		return runHook(ctx, hook)
	})
}

// GetActiveByName selects the active role with name in the caller's tenant.
func (r *RoleRepo) GetActiveByName(ctx context.Context, id model.IdentityContext, name string) (*model.CustomRole, error) {
	q := `SELECT ` + roleColumns + ` FROM custom_roles WHERE tenant_id = $1 AND name = $2 AND is_active`
	var role model.CustomRole
	err := r.rls.WithContext(ctx, id, func(ctx context.Context, tx pgx.Tx) error {
		return pgxscan.Get(ctx, tx, &role, q, id.TenantID, name)
	})
	if err != nil {
		return nil, notFound(err)
	}
	return &role, nil
}

// ListActive returns the active roles of the caller's tenant ordered by name.
func (r *RoleRepo) ListActive(ctx context.Context, id model.IdentityContext) ([]model.CustomRole, error) {
	q := `SELECT ` + roleColumns + ` FROM custom_roles WHERE tenant_id = $1 AND is_active ORDER BY name`
	var roles []model.CustomRole
	err := r.rls.WithContext(ctx, id, func(ctx context.Context, tx pgx.Tx) error {
		return pgxscan.Select(ctx, tx, &roles, q, id.TenantID)
	})
	if err != nil {
		return nil, err
	}
	return roles, nil
}

// Update stores the mutable attributes of an active, non-system role.
func (r *RoleRepo) Update(ctx context.Context, id model.IdentityContext, role *model.CustomRole, hook repository.Hook) error {
	const q = `
UPDATE custom_roles
SET display_name = $3, description = $4, permissions = $5, updated_by = $6, updated_at = now()
WHERE tenant_id = $1 AND id = $2 AND is_active AND NOT is_system
RETURNING updated_at`
	return r.rls.WithContext(ctx, id, func(ctx context.Context, tx pgx.Tx) error {
		err := tx.QueryRow(ctx, q,
			id.TenantID, role.ID, role.DisplayName, role.Description, role.Permissions, role.UpdatedBy,
		).Scan(&role.UpdatedAt)
		if err != nil {
			return notFound(err)
		}
		return runHook(ctx, hook)
	})
}

// Deactivate soft-deletes a role. The row is kept for audit attribution.
func (r *RoleRepo) Deactivate(ctx context.Context, id model.IdentityContext, roleID string, hook repository.Hook) error {
	const q = `
UPDATE custom_roles
SET is_active = false, updated_by = $3, updated_at = now()
WHERE tenant_id = $1 AND id = $2 AND is_active AND NOT is_system`
	return r.rls.WithContext(ctx, id, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, q, id.TenantID, roleID, id.UserID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errs.ErrNotFound
		}
		return runHook(ctx, hook)
	})
}

func runHook(ctx context.Context, hook repository.Hook) error {
	if hook == nil {
		return nil
	}
	return hook(ctx)
}

// notFound maps a missing row to errs.ErrNotFound and keeps other errors intact.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) || pgxscan.NotFound(err) {
		return errs.ErrNotFound
	}
	return err
}
