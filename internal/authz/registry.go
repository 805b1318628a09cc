package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/careshield/internal/errs"
	"github.com/and161185/careshield/internal/identity"
	"github.com/and161185/careshield/internal/model"
	"github.com/and161185/careshield/internal/repository"
)

// RoleDefinition is the input of CreateCustomRole.
type RoleDefinition struct {
	Name        string
	DisplayName string
	Description *string
	Permissions []string
}

// RoleUpdate carries the mutable attributes of a custom role. Nil fields are left as is.
type RoleUpdate struct {
	DisplayName *string
	Description *string
	Permissions []string
}

// TenantRoles is every role usable in a tenant.
type TenantRoles struct {
	SystemRoles []SystemRole       `json:"systemRoles"`
	CustomRoles []model.CustomRole `json:"customRoles"`
}

// Checker answers permission questions for an actor.
type Checker interface {
	HasPermission(ctx context.Context, id model.IdentityContext, p Permission) (bool, error)
}

// Registry manages system and custom roles of tenants and the permission checks
// derived from them.
type Registry struct {
	roles repository.RoleRepository
	store Store
	log   *zap.Logger
}

var _ Checker = (*Registry)(nil)

// NewRegistry constructs a Registry.
func NewRegistry(roles repository.RoleRepository, store Store, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{roles: roles, store: store, log: log}
}

// CreateCustomRole persists a new role and registers it in the authorization store.
// Both writes succeed or neither is visible.
func (r *Registry) CreateCustomRole(ctx context.Context, id model.IdentityContext, def RoleDefinition) (*model.CustomRole, error) {
	tenantID, err := identity.VerifyTenantAccess(id, "")
	if err != nil {
		return nil, err
	}
	if id.UserRole != string(model.RoleOwner) {
		return nil, errs.ErrInsufficientRolePermission
	}
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name is empty", errs.ErrInvalidInput)
	}
	if IsSystemRoleName(name) {
		return nil, errs.Invalid(errs.ErrNameConflictsWithSystemRole, name)
	}
	perms, err := checkPermissions(def.Permissions)
	if err != nil {
		return nil, err
	}
	if _, err := r.roles.GetActiveByName(ctx, id, name); err == nil {
		return nil, errs.Invalid(errs.ErrDuplicateRoleName, name)
	} else if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	rid, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	display := strings.TrimSpace(def.DisplayName)
	if display == "" {
		display = name
	}
	actor := id.UserID
	role := &model.CustomRole{
		ID:          rid.String(),
		Name:        name,
		DisplayName: display,
		Description: def.Description,
		Permissions: permStrings(perms),
		IsActive:    true,
		TenantID:    tenantID,
		CreatedBy:   &actor,
		UpdatedBy:   &actor,
	}

	registered := false
	err = r.roles.Create(ctx, id, role, func(ctx context.Context) error {
		if err := r.store.RegisterRole(ctx, tenantID, name, perms); err != nil {
			return err
		}
		registered = true
		return nil
	})
	if err != nil {
		if registered {
			r.compensate(ctx, "create", tenantID, name, func(ctx context.Context) error {
				return r.store.UnregisterRole(ctx, tenantID, name)
			})
		}
		return nil, fmt.Errorf("create role %q: %w", name, err)
	}
	r.log.Info("custom role created",
		zap.String("tenant_id", tenantID),
		zap.String("role", name),
		zap.String("actor", id.UserID),
		zap.Int("permissions", len(perms)),
	)
	return role, nil
}

// UpdateCustomRole changes an active custom role and re-registers its permissions.
func (r *Registry) UpdateCustomRole(ctx context.Context, id model.IdentityContext, name string, upd RoleUpdate) (*model.CustomRole, error) {
	tenantID, err := r.authorizeChange(ctx, id, name, RolesManage)
	if err != nil {
		return nil, err
	}
	role, err := r.customRole(ctx, id, name)
	if err != nil {
		return nil, err
	}
	prev := role.Permissions

	if upd.DisplayName != nil {
		d := strings.TrimSpace(*upd.DisplayName)
		if d == "" {
			return nil, fmt.Errorf("%w: display name is empty", errs.ErrInvalidInput)
		}
		role.DisplayName = d
	}
	if upd.Description != nil {
		role.Description = upd.Description
	}
	perms, err := checkPermissions(role.Permissions)
	if upd.Permissions != nil {
		perms, err = checkPermissions(upd.Permissions)
	}
	if err != nil {
		return nil, err
	}
	role.Permissions = permStrings(perms)
	actor := id.UserID
	role.UpdatedBy = &actor

	registered := false
	err = r.roles.Update(ctx, id, role, func(ctx context.Context) error {
		if err := r.store.RegisterRole(ctx, tenantID, role.Name, perms); err != nil {
			return err
		}
		registered = true
		return nil
	})
	if err != nil {
		if registered {
			r.compensate(ctx, "update", tenantID, role.Name, func(ctx context.Context) error {
				return r.store.RegisterRole(ctx, tenantID, role.Name, toPermissions(prev))
			})
		}
		return nil, fmt.Errorf("update role %q: %w", role.Name, err)
	}
	r.log.Info("custom role updated", zap.String("tenant_id", tenantID), zap.String("role", role.Name), zap.String("actor", id.UserID))
	return role, nil
}

// DeleteCustomRole soft-deactivates a custom role and drops its registration and
// assignments from the authorization store. The row stays for audit attribution.
func (r *Registry) DeleteCustomRole(ctx context.Context, id model.IdentityContext, name string) error {
	tenantID, err := r.authorizeChange(ctx, id, name, RolesDelete)
	if err != nil {
		return err
	}
	role, err := r.customRole(ctx, id, name)
	if err != nil {
		return err
	}
	var (
		members      []string
		unregistered bool
	)
	err = r.roles.Deactivate(ctx, id, role.ID, func(ctx context.Context) error {
		m, err := r.store.RoleMembers(ctx, tenantID, role.Name)
		if err != nil {
			return err
		}
		members = m
		if err := r.store.UnregisterRole(ctx, tenantID, role.Name); err != nil {
			return err
		}
		unregistered = true
		return nil
	})
	if err != nil {
		if unregistered {
			r.compensate(ctx, "delete", tenantID, role.Name, func(ctx context.Context) error {
				if err := r.store.RegisterRole(ctx, tenantID, role.Name, toPermissions(role.Permissions)); err != nil {
					return err
				}
				for _, u := range members {
					if err := r.store.AssignRole(ctx, tenantID, u, role.Name); err != nil {
						return err
					}
				}
				return nil
			})
		}
		return fmt.Errorf("delete role %q: %w", role.Name, err)
	}
	r.log.Info("custom role deactivated", zap.String("tenant_id", tenantID), zap.String("role", role.Name), zap.String("actor", id.UserID))
	return nil
}

// AssignRoleToUser grants a system or active custom role to a user of the caller's tenant.
func (r *Registry) AssignRoleToUser(ctx context.Context, id model.IdentityContext, roleName, userID string) error {
	tenantID, name, err := r.assignable(ctx, id, roleName, userID)
	if err != nil {
		return err
	}
	if err := r.store.AssignRole(ctx, tenantID, userID, name); err != nil {
		return err
	}
	r.log.Info("role assigned", zap.String("tenant_id", tenantID), zap.String("role", name), zap.String("user_id", userID), zap.String("actor", id.UserID))
	return nil
}

// RemoveRoleFromUser revokes a role assignment.
func (r *Registry) RemoveRoleFromUser(ctx context.Context, id model.IdentityContext, roleName, userID string) error {
	tenantID, name, err := r.assignable(ctx, id, roleName, userID)
	if err != nil {
		return err
	}
	if err := r.store.RemoveRole(ctx, tenantID, userID, name); err != nil {
		return err
	}
	r.log.Info("role removed", zap.String("tenant_id", tenantID), zap.String("role", name), zap.String("user_id", userID), zap.String("actor", id.UserID))
	return nil
}

// GetAllTenantRoles returns the system roles and every active custom role of tenantID.
func (r *Registry) GetAllTenantRoles(ctx context.Context, id model.IdentityContext, tenantID string) (TenantRoles, error) {
	if _, err := identity.VerifyTenantAccess(id, tenantID); err != nil {
		return TenantRoles{}, err
	}
	if _, err := r.authorize(ctx, id, RolesRead); err != nil {
		return TenantRoles{}, err
	}
	custom, err := r.roles.ListActive(ctx, id)
	if err != nil {
		return TenantRoles{}, err
	}
	return TenantRoles{SystemRoles: SystemRoleDefinitions(), CustomRoles: custom}, nil
}

// GetCustomRole returns an active custom role by name.
func (r *Registry) GetCustomRole(ctx context.Context, id model.IdentityContext, name string) (*model.CustomRole, error) {
	if _, err := r.authorize(ctx, id, RolesRead); err != nil {
		return nil, err
	}
	role, err := r.roles.GetActiveByName(ctx, id, strings.TrimSpace(name))
	if errors.Is(err, errs.ErrNotFound) {
		return nil, errs.ErrRoleNotFound
	}
	return role, err
}

// EffectivePermissions is the union of the permissions of the actor's session role
// and of every role assigned to the actor. There is no precedence between roles.
func (r *Registry) EffectivePermissions(ctx context.Context, id model.IdentityContext) ([]Permission, error) {
	set := make(map[Permission]struct{})
	if base, ok := SystemPermissions(id.UserRole); ok {
		for _, p := range base {
			set[p] = struct{}{}
		}
	}
	names, err := r.store.UserRoles(ctx, id.TenantID, id.UserID)
	if err != nil {
		return nil, err
	}
	for _, n := range names {
		if perms, ok := SystemPermissions(n); ok {
			for _, p := range perms {
				set[p] = struct{}{}
			}
			continue
		}
		perms, ok, err := r.store.RolePermissions(ctx, id.TenantID, n)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		for _, p := range perms {
			if _, known := catalogSet[p]; known {
				set[p] = struct{}{}
			}
		}
	}
	return sortedPermissions(set), nil
}

// HasPermission reports whether p is among the actor's effective permissions.
func (r *Registry) HasPermission(ctx context.Context, id model.IdentityContext, p Permission) (bool, error) {
	if base, ok := SystemPermissions(id.UserRole); ok && contains(base, p) {
		return true, nil
	}
	perms, err := r.EffectivePermissions(ctx, id)
	if err != nil {
		return false, err
	}
	return contains(perms, p), nil
}

// Require returns deny when the actor lacks p. Store failures are returned as is.
func Require(ctx context.Context, c Checker, id model.IdentityContext, p Permission, deny error) error {
	ok, err := c.HasPermission(ctx, id, p)
	if err != nil {
		return fmt.Errorf("check %s: %w", p, err)
	}
	if !ok {
		return deny
	}
	return nil
}

func (r *Registry) authorize(ctx context.Context, id model.IdentityContext, p Permission) (string, error) {
	tenantID, err := identity.VerifyTenantAccess(id, "")
	if err != nil {
		return "", err
	}
	if err := Require(ctx, r, id, p, errs.ErrInsufficientRolePermission); err != nil {
		return "", err
	}
	return tenantID, nil
}

// authorizeChange rejects system role names ahead of the permission check.
func (r *Registry) authorizeChange(ctx context.Context, id model.IdentityContext, name string, p Permission) (string, error) {
	tenantID, err := identity.VerifyTenantAccess(id, "")
	if err != nil {
		return "", err
	}
	if IsSystemRoleName(name) {
		return "", errs.ErrCannotModifySystemRole
	}
	if err := Require(ctx, r, id, p, errs.ErrInsufficientRolePermission); err != nil {
		return "", err
	}
	return tenantID, nil
}

func (r *Registry) customRole(ctx context.Context, id model.IdentityContext, name string) (*model.CustomRole, error) {
	name = strings.TrimSpace(name)
	if IsSystemRoleName(name) {
		return nil, errs.ErrCannotModifySystemRole
	}
	role, err := r.roles.GetActiveByName(ctx, id, name)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, errs.ErrRoleNotFound
	}
	if err != nil {
		return nil, err
	}
	if role.IsSystem {
		return nil, errs.ErrCannotModifySystemRole
	}
	return role, nil
}

func (r *Registry) assignable(ctx context.Context, id model.IdentityContext, roleName, userID string) (string, string, error) {
	tenantID, err := r.authorize(ctx, id, RolesManage)
	if err != nil {
		return "", "", err
	}
	if strings.TrimSpace(userID) == "" {
		return "", "", fmt.Errorf("%w: user id is empty", errs.ErrInvalidInput)
	}
	name := strings.TrimSpace(roleName)
	var grants []Permission
	if IsSystemRoleName(name) {
		name = strings.ToUpper(name)
		grants, _ = SystemPermissions(name)
	} else {
		role, err := r.roles.GetActiveByName(ctx, id, name)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				return "", "", errs.ErrRoleNotFound
			}
			return "", "", err
		}
		grants = toPermissions(role.Permissions)
	}
	// An actor only hands out or takes away permissions it holds itself.
	held, err := r.EffectivePermissions(ctx, id)
	if err != nil {
		return "", "", err
	}
	for _, p := range grants {
		if !contains(held, p) {
			return "", "", errs.ErrInsufficientRolePermission
		}
	}
	return tenantID, name, nil
}

// compensate undoes a store write whose database transaction did not commit.
func (r *Registry) compensate(ctx context.Context, op, tenantID, name string, fn func(context.Context) error) {
	if err := fn(context.WithoutCancel(ctx)); err != nil {
		r.log.Error("authorization store left inconsistent",
			zap.String("op", op),
			zap.String("tenant_id", tenantID),
			zap.String("role", name),
			zap.Error(err),
		)
	}
}

func checkPermissions(requested []string) ([]Permission, error) {
	valid, invalid := ValidatePermissions(requested)
	if len(invalid) > 0 {
		return nil, errs.Invalid(errs.ErrUnknownPermission, invalid...)
	}
	seen := make(map[string]struct{}, len(valid))
	out := make([]Permission, 0, len(valid))
	for _, v := range valid {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, Permission(v))
	}
	return out, nil
}

func permStrings(ps []Permission) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}

func toPermissions(ss []string) []Permission {
	out := make([]Permission, len(ss))
	for i, s := range ss {
		out[i] = Permission(s)
	}
	return out
}

func contains(ps []Permission, p Permission) bool {
	for _, x := range ps {
		if x == p {
			return true
		}
	}
	return false
}
