package authz

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/careshield/internal/errs"
	"github.com/and161185/careshield/internal/model"
	"github.com/and161185/careshield/internal/repository"
)

const (
	tenantA = "8f14e45f-ceea-467f-a0e6-2b7c0c7d1a11"
	tenantB = "45c48cce-2e2d-4fbd-b3b5-7a0a1c3f2b22"
)

type fakeRoles struct {
	mu     sync.Mutex
	byID   map[string]*model.CustomRole
	getErr error
	// commitErr fails the transaction after the hook ran.
	commitErr error
}

var _ repository.RoleRepository = (*fakeRoles)(nil)

func newFakeRoles() *fakeRoles { return &fakeRoles{byID: map[string]*model.CustomRole{}} }

func (f *fakeRoles) run(ctx context.Context, hook repository.Hook, apply func()) error {
	if hook != nil {
		if err := hook(ctx); err != nil {
			return err
		}
	}
	if f.commitErr != nil {
		return f.commitErr
	}
	apply()
	return nil
}

func (f *fakeRoles) Create(ctx context.Context, id model.IdentityContext, r *model.CustomRole, hook repository.Hook) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, x := range f.byID {
		if x.TenantID == id.TenantID && x.Name == r.Name && x.IsActive {
			return errs.Invalid(errs.ErrDuplicateRoleName, r.Name)
		}
	}
	return f.run(ctx, hook, func() {
		c := *r
		f.byID[r.ID] = &c
	})
}

func (f *fakeRoles) GetActiveByName(_ context.Context, id model.IdentityContext, name string) (*model.CustomRole, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	for _, x := range f.byID {
		if x.TenantID == id.TenantID && x.Name == name && x.IsActive {
			c := *x
			return &c, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (f *fakeRoles) ListActive(_ context.Context, id model.IdentityContext) ([]model.CustomRole, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.CustomRole
	for _, x := range f.byID {
		if x.TenantID == id.TenantID && x.IsActive {
			out = append(out, *x)
		}
	}
	return out, nil
}

func (f *fakeRoles) Update(ctx context.Context, id model.IdentityContext, r *model.CustomRole, hook repository.Hook) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byID[r.ID]; !ok {
		return errs.ErrNotFound
	}
	return f.run(ctx, hook, func() {
		c := *r
		f.byID[r.ID] = &c
	})
}

func (f *fakeRoles) Deactivate(ctx context.Context, id model.IdentityContext, roleID string, hook repository.Hook) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	x, ok := f.byID[roleID]
	if !ok {
		return errs.ErrNotFound
	}
	return f.run(ctx, hook, func() { x.IsActive = false })
}

// failingStore wraps a store and fails the selected operations.
type failingStore struct {
	Store
	registerErr  error
	userRolesErr error
}

func (s *failingStore) RegisterRole(ctx context.Context, tenantID, name string, perms []Permission) error {
	if s.registerErr != nil {
		return s.registerErr
	}
	return s.Store.RegisterRole(ctx, tenantID, name, perms)
}

func (s *failingStore) UserRoles(ctx context.Context, tenantID, userID string) ([]string, error) {
	if s.userRolesErr != nil {
		return nil, s.userRolesErr
	}
	return s.Store.UserRoles(ctx, tenantID, userID)
}

func owner(tenant string) model.IdentityContext {
	return model.IdentityContext{TenantID: tenant, UserID: "owner-1", UserRole: "OWNER"}
}

func newRegistry(t *testing.T) (*Registry, *fakeRoles, *RedisStore) {
	t.Helper()
	roles := newFakeRoles()
	store, _ := newRedisStore(t)
	return NewRegistry(roles, store, zaptest.NewLogger(t)), roles, store
}

func TestCreateCustomRole_OK(t *testing.T) {
	reg, _, store := newRegistry(t)
	ctx := context.Background()

	role, err := reg.CreateCustomRole(ctx, owner(tenantA), RoleDefinition{
		Name:        "nurse",
		Permissions: []string{"clients:read", "clients:write", "clients:read"},
	})
	require.NoError(t, err)
	require.Equal(t, "nurse", role.Name)
	require.Equal(t, "nurse", role.DisplayName)
	require.Equal(t, tenantA, role.TenantID)
	require.True(t, role.IsActive)
	require.False(t, role.IsSystem)
	require.Equal(t, []string{"clients:read", "clients:write"}, role.Permissions)

	perms, ok, err := store.RolePermissions(ctx, tenantA, "nurse")
	require.NoError(t, err)
	require.True(t, ok)
	require.ElementsMatch(t, []Permission{ClientsRead, ClientsWrite}, perms)
}

func TestCreateCustomRole_Rejections(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ctx := context.Background()

	admin := owner(tenantA)
	admin.UserRole = "ADMIN"
	_, err := reg.CreateCustomRole(ctx, admin, RoleDefinition{Name: "nurse"})
	require.ErrorIs(t, err, errs.ErrInsufficientRolePermission)

	_, err = reg.CreateCustomRole(ctx, owner(tenantA), RoleDefinition{Name: "Admin"})
	require.ErrorIs(t, err, errs.ErrNameConflictsWithSystemRole)

	_, err = reg.CreateCustomRole(ctx, owner(tenantA), RoleDefinition{Name: "nurse", Permissions: []string{"users:read", "users:fly", "x"}})
	require.ErrorIs(t, err, errs.ErrUnknownPermission)
	var items *errs.InvalidItemsError
	require.True(t, errors.As(err, &items))
	require.Equal(t, []string{"users:fly", "x"}, items.Items)

	_, err = reg.CreateCustomRole(ctx, owner(tenantA), RoleDefinition{Name: "  "})
	require.ErrorIs(t, err, errs.ErrInvalidInput)

	_, err = reg.CreateCustomRole(ctx, owner("not-a-uuid"), RoleDefinition{Name: "nurse"})
	require.ErrorIs(t, err, errs.ErrInvalidTenantContext)
}

func TestCreateCustomRole_DuplicatePerTenant(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ctx := context.Background()

	_, err := reg.CreateCustomRole(ctx, owner(tenantA), RoleDefinition{Name: "nurse"})
	require.NoError(t, err)
	_, err = reg.CreateCustomRole(ctx, owner(tenantA), RoleDefinition{Name: "nurse"})
	require.ErrorIs(t, err, errs.ErrDuplicateRoleName)

	_, err = reg.CreateCustomRole(ctx, owner(tenantB), RoleDefinition{Name: "nurse"})
	require.NoError(t, err, "same name in another tenant is allowed")

	require.NoError(t, reg.DeleteCustomRole(ctx, owner(tenantA), "nurse"))
	_, err = reg.CreateCustomRole(ctx, owner(tenantA), RoleDefinition{Name: "nurse"})
	require.NoError(t, err, "name is free again after deactivation")
}

func TestCreateCustomRole_StoreFailureLeavesNoRow(t *testing.T) {
	roles := newFakeRoles()
	base, _ := newRedisStore(t)
	store := &failingStore{Store: base, registerErr: errors.New("redis down")}
	reg := NewRegistry(roles, store, zaptest.NewLogger(t))

	_, err := reg.CreateCustomRole(context.Background(), owner(tenantA), RoleDefinition{Name: "nurse"})
	require.Error(t, err)
	require.Empty(t, roles.byID)
}

func TestCreateCustomRole_CommitFailureUnregisters(t *testing.T) {
	reg, roles, store := newRegistry(t)
	roles.commitErr = errors.New("commit failed")

	_, err := reg.CreateCustomRole(context.Background(), owner(tenantA), RoleDefinition{Name: "nurse", Permissions: []string{"users:read"}})
	require.Error(t, err)

	_, ok, err := store.RolePermissions(context.Background(), tenantA, "nurse")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUpdateAndDelete_SystemRolesImmutable(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ctx := context.Background()

	_, err := reg.UpdateCustomRole(ctx, owner(tenantA), "OWNER", RoleUpdate{})
	require.ErrorIs(t, err, errs.ErrCannotModifySystemRole)
	require.ErrorIs(t, reg.DeleteCustomRole(ctx, owner(tenantA), "staff"), errs.ErrCannotModifySystemRole)

	require.ErrorIs(t, reg.DeleteCustomRole(ctx, owner(tenantA), "ghost"), errs.ErrRoleNotFound)
}

func TestUpdateAndDelete_SystemRolesImmutableForEveryCaller(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ctx := context.Background()

	for _, caller := range []string{"OWNER", "ADMIN", "STAFF"} {
		actor := owner(tenantA)
		actor.UserRole = caller
		for _, target := range []string{"OWNER", "ADMIN", "STAFF", "admin"} {
			_, err := reg.UpdateCustomRole(ctx, actor, target, RoleUpdate{})
			require.ErrorIs(t, err, errs.ErrCannotModifySystemRole, "%s update %s", caller, target)
			err = reg.DeleteCustomRole(ctx, actor, target)
			require.ErrorIs(t, err, errs.ErrCannotModifySystemRole, "%s delete %s", caller, target)
		}
	}
}

func TestUpdateAndDelete_SystemFlaggedRow(t *testing.T) {
	reg, roles, _ := newRegistry(t)
	roles.byID["r1"] = &model.CustomRole{ID: "r1", Name: "legacy", TenantID: tenantA, IsActive: true, IsSystem: true}

	_, err := reg.UpdateCustomRole(context.Background(), owner(tenantA), "legacy", RoleUpdate{})
	require.ErrorIs(t, err, errs.ErrCannotModifySystemRole)
	require.ErrorIs(t, reg.DeleteCustomRole(context.Background(), owner(tenantA), "legacy"), errs.ErrCannotModifySystemRole)
}

func TestUpdateCustomRole(t *testing.T) {
	reg, _, store := newRegistry(t)
	ctx := context.Background()

	_, err := reg.CreateCustomRole(ctx, owner(tenantA), RoleDefinition{Name: "nurse", Permissions: []string{"clients:read"}})
	require.NoError(t, err)

	display := "Senior nurse"
	role, err := reg.UpdateCustomRole(ctx, owner(tenantA), "nurse", RoleUpdate{
		DisplayName: &display,
		Permissions: []string{"clients:read", "clients:write"},
	})
	require.NoError(t, err)
	require.Equal(t, display, role.DisplayName)

	perms, _, _ := store.RolePermissions(ctx, tenantA, "nurse")
	require.ElementsMatch(t, []Permission{ClientsRead, ClientsWrite}, perms)

	_, err = reg.UpdateCustomRole(ctx, owner(tenantA), "nurse", RoleUpdate{Permissions: []string{"clients:fly"}})
	require.ErrorIs(t, err, errs.ErrUnknownPermission)

	staff := owner(tenantA)
	staff.UserRole = "STAFF"
	_, err = reg.UpdateCustomRole(ctx, staff, "nurse", RoleUpdate{})
	require.ErrorIs(t, err, errs.ErrInsufficientRolePermission)
}

func TestDeleteCustomRole_SoftDeactivates(t *testing.T) {
	reg, roles, store := newRegistry(t)
	ctx := context.Background()

	role, err := reg.CreateCustomRole(ctx, owner(tenantA), RoleDefinition{Name: "nurse", Permissions: []string{"clients:read"}})
	require.NoError(t, err)
	require.NoError(t, reg.AssignRoleToUser(ctx, owner(tenantA), "nurse", "u1"))

	admin := owner(tenantA)
	admin.UserRole = "ADMIN"
	require.ErrorIs(t, reg.DeleteCustomRole(ctx, admin, "nurse"), errs.ErrInsufficientRolePermission)

	require.NoError(t, reg.DeleteCustomRole(ctx, owner(tenantA), "nurse"))
	kept, ok := roles.byID[role.ID]
	require.True(t, ok, "row is kept")
	require.False(t, kept.IsActive)

	names, _ := store.UserRoles(ctx, tenantA, "u1")
	require.Empty(t, names)
	require.ErrorIs(t, reg.AssignRoleToUser(ctx, owner(tenantA), "nurse", "u1"), errs.ErrRoleNotFound)
}

func TestDeleteCustomRole_CommitFailureRestoresStore(t *testing.T) {
	reg, roles, store := newRegistry(t)
	ctx := context.Background()

	role, err := reg.CreateCustomRole(ctx, owner(tenantA), RoleDefinition{Name: "nurse", Permissions: []string{"clients:read"}})
	require.NoError(t, err)
	require.NoError(t, reg.AssignRoleToUser(ctx, owner(tenantA), "nurse", "u1"))
	require.NoError(t, reg.AssignRoleToUser(ctx, owner(tenantA), "nurse", "u2"))

	roles.commitErr = errors.New("commit failed")
	require.Error(t, reg.DeleteCustomRole(ctx, owner(tenantA), "nurse"))
	require.True(t, roles.byID[role.ID].IsActive)

	perms, ok, err := store.RolePermissions(ctx, tenantA, "nurse")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []Permission{ClientsRead}, perms)
	for _, u := range []string{"u1", "u2"} {
		names, err := store.UserRoles(ctx, tenantA, u)
		require.NoError(t, err)
		require.Equal(t, []string{"nurse"}, names)
	}
	members, err := store.RoleMembers(ctx, tenantA, "nurse")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"u1", "u2"}, members)
}

func TestAssignAndRemove(t *testing.T) {
	reg, _, store := newRegistry(t)
	ctx := context.Background()

	require.ErrorIs(t, reg.AssignRoleToUser(ctx, owner(tenantA), "nurse", "u1"), errs.ErrRoleNotFound)
	require.ErrorIs(t, reg.RemoveRoleFromUser(ctx, owner(tenantA), "nurse", "u1"), errs.ErrRoleNotFound)

	require.NoError(t, reg.AssignRoleToUser(ctx, owner(tenantA), "admin", "u1"))
	names, _ := store.UserRoles(ctx, tenantA, "u1")
	require.Equal(t, []string{"ADMIN"}, names)

	require.NoError(t, reg.RemoveRoleFromUser(ctx, owner(tenantA), "ADMIN", "u1"))
	names, _ = store.UserRoles(ctx, tenantA, "u1")
	require.Empty(t, names)

	_, err := reg.CreateCustomRole(ctx, owner(tenantB), RoleDefinition{Name: "nurse"})
	require.NoError(t, err)
	require.ErrorIs(t, reg.AssignRoleToUser(ctx, owner(tenantA), "nurse", "u1"), errs.ErrRoleNotFound, "roles are tenant scoped")
}

func TestAssign_CannotGrantBeyondOwnPermissions(t *testing.T) {
	reg, _, store := newRegistry(t)
	ctx := context.Background()
	admin := model.IdentityContext{TenantID: tenantA, UserID: "admin-1", UserRole: "ADMIN"}

	require.ErrorIs(t, reg.AssignRoleToUser(ctx, admin, "OWNER", admin.UserID), errs.ErrInsufficientRolePermission)
	require.ErrorIs(t, reg.AssignRoleToUser(ctx, admin, "owner", "u1"), errs.ErrInsufficientRolePermission)
	ok, err := reg.HasPermission(ctx, admin, TenantManage)
	require.NoError(t, err)
	require.False(t, ok)
	names, _ := store.UserRoles(ctx, tenantA, admin.UserID)
	require.Empty(t, names)

	_, err = reg.CreateCustomRole(ctx, owner(tenantA), RoleDefinition{Name: "janitor", Permissions: []string{"roles:delete"}})
	require.NoError(t, err)
	require.ErrorIs(t, reg.AssignRoleToUser(ctx, admin, "janitor", "u1"), errs.ErrInsufficientRolePermission)

	require.NoError(t, reg.AssignRoleToUser(ctx, owner(tenantA), "OWNER", "u2"))
	require.ErrorIs(t, reg.RemoveRoleFromUser(ctx, admin, "OWNER", "u2"), errs.ErrInsufficientRolePermission)

	require.NoError(t, reg.AssignRoleToUser(ctx, admin, "STAFF", "u1"))
	require.NoError(t, reg.AssignRoleToUser(ctx, admin, "ADMIN", "u1"))
	names, _ = store.UserRoles(ctx, tenantA, "u1")
	require.ElementsMatch(t, []string{"STAFF", "ADMIN"}, names)
}

func TestEffectivePermissions_IsUnion(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ctx := context.Background()

	_, err := reg.CreateCustomRole(ctx, owner(tenantA), RoleDefinition{Name: "auditor", Permissions: []string{"audit:read"}})
	require.NoError(t, err)
	_, err = reg.CreateCustomRole(ctx, owner(tenantA), RoleDefinition{Name: "biller", Permissions: []string{"facilities:write"}})
	require.NoError(t, err)
	require.NoError(t, reg.AssignRoleToUser(ctx, owner(tenantA), "auditor", "u1"))
	require.NoError(t, reg.AssignRoleToUser(ctx, owner(tenantA), "biller", "u1"))

	staff := model.IdentityContext{TenantID: tenantA, UserID: "u1", UserRole: "STAFF"}
	perms, err := reg.EffectivePermissions(ctx, staff)
	require.NoError(t, err)
	require.ElementsMatch(t, []Permission{UsersRead, FacilitiesRead, ClientsRead, ClientsWrite, RolesRead, AuditRead, FacilitiesWrite}, perms)

	ok, err := reg.HasPermission(ctx, staff, AuditRead)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = reg.HasPermission(ctx, staff, AuditExport)
	require.NoError(t, err)
	require.False(t, ok)

	other := staff
	other.TenantID = tenantB
	ok, err = reg.HasPermission(ctx, other, AuditRead)
	require.NoError(t, err)
	require.False(t, ok, "assignments do not leak across tenants")
}

func TestHasPermission_StoreFailure(t *testing.T) {
	roles := newFakeRoles()
	base, _ := newRedisStore(t)
	store := &failingStore{Store: base, userRolesErr: errors.New("redis down")}
	reg := NewRegistry(roles, store, zaptest.NewLogger(t))
	staff := model.IdentityContext{TenantID: tenantA, UserID: "u1", UserRole: "STAFF"}

	ok, err := reg.HasPermission(context.Background(), staff, ClientsRead)
	require.NoError(t, err, "system permissions need no store round trip")
	require.True(t, ok)

	_, err = reg.HasPermission(context.Background(), staff, AuditRead)
	require.Error(t, err)
	require.Error(t, Require(context.Background(), reg, staff, AuditRead, errs.ErrPermissionDenied))
}

func TestGetAllTenantRoles(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ctx := context.Background()

	_, err := reg.CreateCustomRole(ctx, owner(tenantA), RoleDefinition{Name: "nurse"})
	require.NoError(t, err)
	_, err = reg.CreateCustomRole(ctx, owner(tenantA), RoleDefinition{Name: "gone"})
	require.NoError(t, err)
	require.NoError(t, reg.DeleteCustomRole(ctx, owner(tenantA), "gone"))

	got, err := reg.GetAllTenantRoles(ctx, owner(tenantA), tenantA)
	require.NoError(t, err)
	require.Len(t, got.SystemRoles, 3)
	require.Len(t, got.CustomRoles, 1)
	require.Equal(t, "nurse", got.CustomRoles[0].Name)

	_, err = reg.GetAllTenantRoles(ctx, owner(tenantA), tenantB)
	require.ErrorIs(t, err, errs.ErrCrossTenantAccessDenied)

	r, err := reg.GetCustomRole(ctx, owner(tenantA), "nurse")
	require.NoError(t, err)
	require.Equal(t, "nurse", r.Name)
	_, err = reg.GetCustomRole(ctx, owner(tenantA), "gone")
	require.ErrorIs(t, err, errs.ErrRoleNotFound)
}
