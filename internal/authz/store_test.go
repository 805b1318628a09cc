package authz

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr
}

func TestRedisStore_RolesAndAssignments(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterRole(ctx, "t1", "nurse", []Permission{ClientsRead, ClientsWrite}))
	require.NoError(t, s.RegisterRole(ctx, "t2", "nurse", []Permission{UsersRead}))
	require.True(t, mr.Exists("authz:role:t1_nurse"))

	perms, ok, err := s.RolePermissions(ctx, "t1", "nurse")
	require.NoError(t, err)
	require.True(t, ok)
	require.ElementsMatch(t, []Permission{ClientsRead, ClientsWrite}, perms)

	require.NoError(t, s.RegisterRole(ctx, "t1", "nurse", []Permission{ClientsRead}))
	perms, _, _ = s.RolePermissions(ctx, "t1", "nurse")
	require.Equal(t, []Permission{ClientsRead}, perms)

	require.NoError(t, s.AssignRole(ctx, "t1", "u1", "nurse"))
	require.NoError(t, s.AssignRole(ctx, "t1", "u1", "STAFF"))
	names, err := s.UserRoles(ctx, "t1", "u1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"nurse", "STAFF"}, names)

	names, err = s.UserRoles(ctx, "t2", "u1")
	require.NoError(t, err)
	require.Empty(t, names)

	members, err := s.RoleMembers(ctx, "t1", "nurse")
	require.NoError(t, err)
	require.Equal(t, []string{"u1"}, members)

	require.NoError(t, s.RemoveRole(ctx, "t1", "u1", "STAFF"))
	names, _ = s.UserRoles(ctx, "t1", "u1")
	require.Equal(t, []string{"nurse"}, names)

	require.NoError(t, s.UnregisterRole(ctx, "t1", "nurse"))
	_, ok, err = s.RolePermissions(ctx, "t1", "nurse")
	require.NoError(t, err)
	require.False(t, ok)
	names, _ = s.UserRoles(ctx, "t1", "u1")
	require.Empty(t, names)
	members, _ = s.RoleMembers(ctx, "t1", "nurse")
	require.Empty(t, members)

	_, ok, _ = s.RolePermissions(ctx, "t2", "nurse")
	require.True(t, ok, "other tenant's role is untouched")
}

func TestRedisStore_EmptyRoleStaysRegistered(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterRole(ctx, "t1", "observer", nil))
	perms, ok, err := s.RolePermissions(ctx, "t1", "observer")
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, perms)
}

func TestRedisStore_Unavailable(t *testing.T) {
	s, mr := newRedisStore(t)
	mr.Close()

	err := s.RegisterRole(context.Background(), "t1", "nurse", []Permission{UsersRead})
	require.Error(t, err)
}
