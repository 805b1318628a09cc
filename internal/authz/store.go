package authz

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
)

// Store is the authorization store backing permission checks. Roles are
// addressed by the logical (tenantID, name) pair.
type Store interface {
	// RegisterRole stores (or replaces) the permission set of a role.
	RegisterRole(ctx context.Context, tenantID, name string, perms []Permission) error
	// UnregisterRole removes a role and its assignments.
	UnregisterRole(ctx context.Context, tenantID, name string) error
	AssignRole(ctx context.Context, tenantID, userID, name string) error
	RemoveRole(ctx context.Context, tenantID, userID, name string) error
	// RoleMembers lists the users holding a role.
	RoleMembers(ctx context.Context, tenantID, name string) ([]string, error)
	// UserRoles lists the role names assigned to a user.
	UserRoles(ctx context.Context, tenantID, userID string) ([]string, error)
	// RolePermissions returns a registered role's permissions; false when unregistered.
	RolePermissions(ctx context.Context, tenantID, name string) ([]Permission, bool, error)
}

const (
	rolePrefix    = "authz:role:"
	userPrefix    = "authz:user:"
	membersPrefix = "authz:members:"
)

// roleKey is the per-tenant role identity inside the store.
func roleKey(tenantID, name string) string { return tenantID + "_" + name }

// RedisStore keeps role permission sets and user assignments in Redis sets.
type RedisStore struct {
	client redis.UniversalClient
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore constructs a store over an existing client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func userKey(tenantID, userID string) string { return userPrefix + tenantID + ":" + userID }

func (s *RedisStore) RegisterRole(ctx context.Context, tenantID, name string, perms []Permission) error {
	key := rolePrefix + roleKey(tenantID, name)
	members := make([]any, 0, len(perms)+1)
	// the empty marker keeps a role with no permissions registered
	members = append(members, "")
	for _, p := range perms {
		members = append(members, string(p))
	}
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.SAdd(ctx, key, members...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("register role: %w", err)
	}
	return nil
}

func (s *RedisStore) UnregisterRole(ctx context.Context, tenantID, name string) error {
	rk := roleKey(tenantID, name)
	users, err := s.RoleMembers(ctx, tenantID, name)
	if err != nil {
		return fmt.Errorf("unregister role: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, u := range users {
			p.SRem(ctx, userKey(tenantID, u), rk)
		}
		p.Del(ctx, rolePrefix+rk, membersPrefix+rk)
		return nil
	})
	if err != nil {
		return fmt.Errorf("unregister role: %w", err)
	}
	return nil
}

func (s *RedisStore) AssignRole(ctx context.Context, tenantID, userID, name string) error {
	rk := roleKey(tenantID, name)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, userKey(tenantID, userID), rk)
		p.SAdd(ctx, membersPrefix+rk, userID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	return nil
}

func (s *RedisStore) RemoveRole(ctx context.Context, tenantID, userID, name string) error {
	rk := roleKey(tenantID, name)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SRem(ctx, userKey(tenantID, userID), rk)
		p.SRem(ctx, membersPrefix+rk, userID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove role: %w", err)
	}
	return nil
}

func (s *RedisStore) RoleMembers(ctx context.Context, tenantID, name string) ([]string, error) {
	users, err := s.client.SMembers(ctx, membersPrefix+roleKey(tenantID, name)).Result()
	if err != nil {
		return nil, fmt.Errorf("role members: %w", err)
	}
	return users, nil
}

func (s *RedisStore) UserRoles(ctx context.Context, tenantID, userID string) ([]string, error) {
	keys, err := s.client.SMembers(ctx, userKey(tenantID, userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("user roles: %w", err)
	}
	prefix := tenantID + "_"
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if name := strings.TrimPrefix(k, prefix); name != k {
			out = append(out, name)
		}
	}
	return out, nil
}

func (s *RedisStore) RolePermissions(ctx context.Context, tenantID, name string) ([]Permission, bool, error) {
	vals, err := s.client.SMembers(ctx, rolePrefix+roleKey(tenantID, name)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("role permissions: %w", err)
	}
	if len(vals) == 0 {
		return nil, false, nil
	}
	out := make([]Permission, 0, len(vals))
	for _, v := range vals {
		if v == "" {
			continue
		}
		out = append(out, Permission(v))
	}
	return out, true, nil
}
