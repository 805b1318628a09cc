// Package authz holds the permission catalog, the fixed system roles and the
// tenant custom role registry.
package authz

import (
	"sort"
	"strings"

	"github.com/and161185/careshield/internal/model"
)

// Permission is a "<resource>:<action>" entry of the global catalog.
type Permission string

const (
	UsersRead   Permission = "users:read"
	UsersWrite  Permission = "users:write"
	UsersDelete Permission = "users:delete"
	UsersInvite Permission = "users:invite"

	FacilitiesRead   Permission = "facilities:read"
	FacilitiesWrite  Permission = "facilities:write"
	FacilitiesDelete Permission = "facilities:delete"

	ClientsRead   Permission = "clients:read"
	ClientsWrite  Permission = "clients:write"
	ClientsDelete Permission = "clients:delete"

	AuditRead   Permission = "audit:read"
	AuditExport Permission = "audit:export"

	TenantManage Permission = "tenant:manage"

	RolesManage Permission = "roles:manage"
	RolesRead   Permission = "roles:read"
	RolesCreate Permission = "roles:create"
	RolesDelete Permission = "roles:delete"
)

var catalog = []Permission{
	UsersRead, UsersWrite, UsersDelete, UsersInvite,
	FacilitiesRead, FacilitiesWrite, FacilitiesDelete,
	ClientsRead, ClientsWrite, ClientsDelete,
	AuditRead, AuditExport,
	TenantManage,
	RolesManage, RolesRead, RolesCreate, RolesDelete,
}

var catalogSet = func() map[Permission]struct{} {
	m := make(map[Permission]struct{}, len(catalog))
	for _, p := range catalog {
		m[p] = struct{}{}
	}
	return m
}()

var systemPermissions = map[model.SystemRole][]Permission{
	model.RoleOwner: catalog,
	model.RoleAdmin: without(catalog, TenantManage, RolesDelete),
	model.RoleStaff: {UsersRead, FacilitiesRead, ClientsRead, ClientsWrite, RolesRead},
}

// Catalog returns a copy of the global permission catalog.
func Catalog() []Permission {
	return append([]Permission(nil), catalog...)
}

// ParsePermission reports whether s names a catalog entry.
func ParsePermission(s string) (Permission, bool) {
	p := Permission(s)
	_, ok := catalogSet[p]
	return p, ok
}

// ValidatePermissions partitions requested into catalog entries and rejected
// entries, preserving order. It never fails.
func ValidatePermissions(requested []string) (valid, invalid []string) {
	valid = make([]string, 0, len(requested))
	for _, s := range requested {
		if _, ok := ParsePermission(s); ok {
			valid = append(valid, s)
			continue
		}
		invalid = append(invalid, s)
	}
	return valid, invalid
}

// SystemRole describes one of the fixed roles.
type SystemRole struct {
	Name        model.SystemRole `json:"name"`
	Permissions []Permission     `json:"permissions"`
}

// SystemRoleDefinitions lists the fixed roles with their permission sets.
func SystemRoleDefinitions() []SystemRole {
	out := make([]SystemRole, 0, len(systemPermissions))
	for _, r := range model.SystemRoles() {
		out = append(out, SystemRole{Name: r, Permissions: append([]Permission(nil), systemPermissions[r]...)})
	}
	return out
}

// SystemPermissions returns the fixed permission set of a system role name
// (exact match), and false for anything else.
func SystemPermissions(role string) ([]Permission, bool) {
	p, ok := systemPermissions[model.SystemRole(role)]
	if !ok {
		return nil, false
	}
	return append([]Permission(nil), p...), true
}

// IsSystemRoleName reports whether name equals a system role name, ignoring case.
func IsSystemRoleName(name string) bool {
	for _, r := range model.SystemRoles() {
		if strings.EqualFold(strings.TrimSpace(name), string(r)) {
			return true
		}
	}
	return false
}

func without(all []Permission, drop ...Permission) []Permission {
	out := make([]Permission, 0, len(all))
outer:
	for _, p := range all {
		for _, d := range drop {
			if p == d {
				continue outer
			}
		}
		out = append(out, p)
	}
	return out
}

func sortedPermissions(set map[Permission]struct{}) []Permission {
	out := make([]Permission, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
