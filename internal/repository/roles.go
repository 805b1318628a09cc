// Package repository defines storage interfaces implemented by concrete backends.
// Every method runs under the row-level security context of the given identity.
package repository

import (
	"context"

	"github.com/and161185/careshield/internal/model"
)

// Hook runs inside the storage transaction after the row write. A non-nil error
// rolls the write back.
type Hook func(ctx context.Context) error

// RoleRepository persists tenant custom roles.
type RoleRepository interface {
	// Create inserts an active role and runs hook before commit.
	Create(ctx context.Context, id model.IdentityContext, r *model.CustomRole, hook Hook) error
	// GetActiveByName loads the active role with the given name in the caller's tenant.
	GetActiveByName(ctx context.Context, id model.IdentityContext, name string) (*model.CustomRole, error)
	// ListActive returns all active custom roles of the caller's tenant.
	ListActive(ctx context.Context, id model.IdentityContext) ([]model.CustomRole, error)
	// Update stores the display name, description and permissions and runs hook before commit.
	Update(ctx context.Context, id model.IdentityContext, r *model.CustomRole, hook Hook) error
	// Deactivate flips is_active to false and runs hook before commit.
	Deactivate(ctx context.Context, id model.IdentityContext, roleID string, hook Hook) error
}
