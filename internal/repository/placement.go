package repository

import (
	"context"

	"github.com/and161185/careshield/internal/model"
)

// PlacementRepository stores placement records with already encrypted fields.
type PlacementRepository interface {
	Insert(ctx context.Context, id model.IdentityContext, p *model.PlacementInfo) error
	// Get returns a record that is not soft deleted.
	Get(ctx context.Context, id model.IdentityContext, placementID string) (*model.PlacementInfo, error)
	Update(ctx context.Context, id model.IdentityContext, p *model.PlacementInfo) error
	SoftDelete(ctx context.Context, id model.IdentityContext, placementID string) error
	HardDelete(ctx context.Context, id model.IdentityContext, placementID string) error
	// ListByClient returns live records of a client, newest first.
	ListByClient(ctx context.Context, id model.IdentityContext, clientID string) ([]model.PlacementInfo, error)
}
