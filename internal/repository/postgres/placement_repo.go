package postgres

import (
	"context"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/careshield/internal/errs"
	"github.com/and161185/careshield/internal/model"
	"github.com/and161185/careshield/internal/repository"
)

// PlacementRepo implements repository.PlacementRepository using PostgreSQL.
type PlacementRepo struct{ rls *Propagator }

var _ repository.PlacementRepository = (*PlacementRepo)(nil)

// NewPlacementRepo constructs a placement repository.
func NewPlacementRepo(rls *Propagator) *PlacementRepo { return &PlacementRepo{rls: rls} }

const placementColumns = `id, tenant_id, facility_id, client_id, diagnosis, medical_history, allergies,
insurance_number, address, specialists, medications, is_deleted, created_by, updated_by, created_at, updated_at`

func jsonArg(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// Insert stores a new record.
func (r *PlacementRepo) Insert(ctx context.Context, id model.IdentityContext, p *model.PlacementInfo) error {
	const q = `
INSERT INTO placement_info (id, tenant_id, facility_id, client_id, diagnosis, medical_history, allergies,
    insurance_number, address, specialists, medications, created_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING created_at, updated_at`
	return r.rls.WithContext(ctx, id, func(ctx context.Context, tx pgx.Tx) error {
		return tx.QueryRow(ctx, q,
			p.ID, p.TenantID, p.FacilityID, p.ClientID, p.Diagnosis, p.MedicalHistory, p.Allergies,
			p.InsuranceNumber, jsonArg(p.Address), jsonArg(p.Specialists), jsonArg(p.Medications), p.CreatedBy,
		).Scan(&p.CreatedAt, &p.UpdatedAt)
	})
}

// Get loads a live record.
func (r *PlacementRepo) Get(ctx context.Context, id model.IdentityContext, placementID string) (*model.PlacementInfo, error) {
	q := `SELECT ` + placementColumns + ` FROM placement_info WHERE tenant_id = $1 AND id = $2 AND NOT is_deleted`
	var p model.PlacementInfo
	err := r.rls.WithContext(ctx, id, func(ctx context.Context, tx pgx.Tx) error {
		return pgxscan.Get(ctx, tx, &p, q, id.TenantID, placementID)
	})
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// Update replaces the payload columns of a live record.
func (r *PlacementRepo) Update(ctx context.Context, id model.IdentityContext, p *model.PlacementInfo) error {
	const q = `
UPDATE placement_info
SET facility_id = $3, diagnosis = $4, medical_history = $5, allergies = $6, insurance_number = $7,
    address = $8, specialists = $9, medications = $10, updated_by = $11, updated_at = now()
WHERE tenant_id = $1 AND id = $2 AND NOT is_deleted
RETURNING updated_at`
	return r.rls.WithContext(ctx, id, func(ctx context.Context, tx pgx.Tx) error {
		err := tx.QueryRow(ctx, q,
			id.TenantID, p.ID, p.FacilityID, p.Diagnosis, p.MedicalHistory, p.Allergies, p.InsuranceNumber,
			jsonArg(p.Address), jsonArg(p.Specialists), jsonArg(p.Medications), p.UpdatedBy,
		).Scan(&p.UpdatedAt)
		return notFound(err)
	})
}

// SoftDelete marks a record deleted and keeps its encrypted payload.
func (r *PlacementRepo) SoftDelete(ctx context.Context, id model.IdentityContext, placementID string) error {
	const q = `
UPDATE placement_info SET is_deleted = true, updated_by = $3, updated_at = now()
WHERE tenant_id = $1 AND id = $2 AND NOT is_deleted`
	return r.rls.WithContext(ctx, id, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, q, id.TenantID, placementID, id.UserID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errs.ErrNotFound
		}
		return nil
	})
}

// HardDelete removes a record.
func (r *PlacementRepo) HardDelete(ctx context.Context, id model.IdentityContext, placementID string) error {
	const q = `DELETE FROM placement_info WHERE tenant_id = $1 AND id = $2`
	return r.rls.WithContext(ctx, id, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, q, id.TenantID, placementID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errs.ErrNotFound
		}
		return nil
	})
}

// ListByClient returns live records of a client.
func (r *PlacementRepo) ListByClient(ctx context.Context, id model.IdentityContext, clientID string) ([]model.PlacementInfo, error) {
	q := `SELECT ` + placementColumns + ` FROM placement_info
WHERE tenant_id = $1 AND client_id = $2 AND NOT is_deleted
ORDER BY created_at DESC`
	var out []model.PlacementInfo
	err := r.rls.WithContext(ctx, id, func(ctx context.Context, tx pgx.Tx) error {
		return pgxscan.Select(ctx, tx, &out, q, id.TenantID, clientID)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
