// Package records serves placement records whose sensitive fields are encrypted
// at rest.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/careshield/internal/audit"
	"github.com/and161185/careshield/internal/authz"
	"github.com/and161185/careshield/internal/crypto/fieldcrypt"
	"github.com/and161185/careshield/internal/errs"
	"github.com/and161185/careshield/internal/identity"
	"github.com/and161185/careshield/internal/metrics"
	"github.com/and161185/careshield/internal/model"
	"github.com/and161185/careshield/internal/repository"
)

// Placement is the decrypted view of a placement record.
type Placement struct {
	ID              string           `json:"id"`
	FacilityID      string           `json:"facilityId"`
	ClientID        string           `json:"clientId"`
	Diagnosis       *string          `json:"diagnosis,omitempty"`
	MedicalHistory  *string          `json:"medicalHistory,omitempty"`
	Allergies       *string          `json:"allergies,omitempty"`
	InsuranceNumber *string          `json:"insuranceNumber,omitempty"`
	Address         map[string]any   `json:"address,omitempty"`
	Specialists     []map[string]any `json:"specialists,omitempty"`
	Medications     []map[string]any `json:"medications,omitempty"`
	CreatedBy       string           `json:"createdBy"`
	UpdatedBy       *string          `json:"updatedBy,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`

	// Redacted lists fields that could not be decrypted and were masked.
	Redacted []string `json:"redacted,omitempty"`
}

// Retention is how a record is removed.
type Retention int

const (
	// HardDelete removes the row.
	HardDelete Retention = iota
	// SoftDelete flags the row and keeps the encrypted payload.
	SoftDelete
)

func (r Retention) String() string {
	if r == SoftDelete {
		return "soft"
	}
	return "hard"
}

// Service implements placement record operations.
type Service struct {
	repo     repository.PlacementRepository
	engine   *fieldcrypt.Engine
	authz    authz.Checker
	recorder audit.ActionRecorder
	policy   fieldcrypt.Policy
	m        *metrics.Metrics
	log      *zap.Logger
}

// Options configure a Service.
type Options struct {
	// Policy is applied to fields that fail to decrypt on reads.
	Policy  fieldcrypt.Policy
	Metrics *metrics.Metrics
	Log     *zap.Logger
}

// NewService constructs a placement service.
func NewService(repo repository.PlacementRepository, engine *fieldcrypt.Engine, checker authz.Checker, rec audit.ActionRecorder, opts Options) *Service {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		repo:     repo,
		engine:   engine,
		authz:    checker,
		recorder: rec,
		policy:   opts.Policy,
		m:        opts.Metrics,
		log:      log,
	}
}

// Create encrypts and stores a new record.
func (s *Service) Create(ctx context.Context, id model.IdentityContext, p Placement) (*Placement, error) {
	tenantID, err := s.authorize(ctx, id, authz.ClientsWrite)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.FacilityID) == "" || strings.TrimSpace(p.ClientID) == "" {
		return nil, fmt.Errorf("%w: facility and client are required", errs.ErrInvalidInput)
	}
	row, err := s.seal(id, tenantID, p)
	if err != nil {
		return nil, err
	}
	row.ID = uuid.Must(uuid.NewV4()).String()
	row.TenantID = tenantID
	row.FacilityID = p.FacilityID
	row.ClientID = p.ClientID
	row.CreatedBy = id.UserID
	if err := s.repo.Insert(ctx, id, row); err != nil {
		return nil, err
	}
	s.record(ctx, id, "placement_info.created", row, nil)

	out := p
	out.ID = row.ID
	out.CreatedBy = row.CreatedBy
	out.CreatedAt = row.CreatedAt
	out.UpdatedAt = row.UpdatedAt
	return &out, nil
}

// Get loads and decrypts a live record.
func (s *Service) Get(ctx context.Context, id model.IdentityContext, placementID string) (*Placement, error) {
	tenantID, err := s.authorize(ctx, id, authz.ClientsRead)
	if err != nil {
		return nil, err
	}
	row, err := s.repo.Get(ctx, id, placementID)
	if err != nil {
		return nil, err
	}
	p, err := s.open(tenantID, row)
	if err != nil {
		return nil, err
	}
	s.record(ctx, id, "placement_info.viewed", row, nil)
	return p, nil
}

// ListByClient returns the decrypted live records of a client.
func (s *Service) ListByClient(ctx context.Context, id model.IdentityContext, clientID string) ([]Placement, error) {
	tenantID, err := s.authorize(ctx, id, authz.ClientsRead)
	if err != nil {
		return nil, err
	}
	if clientID == "" {
		return nil, fmt.Errorf("%w: client is required", errs.ErrInvalidInput)
	}
	rows, err := s.repo.ListByClient(ctx, id, clientID)
	if err != nil {
		return nil, err
	}
	out := make([]Placement, 0, len(rows))
	for i := range rows {
		p, err := s.open(tenantID, &rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	// one audit row per facility
	var facilities []string
	byFacility := make(map[string][]string)
	for _, r := range rows {
		if _, seen := byFacility[r.FacilityID]; !seen {
			facilities = append(facilities, r.FacilityID)
		}
		byFacility[r.FacilityID] = append(byFacility[r.FacilityID], r.ID)
	}
	for _, fid := range facilities {
		ids := byFacility[fid]
		s.recordAction(ctx, id, audit.Action{
			Name:             "placement_info.listed",
			TargetFacilityID: fid,
			ClientID:         clientID,
			Details:          map[string]any{"count": len(ids), "placementIds": ids},
		})
	}
	return out, nil
}

// Update replaces the payload of a live record.
func (s *Service) Update(ctx context.Context, id model.IdentityContext, p Placement) (*Placement, error) {
	tenantID, err := s.authorize(ctx, id, authz.ClientsWrite)
	if err != nil {
		return nil, err
	}
	cur, err := s.repo.Get(ctx, id, p.ID)
	if err != nil {
		return nil, err
	}
	row, err := s.seal(id, tenantID, p)
	if err != nil {
		return nil, err
	}
	row.ID = cur.ID
	row.TenantID = tenantID
	row.ClientID = cur.ClientID
	row.FacilityID = cur.FacilityID
	if p.FacilityID != "" {
		row.FacilityID = p.FacilityID
	}
	row.CreatedBy = cur.CreatedBy
	row.CreatedAt = cur.CreatedAt
	actor := id.UserID
	row.UpdatedBy = &actor
	if err := s.repo.Update(ctx, id, row); err != nil {
		return nil, err
	}
	s.record(ctx, id, "placement_info.updated", row, nil)

	out := p
	out.FacilityID = row.FacilityID
	out.ClientID = row.ClientID
	out.CreatedBy = row.CreatedBy
	out.UpdatedBy = row.UpdatedBy
	out.CreatedAt = row.CreatedAt
	out.UpdatedAt = row.UpdatedAt
	return &out, nil
}

// Delete removes a record according to RetentionPolicy and reports which one applied.
func (s *Service) Delete(ctx context.Context, id model.IdentityContext, placementID string) (Retention, error) {
	if _, err := s.authorize(ctx, id, authz.ClientsDelete); err != nil {
		return HardDelete, err
	}
	row, err := s.repo.Get(ctx, id, placementID)
	if err != nil {
		return HardDelete, err
	}
	policy, err := s.RetentionPolicy(row)
	if err != nil {
		return HardDelete, err
	}
	if policy == SoftDelete {
		err = s.repo.SoftDelete(ctx, id, placementID)
	} else {
		err = s.repo.HardDelete(ctx, id, placementID)
	}
	if err != nil {
		return policy, err
	}
	s.record(ctx, id, "placement_info.deleted", row, map[string]any{"retention": policy.String()})
	return policy, nil
}

// RetentionPolicy keeps records that carry any sensitive value, at the top level or
// nested, and hard deletes the rest. It inspects ciphertext presence only.
func (s *Service) RetentionPolicy(row *model.PlacementInfo) (Retention, error) {
	rec, err := stored(row)
	if err != nil {
		return HardDelete, err
	}
	if s.engine.Registry().HasPopulatedSensitive(EntityPlacement, rec) {
		return SoftDelete, nil
	}
	return HardDelete, nil
}

func (s *Service) authorize(ctx context.Context, id model.IdentityContext, p authz.Permission) (string, error) {
	tenantID, err := identity.VerifyTenantAccess(id, "")
	if err != nil {
		return "", err
	}
	if err := authz.Require(ctx, s.authz, id, p, errs.ErrPermissionDenied); err != nil {
		return "", err
	}
	return tenantID, nil
}

func (s *Service) record(ctx context.Context, id model.IdentityContext, action string, row *model.PlacementInfo, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	details["placementId"] = row.ID
	s.recordAction(ctx, id, audit.Action{
		Name:             action,
		TargetFacilityID: row.FacilityID,
		ClientID:         row.ClientID,
		Details:          details,
	})
}

func (s *Service) recordAction(ctx context.Context, id model.IdentityContext, act audit.Action) {
	if s.recorder == nil {
		return
	}
	s.recorder.RecordActionBestEffort(ctx, id, act)
}

// seal encrypts the payload of p into a storage row. A nested document may name
// its own tenant only when that tenant is the caller's.
func (s *Service) seal(id model.IdentityContext, tenantID string, p Placement) (*model.PlacementInfo, error) {
	rec := plainMap(p)
	for _, t := range s.engine.Registry().NestedTenants(EntityPlacement, rec) {
		if _, err := identity.VerifyTenantAccess(id, t); err != nil {
			return nil, err
		}
	}
	enc, err := s.engine.EncryptFields(tenantID, EntityPlacement, rec)
	if err != nil {
		return nil, err
	}
	row := &model.PlacementInfo{
		Diagnosis:       bytesField(enc["diagnosis"]),
		MedicalHistory:  bytesField(enc["medicalHistory"]),
		Allergies:       bytesField(enc["allergies"]),
		InsuranceNumber: bytesField(enc["insuranceNumber"]),
	}
	if row.Address, err = jsonField(enc["address"]); err != nil {
		return nil, err
	}
	if row.Specialists, err = jsonField(enc["specialists"]); err != nil {
		return nil, err
	}
	if row.Medications, err = jsonField(enc["medications"]); err != nil {
		return nil, err
	}
	return row, nil
}

// open decrypts a storage row under the configured policy.
func (s *Service) open(tenantID string, row *model.PlacementInfo) (*Placement, error) {
	rec, err := stored(row)
	if err != nil {
		return nil, err
	}
	dec, redacted, err := s.engine.DecryptFields(tenantID, EntityPlacement, rec, s.policy)
	if err != nil {
		var de *fieldcrypt.DecryptionError
		if errors.As(err, &de) {
			s.m.DecryptFailed(EntityPlacement, 1)
			s.log.Error("placement decryption failed",
				zap.String("tenant_id", tenantID),
				zap.String("placement_id", row.ID),
				zap.String("field", de.Path))
		}
		return nil, err
	}
	if len(redacted) > 0 {
		s.m.DecryptFailed(EntityPlacement, len(redacted))
		s.log.Warn("placement fields redacted",
			zap.String("tenant_id", tenantID),
			zap.String("placement_id", row.ID),
			zap.Strings("fields", redacted))
	}
	p := &Placement{
		ID:              row.ID,
		FacilityID:      row.FacilityID,
		ClientID:        row.ClientID,
		Diagnosis:       stringField(dec["diagnosis"]),
		MedicalHistory:  stringField(dec["medicalHistory"]),
		Allergies:       stringField(dec["allergies"]),
		InsuranceNumber: stringField(dec["insuranceNumber"]),
		Address:         objectField(dec["address"]),
		Specialists:     listField(dec["specialists"]),
		Medications:     listField(dec["medications"]),
		CreatedBy:       row.CreatedBy,
		UpdatedBy:       row.UpdatedBy,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
		Redacted:        redacted,
	}
	return p, nil
}

func plainMap(p Placement) map[string]any {
	rec := map[string]any{
		"diagnosis":       p.Diagnosis,
		"medicalHistory":  p.MedicalHistory,
		"allergies":       p.Allergies,
		"insuranceNumber": p.InsuranceNumber,
	}
	if p.Address != nil {
		rec["address"] = p.Address
	}
	if p.Specialists != nil {
		rec["specialists"] = p.Specialists
	}
	if p.Medications != nil {
		rec["medications"] = p.Medications
	}
	return rec
}

// stored maps a storage row to the generic record shape used by the engine.
// Nested documents come back from JSON, so their ciphertext is base64 text.
func stored(row *model.PlacementInfo) (map[string]any, error) {
	rec := map[string]any{
		"diagnosis":       nilIfEmpty(row.Diagnosis),
		"medicalHistory":  nilIfEmpty(row.MedicalHistory),
		"allergies":       nilIfEmpty(row.Allergies),
		"insuranceNumber": nilIfEmpty(row.InsuranceNumber),
	}
	for key, raw := range map[string]json.RawMessage{
		"address":     row.Address,
		"specialists": row.Specialists,
		"medications": row.Medications,
	} {
		if len(raw) == 0 {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", errs.ErrDecryptionFailure, key, err)
		}
		rec[key] = v
	}
	return rec, nil
}

func nilIfEmpty(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func bytesField(v any) []byte {
	b, _ := v.([]byte)
	return b
}

func jsonField(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode nested: %w", err)
	}
	return raw, nil
}

func stringField(v any) *string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return &t
	default:
		s := fmt.Sprint(t)
		return &s
	}
}

func objectField(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func listField(v any) []map[string]any {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		if m, ok := it.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
