package audit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/careshield/internal/authz"
	"github.com/and161185/careshield/internal/errs"
	"github.com/and161185/careshield/internal/identity"
	"github.com/and161185/careshield/internal/limiter"
	"github.com/and161185/careshield/internal/metrics"
	"github.com/and161185/careshield/internal/model"
	"github.com/and161185/careshield/internal/repository"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Archiver stores an export copy and returns its key.
type Archiver interface {
	Put(ctx context.Context, tenantID, name, contentType string, data []byte) (string, error)
}

// Deps are the collaborators of Service. Throttle, Lockout, Archive and Metrics
// are optional.
type Deps struct {
	Logs     repository.AuditRepository
	Resets   repository.PasswordResetRepository
	Authz    authz.Checker
	Recorder ActionRecorder
	Throttle *limiter.Throttle
	Lockout  limiter.Lockout
	Archive  Archiver
	Metrics  *metrics.Metrics
	Log      *zap.Logger
}

// Service is the compliance surface of the audit trail.
type Service struct {
	logs     repository.AuditRepository
	resets   repository.PasswordResetRepository
	authz    authz.Checker
	recorder ActionRecorder
	throttle *limiter.Throttle
	lockout  limiter.Lockout
	archive  Archiver
	m        *metrics.Metrics
	log      *zap.Logger
	now      func() time.Time
}

// NewService constructs a Service.
func NewService(d Deps) *Service {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		logs:     d.Logs,
		resets:   d.Resets,
		authz:    d.Authz,
		recorder: d.Recorder,
		throttle: d.Throttle,
		lockout:  d.Lockout,
		archive:  d.Archive,
		m:        d.Metrics,
		log:      log,
		now:      time.Now,
	}
}

// Page selects a window of results.
type Page struct {
	Limit  int
	Offset int
}

// GetLogs returns the user-action records of targetTenantID.
func (s *Service) GetLogs(ctx context.Context, id model.IdentityContext, targetTenantID string, p Page) ([]model.UserActionAuditLog, error) {
	return s.list(ctx, id, model.AuditQuery{TargetTenantID: targetTenantID, Limit: p.Limit, Offset: p.Offset})
}

// GetLogsByUser returns the records of actions performed by userID.
func (s *Service) GetLogsByUser(ctx context.Context, id model.IdentityContext, targetTenantID, userID string, p Page) ([]model.UserActionAuditLog, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", errs.ErrInvalidInput)
	}
	return s.list(ctx, id, model.AuditQuery{TargetTenantID: targetTenantID, UserID: userID, Limit: p.Limit, Offset: p.Offset})
}

// GetLogsByFacility returns the records targeting facilityID.
func (s *Service) GetLogsByFacility(ctx context.Context, id model.IdentityContext, targetTenantID, facilityID string, p Page) ([]model.UserActionAuditLog, error) {
	if facilityID == "" {
		return nil, fmt.Errorf("%w: facility id is required", errs.ErrInvalidInput)
	}
	return s.list(ctx, id, model.AuditQuery{TargetTenantID: targetTenantID, FacilityID: facilityID, Limit: p.Limit, Offset: p.Offset})
}

// SearchLogs matches free text against action names and details within an
// optional date range.
func (s *Service) SearchLogs(ctx context.Context, id model.IdentityContext, q model.AuditQuery) ([]model.UserActionAuditLog, error) {
	if q.From != nil && q.To != nil && q.To.Before(*q.From) {
		return nil, fmt.Errorf("%w: date range is inverted", errs.ErrInvalidInput)
	}
	return s.list(ctx, id, q)
}

// list re-verifies tenant access for every read; the filter tenant is never
// taken as an authorization boundary on its own.
func (s *Service) list(ctx context.Context, id model.IdentityContext, q model.AuditQuery) ([]model.UserActionAuditLog, error) {
	if q.TargetTenantID == "" {
		return nil, fmt.Errorf("%w: target tenant is required", errs.ErrInvalidInput)
	}
	tenantID, err := identity.VerifyTenantAccess(id, q.TargetTenantID)
	if err != nil {
		return nil, err
	}
	if err := authz.Require(ctx, s.authz, id, authz.AuditRead, errs.ErrInsufficientAuditPermission); err != nil {
		return nil, err
	}
	q.TargetTenantID = tenantID
	switch {
	case q.Limit <= 0:
		q.Limit = defaultPageSize
	case q.Limit > maxPageSize:
		q.Limit = maxPageSize
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return s.logs.ListActions(ctx, id, q)
}

// tenantAction is an action on the tenant as a whole; the tenant stands in as
// the target facility.
func tenantAction(id model.IdentityContext, name string, details map[string]any) Action {
	return Action{Name: name, TargetFacilityID: id.TenantID, Details: details}
}
