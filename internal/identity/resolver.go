package identity

import (
	"fmt"
	"strings"

	"github.com/and161185/careshield/internal/errs"
	"github.com/and161185/careshield/internal/model"
)

// Resolve derives the identity context from an authenticated session.
//
// A nil session or one without a subject is unauthenticated: ok is false and
// err is nil. A session with a subject but no tenant fails with
// ErrMissingTenantContext; no default tenant is ever substituted.
func Resolve(s Session) (id model.IdentityContext, ok bool, err error) {
	if s == nil {
		return model.IdentityContext{}, false, nil
	}
	userID := strings.TrimSpace(s.UserID())
	if userID == "" {
		return model.IdentityContext{}, false, nil
	}
	tenantID := strings.TrimSpace(s.TenantAttribute())
	if tenantID == "" {
		return model.IdentityContext{}, false, fmt.Errorf("user %s: %w", userID, errs.ErrMissingTenantContext)
	}
	role := strings.TrimSpace(s.RoleAttribute())
	if role == "" {
		return model.IdentityContext{}, false, fmt.Errorf("%w: session without role", errs.ErrUnauthenticated)
	}
	id = model.IdentityContext{TenantID: tenantID, UserID: userID, UserRole: role}
	if si, isIdent := s.(sessionIdentifier); isIdent {
		id.SessionID = si.SessionID()
	}
	return id, true, nil
}

// Require is Resolve for callers that cannot proceed unauthenticated.
func Require(s Session) (model.IdentityContext, error) {
	id, ok, err := Resolve(s)
	if err != nil {
		return model.IdentityContext{}, err
	}
	if !ok {
		return model.IdentityContext{}, errs.ErrUnauthenticated
	}
	return id, nil
}

// WithClient attaches transport-level attribution used by the row audit trigger.
func WithClient(id model.IdentityContext, ipAddress, userAgent string) model.IdentityContext {
	id.IPAddress = ipAddress
	id.UserAgent = userAgent
	return id
}
