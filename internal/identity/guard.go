package identity

import (
	"strings"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/careshield/internal/errs"
	"github.com/and161185/careshield/internal/model"
)

// VerifyTenantAccess checks that requested (when given) is the caller's own tenant and
// returns the tenant every downstream read or write must be scoped to.
// It must run before any query that uses a caller-supplied tenant id.
func VerifyTenantAccess(id model.IdentityContext, requested string) (string, error) {
	own, err := uuid.FromString(strings.TrimSpace(id.TenantID))
	if err != nil || own == uuid.Nil {
		return "", errs.ErrInvalidTenantContext
	}
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return id.TenantID, nil
	}
	req, err := uuid.FromString(requested)
	if err != nil || req != own {
		return "", errs.ErrCrossTenantAccessDenied
	}
	return id.TenantID, nil
}
