// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Identity and tenant boundary.
var (
	// ErrUnauthenticated indicates that no valid session was presented.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrMissingTenantContext indicates an authenticated session without a tenant association.
	ErrMissingTenantContext = errors.New("missing tenant context")

	// ErrInvalidTenantContext indicates an absent or malformed tenant id in the identity context.
	ErrInvalidTenantContext = errors.New("invalid tenant context")

	// ErrCrossTenantAccessDenied indicates a request for a tenant other than the caller's.
	ErrCrossTenantAccessDenied = errors.New("cross-tenant access denied")

	// ErrRLSContext indicates that row-level security settings could not be applied.
	ErrRLSContext = errors.New("rls context")
)

// Role and permission registry.
var (
	ErrNameConflictsWithSystemRole = errors.New("role name conflicts with system role")
	ErrDuplicateRoleName           = errors.New("duplicate role name")
	ErrUnknownPermission           = errors.New("unknown permission")
	ErrCannotModifySystemRole      = errors.New("cannot modify system role")
	ErrRoleNotFound                = errors.New("role not found")

	// ErrInsufficientRolePermission indicates the actor may not manage roles.
	ErrInsufficientRolePermission = errors.New("insufficient role permission")

	// ErrPermissionDenied indicates the actor's effective permissions lack the one required.
	ErrPermissionDenied = errors.New("permission denied")
)

// Encryption, audit and storage.
var (
	// ErrDecryptionFailure indicates a ciphertext that could not be authenticated or decoded.
	ErrDecryptionFailure = errors.New("decryption failure")

	// ErrInsufficientAuditPermission indicates the actor may not read, export or clean audit data.
	ErrInsufficientAuditPermission = errors.New("insufficient audit permission")

	// ErrNotFound indicates the requested entity does not exist (or is hidden by RLS).
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates a request that failed validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrRateLimited indicates a temporarily throttled operation.
	ErrRateLimited = errors.New("rate limited")

	// ErrTempPasswordInvalid indicates an expired, used or unknown temporary password.
	ErrTempPasswordInvalid = errors.New("temporary password invalid")
)

// InvalidItemsError reports the concrete inputs that were rejected so callers can correct them.
type InvalidItemsError struct {
	Kind  error
	Items []string
}

func (e *InvalidItemsError) Error() string {
	return fmt.Sprintf("%v: %s", e.Kind, strings.Join(e.Items, ", "))
}

// Unwrap exposes the sentinel kind for errors.Is.
func (e *InvalidItemsError) Unwrap() error { return e.Kind }

// Invalid builds an InvalidItemsError of the given kind.
func Invalid(kind error, items ...string) error {
	return &InvalidItemsError{Kind: kind, Items: append([]string(nil), items...)}
}

// IsForbidden reports whether err is an authorization failure that must be surfaced
// to the caller with a generic message.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrCrossTenantAccessDenied) ||
		errors.Is(err, ErrInvalidTenantContext) ||
		errors.Is(err, ErrMissingTenantContext) ||
		errors.Is(err, ErrCannotModifySystemRole) ||
		errors.Is(err, ErrInsufficientAuditPermission) ||
		errors.Is(err, ErrInsufficientRolePermission) ||
		errors.Is(err, ErrPermissionDenied)
}
