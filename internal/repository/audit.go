package repository

import (
	"context"
	"time"

	"github.com/and161185/careshield/internal/model"
)

// AuditRepository reads and writes the audit trail.
type AuditRepository interface {
	// InsertAction appends a user-action record.
	InsertAction(ctx context.Context, id model.IdentityContext, a *model.UserActionAuditLog) error
	// ListActions returns user-action records matching q, newest first.
	ListActions(ctx context.Context, id model.IdentityContext, q model.AuditQuery) ([]model.UserActionAuditLog, error)
	// ExportDataLogs returns row-audit records of the tenant in [start, end].
	ExportDataLogs(ctx context.Context, id model.IdentityContext, start, end time.Time, tableName *string) ([]model.DataAuditLog, error)
	// CleanupDataLogs removes row-audit records past retention and reports how many.
	CleanupDataLogs(ctx context.Context, id model.IdentityContext) (int64, error)
}

// PasswordResetRepository stores password reset attempts.
type PasswordResetRepository interface {
	// Insert appends a reset record.
	Insert(ctx context.Context, id model.IdentityContext, r *model.PasswordResetAudit) error
	// ListUsableTempPasswords returns unused successful temp-password records of a user
	// that expire after now.
	ListUsableTempPasswords(ctx context.Context, id model.IdentityContext, targetUserID string, now time.Time) ([]model.PasswordResetAudit, error)
	// MarkUsed consumes a temp password. It reports false when the record was
	// already used or has expired.
	MarkUsed(ctx context.Context, id model.IdentityContext, resetID string, now time.Time) (bool, error)
	// ListForUser returns the reset history of a user, newest first.
	ListForUser(ctx context.Context, id model.IdentityContext, targetUserID string, limit int) ([]model.PasswordResetAudit, error)
}
