package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGLockout keeps attempt counters in the credential_attempts table.
type PGLockout struct {
	db       querier
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time
}

var _ Lockout = (*PGLockout)(nil)

// NewPGLockout constructs a lockout over a pool or connection.
func NewPGLockout(db querier, window time.Duration, maxFails int, blockFor time.Duration) *PGLockout {
	return &PGLockout{db: db, window: window, maxFails: maxFails, blockFor: blockFor, now: time.Now}
}

// Allow reports whether the combination is currently unblocked.
func (l *PGLockout) Allow(ctx context.Context, tenantID, subject string, ipHash []byte) (bool, time.Duration, error) {
	const q = `
SELECT blocked_until FROM credential_attempts
WHERE tenant_id = $1 AND subject = $2 AND ip_hash = $3`
	var blockedUntil time.Time
	err := l.db.QueryRow(ctx, q, tenantID, subject, ipHash).Scan(&blockedUntil)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	case err != nil:
		return false, 0, err
	}
	if now := l.now(); blockedUntil.After(now) {
		return false, blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

// Success resets the counters of the combination.
func (l *PGLockout) Success(ctx context.Context, tenantID, subject string, ipHash []byte) error {
	const q = `
DELETE FROM credential_attempts
WHERE tenant_id = $1 AND subject = $2 AND ip_hash = $3`
	_, err := l.db.Exec(ctx, q, tenantID, subject, ipHash)
	return err
}

// Failure increments the counter, restarting it when the previous failure is
// older than the window, and blocks once maxFails is reached.
func (l *PGLockout) Failure(ctx context.Context, tenantID, subject string, ipHash []byte) (bool, time.Duration, error) {
	const q = `
INSERT INTO credential_attempts (tenant_id, subject, ip_hash, fail_count, blocked_until, updated_at)
VALUES ($1, $2, $3, 1, 'epoch', now())
ON CONFLICT (tenant_id, subject, ip_hash) DO UPDATE
SET fail_count = CASE
        WHEN now() - credential_attempts.updated_at > $4::interval THEN 1
        ELSE credential_attempts.fail_count + 1
    END,
    updated_at = now()
RETURNING fail_count`
	var fails int
	if err := l.db.QueryRow(ctx, q, tenantID, subject, ipHash, l.window).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails < l.maxFails {
		return false, 0, nil
	}
	const block = `
UPDATE credential_attempts SET blocked_until = $4
WHERE tenant_id = $1 AND subject = $2 AND ip_hash = $3`
	if _, err := l.db.Exec(ctx, block, tenantID, subject, ipHash, l.now().Add(l.blockFor)); err != nil {
		return false, 0, err
	}
	return true, l.blockFor, nil
}
