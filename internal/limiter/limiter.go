// Package limiter throttles heavy compliance operations per tenant and locks out
// repeated failed credential attempts.
package limiter

import (
	"context"
	"crypto/sha256"
	"time"
)

// Lockout counts failed attempts per (tenant, subject, client) and blocks the
// combination for a while once too many failures accumulate in a window.
type Lockout interface {
	// Allow reports whether an attempt may proceed and, if not, for how long it stays blocked.
	Allow(ctx context.Context, tenantID, subject string, ipHash []byte) (bool, time.Duration, error)
	// Success clears the counters.
	Success(ctx context.Context, tenantID, subject string, ipHash []byte) error
	// Failure records a failed attempt and reports whether it triggered a block.
	Failure(ctx context.Context, tenantID, subject string, ipHash []byte) (bool, time.Duration, error)
}

// HashIP returns a stable hash of an address so raw client IPs are not stored.
func HashIP(ip string) []byte {
	h := sha256.Sum256([]byte(ip))
	return h[:]
}
