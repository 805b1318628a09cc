package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/careshield/internal/authz"
	"github.com/and161185/careshield/internal/crypto"
	"github.com/and161185/careshield/internal/errs"
	"github.com/and161185/careshield/internal/identity"
	"github.com/and161185/careshield/internal/limiter"
	"github.com/and161185/careshield/internal/model"
)

const (
	tempPasswordBytes = 18
	defaultTempTTL    = 24 * time.Hour
	maxTempTTL        = 7 * 24 * time.Hour
	defaultHistory    = 20
)

// PasswordReset describes a completed reset attempt.
type PasswordReset struct {
	TargetUserID string
	Method       model.ResetMethod
	Success      bool
	ErrorMessage string
}

// RecordPasswordReset stores a reset attempt. Resetting another user's password
// requires users:write.
func (s *Service) RecordPasswordReset(ctx context.Context, id model.IdentityContext, r PasswordReset) (*model.PasswordResetAudit, error) {
	tenantID, err := s.resetActor(ctx, id, r.TargetUserID)
	if err != nil {
		return nil, err
	}
	if !r.Method.Valid() || r.Method == model.ResetTempPassword {
		return nil, fmt.Errorf("%w: reset method %q", errs.ErrInvalidInput, r.Method)
	}
	rec := &model.PasswordResetAudit{
		ID:            uuid.Must(uuid.NewV4()).String(),
		TenantID:      tenantID,
		ResetByUserID: id.UserID,
		TargetUserID:  r.TargetUserID,
		ResetMethod:   r.Method,
		Success:       r.Success,
		ErrorMessage:  optional(strings.TrimSpace(r.ErrorMessage)),
	}
	if err := s.resets.Insert(ctx, id, rec); err != nil {
		return nil, err
	}
	s.recordBestEffort(ctx, id, Action{
		Name:             "password.reset",
		TargetFacilityID: tenantID,
		TargetUserID:     r.TargetUserID,
		Details:          map[string]any{"method": string(r.Method), "success": r.Success},
	})
	return rec, nil
}

// IssueTempPassword creates a one-time password for targetUserID. The plaintext is
// returned once; only its hash is stored.
func (s *Service) IssueTempPassword(ctx context.Context, id model.IdentityContext, targetUserID string, ttl time.Duration) (string, *model.PasswordResetAudit, error) {
	tenantID, err := s.resetActor(ctx, id, targetUserID)
	if err != nil {
		return "", nil, err
	}
	if targetUserID == id.UserID {
		return "", nil, fmt.Errorf("%w: temporary password for self", errs.ErrInvalidInput)
	}
	switch {
	case ttl <= 0:
		ttl = defaultTempTTL
	case ttl > maxTempTTL:
		ttl = maxTempTTL
	}

	token, err := crypto.NewToken(tempPasswordBytes)
	if err != nil {
		return "", nil, fmt.Errorf("temp password: %w", err)
	}
	hash, err := crypto.HashToken([]byte(token))
	if err != nil {
		return "", nil, fmt.Errorf("temp password: %w", err)
	}
	expires := s.now().Add(ttl)
	rec := &model.PasswordResetAudit{
		ID:                uuid.Must(uuid.NewV4()).String(),
		TenantID:          tenantID,
		ResetByUserID:     id.UserID,
		TargetUserID:      targetUserID,
		ResetMethod:       model.ResetTempPassword,
		Success:           true,
		TempPasswordToken: hash,
		ExpiresAt:         &expires,
	}
	if err := s.resets.Insert(ctx, id, rec); err != nil {
		return "", nil, err
	}
	s.recordBestEffort(ctx, id, Action{
		Name:             "password.temp_issued",
		TargetFacilityID: tenantID,
		TargetUserID:     targetUserID,
		Details:          map[string]any{"expiresAt": expires.UTC().Format(time.RFC3339)},
	})
	return token, rec, nil
}

// ConsumeTempPassword redeems a temporary password of targetUserID at most once
// before it expires. Repeated failures from one client lock it out.
func (s *Service) ConsumeTempPassword(ctx context.Context, id model.IdentityContext, targetUserID, token string) error {
	tenantID, err := identity.VerifyTenantAccess(id, "")
	if err != nil {
		return err
	}
	if targetUserID == "" || token == "" {
		return errs.ErrTempPasswordInvalid
	}
	ipHash := limiter.HashIP(id.IPAddress)
	if s.lockout != nil {
		ok, retry, err := s.lockout.Allow(ctx, tenantID, targetUserID, ipHash)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: retry in %s", errs.ErrRateLimited, retry.Round(time.Second))
		}
	}

	now := s.now()
	candidates, err := s.resets.ListUsableTempPasswords(ctx, id, targetUserID, now)
	if err != nil {
		return err
	}
	for i := range candidates {
		c := &candidates[i]
		if !c.IsValidTempPassword(now) || !crypto.VerifyToken([]byte(token), c.TempPasswordToken) {
			continue
		}
		used, err := s.resets.MarkUsed(ctx, id, c.ID, now)
		if err != nil {
			return err
		}
		if !used {
			break
		}
		if s.lockout != nil {
			if err := s.lockout.Success(ctx, tenantID, targetUserID, ipHash); err != nil {
				s.log.Warn("lockout reset failed", zap.Error(err))
			}
		}
		s.recordBestEffort(ctx, id, Action{
			Name:             "password.temp_used",
			TargetFacilityID: tenantID,
			TargetUserID:     targetUserID,
		})
		return nil
	}

	if s.lockout != nil {
		blocked, _, err := s.lockout.Failure(ctx, tenantID, targetUserID, ipHash)
		if err != nil {
			s.log.Warn("lockout failure not recorded", zap.Error(err))
		} else if blocked {
			s.log.Warn("temp password locked out",
				zap.String("tenant_id", tenantID),
				zap.String("target_user_id", targetUserID))
		}
	}
	return errs.ErrTempPasswordInvalid
}

// ResetHistory returns the reset records of targetUserID, newest first. Users may
// read their own history; others need users:read.
func (s *Service) ResetHistory(ctx context.Context, id model.IdentityContext, targetUserID string, limit int) ([]model.PasswordResetAudit, error) {
	if _, err := identity.VerifyTenantAccess(id, ""); err != nil {
		return nil, err
	}
	if targetUserID == "" {
		return nil, fmt.Errorf("%w: target user is required", errs.ErrInvalidInput)
	}
	if targetUserID != id.UserID {
		if err := authz.Require(ctx, s.authz, id, authz.UsersRead, errs.ErrPermissionDenied); err != nil {
			return nil, err
		}
	}
	if limit <= 0 || limit > maxPageSize {
		limit = defaultHistory
	}
	return s.resets.ListForUser(ctx, id, targetUserID, limit)
}

func (s *Service) resetActor(ctx context.Context, id model.IdentityContext, targetUserID string) (string, error) {
	tenantID, err := identity.VerifyTenantAccess(id, "")
	if err != nil {
		return "", err
	}
	if targetUserID == "" {
		return "", fmt.Errorf("%w: target user is required", errs.ErrInvalidInput)
	}
	if targetUserID != id.UserID {
		if err := authz.Require(ctx, s.authz, id, authz.UsersWrite, errs.ErrPermissionDenied); err != nil {
			return "", err
		}
	}
	return tenantID, nil
}
