package audit

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/and161185/careshield/internal/authz"
	"github.com/and161185/careshield/internal/model"
	"github.com/and161185/careshield/internal/repository"
)

const (
	tenantA = "8f14e45f-ceea-467f-a0e6-2b7c0c7d1a11"
	tenantB = "45c48cce-2e2d-4fbd-b3b5-7a0a1c3f2b22"
)

func ident(role model.SystemRole, user string) model.IdentityContext {
	return model.IdentityContext{TenantID: tenantA, UserID: user, UserRole: string(role), IPAddress: "10.0.0.7"}
}

type fakeAudit struct {
	mu       sync.Mutex
	actions  []model.UserActionAuditLog
	queries  []model.AuditQuery
	exported []model.DataAuditLog
	table    *string
	cleaned  int64
	err      error

	// started is signalled on entry to InsertAction; release gates its return.
	started chan struct{}
	release chan struct{}
}

var _ repository.AuditRepository = (*fakeAudit)(nil)

func (f *fakeAudit) InsertAction(_ context.Context, _ model.IdentityContext, a *model.UserActionAuditLog) error {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.actions = append(f.actions, *a)
	return nil
}

func (f *fakeAudit) ListActions(_ context.Context, _ model.IdentityContext, q model.AuditQuery) ([]model.UserActionAuditLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return slices.Clone(f.actions), f.err
}

func (f *fakeAudit) ExportDataLogs(_ context.Context, _ model.IdentityContext, _, _ time.Time, table *string) ([]model.DataAuditLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.table = table
	return f.exported, f.err
}

func (f *fakeAudit) CleanupDataLogs(context.Context, model.IdentityContext) (int64, error) {
	return f.cleaned, f.err
}

func (f *fakeAudit) recorded() []model.UserActionAuditLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.actions)
}

type fakeResets struct {
	mu   sync.Mutex
	recs []model.PasswordResetAudit
}

var _ repository.PasswordResetRepository = (*fakeResets)(nil)

func (f *fakeResets) Insert(_ context.Context, _ model.IdentityContext, r *model.PasswordResetAudit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, *r)
	return nil
}

func (f *fakeResets) ListUsableTempPasswords(_ context.Context, id model.IdentityContext, target string, now time.Time) ([]model.PasswordResetAudit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.PasswordResetAudit
	for _, r := range f.recs {
		if r.TenantID == id.TenantID && r.TargetUserID == target && r.IsValidTempPassword(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeResets) MarkUsed(_ context.Context, _ model.IdentityContext, resetID string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.recs {
		r := &f.recs[i]
		if r.ID == resetID && !r.TempPasswordUsed && r.ExpiresAt != nil && now.Before(*r.ExpiresAt) {
			r.TempPasswordUsed = true
			r.UsedAt = &now
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeResets) ListForUser(_ context.Context, _ model.IdentityContext, target string, limit int) ([]model.PasswordResetAudit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.PasswordResetAudit
	for _, r := range f.recs {
		if r.TargetUserID == target && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

// fakeChecker grants the system role permissions plus extra grants per user.
type fakeChecker struct {
	extra map[string][]authz.Permission
	err   error
}

var _ authz.Checker = (*fakeChecker)(nil)

func (f *fakeChecker) HasPermission(_ context.Context, id model.IdentityContext, p authz.Permission) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if base, ok := authz.SystemPermissions(id.UserRole); ok && slices.Contains(base, p) {
		return true, nil
	}
	return slices.Contains(f.extra[id.UserID], p), nil
}

// captureRecorder keeps best-effort actions in memory.
type captureRecorder struct {
	mu      sync.Mutex
	actions []Action
}

var _ ActionRecorder = (*captureRecorder)(nil)

func (c *captureRecorder) RecordActionOrFail(ctx context.Context, id model.IdentityContext, a Action) error {
	c.RecordActionBestEffort(ctx, id, a)
	return nil
}

func (c *captureRecorder) RecordActionBestEffort(_ context.Context, _ model.IdentityContext, a Action) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions = append(c.actions, a)
}

func (c *captureRecorder) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.actions))
	for _, a := range c.actions {
		out = append(out, a.Name)
	}
	return out
}
