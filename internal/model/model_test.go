package model

import (
	"testing"
	"time"
)

func TestIdentityContext_IsSet(t *testing.T) {
	t.Parallel()

	if (IdentityContext{TenantID: "t", UserID: "u"}).IsSet() {
		t.Fatalf("missing role must be unset")
	}
	if !(IdentityContext{TenantID: "t", UserID: "u", UserRole: "STAFF"}).IsSet() {
		t.Fatalf("complete context must be set")
	}
}

func TestPasswordResetAudit_IsValidTempPassword(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	past := now.Add(-time.Minute)

	tests := []struct {
		name string
		a    *PasswordResetAudit
		want bool
	}{
		{"nil", nil, false},
		{"valid", &PasswordResetAudit{ResetMethod: ResetTempPassword, Success: true, ExpiresAt: &future}, true},
		{"expired but unused", &PasswordResetAudit{ResetMethod: ResetTempPassword, Success: true, ExpiresAt: &past}, false},
		{"used", &PasswordResetAudit{ResetMethod: ResetTempPassword, Success: true, TempPasswordUsed: true, ExpiresAt: &future}, false},
		{"no expiry", &PasswordResetAudit{ResetMethod: ResetTempPassword, Success: true}, false},
		{"other method", &PasswordResetAudit{ResetMethod: ResetAdministrative, Success: true, ExpiresAt: &future}, false},
		{"failed reset", &PasswordResetAudit{ResetMethod: ResetTempPassword, ExpiresAt: &future}, false},
		{"expires exactly now", &PasswordResetAudit{ResetMethod: ResetTempPassword, Success: true, ExpiresAt: &now}, false},
	}
	for _, tt := range tests {
		if got := tt.a.IsValidTempPassword(now); got != tt.want {
			t.Fatalf("%s: got %v want %v", tt.name, got, tt.want)
		}
	}
}

func TestResetMethod_Valid(t *testing.T) {
	t.Parallel()
	for _, m := range []ResetMethod{ResetSelfService, ResetAdministrative, ResetTempPassword} {
		if !m.Valid() {
			t.Fatalf("%s must be valid", m)
		}
	}
	if ResetMethod("EMAIL").Valid() {
		t.Fatalf("unknown method must be invalid")
	}
}
