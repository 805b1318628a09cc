// Package model defines domain entities used by services and repositories.
package model

import (
	"encoding/json"
	"time"
)

// IdentityContext is the request-scoped actor identity. It is passed explicitly
// through every layer and is never persisted.
type IdentityContext struct {
	TenantID string
	UserID   string
	UserRole string

	// Audit attribution, optional.
	SessionID string
	IPAddress string
	UserAgent string
}

// IsSet reports whether the tenant, user and role are all populated.
func (c IdentityContext) IsSet() bool {
	return c.TenantID != "" && c.UserID != "" && c.UserRole != ""
}

// SystemRole is one of the fixed, non-editable roles present in every tenant.
type SystemRole string

const (
	RoleOwner SystemRole = "OWNER"
	RoleAdmin SystemRole = "ADMIN"
	RoleStaff SystemRole = "STAFF"
)

// SystemRoles lists the fixed roles in descending privilege order.
func SystemRoles() []SystemRole { return []SystemRole{RoleOwner, RoleAdmin, RoleStaff} }

// CustomRole is a tenant-defined role with an explicit permission set.
type CustomRole struct {
	ID          string    `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	DisplayName string    `db:"display_name" json:"displayName"`
	Description *string   `db:"description" json:"description,omitempty"`
	Permissions []string  `db:"permissions" json:"permissions"`
	IsSystem    bool      `db:"is_system" json:"isSystem"`
	IsActive    bool      `db:"is_active" json:"isActive"`
	TenantID    string    `db:"tenant_id" json:"tenantId"`
	CreatedBy   *string   `db:"created_by" json:"createdBy,omitempty"`
	UpdatedBy   *string   `db:"updated_by" json:"updatedBy,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

// AuditOperation is the kind of row mutation captured by the row audit trigger.
type AuditOperation string

const (
	OpInsert AuditOperation = "INSERT"
	OpUpdate AuditOperation = "UPDATE"
	OpDelete AuditOperation = "DELETE"
)

// DataAuditLog is an automatic, trigger-written record of a row mutation. Append-only.
type DataAuditLog struct {
	ID            int64           `db:"id" json:"id"`
	TableName     string          `db:"table_name" json:"tableName"`
	Operation     AuditOperation  `db:"operation" json:"operation"`
	RowID         string          `db:"row_id" json:"rowId"`
	UserID        *string         `db:"user_id" json:"userId,omitempty"`
	TenantID      *string         `db:"tenant_id" json:"tenantId,omitempty"`
	FacilityID    *string         `db:"facility_id" json:"facilityId,omitempty"`
	Timestamp     time.Time       `db:"timestamp" json:"timestamp"`
	OldValues     json.RawMessage `db:"old_values" json:"oldValues,omitempty"`
	NewValues     json.RawMessage `db:"new_values" json:"newValues,omitempty"`
	ChangedFields []string        `db:"changed_fields" json:"changedFields,omitempty"`
	SessionID     *string         `db:"session_id" json:"sessionId,omitempty"`
	IPAddress     *string         `db:"ip_address" json:"ipAddress,omitempty"`
	UserAgent     *string         `db:"user_agent" json:"userAgent,omitempty"`
}

// UserActionAuditLog is an explicit record of a semantic user action. Append-only.
type UserActionAuditLog struct {
	ID               string          `db:"id" json:"id"`
	UserID           string          `db:"user_id" json:"userId"`
	TargetUserID     *string         `db:"target_user_id" json:"targetUserId,omitempty"`
	TargetFacilityID string          `db:"target_facility_id" json:"targetFacilityId"`
	TargetTenantID   string          `db:"target_tenant_id" json:"targetTenantId"`
	ClientID         *string         `db:"client_id" json:"clientId,omitempty"`
	Action           string          `db:"action" json:"action"`
	Details          json.RawMessage `db:"details" json:"details,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updatedAt"`
}

// ResetMethod is how a password reset was performed.
type ResetMethod string

const (
	ResetSelfService    ResetMethod = "SELF_SERVICE"
	ResetAdministrative ResetMethod = "ADMINISTRATIVE"
	ResetTempPassword   ResetMethod = "TEMP_PASSWORD"
)

// Valid reports whether m is a known reset method.
func (m ResetMethod) Valid() bool {
	switch m {
	case ResetSelfService, ResetAdministrative, ResetTempPassword:
		return true
	}
	return false
}

// PasswordResetAudit records a password reset attempt. TempPasswordToken holds
// the token hash, never the token itself.
type PasswordResetAudit struct {
	ID                string      `db:"id" json:"id"`
	TenantID          string      `db:"tenant_id" json:"tenantId"`
	ResetByUserID     string      `db:"reset_by_user_id" json:"resetByUserId"`
	TargetUserID      string      `db:"target_user_id" json:"targetUserId"`
	ResetMethod       ResetMethod `db:"reset_method" json:"resetMethod"`
	Success           bool        `db:"success" json:"success"`
	ErrorMessage      *string     `db:"error_message" json:"errorMessage,omitempty"`
	TempPasswordToken []byte      `db:"temp_password_token" json:"-"`
	TempPasswordUsed  bool        `db:"temp_password_used" json:"tempPasswordUsed"`
	ExpiresAt         *time.Time  `db:"expires_at" json:"expiresAt,omitempty"`
	UsedAt            *time.Time  `db:"used_at" json:"usedAt,omitempty"`
	CreatedAt         time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time   `db:"updated_at" json:"updatedAt"`
}

// IsValidTempPassword reports whether the record still grants a one-time login at now.
func (a *PasswordResetAudit) IsValidTempPassword(now time.Time) bool {
	if a == nil || a.ResetMethod != ResetTempPassword || !a.Success || a.TempPasswordUsed {
		return false
	}
	return a.ExpiresAt != nil && now.Before(*a.ExpiresAt)
}

// AuditQuery narrows a user-action audit read. TargetTenantID is mandatory.
type AuditQuery struct {
	TargetTenantID string
	UserID         string
	FacilityID     string
	Search         string
	From           *time.Time
	To             *time.Time
	Limit          int
	Offset         int
}

// PlacementInfo is a client's placement record. The scalar sensitive columns hold
// ciphertext; the nested JSON documents carry ciphertext for their own sensitive keys.
type PlacementInfo struct {
	ID              string          `db:"id"`
	TenantID        string          `db:"tenant_id"`
	FacilityID      string          `db:"facility_id"`
	ClientID        string          `db:"client_id"`
	Diagnosis       []byte          `db:"diagnosis"`
	MedicalHistory  []byte          `db:"medical_history"`
	Allergies       []byte          `db:"allergies"`
	InsuranceNumber []byte          `db:"insurance_number"`
	Address         json.RawMessage `db:"address"`
	Specialists     json.RawMessage `db:"specialists"`
	Medications     json.RawMessage `db:"medications"`
	IsDeleted       bool            `db:"is_deleted"`
	CreatedBy       string          `db:"created_by"`
	UpdatedBy       *string         `db:"updated_by"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}
