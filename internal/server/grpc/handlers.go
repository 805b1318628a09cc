package grpcserver

import (
	"context"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/careshield/internal/audit"
	"github.com/and161185/careshield/internal/authz"
	"github.com/and161185/careshield/internal/convert"
	"github.com/and161185/careshield/internal/model"
	"github.com/and161185/careshield/internal/records"
)

// --- Audit ---

// AuditLogsRequest is the body of GetAuditLogs. UserID and FacilityID are
// exclusive filters.
type AuditLogsRequest struct {
	TargetTenantID string `json:"targetTenantId"`
	UserID         string `json:"userId,omitempty"`
	FacilityID     string `json:"facilityId,omitempty"`
	Limit          int    `json:"limit,omitempty"`
	Offset         int    `json:"offset,omitempty"`
}

func (s *Server) getAuditLogs(ctx context.Context, id model.IdentityContext, in *structpb.Struct) (any, error) {
	var req AuditLogsRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	page := audit.Page{Limit: req.Limit, Offset: req.Offset}
	var (
		logs []model.UserActionAuditLog
		err  error
	)
	switch {
	case req.UserID != "":
		logs, err = s.audit.GetLogsByUser(ctx, id, req.TargetTenantID, req.UserID, page)
	case req.FacilityID != "":
		logs, err = s.audit.GetLogsByFacility(ctx, id, req.TargetTenantID, req.FacilityID, page)
	default:
		logs, err = s.audit.GetLogs(ctx, id, req.TargetTenantID, page)
	}
	if err != nil {
		return nil, err
	}
	return convert.Items(logs), nil
}

// SearchAuditLogsRequest is the body of SearchAuditLogs.
type SearchAuditLogsRequest struct {
	TargetTenantID string     `json:"targetTenantId"`
	Search         string     `json:"search,omitempty"`
	From           *time.Time `json:"from,omitempty"`
	To             *time.Time `json:"to,omitempty"`
	Limit          int        `json:"limit,omitempty"`
	Offset         int        `json:"offset,omitempty"`
}

func (s *Server) searchAuditLogs(ctx context.Context, id model.IdentityContext, in *structpb.Struct) (any, error) {
	var req SearchAuditLogsRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	logs, err := s.audit.SearchLogs(ctx, id, model.AuditQuery{
		TargetTenantID: req.TargetTenantID,
		Search:         req.Search,
		From:           req.From,
		To:             req.To,
		Limit:          req.Limit,
		Offset:         req.Offset,
	})
	if err != nil {
		return nil, err
	}
	return convert.Items(logs), nil
}

// ExportRequest is the body of ExportAuditLogs.
type ExportRequest struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	TableName string    `json:"tableName,omitempty"`
	Format    string    `json:"format,omitempty"`
	Archive   bool      `json:"archive,omitempty"`
}

// ExportResponse carries the encoded export; Data is base64 in JSON.
type ExportResponse struct {
	Format      string `json:"format"`
	ContentType string `json:"contentType"`
	Rows        int    `json:"rows"`
	Data        []byte `json:"data"`
	ArchiveKey  string `json:"archiveKey,omitempty"`
}

func (s *Server) exportAuditLogs(ctx context.Context, id model.IdentityContext, in *structpb.Struct) (any, error) {
	var req ExportRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	format, err := audit.ParseFormat(req.Format)
	if err != nil {
		return nil, err
	}
	out, err := s.audit.ExportAuditLogs(ctx, id, audit.ExportRequest{
		Start:     req.Start,
		End:       req.End,
		TableName: req.TableName,
		Format:    format,
		Archive:   req.Archive,
	})
	if err != nil {
		return nil, err
	}
	return ExportResponse{
		Format:      string(format),
		ContentType: out.ContentType,
		Rows:        len(out.Rows),
		Data:        out.Data,
		ArchiveKey:  out.ArchiveKey,
	}, nil
}

func (s *Server) cleanupAuditLogs(ctx context.Context, id model.IdentityContext, _ *structpb.Struct) (any, error) {
	n, err := s.audit.CleanupOldLogs(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"deleted": n}, nil
}

// --- Password resets ---

// PasswordResetRequest is the body of RecordPasswordReset.
type PasswordResetRequest struct {
	TargetUserID string `json:"targetUserId"`
	Method       string `json:"method"`
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

func (s *Server) recordPasswordReset(ctx context.Context, id model.IdentityContext, in *structpb.Struct) (any, error) {
	var req PasswordResetRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return s.audit.RecordPasswordReset(ctx, id, audit.PasswordReset{
		TargetUserID: req.TargetUserID,
		Method:       model.ResetMethod(req.Method),
		Success:      req.Success,
		ErrorMessage: req.ErrorMessage,
	})
}

// TempPasswordRequest is the body of IssueTempPassword and ConsumeTempPassword.
type TempPasswordRequest struct {
	TargetUserID string `json:"targetUserId"`
	TTLSeconds   int64  `json:"ttlSeconds,omitempty"`
	Token        string `json:"token,omitempty"`
}

func (s *Server) issueTempPassword(ctx context.Context, id model.IdentityContext, in *structpb.Struct) (any, error) {
	var req TempPasswordRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	token, rec, err := s.audit.IssueTempPassword(ctx, id, req.TargetUserID, convert.Duration(req.TTLSeconds))
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": rec.ID, "token": token, "expiresAt": rec.ExpiresAt}, nil
}

func (s *Server) consumeTempPassword(ctx context.Context, id model.IdentityContext, in *structpb.Struct) (any, error) {
	var req TempPasswordRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := s.audit.ConsumeTempPassword(ctx, id, req.TargetUserID, req.Token); err != nil {
		return nil, err
	}
	return nil, nil
}

// ResetHistoryRequest is the body of GetPasswordResetHistory.
type ResetHistoryRequest struct {
	TargetUserID string `json:"targetUserId"`
	Limit        int    `json:"limit,omitempty"`
}

func (s *Server) resetHistory(ctx context.Context, id model.IdentityContext, in *structpb.Struct) (any, error) {
	var req ResetHistoryRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	recs, err := s.audit.ResetHistory(ctx, id, req.TargetUserID, req.Limit)
	if err != nil {
		return nil, err
	}
	return convert.Items(recs), nil
}

// --- Roles ---

// RoleRequest is the body of the role methods. Name addresses the role; the
// remaining fields apply to CreateRole and UpdateRole.
type RoleRequest struct {
	Name        string   `json:"name"`
	DisplayName *string  `json:"displayName,omitempty"`
	Description *string  `json:"description,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	UserID      string   `json:"userId,omitempty"`
	TenantID    string   `json:"tenantId,omitempty"`
}

func (s *Server) createRole(ctx context.Context, id model.IdentityContext, in *structpb.Struct) (any, error) {
	var req RoleRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	def := authz.RoleDefinition{Name: req.Name, Description: req.Description, Permissions: req.Permissions}
	if req.DisplayName != nil {
		def.DisplayName = *req.DisplayName
	}
	return s.roles.CreateCustomRole(ctx, id, def)
}

func (s *Server) updateRole(ctx context.Context, id model.IdentityContext, in *structpb.Struct) (any, error) {
	var req RoleRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return s.roles.UpdateCustomRole(ctx, id, req.Name, authz.RoleUpdate{
		DisplayName: req.DisplayName,
		Description: req.Description,
		Permissions: req.Permissions,
	})
}

func (s *Server) deleteRole(ctx context.Context, id model.IdentityContext, in *structpb.Struct) (any, error) {
	var req RoleRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return nil, s.roles.DeleteCustomRole(ctx, id, req.Name)
}

func (s *Server) getRole(ctx context.Context, id model.IdentityContext, in *structpb.Struct) (any, error) {
	var req RoleRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return s.roles.GetCustomRole(ctx, id, req.Name)
}

func (s *Server) listRoles(ctx context.Context, id model.IdentityContext, in *structpb.Struct) (any, error) {
	var req RoleRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = id.TenantID
	}
	return s.roles.GetAllTenantRoles(ctx, id, tenantID)
}

func (s *Server) assignRole(ctx context.Context, id model.IdentityContext, in *structpb.Struct) (any, error) {
	var req RoleRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return nil, s.roles.AssignRoleToUser(ctx, id, req.Name, req.UserID)
}

func (s *Server) removeRole(ctx context.Context, id model.IdentityContext, in *structpb.Struct) (any, error) {
	var req RoleRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return nil, s.roles.RemoveRoleFromUser(ctx, id, req.Name, req.UserID)
}

func (s *Server) effectivePermissions(ctx context.Context, id model.IdentityContext, _ *structpb.Struct) (any, error) {
	perms, err := s.roles.EffectivePermissions(ctx, id)
	if err != nil {
		return nil, err
	}
	return convert.Items(perms), nil
}

// --- Placements ---

// PlacementRef addresses a placement record or a client's records.
type PlacementRef struct {
	ID       string `json:"id,omitempty"`
	ClientID string `json:"clientId,omitempty"`
}

func (s *Server) createPlacement(ctx context.Context, id model.IdentityContext, in *structpb.Struct) (any, error) {
	var req records.Placement
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return s.placements.Create(ctx, id, req)
}

func (s *Server) getPlacement(ctx context.Context, id model.IdentityContext, in *structpb.Struct) (any, error) {
	var req PlacementRef
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return s.placements.Get(ctx, id, req.ID)
}

func (s *Server) updatePlacement(ctx context.Context, id model.IdentityContext, in *structpb.Struct) (any, error) {
	var req records.Placement
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return s.placements.Update(ctx, id, req)
}

func (s *Server) deletePlacement(ctx context.Context, id model.IdentityContext, in *structpb.Struct) (any, error) {
	var req PlacementRef
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	r, err := s.placements.Delete(ctx, id, req.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"retention": r.String()}, nil
}

func (s *Server) listPlacements(ctx context.Context, id model.IdentityContext, in *structpb.Struct) (any, error) {
	var req PlacementRef
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	list, err := s.placements.ListByClient(ctx, id, req.ClientID)
	if err != nil {
		return nil, err
	}
	return convert.Items(list), nil
}
