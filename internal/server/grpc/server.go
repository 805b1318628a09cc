// Package grpcserver exposes the compliance API over gRPC.
//
// Every method takes and returns a google.protobuf.Struct; the JSON shape of each
// request and response is the exported type documented next to its handler.
package grpcserver

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/careshield/internal/audit"
	"github.com/and161185/careshield/internal/authz"
	"github.com/and161185/careshield/internal/convert"
	"github.com/and161185/careshield/internal/model"
	"github.com/and161185/careshield/internal/records"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "careshield.v1.Compliance"

// AuditService is the audit trail surface used by the server.
type AuditService interface {
	GetLogs(ctx context.Context, id model.IdentityContext, targetTenantID string, p audit.Page) ([]model.UserActionAuditLog, error)
	GetLogsByUser(ctx context.Context, id model.IdentityContext, targetTenantID, userID string, p audit.Page) ([]model.UserActionAuditLog, error)
	GetLogsByFacility(ctx context.Context, id model.IdentityContext, targetTenantID, facilityID string, p audit.Page) ([]model.UserActionAuditLog, error)
	SearchLogs(ctx context.Context, id model.IdentityContext, q model.AuditQuery) ([]model.UserActionAuditLog, error)
	ExportAuditLogs(ctx context.Context, id model.IdentityContext, req audit.ExportRequest) (*audit.Export, error)
	CleanupOldLogs(ctx context.Context, id model.IdentityContext) (int64, error)
	RecordPasswordReset(ctx context.Context, id model.IdentityContext, r audit.PasswordReset) (*model.PasswordResetAudit, error)
	IssueTempPassword(ctx context.Context, id model.IdentityContext, targetUserID string, ttl time.Duration) (string, *model.PasswordResetAudit, error)
	ConsumeTempPassword(ctx context.Context, id model.IdentityContext, targetUserID, token string) error
	ResetHistory(ctx context.Context, id model.IdentityContext, targetUserID string, limit int) ([]model.PasswordResetAudit, error)
}

// RoleService is the role registry surface used by the server.
type RoleService interface {
	CreateCustomRole(ctx context.Context, id model.IdentityContext, def authz.RoleDefinition) (*model.CustomRole, error)
	UpdateCustomRole(ctx context.Context, id model.IdentityContext, name string, upd authz.RoleUpdate) (*model.CustomRole, error)
	DeleteCustomRole(ctx context.Context, id model.IdentityContext, name string) error
	AssignRoleToUser(ctx context.Context, id model.IdentityContext, roleName, userID string) error
	RemoveRoleFromUser(ctx context.Context, id model.IdentityContext, roleName, userID string) error
	GetAllTenantRoles(ctx context.Context, id model.IdentityContext, tenantID string) (authz.TenantRoles, error)
	GetCustomRole(ctx context.Context, id model.IdentityContext, name string) (*model.CustomRole, error)
	EffectivePermissions(ctx context.Context, id model.IdentityContext) ([]authz.Permission, error)
}

// PlacementService is the placement record surface used by the server.
type PlacementService interface {
	Create(ctx context.Context, id model.IdentityContext, p records.Placement) (*records.Placement, error)
	Get(ctx context.Context, id model.IdentityContext, placementID string) (*records.Placement, error)
	Update(ctx context.Context, id model.IdentityContext, p records.Placement) (*records.Placement, error)
	Delete(ctx context.Context, id model.IdentityContext, placementID string) (records.Retention, error)
	ListByClient(ctx context.Context, id model.IdentityContext, clientID string) ([]records.Placement, error)
}

var (
	_ AuditService     = (*audit.Service)(nil)
	_ RoleService      = (*authz.Registry)(nil)
	_ PlacementService = (*records.Service)(nil)
)

// ComplianceServer dispatches a decoded request to the named method.
type ComplianceServer interface {
	Call(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error)
}

type handlerFunc func(s *Server, ctx context.Context, id model.IdentityContext, in *structpb.Struct) (any, error)

// Server wires services into gRPC handlers.
type Server struct {
	audit      AuditService
	roles      RoleService
	placements PlacementService
	log        *zap.Logger
}

var _ ComplianceServer = (*Server)(nil)

// New constructs a gRPC server with injected services.
func New(a AuditService, r RoleService, p PlacementService, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{audit: a, roles: r, placements: p, log: log}
}

var handlers = map[string]handlerFunc{
	"GetAuditLogs":            (*Server).getAuditLogs,
	"SearchAuditLogs":         (*Server).searchAuditLogs,
	"ExportAuditLogs":         (*Server).exportAuditLogs,
	"CleanupAuditLogs":        (*Server).cleanupAuditLogs,
	"RecordPasswordReset":     (*Server).recordPasswordReset,
	"IssueTempPassword":       (*Server).issueTempPassword,
	"ConsumeTempPassword":     (*Server).consumeTempPassword,
	"GetPasswordResetHistory": (*Server).resetHistory,
	"CreateRole":              (*Server).createRole,
	"UpdateRole":              (*Server).updateRole,
	"DeleteRole":              (*Server).deleteRole,
	"GetRole":                 (*Server).getRole,
	"ListRoles":               (*Server).listRoles,
	"AssignRole":              (*Server).assignRole,
	"RemoveRole":              (*Server).removeRole,
	"GetEffectivePermissions": (*Server).effectivePermissions,
	"CreatePlacement":         (*Server).createPlacement,
	"GetPlacement":            (*Server).getPlacement,
	"UpdatePlacement":         (*Server).updatePlacement,
	"DeletePlacement":         (*Server).deletePlacement,
	"ListPlacements":          (*Server).listPlacements,
}

// Methods returns the method names of the service.
func Methods() []string {
	out := make([]string, 0, len(handlers))
	for name := range handlers {
		out = append(out, name)
	}
	return out
}

// Register adds the service to a gRPC server.
func Register(r grpc.ServiceRegistrar, s ComplianceServer) {
	r.RegisterService(ServiceDesc(), s)
}

// ServiceDesc describes the service for grpc.ServiceRegistrar.
func ServiceDesc() *grpc.ServiceDesc {
	desc := &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*ComplianceServer)(nil),
		Metadata:    "careshield/v1/compliance.proto",
	}
	for name := range handlers {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{MethodName: name, Handler: unary(name)})
	}
	return desc
}

func unary(method string) func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
	full := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		cs := srv.(ComplianceServer)
		if ic == nil {
			return cs.Call(ctx, method, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
		return ic(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return cs.Call(ctx, method, req.(*structpb.Struct))
		})
	}
}

// Call runs method for the identity stored in ctx by AuthUnary.
func (s *Server) Call(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	h, ok := handlers[method]
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "method %s not implemented", method)
	}
	id, ok := IdentityFromCtx(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	resp, err := h(s, ctx, id, in)
	if err != nil {
		return nil, s.toStatus(method, err)
	}
	out, err := convert.ToStruct(resp)
	if err != nil {
		s.log.Error("encode response", zap.String("method", method), zap.Error(err))
		return nil, status.Error(codes.Internal, "internal")
	}
	return out, nil
}

func decode(in *structpb.Struct, dst any) error {
	if err := convert.FromStruct(in, dst); err != nil {
		return status.Errorf(codes.InvalidArgument, "bad request: %v", err)
	}
	return nil
}
