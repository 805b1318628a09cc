package grpcserver

import (
	"errors"

	"go.uber.org/zap"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/and161185/careshield/internal/errs"
)

// toStatus maps domain errors to gRPC statuses. Authorization failures share one
// generic message so callers cannot probe other tenants.
func (s *Server) toStatus(method string, err error) error {
	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		return err
	}
	var invalid *errs.InvalidItemsError
	switch {
	case errs.IsForbidden(err):
		return status.Error(codes.PermissionDenied, "forbidden")
	case errors.Is(err, errs.ErrUnauthenticated):
		return status.Error(codes.Unauthenticated, "no auth")
	case errors.As(err, &invalid):
		code := codes.InvalidArgument
		if errors.Is(invalid.Kind, errs.ErrDuplicateRoleName) {
			code = codes.AlreadyExists
		}
		return withItems(status.New(code, invalid.Kind.Error()), invalid)
	case errors.Is(err, errs.ErrRoleNotFound), errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, errs.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, errs.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, "rate limited")
	case errors.Is(err, errs.ErrTempPasswordInvalid):
		return status.Error(codes.Unauthenticated, "invalid temporary password")
	}
	s.log.Error("request failed", zap.String("method", method), zap.Error(err))
	return status.Error(codes.Internal, "internal")
}

// withItems attaches the rejected inputs as field violations.
func withItems(st *status.Status, e *errs.InvalidItemsError) error {
	br := &errdetails.BadRequest{}
	for _, item := range e.Items {
		br.FieldViolations = append(br.FieldViolations, &errdetails.BadRequest_FieldViolation{
			Field:       item,
			Description: e.Kind.Error(),
		})
	}
	withDetails, err := st.WithDetails(br)
	if err != nil {
		return st.Err()
	}
	return withDetails.Err()
}
