package grpc

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/viralforge/guardian-activation/internal/application"
	"github.com/viralforge/guardian-activation/internal/domain"
	"github.com/viralforge/guardian-activation/internal/ports"
)

const (
	serviceName        = "guardian.activation.v1.GrantValidationService"
	validateGrantPath  = "/" + serviceName + "/ValidateGrant"
	revokeGrantPath    = "/" + serviceName + "/RevokeGrant"
	activationStatPath = "/" + serviceName + "/GetActivationStatus"
)

// GrantValidationService is the internal surface resource enforcement points call.
type GrantValidationService interface {
	ValidateGrant(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RevokeGrant(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetActivationStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type GrantValidationServer struct {
	service *application.Service
}

func NewGrantValidationServer(service *application.Service) *GrantValidationServer {
	return &GrantValidationServer{service: service}
}

func Register(server grpc.ServiceRegistrar, svc GrantValidationService) {
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*GrantValidationService)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "ValidateGrant",
				Handler:    unaryHandler(validateGrantPath, svc.ValidateGrant),
			},
			{
				MethodName: "RevokeGrant",
				Handler:    unaryHandler(revokeGrantPath, svc.RevokeGrant),
			},
			{
				MethodName: "GetActivationStatus",
				Handler:    unaryHandler(activationStatPath, svc.GetActivationStatus),
			},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "guardian/activation/v1/grant_validation.proto",
	}, svc)
}

func (s *GrantValidationServer) ValidateGrant(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	token := stringField(req, "access_token")
	code := stringField(req, "verification_code")
	if token == "" || code == "" {
		return nil, status.Error(codes.InvalidArgument, "missing access_token or verification_code")
	}

	validation, err := s.service.ValidateGrant(ctx, token, code)
	if err != nil {
		return nil, statusFromError(err)
	}
	return buildStruct(map[string]any{
		"valid":       true,
		"grant_id":    validation.GrantID.String(),
		"subject_id":  validation.SubjectID.String(),
		"guardian_id": validation.GuardianID.String(),
		"permissions": permissionsMap(validation.Permissions),
		"expires_at":  validation.ExpiresAt.Unix(),
	})
}

func (s *GrantValidationServer) RevokeGrant(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	grantID, err := uuid.Parse(stringField(req, "grant_id"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid grant_id")
	}
	view, err := s.service.RevokeGrant(ctx, grantID, actorFromContext(ctx))
	if err != nil {
		return nil, statusFromError(err)
	}
	return buildStruct(map[string]any{
		"grant_id": view.GrantID.String(),
		"revoked":  view.Revoked,
	})
}

func (s *GrantValidationServer) GetActivationStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	subjectID, err := uuid.Parse(stringField(req, "subject_id"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid subject_id")
	}
	view, err := s.service.ActivationStatus(ctx, subjectID)
	if err != nil {
		return nil, statusFromError(err)
	}
	resp := map[string]any{
		"subject_id":             view.SubjectID.String(),
		"protocol_status":        string(view.ProtocolStatus),
		"is_enabled":             view.IsEnabled,
		"current_confirmations":  view.CurrentConfirmations,
		"required_confirmations": view.RequiredConfirmations,
	}
	if view.ActivatedAt != nil {
		resp["activated_at"] = view.ActivatedAt.Format(time.RFC3339)
	}
	return buildStruct(resp)
}

func unaryHandler(fullMethod string, call func(context.Context, *structpb.Struct) (*structpb.Struct, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := &structpb.Struct{}
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(ctx, req)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			typed, ok := req.(*structpb.Struct)
			if !ok {
				return nil, status.Error(codes.InvalidArgument, "invalid request type")
			}
			return call(ctx, typed)
		}
		return interceptor(ctx, req, info, handler)
	}
}

type ctxKey string

const ctxKeyClaims ctxKey = "claims"

// AuthInterceptor requires an admin bearer token in the authorization metadata
// for every method except ValidateGrant, whose credentials travel in the request.
func AuthInterceptor(verifier ports.CallerVerifier) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if info.FullMethod == validateGrantPath || !strings.HasPrefix(info.FullMethod, "/"+serviceName+"/") {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		values := md.Get("authorization")
		if len(values) == 0 {
			return nil, status.Error(codes.Unauthenticated, "missing bearer token")
		}
		token, ok := strings.CutPrefix(values[0], "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			return nil, status.Error(codes.Unauthenticated, "missing bearer token")
		}
		claims, err := verifier.Verify(strings.TrimSpace(token))
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid bearer token")
		}
		if claims.Role != ports.RoleAdmin {
			return nil, status.Error(codes.PermissionDenied, "role not permitted")
		}
		return handler(context.WithValue(ctx, ctxKeyClaims, claims), req)
	}
}

func actorFromContext(ctx context.Context) string {
	claims, ok := ctx.Value(ctxKeyClaims).(ports.CallerClaims)
	if !ok {
		return "grpc:internal"
	}
	return claims.Role + ":" + claims.Subject
}

func statusFromError(err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, "invalid request")
	case errors.Is(err, domain.ErrInvalidVerificationCode), errors.Is(err, domain.ErrUnauthorized):
		return status.Error(codes.PermissionDenied, "access denied")
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, domain.ErrExpired):
		return status.Error(codes.FailedPrecondition, "credential expired")
	case errors.Is(err, domain.ErrRevoked):
		return status.Error(codes.FailedPrecondition, "credential revoked")
	case errors.Is(err, domain.ErrConflict):
		return status.Error(codes.Aborted, "conflict")
	case errors.Is(err, domain.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, "rate limited")
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

func stringField(req *structpb.Struct, name string) string {
	v := req.GetFields()[name]
	if v == nil {
		return ""
	}
	return strings.TrimSpace(v.GetStringValue())
}

func permissionsMap(p domain.Permissions) map[string]any {
	return map[string]any{
		"access_health_docs":    p.AccessHealthDocs,
		"access_financial_docs": p.AccessFinancialDocs,
		"is_child_guardian":     p.IsChildGuardian,
		"is_will_executor":      p.IsWillExecutor,
	}
}

func buildStruct(fields map[string]any) (*structpb.Struct, error) {
	resp, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "build response: %v", err)
	}
	return resp, nil
}
