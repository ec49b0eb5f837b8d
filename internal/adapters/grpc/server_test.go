package grpc_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	grpcadapter "github.com/viralforge/guardian-activation/internal/adapters/grpc"
	"github.com/viralforge/guardian-activation/internal/adapters/memory"
	"github.com/viralforge/guardian-activation/internal/adapters/security"
	"github.com/viralforge/guardian-activation/internal/application"
	"github.com/viralforge/guardian-activation/internal/domain"
	"github.com/viralforge/guardian-activation/internal/ports"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "grpc-contract-secret-0123456789abcdef"

type grantsNotifier struct {
	mu      sync.Mutex
	granted map[uuid.UUID]domain.Notification
}

func (n *grantsNotifier) Notify(_ context.Context, to domain.Guardian, msg domain.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if msg.Type == domain.NotifyAccessGranted {
		n.granted[to.ID] = msg
	}
	return nil
}

type harness struct {
	client   *grpc.ClientConn
	notifier *grantsNotifier
	guardian domain.Guardian
	grant    application.GrantView
}

// newHarness activates a single-guardian subject and serves the adapter over bufconn.
func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	subjectID := uuid.New()
	guardian := domain.Guardian{
		ID:                  uuid.New(),
		SubjectID:           subjectID,
		Name:                "guardian-1",
		Email:               "guardian-1@example.com",
		IsActive:            true,
		CanTriggerEmergency: true,
		Permissions:         domain.Permissions{AccessFinancialDocs: true},
		Priority:            1,
	}
	notifier := &grantsNotifier{granted: map[uuid.UUID]domain.Notification{}}
	svc := application.NewService(application.Dependencies{
		Store:       memory.NewStore(),
		Guardians:   memory.NewDirectory(guardian),
		Notifier:    notifier,
		Random:      security.NewCryptoRandom(),
		Hasher:      security.NewBcryptHasher(bcrypt.MinCost),
		RateLimiter: memory.NewRateLimiter(),
		CycleLock:   memory.NewCycleLock(),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	_, err := svc.InitializeSubject(ctx, subjectID, nil)
	require.NoError(t, err)
	enabled, required := true, 1
	_, err = svc.UpdateSettings(ctx, subjectID, application.SettingsUpdate{IsEnabled: &enabled, RequiredConfirmations: &required}, "admin:test")
	require.NoError(t, err)
	result, err := svc.SubmitActivation(ctx, application.SubmitActivationRequest{SubjectID: subjectID, GuardianID: guardian.ID})
	require.NoError(t, err)
	require.True(t, result.ProtocolActivated)
	require.Len(t, result.Grants, 1)

	verifier, err := security.NewHMACVerifier(testSecret)
	require.NoError(t, err)
	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcadapter.AuthInterceptor(verifier)))
	grpcadapter.Register(server, grpcadapter.NewGrantValidationServer(svc))
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return listener.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &harness{client: conn, notifier: notifier, guardian: guardian, grant: result.Grants[0]}
}

func (h *harness) invoke(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	resp := &structpb.Struct{}
	err = h.client.Invoke(ctx, "/guardian.activation.v1.GrantValidationService/"+method, req, resp)
	return resp, err
}

func withBearer(t *testing.T, role string) context.Context {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, security.CallerClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "grpc-test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+raw)
}

func TestValidateGrantOverGRPC(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	granted := h.notifier.granted[h.guardian.ID]

	resp, err := h.invoke(context.Background(), "ValidateGrant", map[string]any{
		"access_token":      granted.Metadata["access_token"],
		"verification_code": granted.Metadata["verification_code"],
	})
	require.NoError(t, err)
	require.True(t, resp.GetFields()["valid"].GetBoolValue())
	require.Equal(t, h.guardian.ID.String(), resp.GetFields()["guardian_id"].GetStringValue())
	perms := resp.GetFields()["permissions"].GetStructValue().GetFields()
	require.True(t, perms["access_financial_docs"].GetBoolValue())
	require.False(t, perms["access_health_docs"].GetBoolValue())

	_, err = h.invoke(context.Background(), "ValidateGrant", map[string]any{"access_token": granted.Metadata["access_token"]})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestRevokeGrantRequiresAdmin(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	req := map[string]any{"grant_id": h.grant.GrantID.String()}

	_, err := h.invoke(context.Background(), "RevokeGrant", req)
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = h.invoke(withBearer(t, ports.RoleScheduler), "RevokeGrant", req)
	require.Equal(t, codes.PermissionDenied, status.Code(err))

	resp, err := h.invoke(withBearer(t, ports.RoleAdmin), "RevokeGrant", req)
	require.NoError(t, err)
	require.True(t, resp.GetFields()["revoked"].GetBoolValue())

	granted := h.notifier.granted[h.guardian.ID]
	_, err = h.invoke(context.Background(), "ValidateGrant", map[string]any{
		"access_token":      granted.Metadata["access_token"],
		"verification_code": granted.Metadata["verification_code"],
	})
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestGetActivationStatusOverGRPC(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, err := h.invoke(withBearer(t, ports.RoleAdmin), "GetActivationStatus", map[string]any{"subject_id": uuid.NewString()})
	require.Equal(t, codes.NotFound, status.Code(err))

	resp, err := h.invoke(withBearer(t, ports.RoleAdmin), "GetActivationStatus", map[string]any{"subject_id": h.guardian.SubjectID.String()})
	require.NoError(t, err)
	require.Equal(t, string(domain.StatusActive), resp.GetFields()["protocol_status"].GetStringValue())
}
