package client

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-plt-workflow/internal/repository"
	"github.com/pesio-ai/be-plt-workflow/internal/service"
	"github.com/pesio-ai/be-plt-workflow/internal/workflowpb"
)

// stubWorkflowServer echoes what it received so the client side can be
// checked without a full service.
type stubWorkflowServer struct {
	lastMD  metadata.MD
	lastReq *structpb.Struct
}

func (s *stubWorkflowServer) record(ctx context.Context, req *structpb.Struct) {
	s.lastMD, _ = metadata.FromIncomingContext(ctx)
	s.lastReq = req
}

func (s *stubWorkflowServer) ExecuteTransition(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s.record(ctx, req)
	return structpb.NewStruct(map[string]any{"success": true})
}

func (s *stubWorkflowServer) ListAvailableSteps(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s.record(ctx, req)
	return structpb.NewStruct(map[string]any{"steps": []any{}})
}

func (s *stubWorkflowServer) GetHistory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s.record(ctx, req)
	return structpb.NewStruct(map[string]any{"records": []any{}})
}

func (s *stubWorkflowServer) ResolveAccess(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s.record(ctx, req)
	return structpb.NewStruct(map[string]any{
		"effect":  "DENY",
		"reason":  "caller role not allowed",
		"match":   "template",
		"ruleId":  "r-1",
		"version": 7,
	})
}

func startStub(t *testing.T) (*stubWorkflowServer, *WorkflowGRPCClient) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	stub := &stubWorkflowServer{}
	srv := grpc.NewServer()
	workflowpb.RegisterWorkflowServiceServer(srv, stub)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := NewWorkflowGRPCClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return stub, c
}

func TestWorkflowGRPCClient_ExecuteTransition(t *testing.T) {
	stub, c := startStub(t)

	ctx := WithCaller(context.Background(), "u-1", []string{"AGENT", "VALIDATEUR"}, nil)
	ok, err := c.ExecuteTransition(ctx, "IDEE_PROJET", "idea-1", "MAT-01", "ready")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, []string{"u-1"}, stub.lastMD.Get("x-user-id"))
	assert.Equal(t, []string{"AGENT,VALIDATEUR"}, stub.lastMD.Get("x-user-roles"))
	assert.Equal(t, "MAT-01", stub.lastReq.GetFields()["stepCode"].GetStringValue())
}

func TestWorkflowGRPCClient_ForwardsIncomingMetadata(t *testing.T) {
	stub, c := startStub(t)

	// A server handling a user request calls the workflow service on the
	// user's behalf.
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer user-token"))
	_, err := c.ExecuteTransition(ctx, "PROJET", "p-1", "SUI-01", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"Bearer user-token"}, stub.lastMD.Get("authorization"))
}

func TestWorkflowGRPCClient_ResolveAccess(t *testing.T) {
	stub, c := startStub(t)

	ctx := WithBearer(context.Background(), "admin-token")
	d, err := c.ResolveAccess(ctx, "/api/v1/projets/{id}", repository.ActionRead, []string{"VIEWER"}, nil)
	require.NoError(t, err)

	assert.Equal(t, service.Deny, d.Effect)
	assert.Equal(t, service.MatchTemplate, d.Match)
	assert.Equal(t, "r-1", d.RuleID)
	assert.Equal(t, uint64(7), d.Version)
	assert.Equal(t, []string{"Bearer admin-token"}, stub.lastMD.Get("authorization"))
	assert.Len(t, stub.lastReq.GetFields()["roles"].GetListValue().GetValues(), 1)

	_, err = c.ResolveAccess(ctx, "/api/v1/projets", repository.ActionCreate, nil, nil)
	require.NoError(t, err)
	_, hasRoles := stub.lastReq.GetFields()["roles"]
	assert.False(t, hasRoles, "own roles are used when none are given")
}
