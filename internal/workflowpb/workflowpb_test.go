package workflowpb

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type echoServer struct{}

func echo(method string, req *structpb.Struct) (*structpb.Struct, error) {
	req.Fields["method"] = structpb.NewStringValue(method)
	return req, nil
}

func (echoServer) ExecuteTransition(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return echo("ExecuteTransition", req)
}

func (echoServer) ListAvailableSteps(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return echo("ListAvailableSteps", req)
}

func (echoServer) GetHistory(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return echo("GetHistory", req)
}

func (echoServer) ResolveAccess(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return echo("ResolveAccess", req)
}

func TestWorkflowClient_Call(t *testing.T) {
	var seen []string
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(
		func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
			seen = append(seen, info.FullMethod)
			return handler(ctx, req)
		}))
	RegisterWorkflowServiceServer(srv, echoServer{})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	client := NewWorkflowClient(conn)

	in, err := structpb.NewStruct(map[string]any{"entityId": "42"})
	require.NoError(t, err)
	for _, method := range []string{"ExecuteTransition", "ListAvailableSteps", "GetHistory", "ResolveAccess"} {
		out, err := client.Call(context.Background(), method, in)
		require.NoError(t, err, method)
		assert.Equal(t, method, out.GetFields()["method"].GetStringValue())
		assert.Equal(t, "42", out.GetFields()["entityId"].GetStringValue())
	}
	assert.Equal(t, []string{
		"/workflow.v1.WorkflowService/ExecuteTransition",
		"/workflow.v1.WorkflowService/ListAvailableSteps",
		"/workflow.v1.WorkflowService/GetHistory",
		"/workflow.v1.WorkflowService/ResolveAccess",
	}, seen)

	_, err = client.Call(context.Background(), "Unknown", in)
	assert.Error(t, err)
}
