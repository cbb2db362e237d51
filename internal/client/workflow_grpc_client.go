package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-plt-workflow/internal/platform/identity"
	"github.com/pesio-ai/be-plt-workflow/internal/repository"
	"github.com/pesio-ai/be-plt-workflow/internal/service"
	"github.com/pesio-ai/be-plt-workflow/internal/workflowpb"
)

// forwardMetadata is a gRPC unary client interceptor that propagates incoming
// request metadata (including the bearer token) to outgoing calls, so a
// service calling the workflow engine on behalf of a user keeps that user's
// identity.
func forwardMetadata(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if out, ok := metadata.FromOutgoingContext(ctx); ok {
			md = metadata.Join(md, out)
		}
		ctx = metadata.NewOutgoingContext(ctx, md)
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}

// WorkflowGRPCClient is a typed client for workflow.v1.WorkflowService.
type WorkflowGRPCClient struct {
	conn   *grpc.ClientConn
	client *workflowpb.WorkflowClient
}

// NewWorkflowGRPCClient creates a new workflow service gRPC client.
func NewWorkflowGRPCClient(addr string, opts ...grpc.DialOption) (*WorkflowGRPCClient, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(forwardMetadata),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	return &WorkflowGRPCClient{
		conn:   conn,
		client: workflowpb.NewWorkflowClient(conn),
	}, nil
}

// Close closes the gRPC connection
func (c *WorkflowGRPCClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// WithBearer attaches a bearer token to outgoing calls made with ctx.
func WithBearer(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

// WithCaller attaches trusted identity headers to outgoing calls made with
// ctx. Only honored by servers running without a JWT secret.
func WithCaller(ctx context.Context, userID string, roles, directions []string) context.Context {
	return metadata.AppendToOutgoingContext(ctx,
		strings.ToLower(identity.HeaderUserID), userID,
		strings.ToLower(identity.HeaderRoles), strings.Join(roles, ","),
		strings.ToLower(identity.HeaderDirections), strings.Join(directions, ","),
	)
}

// ExecuteTransition applies a step on behalf of the caller identified by ctx.
func (c *WorkflowGRPCClient) ExecuteTransition(ctx context.Context, entityType, entityID, stepCode, comment string) (bool, error) {
	in, err := structpb.NewStruct(map[string]any{
		"entityType": entityType,
		"entityId":   entityID,
		"stepCode":   stepCode,
		"comment":    comment,
	})
	if err != nil {
		return false, fmt.Errorf("failed to build request: %w", err)
	}
	out, err := c.client.Call(ctx, "ExecuteTransition", in)
	if err != nil {
		return false, fmt.Errorf("failed to execute transition: %w", err)
	}
	return out.GetFields()["success"].GetBoolValue(), nil
}

// ResolveAccess asks the server for an access decision. roles, when non-nil,
// replaces the caller's own roles and requires the admin role.
func (c *WorkflowGRPCClient) ResolveAccess(ctx context.Context, endpoint string, action repository.Action, roles, scopes []string) (*service.Decision, error) {
	fields := map[string]any{
		"endpoint": endpoint,
		"action":   string(action),
	}
	if roles != nil {
		fields["roles"] = toAnyList(roles)
		fields["scopes"] = toAnyList(scopes)
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	out, err := c.client.Call(ctx, "ResolveAccess", in)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve access: %w", err)
	}

	data, err := out.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to read decision: %w", err)
	}
	var d service.Decision
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to read decision: %w", err)
	}
	return &d, nil
}

func toAnyList(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
