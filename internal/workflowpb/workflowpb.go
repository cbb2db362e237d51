// Package workflowpb defines the workflow.v1.WorkflowService gRPC contract
// shared by the server handler and its clients. Messages are
// google.protobuf.Struct documents using the same field names as the REST API.
package workflowpb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "workflow.v1.WorkflowService"

// WorkflowServiceServer is the server API of workflow.v1.WorkflowService.
type WorkflowServiceServer interface {
	ExecuteTransition(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListAvailableSteps(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResolveAccess(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// WorkflowServiceDesc describes workflow.v1.WorkflowService for grpc.Server.
var WorkflowServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WorkflowServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ExecuteTransition", Handler: unary("ExecuteTransition", WorkflowServiceServer.ExecuteTransition)},
		{MethodName: "ListAvailableSteps", Handler: unary("ListAvailableSteps", WorkflowServiceServer.ListAvailableSteps)},
		{MethodName: "GetHistory", Handler: unary("GetHistory", WorkflowServiceServer.GetHistory)},
		{MethodName: "ResolveAccess", Handler: unary("ResolveAccess", WorkflowServiceServer.ResolveAccess)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "workflow/v1/workflow.proto",
}

// RegisterWorkflowServiceServer registers srv on s.
func RegisterWorkflowServiceServer(s grpc.ServiceRegistrar, srv WorkflowServiceServer) {
	s.RegisterService(&WorkflowServiceDesc, srv)
}

func unary(method string, call func(WorkflowServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(WorkflowServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(WorkflowServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// WorkflowClient calls workflow.v1.WorkflowService.
type WorkflowClient struct {
	cc grpc.ClientConnInterface
}

// NewWorkflowClient creates a client on cc.
func NewWorkflowClient(cc grpc.ClientConnInterface) *WorkflowClient {
	return &WorkflowClient{cc: cc}
}

// Call invokes method with in and returns the response document.
func (c *WorkflowClient) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
