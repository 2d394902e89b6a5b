package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "hashring.v1.Router"

// RouterServer is the server API of the Router service. Messages are
// protobuf well-known types; their field layout is defined in convert.go.
type RouterServer interface {
	AddNode(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	RemoveNode(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Lookup(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	LookupReplicas(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetMetrics(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Rebalance(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Status(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)
	ApplyMembership(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// unary adapts a RouterServer method to a grpc.MethodHandler.
func unary[Req proto.Message, Resp any](method string, newReq func() Req, call func(RouterServer, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(RouterServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod(method),
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(RouterServer), ctx, req.(Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func newStruct() *structpb.Struct        { return &structpb.Struct{} }
func newString() *wrapperspb.StringValue { return &wrapperspb.StringValue{} }
func newEmpty() *emptypb.Empty           { return &emptypb.Empty{} }

// RouterServiceDesc describes the Router service for grpc.Server.RegisterService.
var RouterServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RouterServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("AddNode", newStruct, RouterServer.AddNode),
		unary("RemoveNode", newString, RouterServer.RemoveNode),
		unary("Lookup", newString, RouterServer.Lookup),
		unary("LookupReplicas", newStruct, RouterServer.LookupReplicas),
		unary("GetMetrics", newEmpty, RouterServer.GetMetrics),
		unary("Rebalance", newEmpty, RouterServer.Rebalance),
		unary("Status", newEmpty, RouterServer.Status),
		unary("ApplyMembership", newStruct, RouterServer.ApplyMembership),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hashring/v1/router.proto",
}

// RegisterRouterServer registers srv on s.
func RegisterRouterServer(s grpc.ServiceRegistrar, srv RouterServer) {
	s.RegisterService(&RouterServiceDesc, srv)
}
