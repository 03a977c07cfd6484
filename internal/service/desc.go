package service

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name. Messages are
// well-known types, so no generated code is involved.
const ServiceName = "execstream.v1.Execution"

const (
	methodExecuteStream = "/" + ServiceName + "/ExecuteStream"
	methodExecute       = "/" + ServiceName + "/Execute"
	methodStop          = "/" + ServiceName + "/Stop"
	methodDiscover      = "/" + ServiceName + "/Discover"
)

// ServiceDesc describes execstream.v1.Execution for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ExecutionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: executeHandler},
		{MethodName: "Stop", Handler: stopHandler},
		{MethodName: "Discover", Handler: discoverHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "ExecuteStream", Handler: executeStreamHandler, ServerStreams: true},
	},
}

func executeStreamHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ExecutionServer).ExecuteStream(in, stream)
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecutionServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodExecute}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ExecutionServer).Execute(ctx, req.(*structpb.Struct))
	})
}

func stopHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecutionServer).Stop(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodStop}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ExecutionServer).Stop(ctx, req.(*wrapperspb.StringValue))
	})
}

func discoverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecutionServer).Discover(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodDiscover}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ExecutionServer).Discover(ctx, req.(*emptypb.Empty))
	})
}
