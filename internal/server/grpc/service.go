package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "ice.v1.IceService"

// IceServiceServer is the server API for ice.v1.IceService.
type IceServiceServer interface {
	Add(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Pop(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Finish(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Delete(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
	List(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Stats(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(IceServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) grpc.MethodHandler {
	full := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(IceServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(IceServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc describes ice.v1.IceService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IceServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Add", Handler: unaryHandler("Add", IceServiceServer.Add)},
		{MethodName: "Pop", Handler: unaryHandler("Pop", IceServiceServer.Pop)},
		{MethodName: "Finish", Handler: unaryHandler("Finish", IceServiceServer.Finish)},
		{MethodName: "Delete", Handler: unaryHandler("Delete", IceServiceServer.Delete)},
		{MethodName: "Get", Handler: unaryHandler("Get", IceServiceServer.Get)},
		{MethodName: "List", Handler: unaryHandler("List", IceServiceServer.List)},
		{MethodName: "Stats", Handler: unaryHandler("Stats", IceServiceServer.Stats)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ice/v1/ice.proto",
}

// RegisterIceServiceServer registers srv on s.
func RegisterIceServiceServer(s grpc.ServiceRegistrar, srv IceServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}
