package pb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	DeployService_ServiceName                     = "deploy.v1.DeployService"
	DeployService_StartDownload_FullMethodName    = "/deploy.v1.DeployService/StartDownload"
	DeployService_InstallDownload_FullMethodName  = "/deploy.v1.DeployService/InstallDownload"
	DeployService_UninstallPackage_FullMethodName = "/deploy.v1.DeployService/UninstallPackage"
	DeployService_ListPackages_FullMethodName     = "/deploy.v1.DeployService/ListPackages"
	DeployService_WatchEvents_FullMethodName      = "/deploy.v1.DeployService/WatchEvents"
)

// DeployServiceClient is the client API for DeployService.
type DeployServiceClient interface {
	// StartDownload enqueues a download of the URL and returns its id.
	StartDownload(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.Int64Value, error)
	// InstallDownload installs a finished download. The request holds download_id and package_name
	// and optionally version_code and checksum.
	InstallDownload(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error)
	// UninstallPackage requests removal of the named package.
	UninstallPackage(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*emptypb.Empty, error)
	// ListPackages returns the installed packages.
	ListPackages(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.ListValue, error)
	// WatchEvents streams every completion event.
	WatchEvents(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error)
}

type deployServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewDeployServiceClient returns a client bound to cc.
//
//nolint:ireturn // Generated-style constructor.
func NewDeployServiceClient(cc grpc.ClientConnInterface) DeployServiceClient {
	return &deployServiceClient{cc}
}

func (c *deployServiceClient) StartDownload(
	ctx context.Context,
	in *wrapperspb.StringValue,
	opts ...grpc.CallOption,
) (*wrapperspb.Int64Value, error) {
	cOpts := append([]grpc.CallOption{grpc.StaticMethod()}, opts...)
	out := new(wrapperspb.Int64Value)

	if err := c.cc.Invoke(ctx, DeployService_StartDownload_FullMethodName, in, out, cOpts...); err != nil {
		return nil, err
	}

	return out, nil
}

func (c *deployServiceClient) InstallDownload(
	ctx context.Context,
	in *structpb.Struct,
	opts ...grpc.CallOption,
) (*wrapperspb.BoolValue, error) {
	cOpts := append([]grpc.CallOption{grpc.StaticMethod()}, opts...)
	out := new(wrapperspb.BoolValue)

	if err := c.cc.Invoke(ctx, DeployService_InstallDownload_FullMethodName, in, out, cOpts...); err != nil {
		return nil, err
	}

	return out, nil
}

func (c *deployServiceClient) UninstallPackage(
	ctx context.Context,
	in *wrapperspb.StringValue,
	opts ...grpc.CallOption,
) (*emptypb.Empty, error) {
	cOpts := append([]grpc.CallOption{grpc.StaticMethod()}, opts...)
	out := new(emptypb.Empty)

	if err := c.cc.Invoke(ctx, DeployService_UninstallPackage_FullMethodName, in, out, cOpts...); err != nil {
		return nil, err
	}

	return out, nil
}

func (c *deployServiceClient) ListPackages(
	ctx context.Context,
	in *emptypb.Empty,
	opts ...grpc.CallOption,
) (*structpb.ListValue, error) {
	cOpts := append([]grpc.CallOption{grpc.StaticMethod()}, opts...)
	out := new(structpb.ListValue)

	if err := c.cc.Invoke(ctx, DeployService_ListPackages_FullMethodName, in, out, cOpts...); err != nil {
		return nil, err
	}

	return out, nil
}

//nolint:ireturn // Generated-style stream constructor.
func (c *deployServiceClient) WatchEvents(
	ctx context.Context,
	in *emptypb.Empty,
	opts ...grpc.CallOption,
) (grpc.ServerStreamingClient[structpb.Struct], error) {
	cOpts := append([]grpc.CallOption{grpc.StaticMethod()}, opts...)

	stream, err := c.cc.NewStream(ctx, &DeployService_ServiceDesc.Streams[0], DeployService_WatchEvents_FullMethodName, cOpts...)
	if err != nil {
		return nil, err
	}

	x := &grpc.GenericClientStream[emptypb.Empty, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}

	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}

	return x, nil
}

// DeployServiceServer is the server API for DeployService.
type DeployServiceServer interface {
	StartDownload(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.Int64Value, error)
	InstallDownload(ctx context.Context, in *structpb.Struct) (*wrapperspb.BoolValue, error)
	UninstallPackage(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error)
	ListPackages(ctx context.Context, in *emptypb.Empty) (*structpb.ListValue, error)
	WatchEvents(in *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error
}

// UnimplementedDeployServiceServer answers every call with codes.Unimplemented.
// Embed it to stay forward compatible.
type UnimplementedDeployServiceServer struct{}

func (UnimplementedDeployServiceServer) StartDownload(
	context.Context,
	*wrapperspb.StringValue,
) (*wrapperspb.Int64Value, error) {
	return nil, status.Error(codes.Unimplemented, "method StartDownload not implemented")
}

func (UnimplementedDeployServiceServer) InstallDownload(context.Context, *structpb.Struct) (*wrapperspb.BoolValue, error) {
	return nil, status.Error(codes.Unimplemented, "method InstallDownload not implemented")
}

func (UnimplementedDeployServiceServer) UninstallPackage(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method UninstallPackage not implemented")
}

func (UnimplementedDeployServiceServer) ListPackages(context.Context, *emptypb.Empty) (*structpb.ListValue, error) {
	return nil, status.Error(codes.Unimplemented, "method ListPackages not implemented")
}

func (UnimplementedDeployServiceServer) WatchEvents(*emptypb.Empty, grpc.ServerStreamingServer[structpb.Struct]) error {
	return status.Error(codes.Unimplemented, "method WatchEvents not implemented")
}

// RegisterDeployServiceServer registers srv on s.
func RegisterDeployServiceServer(s grpc.ServiceRegistrar, srv DeployServiceServer) {
	s.RegisterService(&DeployService_ServiceDesc, srv)
}

func _DeployService_StartDownload_Handler(
	srv any,
	ctx context.Context,
	dec func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return srv.(DeployServiceServer).StartDownload(ctx, in)
	}

	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: DeployService_StartDownload_FullMethodName,
	}

	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DeployServiceServer).StartDownload(ctx, req.(*wrapperspb.StringValue))
	}

	return interceptor(ctx, in, info, handler)
}

func _DeployService_InstallDownload_Handler(
	srv any,
	ctx context.Context,
	dec func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return srv.(DeployServiceServer).InstallDownload(ctx, in)
	}

	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: DeployService_InstallDownload_FullMethodName,
	}

	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DeployServiceServer).InstallDownload(ctx, req.(*structpb.Struct))
	}

	return interceptor(ctx, in, info, handler)
}

func _DeployService_UninstallPackage_Handler(
	srv any,
	ctx context.Context,
	dec func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return srv.(DeployServiceServer).UninstallPackage(ctx, in)
	}

	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: DeployService_UninstallPackage_FullMethodName,
	}

	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DeployServiceServer).UninstallPackage(ctx, req.(*wrapperspb.StringValue))
	}

	return interceptor(ctx, in, info, handler)
}

func _DeployService_ListPackages_Handler(
	srv any,
	ctx context.Context,
	dec func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return srv.(DeployServiceServer).ListPackages(ctx, in)
	}

	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: DeployService_ListPackages_FullMethodName,
	}

	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DeployServiceServer).ListPackages(ctx, req.(*emptypb.Empty))
	}

	return interceptor(ctx, in, info, handler)
}

func _DeployService_WatchEvents_Handler(srv any, stream grpc.ServerStream) error {
	m := new(emptypb.Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}

	return srv.(DeployServiceServer).WatchEvents(m, &grpc.GenericServerStream[emptypb.Empty, structpb.Struct]{ServerStream: stream})
}

// DeployService_ServiceDesc is the grpc.ServiceDesc for DeployService.
//
//nolint:gochecknoglobals // Service descriptors are package-level by convention.
var DeployService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: DeployService_ServiceName,
	HandlerType: (*DeployServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "StartDownload",
			Handler:    _DeployService_StartDownload_Handler,
		},
		{
			MethodName: "InstallDownload",
			Handler:    _DeployService_InstallDownload_Handler,
		},
		{
			MethodName: "UninstallPackage",
			Handler:    _DeployService_UninstallPackage_Handler,
		},
		{
			MethodName: "ListPackages",
			Handler:    _DeployService_ListPackages_Handler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			Handler:       _DeployService_WatchEvents_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "deploy/v1/deploy.proto",
}
