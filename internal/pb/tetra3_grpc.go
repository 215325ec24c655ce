package pb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	Tetra3_SolveFromCentroids_FullMethodName   = "/tetra3_server.Tetra3/SolveFromCentroids"
	Tetra3_TransformCoordinates_FullMethodName = "/tetra3_server.Tetra3/TransformCoordinates"
	Tetra3_CancelSolve_FullMethodName          = "/tetra3_server.Tetra3/CancelSolve"
)

// Tetra3Client is the client API for the Tetra3 service.
type Tetra3Client interface {
	SolveFromCentroids(ctx context.Context, in *SolveRequest, opts ...grpc.CallOption) (*SolveResult, error)
	TransformCoordinates(ctx context.Context, in *TransformRequest, opts ...grpc.CallOption) (*TransformResponse, error)
	CancelSolve(ctx context.Context, in *CancelRequest, opts ...grpc.CallOption) (*CancelResponse, error)
}

type tetra3Client struct {
	cc grpc.ClientConnInterface
}

func NewTetra3Client(cc grpc.ClientConnInterface) Tetra3Client {
	return &tetra3Client{cc}
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func (c *tetra3Client) SolveFromCentroids(ctx context.Context, in *SolveRequest, opts ...grpc.CallOption) (*SolveResult, error) {
	out := new(SolveResult)
	err := c.cc.Invoke(ctx, Tetra3_SolveFromCentroids_FullMethodName, in, out, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *tetra3Client) TransformCoordinates(ctx context.Context, in *TransformRequest, opts ...grpc.CallOption) (*TransformResponse, error) {
	out := new(TransformResponse)
	err := c.cc.Invoke(ctx, Tetra3_TransformCoordinates_FullMethodName, in, out, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *tetra3Client) CancelSolve(ctx context.Context, in *CancelRequest, opts ...grpc.CallOption) (*CancelResponse, error) {
	out := new(CancelResponse)
	err := c.cc.Invoke(ctx, Tetra3_CancelSolve_FullMethodName, in, out, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Tetra3Server is the server API for the Tetra3 service. Implementations
// must embed UnimplementedTetra3Server.
type Tetra3Server interface {
	SolveFromCentroids(context.Context, *SolveRequest) (*SolveResult, error)
	TransformCoordinates(context.Context, *TransformRequest) (*TransformResponse, error)
	CancelSolve(context.Context, *CancelRequest) (*CancelResponse, error)
	mustEmbedUnimplementedTetra3Server()
}

// UnimplementedTetra3Server answers every method with codes.Unimplemented.
type UnimplementedTetra3Server struct{}

func (UnimplementedTetra3Server) SolveFromCentroids(context.Context, *SolveRequest) (*SolveResult, error) {
	return nil, status.Errorf(codes.Unimplemented, "method SolveFromCentroids not implemented")
}

func (UnimplementedTetra3Server) TransformCoordinates(context.Context, *TransformRequest) (*TransformResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method TransformCoordinates not implemented")
}

func (UnimplementedTetra3Server) CancelSolve(context.Context, *CancelRequest) (*CancelResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method CancelSolve not implemented")
}

func (UnimplementedTetra3Server) mustEmbedUnimplementedTetra3Server() {}

func RegisterTetra3Server(s grpc.ServiceRegistrar, srv Tetra3Server) {
	s.RegisterService(&Tetra3_ServiceDesc, srv)
}

func _Tetra3_SolveFromCentroids_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SolveRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Tetra3Server).SolveFromCentroids(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: Tetra3_SolveFromCentroids_FullMethodName,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Tetra3Server).SolveFromCentroids(ctx, req.(*SolveRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Tetra3_TransformCoordinates_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(TransformRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Tetra3Server).TransformCoordinates(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: Tetra3_TransformCoordinates_FullMethodName,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Tetra3Server).TransformCoordinates(ctx, req.(*TransformRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Tetra3_CancelSolve_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CancelRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Tetra3Server).CancelSolve(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: Tetra3_CancelSolve_FullMethodName,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Tetra3Server).CancelSolve(ctx, req.(*CancelRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Tetra3_ServiceDesc is the grpc.ServiceDesc for the Tetra3 service.
var Tetra3_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "tetra3_server.Tetra3",
	HandlerType: (*Tetra3Server)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SolveFromCentroids",
			Handler:    _Tetra3_SolveFromCentroids_Handler,
		},
		{
			MethodName: "TransformCoordinates",
			Handler:    _Tetra3_TransformCoordinates_Handler,
		},
		{
			MethodName: "CancelSolve",
			Handler:    _Tetra3_CancelSolve_Handler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tetra3.proto",
}
