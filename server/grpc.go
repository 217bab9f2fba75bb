package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// VerifierServer is the gRPC form of the verifier service. Both methods
// use well-known wrapper messages, so no generated code is needed.
type VerifierServer interface {
	Check(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BoolValue, error)
	Disassemble(context.Context, *wrapperspb.BytesValue) (*wrapperspb.StringValue, error)
}

// RegisterVerifierServer registers srv on s.
func RegisterVerifierServer(s grpc.ServiceRegistrar, srv VerifierServer) {
	s.RegisterService(&verifierServiceDesc, srv)
}

func verifierCheckHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VerifierServer).Check(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: CheckProcedure,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(VerifierServer).Check(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func verifierDisassembleHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VerifierServer).Disassemble(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: DisassembleProcedure,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(VerifierServer).Disassemble(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var verifierServiceDesc = grpc.ServiceDesc{
	ServiceName: VerifierServiceName,
	HandlerType: (*VerifierServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Check", Handler: verifierCheckHandler},
		{MethodName: "Disassemble", Handler: verifierDisassembleHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dwexpr/v1/verifier.proto",
}

// grpcVerifier adapts a Server to VerifierServer.
type grpcVerifier struct {
	s *Server
}

func (g grpcVerifier) Check(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BoolValue, error) {
	v, err := g.s.check(ctx, req.GetValue())
	if err != nil {
		return nil, status.Error(codes.Code(errorCode(err)), err.Error())
	}
	return wrapperspb.Bool(v.Accepted), nil
}

func (g grpcVerifier) Disassemble(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.StringValue, error) {
	listing, err := g.s.disassemble(req.GetValue())
	if err != nil {
		return nil, status.Error(codes.Code(errorCode(err)), err.Error())
	}
	return wrapperspb.String(listing), nil
}

// GRPCClient calls the verifier over a gRPC connection.
type GRPCClient struct {
	cc grpc.ClientConnInterface
}

// NewGRPCClient creates a client on cc.
func NewGRPCClient(cc grpc.ClientConnInterface) *GRPCClient {
	return &GRPCClient{cc: cc}
}

// Check reports whether candidate is accepted.
func (c *GRPCClient) Check(ctx context.Context, candidate []byte, opts ...grpc.CallOption) (bool, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.cc.Invoke(ctx, CheckProcedure, wrapperspb.Bytes(candidate), out, opts...); err != nil {
		return false, err
	}
	return out.GetValue(), nil
}

// Disassemble lists code, or the served expression when code is empty.
func (c *GRPCClient) Disassemble(ctx context.Context, code []byte, opts ...grpc.CallOption) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, DisassembleProcedure, wrapperspb.Bytes(code), out, opts...); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}
