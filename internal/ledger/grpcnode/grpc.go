package grpcnode

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// LedgerServer is the server API for the Ledger gRPC service.
//
// The service is built on protobuf well-known types so this package needs
// no protoc/codegen toolchain. Scalar values travel as wrapper types;
// hashes travel as 32 raw bytes in a BytesValue; structured messages
// (record states, operation lists, submissions) travel as the same JSON
// documents the HTTP node exchanges, carried in a BytesValue, so both
// transports share one wire vocabulary.
//
// Proto definition: ledger.proto.
type LedgerServer interface {
	IDByIdentity(context.Context, *wrapperspb.BytesValue) (*wrapperspb.UInt64Value, error)
	IDByTriple(context.Context, *wrapperspb.BytesValue) (*wrapperspb.UInt64Value, error)
	GetRecord(context.Context, *wrapperspb.UInt64Value) (*wrapperspb.BytesValue, error)
	Capability(context.Context, *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
	HasCapability(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BoolValue, error)
	Operations(context.Context, *emptypb.Empty) (*wrapperspb.BytesValue, error)
	Submit(context.Context, *wrapperspb.BytesValue) (*wrapperspb.StringValue, error)
	Await(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	CanSubmit(context.Context, *emptypb.Empty) (*wrapperspb.BoolValue, error)
}

// UnimplementedLedgerServer can be embedded to have forward compatible implementations.
type UnimplementedLedgerServer struct{}

func (UnimplementedLedgerServer) IDByIdentity(context.Context, *wrapperspb.BytesValue) (*wrapperspb.UInt64Value, error) {
	return nil, status.Error(codes.Unimplemented, "method IDByIdentity not implemented")
}
func (UnimplementedLedgerServer) IDByTriple(context.Context, *wrapperspb.BytesValue) (*wrapperspb.UInt64Value, error) {
	return nil, status.Error(codes.Unimplemented, "method IDByTriple not implemented")
}
func (UnimplementedLedgerServer) GetRecord(context.Context, *wrapperspb.UInt64Value) (*wrapperspb.BytesValue, error) {
	return nil, status.Error(codes.Unimplemented, "method GetRecord not implemented")
}
func (UnimplementedLedgerServer) Capability(context.Context, *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Capability not implemented")
}
func (UnimplementedLedgerServer) HasCapability(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BoolValue, error) {
	return nil, status.Error(codes.Unimplemented, "method HasCapability not implemented")
}
func (UnimplementedLedgerServer) Operations(context.Context, *emptypb.Empty) (*wrapperspb.BytesValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Operations not implemented")
}
func (UnimplementedLedgerServer) Submit(context.Context, *wrapperspb.BytesValue) (*wrapperspb.StringValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Submit not implemented")
}
func (UnimplementedLedgerServer) Await(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method Await not implemented")
}
func (UnimplementedLedgerServer) CanSubmit(context.Context, *emptypb.Empty) (*wrapperspb.BoolValue, error) {
	return nil, status.Error(codes.Unimplemented, "method CanSubmit not implemented")
}

// RegisterLedgerServer registers the Ledger service on a gRPC server.
func RegisterLedgerServer(s grpc.ServiceRegistrar, srv LedgerServer) {
	s.RegisterService(&Ledger_ServiceDesc, srv)
}

// LedgerClient is the client API for the Ledger gRPC service.
type LedgerClient interface {
	IDByIdentity(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.UInt64Value, error)
	IDByTriple(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.UInt64Value, error)
	GetRecord(ctx context.Context, in *wrapperspb.UInt64Value, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
	Capability(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
	HasCapability(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error)
	Operations(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
	Submit(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.StringValue, error)
	Await(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*emptypb.Empty, error)
	CanSubmit(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error)
}

type ledgerClient struct{ cc grpc.ClientConnInterface }

func NewLedgerClient(cc grpc.ClientConnInterface) LedgerClient { return &ledgerClient{cc: cc} }

func (c *ledgerClient) IDByIdentity(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.UInt64Value, error) {
	out := new(wrapperspb.UInt64Value)
	if err := c.cc.Invoke(ctx, "/citeledger.ledger.v1.Ledger/IDByIdentity", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ledgerClient) IDByTriple(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.UInt64Value, error) {
	out := new(wrapperspb.UInt64Value)
	if err := c.cc.Invoke(ctx, "/citeledger.ledger.v1.Ledger/IDByTriple", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ledgerClient) GetRecord(ctx context.Context, in *wrapperspb.UInt64Value, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/citeledger.ledger.v1.Ledger/GetRecord", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ledgerClient) Capability(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/citeledger.ledger.v1.Ledger/Capability", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ledgerClient) HasCapability(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.cc.Invoke(ctx, "/citeledger.ledger.v1.Ledger/HasCapability", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ledgerClient) Operations(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/citeledger.ledger.v1.Ledger/Operations", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ledgerClient) Submit(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, "/citeledger.ledger.v1.Ledger/Submit", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ledgerClient) Await(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, "/citeledger.ledger.v1.Ledger/Await", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ledgerClient) CanSubmit(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.cc.Invoke(ctx, "/citeledger.ledger.v1.Ledger/CanSubmit", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func _Ledger_IDByIdentity_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).IDByIdentity(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/citeledger.ledger.v1.Ledger/IDByIdentity"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LedgerServer).IDByIdentity(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _Ledger_IDByTriple_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).IDByTriple(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/citeledger.ledger.v1.Ledger/IDByTriple"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LedgerServer).IDByTriple(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _Ledger_GetRecord_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.UInt64Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).GetRecord(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/citeledger.ledger.v1.Ledger/GetRecord"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LedgerServer).GetRecord(ctx, req.(*wrapperspb.UInt64Value))
	}
	return interceptor(ctx, in, info, handler)
}

func _Ledger_Capability_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).Capability(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/citeledger.ledger.v1.Ledger/Capability"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LedgerServer).Capability(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _Ledger_HasCapability_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).HasCapability(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/citeledger.ledger.v1.Ledger/HasCapability"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LedgerServer).HasCapability(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _Ledger_Operations_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).Operations(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/citeledger.ledger.v1.Ledger/Operations"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LedgerServer).Operations(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Ledger_Submit_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/citeledger.ledger.v1.Ledger/Submit"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LedgerServer).Submit(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _Ledger_Await_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).Await(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/citeledger.ledger.v1.Ledger/Await"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LedgerServer).Await(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _Ledger_CanSubmit_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).CanSubmit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/citeledger.ledger.v1.Ledger/CanSubmit"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LedgerServer).CanSubmit(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// Ledger_ServiceDesc is the grpc.ServiceDesc for the Ledger service.
var Ledger_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "citeledger.ledger.v1.Ledger",
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "IDByIdentity", Handler: _Ledger_IDByIdentity_Handler},
		{MethodName: "IDByTriple", Handler: _Ledger_IDByTriple_Handler},
		{MethodName: "GetRecord", Handler: _Ledger_GetRecord_Handler},
		{MethodName: "Capability", Handler: _Ledger_Capability_Handler},
		{MethodName: "HasCapability", Handler: _Ledger_HasCapability_Handler},
		{MethodName: "Operations", Handler: _Ledger_Operations_Handler},
		{MethodName: "Submit", Handler: _Ledger_Submit_Handler},
		{MethodName: "Await", Handler: _Ledger_Await_Handler},
		{MethodName: "CanSubmit", Handler: _Ledger_CanSubmit_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ledger.proto",
}
