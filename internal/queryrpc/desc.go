package queryrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	methodLatestSnapshot  = "/" + ServiceName + "/LatestSnapshot"
	methodGetProof        = "/" + ServiceName + "/GetProof"
	methodVerifySignature = "/" + ServiceName + "/VerifySignature"
)

// ServiceDesc is the grpc.ServiceDesc for the LedgerQuery service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerQueryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "LatestSnapshot", Handler: latestSnapshotHandler},
		{MethodName: "GetProof", Handler: getProofHandler},
		{MethodName: "VerifySignature", Handler: verifySignatureHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "auditledger/v1/ledger_query.proto",
}

func latestSnapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerQueryServer).LatestSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodLatestSnapshot}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LedgerQueryServer).LatestSnapshot(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func getProofHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.Int64Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerQueryServer).GetProof(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetProof}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LedgerQueryServer).GetProof(ctx, req.(*wrapperspb.Int64Value))
	}
	return interceptor(ctx, in, info, handler)
}

func verifySignatureHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerQueryServer).VerifySignature(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodVerifySignature}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LedgerQueryServer).VerifySignature(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Client is a LedgerQuery client over an established connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// LatestSnapshot calls LedgerQuery.LatestSnapshot.
func (c *Client) LatestSnapshot(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodLatestSnapshot, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GetProof calls LedgerQuery.GetProof.
func (c *Client) GetProof(ctx context.Context, eventID int64, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodGetProof, wrapperspb.Int64(eventID), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// VerifySignature calls LedgerQuery.VerifySignature.
func (c *Client) VerifySignature(ctx context.Context, rootHex, signature string, opts ...grpc.CallOption) (bool, error) {
	in, err := structpb.NewStruct(map[string]any{"root": rootHex, "signature": signature})
	if err != nil {
		return false, err
	}
	out := new(wrapperspb.BoolValue)
	if err := c.cc.Invoke(ctx, methodVerifySignature, in, out, opts...); err != nil {
		return false, err
	}
	return out.GetValue(), nil
}
