package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// peerServer is the interface the hand-written ServiceDesc below dispatches
// to. Server (server.go) implements it over a *raftnode.Node.
type peerServer interface {
	handleClientWrite(ctx context.Context, req *WriteRequest) (*WriteResponse, error)
	handleClientRead(ctx context.Context, req *ReadRequest) (*ReadResponse, error)
	handleJoinCluster(ctx context.Context, req *JoinRequest) (*JoinResponse, error)
	handleMintToken(ctx context.Context, req *MintTokenRequest) (*MintTokenResponse, error)
	handleWatch(req *WatchRequest, stream grpc.ServerStream) error
}

const serviceName = "conflux.rpc.Peer"

func clientWriteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(WriteRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(peerServer).handleClientWrite(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/ClientWrite"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(peerServer).handleClientWrite(ctx, req.(*WriteRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func clientReadHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(ReadRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(peerServer).handleClientRead(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/ClientRead"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(peerServer).handleClientRead(ctx, req.(*ReadRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func joinClusterHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(JoinRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(peerServer).handleJoinCluster(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/JoinCluster"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(peerServer).handleJoinCluster(ctx, req.(*JoinRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func mintTokenHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(MintTokenRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(peerServer).handleMintToken(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/MintToken"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(peerServer).handleMintToken(ctx, req.(*MintTokenRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// watchHandler adapts the hub's server-streaming Watch RPC to grpc's
// StreamDesc shape: read exactly one WatchRequest off the stream, then
// push WatchEvents until the subscriber hub.Unsubscribes or the client
// disconnects.
func watchHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(WatchRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(peerServer).handleWatch(req, stream)
}

// serviceDesc is conflux's peer/forwarding RPC surface, registered by hand
// instead of through protoc-gen-go-grpc (this module cannot invoke
// protoc). It plugs into grpc.Server exactly as generated code would: the
// same registration, interceptor chain and transport credentials apply.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*peerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ClientWrite", Handler: clientWriteHandler},
		{MethodName: "ClientRead", Handler: clientReadHandler},
		{MethodName: "JoinCluster", Handler: joinClusterHandler},
		{MethodName: "MintToken", Handler: mintTokenHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "conflux/rpc.proto",
}
