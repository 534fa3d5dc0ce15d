// Package rpc implements Conflux's peer and client-forwarding transport:
// forwarding a client_write to the current leader, and a leader-side
// join-cluster endpoint that admits a new node after validating its join
// token. Server shape and mTLS follow pkg/security; the hand-rolled
// ServiceDesc avoids needing protoc-generated stubs (see codec.go).
package rpc

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/confluxdb/conflux/pkg/coreerr"
	"github.com/confluxdb/conflux/pkg/metrics"
	"github.com/confluxdb/conflux/pkg/raftnode"
	"github.com/confluxdb/conflux/pkg/statemachine"
	"github.com/confluxdb/conflux/pkg/token"
	"github.com/confluxdb/conflux/pkg/types"
)

// watchAuthRequest is the Request this node stamps on every Watch
// subscription it serves; peer transport has no subject propagation yet,
// so every watch is authorized as a generic "peer" subject reading its
// requested key.
func watchAuthRequest(key string) raftnode.Request {
	return raftnode.Request{Subject: "peer", Action: "watch", Resource: key}
}

// Server exposes one Node's ClientWrite/AddLearner over gRPC to its peers.
type Server struct {
	node *raftnode.Node
	grpc *grpc.Server
}

// NewServer builds a Server over node. tlsConfig is nil for plaintext
// (tests, local dev); production deployments pass the mTLS config built
// from pkg/security's Certificate Authority.
func NewServer(node *raftnode.Node, tlsConfig *tls.Config) *Server {
	var opts []grpc.ServerOption
	if tlsConfig != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}
	opts = append(opts, grpc.ChainUnaryInterceptor(LoggingInterceptor()))

	s := &Server{node: node, grpc: grpc.NewServer(opts...)}
	s.grpc.RegisterService(&serviceDesc, peerServer(s))
	return s
}

// Serve blocks accepting connections on lis until the server stops.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Stop gracefully drains in-flight RPCs then stops the server.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

func (s *Server) handleClientWrite(ctx context.Context, req *WriteRequest) (*WriteResponse, error) {
	timer := metrics.NewTimer()
	resp, err := s.node.ClientWrite(ctx, req.Command, raftnode.Request{Action: "client_write"})
	timer.ObserveDuration(metrics.ClientWriteDuration)
	if err != nil {
		if ce, ok := err.(*coreerr.Error); ok && ce.Code == coreerr.CodeResourceExhausted {
			metrics.AdmissionRejectedTotal.WithLabelValues(ce.Message).Inc()
		}
		metrics.ClientWriteTotal.WithLabelValues("error").Inc()
		return &WriteResponse{Err: toWireError(err)}, nil
	}
	metrics.ClientWriteTotal.WithLabelValues("ok").Inc()
	return &WriteResponse{Response: resp}, nil
}

func (s *Server) handleClientRead(ctx context.Context, req *ReadRequest) (*ReadResponse, error) {
	authReq := raftnode.Request{Action: "client_read", Resource: req.Namespace.WatchKey(req.Name)}

	var query raftnode.Query
	switch req.Op {
	case ReadResolve:
		query = func(fsm *statemachine.FSM) (interface{}, error) {
			return fsm.Resolve(req.Namespace, req.Name, req.Labels)
		}
	case ReadGetConfig:
		query = func(fsm *statemachine.FSM) (interface{}, error) {
			return fsm.GetConfig(req.ConfigID)
		}
	case ReadGetVersion:
		query = func(fsm *statemachine.FSM) (interface{}, error) {
			return fsm.GetVersion(req.ConfigID, req.VersionID)
		}
	default:
		return &ReadResponse{Err: toWireError(coreerr.InvalidArgument("unknown read op " + string(req.Op)))}, nil
	}

	result, err := s.node.ClientRead(ctx, raftnode.Consistency(req.Consistency), authReq, query)
	if err != nil {
		return &ReadResponse{Err: toWireError(err)}, nil
	}
	resp := &ReadResponse{}
	switch v := result.(type) {
	case *types.ConfigVersion:
		resp.Version = v
	case *types.Config:
		resp.Config = v
	}
	return resp, nil
}

func (s *Server) handleJoinCluster(ctx context.Context, req *JoinRequest) (*JoinResponse, error) {
	if !s.node.IsLeader() {
		return &JoinResponse{Err: toWireError(coreerr.NotLeader(s.node.LeaderAddr()))}, nil
	}
	if err := s.node.AddLearner(req.NodeID, req.Address, req.JoinToken); err != nil {
		return &JoinResponse{Err: toWireError(err)}, nil
	}
	return &JoinResponse{}, nil
}

func (s *Server) handleMintToken(ctx context.Context, req *MintTokenRequest) (*MintTokenResponse, error) {
	ttl := time.Duration(req.TTLSeconds) * time.Second
	value, err := s.node.MintJoinToken(token.Role(req.Role), ttl)
	if err != nil {
		return &MintTokenResponse{Err: toWireError(err)}, nil
	}
	return &MintTokenResponse{Token: value}, nil
}

// handleWatch serves the Subscribe contract over the wire: authorize
// once up front, then push events until the client disconnects. No
// per-event re-authorization and no ordering guarantee across watch keys.
func (s *Server) handleWatch(req *WatchRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()
	sub, err := s.node.Subscribe(ctx, watchAuthRequest(req.WatchKey), req.WatchKey)
	if err != nil {
		return stream.SendMsg(&WatchEvent{Err: toWireError(err)})
	}
	defer sub.Unsubscribe()

	for {
		ev, lagged, ok := sub.Recv(ctx)
		if !ok {
			return nil
		}
		if lagged > 0 {
			if err := stream.SendMsg(&WatchEvent{Dropped: lagged}); err != nil {
				return err
			}
			continue
		}
		if err := stream.SendMsg(&WatchEvent{Event: &ev}); err != nil {
			return err
		}
	}
}

var _ peerServer = (*Server)(nil)

// insecureClientCreds is used when a client dials without mTLS, the
// fallback posture for local/test deployments.
func insecureClientCreds() credentials.TransportCredentials {
	return insecure.NewCredentials()
}
