package rpc

import (
	"context"
	"crypto/tls"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/confluxdb/conflux/pkg/coreerr"
	"github.com/confluxdb/conflux/pkg/metrics"
	"github.com/confluxdb/conflux/pkg/raftnode"
	"github.com/confluxdb/conflux/pkg/statemachine"
	"github.com/confluxdb/conflux/pkg/types"
)

// Write submits cmd as a client_write against the dialed node, directly
// (not as a forward-on-behalf-of-another-node call). It shares ForwardWrite's
// wire path since both are the same ClientWrite RPC from the server's point
// of view.
func (c *Client) Write(ctx context.Context, cmd statemachine.Command) (*statemachine.Response, error) {
	return c.clientWrite(ctx, cmd)
}

// Resolve performs a release-resolution read against the dialed node at
// the given consistency level.
func (c *Client) Resolve(ctx context.Context, consistency raftnode.Consistency, ns types.Namespace, name string, labels map[string]string) (*types.ConfigVersion, error) {
	req := &ReadRequest{Consistency: int32(consistency), Op: ReadResolve, Namespace: ns, Name: name, Labels: labels}
	resp := new(ReadResponse)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/ClientRead", req, resp); err != nil {
		return nil, coreerr.Unavailable("client_read resolve: " + err.Error())
	}
	if resp.Err != nil {
		return nil, fromWireError(resp.Err)
	}
	return resp.Version, nil
}

// GetConfig fetches one Config by id at the given consistency level.
func (c *Client) GetConfig(ctx context.Context, consistency raftnode.Consistency, configID uint64) (*types.Config, error) {
	req := &ReadRequest{Consistency: int32(consistency), Op: ReadGetConfig, ConfigID: configID}
	resp := new(ReadResponse)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/ClientRead", req, resp); err != nil {
		return nil, coreerr.Unavailable("client_read get_config: " + err.Error())
	}
	if resp.Err != nil {
		return nil, fromWireError(resp.Err)
	}
	return resp.Config, nil
}

// GetVersion fetches one ConfigVersion by (config_id, version_id).
func (c *Client) GetVersion(ctx context.Context, consistency raftnode.Consistency, configID, versionID uint64) (*types.ConfigVersion, error) {
	req := &ReadRequest{Consistency: int32(consistency), Op: ReadGetVersion, ConfigID: configID, VersionID: versionID}
	resp := new(ReadResponse)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/ClientRead", req, resp); err != nil {
		return nil, coreerr.Unavailable("client_read get_version: " + err.Error())
	}
	if resp.Err != nil {
		return nil, fromWireError(resp.Err)
	}
	return resp.Version, nil
}

// Client dials one peer's Server and speaks its five-method RPC surface.
// It implements raftnode.Forwarder, letting a Node forward client_write
// to whichever address it currently believes is the leader.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr. tlsConfig is nil for plaintext dialing.
func Dial(addr string, tlsConfig *tls.Config) (*Client, error) {
	var creds credentials.TransportCredentials
	if tlsConfig != nil {
		creds = credentials.NewTLS(tlsConfig)
	} else {
		creds = insecureClientCreds()
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(creds), grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)))
	if err != nil {
		return nil, coreerr.Unavailable("dial peer " + addr + ": " + err.Error())
	}
	return &Client{conn: conn}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// ForwardWrite implements raftnode.Forwarder.
func (c *Client) ForwardWrite(ctx context.Context, leaderAddr string, cmd statemachine.Command) (*statemachine.Response, error) {
	metrics.ForwardedWritesTotal.Inc()
	return c.clientWrite(ctx, cmd)
}

func (c *Client) clientWrite(ctx context.Context, cmd statemachine.Command) (*statemachine.Response, error) {
	req := &WriteRequest{Command: cmd}
	resp := new(WriteResponse)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/ClientWrite", req, resp); err != nil {
		return nil, coreerr.Unavailable("client_write: " + err.Error())
	}
	if resp.Err != nil {
		return nil, fromWireError(resp.Err)
	}
	return resp.Response, nil
}

// RequestJoin asks the node dialed as leaderAddr to admit (nodeID,
// address) as a learner, authenticated by joinToken.
func (c *Client) RequestJoin(ctx context.Context, nodeID, address, joinToken string) error {
	req := &JoinRequest{NodeID: nodeID, Address: address, JoinToken: joinToken}
	resp := new(JoinResponse)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/JoinCluster", req, resp); err != nil {
		return coreerr.Unavailable("join_cluster rpc: " + err.Error())
	}
	if resp.Err != nil {
		return fromWireError(resp.Err)
	}
	return nil
}

// RequestToken asks the node dialed as leaderAddr to mint a join token
// scoped to role, valid for ttl.
func (c *Client) RequestToken(ctx context.Context, role string, ttl time.Duration) (string, error) {
	req := &MintTokenRequest{Role: role, TTLSeconds: int64(ttl.Seconds())}
	resp := new(MintTokenResponse)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/MintToken", req, resp); err != nil {
		return "", coreerr.Unavailable("mint_token rpc: " + err.Error())
	}
	if resp.Err != nil {
		return "", fromWireError(resp.Err)
	}
	return resp.Token, nil
}

var watchStreamDesc = &grpc.StreamDesc{StreamName: "Watch", ServerStreams: true}

// WatchStream is the receive side of one Watch subscription opened with
// Client.Watch.
type WatchStream struct {
	stream grpc.ClientStream
}

// Watch opens a server-streaming subscription to watchKey on the dialed
// peer, implementing the client half of the Subscribe contract.
func (c *Client) Watch(ctx context.Context, watchKey string) (*WatchStream, error) {
	stream, err := c.conn.NewStream(ctx, watchStreamDesc, "/"+serviceName+"/Watch", grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, coreerr.Unavailable("open watch stream: " + err.Error())
	}
	if err := stream.SendMsg(&WatchRequest{WatchKey: watchKey}); err != nil {
		return nil, coreerr.Unavailable("send watch request: " + err.Error())
	}
	if err := stream.CloseSend(); err != nil {
		return nil, coreerr.Unavailable("close watch send: " + err.Error())
	}
	return &WatchStream{stream: stream}, nil
}

// Recv blocks for the next ChangeEvent. lagged > 0 means events were
// dropped before this notification and the caller must reconcile state,
// mirroring watchhub.Subscription.Recv.
func (w *WatchStream) Recv() (ev types.ChangeEvent, lagged uint64, err error) {
	msg := new(WatchEvent)
	if err := w.stream.RecvMsg(msg); err != nil {
		return types.ChangeEvent{}, 0, err
	}
	if msg.Err != nil {
		return types.ChangeEvent{}, 0, fromWireError(msg.Err)
	}
	if msg.Dropped > 0 {
		return types.ChangeEvent{}, msg.Dropped, nil
	}
	return *msg.Event, 0, nil
}

var _ raftnode.Forwarder = (*Client)(nil)
