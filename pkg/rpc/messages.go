package rpc

import (
	"github.com/confluxdb/conflux/pkg/statemachine"
	"github.com/confluxdb/conflux/pkg/types"
)

// WriteRequest carries a forwarded client_write, as produced by
// raftnode.Forwarder.
type WriteRequest struct {
	Command statemachine.Command
}

// WriteResponse carries a forwarded client_write's result back to the
// node that forwarded it. Err mirrors coreerr.Error's fields since
// *coreerr.Error itself doesn't cross the wire.
type WriteResponse struct {
	Response *statemachine.Response
	Err      *WireError
}

// JoinRequest asks the leader to admit a node as a learner.
type JoinRequest struct {
	NodeID    string
	Address   string
	JoinToken string
}

// JoinResponse acknowledges a join, or carries the denial reason.
type JoinResponse struct {
	Err *WireError
}

// MintTokenRequest asks the leader to mint a join token for a new member
// of the given role ("voter" or "learner").
type MintTokenRequest struct {
	Role       string
	TTLSeconds int64
}

// MintTokenResponse carries the minted token, or a denial reason.
type MintTokenResponse struct {
	Token string
	Err   *WireError
}

// ReadOp names which FSM query a ReadRequest resolves to, since the
// raftnode.Query closures the state machine answers aren't themselves
// serializable.
type ReadOp string

const (
	ReadResolve   ReadOp = "Resolve"
	ReadGetConfig ReadOp = "GetConfig"
	ReadGetVersion ReadOp = "GetVersion"
)

// ReadRequest carries one client_read, wire-encoding the consistency
// level and enough parameters for every ReadOp variant.
type ReadRequest struct {
	Consistency int32
	Op          ReadOp

	Namespace types.Namespace
	Name      string
	Labels    map[string]string

	ConfigID  uint64
	VersionID uint64
}

// ReadResponse carries whichever result field its ReadOp produces.
type ReadResponse struct {
	Version *types.ConfigVersion
	Config  *types.Config
	Err     *WireError
}

// WatchRequest opens a subscription to one watch key, sent once as the
// first and only message on the stream.
type WatchRequest struct {
	WatchKey string
}

// WatchEvent is one message of a Watch stream: either a ChangeEvent, a
// Lagged notification (Dropped > 0, Event nil), or a terminal Err.
type WatchEvent struct {
	Event   *types.ChangeEvent
	Dropped uint64
	Err     *WireError
}

// WireError is coreerr.Error flattened for JSON transport.
type WireError struct {
	Kind       string
	Code       string
	Message    string
	LeaderHint string
}
