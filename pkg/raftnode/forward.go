package raftnode

import (
	"context"

	"github.com/confluxdb/conflux/pkg/statemachine"
)

// Forwarder sends a proposed write to another node's client_write entry
// point over whatever transport pkg/rpc provides. Node depends on this
// interface rather than a concrete RPC client so the consensus core stays
// transport-agnostic; pkg/rpc supplies the gRPC+mTLS implementation used
// in production.
type Forwarder interface {
	ForwardWrite(ctx context.Context, leaderAddr string, cmd statemachine.Command) (*statemachine.Response, error)
}
