/*
Package raftnode implements Conflux's raft node: the only component
that talks to hashicorp/raft directly. It owns admission control, the
authorization hook, the client_write forward-to-leader loop and the three
client_read consistency levels, and exposes the membership operations
gated by pkg/token join tokens.

Forwarding between nodes is expressed as the Forwarder interface rather
than a concrete RPC type, so this package stays transport-agnostic; pkg/rpc
provides the gRPC+mTLS implementation used by cmd/conflux.
*/
package raftnode
