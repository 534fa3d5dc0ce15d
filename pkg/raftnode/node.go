// Package raftnode implements Conflux's Raft node: it wraps
// hashicorp/raft, arbitrates client_write/client_read across several
// consistency levels, drives membership changes gated by pkg/token, and
// is the one place admission control and the authorization hook run
// ahead of consensus.
package raftnode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/hashicorp/raft"

	"github.com/confluxdb/conflux/pkg/coreerr"
	"github.com/confluxdb/conflux/pkg/log"
	"github.com/confluxdb/conflux/pkg/raftlog"
	"github.com/confluxdb/conflux/pkg/statemachine"
	"github.com/confluxdb/conflux/pkg/token"
	"github.com/confluxdb/conflux/pkg/watchhub"
)

// Consistency is the read consistency level a caller requests.
type Consistency int

const (
	// Stale reads go straight to the local state machine.
	Stale Consistency = iota
	// LeaderLease is served by the leader if its lease is still valid,
	// without a fresh heartbeat round.
	LeaderLease
	// Linearizable performs a read-index barrier: the leader confirms
	// leadership via a heartbeat round before serving.
	Linearizable
)

// Node drives one Raft member. It owns the consensus engine, the shared
// FSM and the admission/authorization gates client_write and client_read
// pass through before reaching consensus.
type Node struct {
	cfg   Config
	raft  *raft.Raft
	fsm   *statemachine.FSM
	log   *raftlog.Store
	hub   *watchhub.Hub
	trans *raft.NetworkTransport

	tokens    *token.Manager
	admission *admission
	authHook  AuthHook
	forwarder Forwarder
}

// Deps bundles the collaborators Node needs beyond its own Config.
// Forwarder and AuthHook may be nil (no forwarding capability / allow-all).
type Deps struct {
	FSM       *statemachine.FSM
	Log       *raftlog.Store
	Hub       *watchhub.Hub
	Tokens    *token.Manager
	Forwarder Forwarder
	AuthHook  AuthHook
}

func buildRaftConfig(cfg Config) *raft.Config {
	rc := raft.DefaultConfig()
	rc.LocalID = raft.ServerID(cfg.NodeID)
	rc.HeartbeatTimeout = cfg.HeartbeatTimeout
	// hashicorp/raft exposes a single ElectionTimeout, randomized
	// internally between it and a library-chosen ceiling; Min is the
	// value that drives that randomization, Max is validated but only
	// informational beyond that (see Config.Validate).
	rc.ElectionTimeout = cfg.ElectionTimeoutMin
	rc.CommitTimeout = cfg.CommitTimeout
	rc.LeaderLeaseTimeout = cfg.LeaderLeaseTimeout
	rc.SnapshotThreshold = cfg.SnapshotThreshold
	rc.SnapshotInterval = cfg.SnapshotInterval
	return rc
}

func newTransport(cfg Config) (*raft.NetworkTransport, error) {
	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, coreerr.InvalidArgument("resolve bind_addr: " + err.Error())
	}
	trans, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, coreerr.StorageFailure("create raft transport", err)
	}
	return trans, nil
}

func newNode(cfg Config, deps Deps) (*Node, *raft.Config, *raft.NetworkTransport, raft.SnapshotStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, nil, err
	}
	trans, err := newTransport(cfg)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	snaps, err := raft.NewFileSnapshotStore(cfg.DataDir, cfg.SnapshotRetain, os.Stderr)
	if err != nil {
		return nil, nil, nil, nil, coreerr.StorageFailure("create snapshot store", err)
	}
	n := &Node{
		cfg:       cfg,
		fsm:       deps.FSM,
		log:       deps.Log,
		hub:       deps.Hub,
		trans:     trans,
		tokens:    deps.Tokens,
		admission: newAdmission(cfg),
		authHook:  deps.AuthHook,
		forwarder: deps.Forwarder,
	}
	return n, buildRaftConfig(cfg), trans, snaps, nil
}

// Bootstrap starts a brand-new single-node cluster rooted at cfg.NodeID.
func Bootstrap(cfg Config, deps Deps) (*Node, error) {
	n, rc, trans, snaps, err := newNode(cfg, deps)
	if err != nil {
		return nil, err
	}
	r, err := raft.NewRaft(rc, n.fsm, n.log, n.log, snaps, trans)
	if err != nil {
		return nil, coreerr.StorageFailure("create raft node", err)
	}
	n.raft = r

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: rc.LocalID, Address: trans.LocalAddr()}},
	})
	if err := future.Error(); err != nil {
		return nil, coreerr.ConsensusFailure("bootstrap cluster", err)
	}
	return n, nil
}

// Join starts a Raft instance for a node that is not yet a cluster member
// and forwards a join request to the leader at leaderAddr, authenticated
// by a join token minted on the leader side. The caller is responsible
// for actually sending that RPC via pkg/rpc; Join only prepares this
// node's local Raft machinery so it is ready to receive log replication
// once the leader's AddLearner/AddVoter call lands.
func Join(cfg Config, deps Deps) (*Node, error) {
	n, rc, trans, snaps, err := newNode(cfg, deps)
	if err != nil {
		return nil, err
	}
	r, err := raft.NewRaft(rc, n.fsm, n.log, n.log, snaps, trans)
	if err != nil {
		return nil, coreerr.StorageFailure("create raft node", err)
	}
	n.raft = r
	return n, nil
}

// DataDir returns the directory this node's snapshot store writes into;
// it is the same directory that holds pkg/storage's single bbolt file,
// which also carries the Raft log and stable store (see pkg/raftlog).
func (n *Node) DataDir() string { return n.cfg.DataDir }

// LocalAddr returns this node's advertised Raft transport address.
func (n *Node) LocalAddr() raft.ServerAddress { return n.trans.LocalAddr() }

// IsLeader reports whether this node currently holds Raft leadership.
func (n *Node) IsLeader() bool { return n.raft.State() == raft.Leader }

// LeaderAddr returns the current cluster leader's advertised address, or
// "" if none is known.
func (n *Node) LeaderAddr() string { return string(n.raft.Leader()) }

// Shutdown stops the Raft instance. It does not close the underlying
// storage; callers close pkg/storage.Store separately once Shutdown's
// future resolves.
func (n *Node) Shutdown() error {
	return n.raft.Shutdown().Error()
}

// ClientWrite implements client_write: admission control, the
// authorization hook, then either a local propose (if leader) or a
// bounded forward-to-leader retry loop.
func (n *Node) ClientWrite(ctx context.Context, cmd statemachine.Command, authReq Request) (*statemachine.Response, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, coreerr.InvalidArgument("encode command: " + err.Error())
	}

	release, err := n.admission.acquire(len(data))
	if err != nil {
		return nil, err
	}
	defer release()

	if n.authHook != nil {
		if err := n.authHook.Authorize(ctx, authReq); err != nil {
			return nil, err
		}
	}

	deadline := time.Now().Add(n.cfg.ForwardMaxElapsed)
	var lastErr error
	for attempt := 0; attempt < n.cfg.ForwardMaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, coreerr.Unavailable("client_write cancelled: " + err.Error())
		}

		if n.raft.State() == raft.Leader {
			future := n.raft.Apply(data, n.cfg.ApplyTimeout)
			if err := future.Error(); err != nil {
				if errors.Is(err, raft.ErrLeadershipLost) || errors.Is(err, raft.ErrNotLeader) {
					lastErr = err
					continue
				}
				return nil, coreerr.ConsensusFailure("raft apply", err)
			}
			resp, _ := future.Response().(*statemachine.Response)
			return resp, nil
		}

		leaderAddr := n.LeaderAddr()
		if leaderAddr == "" {
			return nil, coreerr.Unavailable("no leader elected")
		}
		if n.forwarder == nil {
			return nil, coreerr.NotLeader(leaderAddr)
		}
		if time.Now().After(deadline) {
			return nil, coreerr.Timeout("client_write forward deadline exceeded")
		}

		resp, err := n.forwarder.ForwardWrite(ctx, leaderAddr, cmd)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !coreerr.Is(err, coreerr.KindTransient) {
			return nil, err
		}
		time.Sleep(backoff(attempt))
	}

	log.Errorf("client_write exhausted forward attempts", lastErr)
	return nil, coreerr.ForwardExhausted("forward attempts exhausted: " + errString(lastErr))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * 50 * time.Millisecond
	if d > time.Second {
		d = time.Second
	}
	return d
}

// Query is anything the state machine can answer without going through
// consensus; the concrete type is whatever the caller's read path needs
// (a Resolve lookup, a GetConfig, ...). ClientRead just arbitrates *when*
// it is safe to run Query against local state.
type Query func(fsm *statemachine.FSM) (interface{}, error)

// ClientRead implements client_read. Stale always runs locally;
// LeaderLease runs locally only while this node's lease is valid;
// Linearizable runs a VerifyLeader read-index barrier first so the read
// is ordered after every write committed before it began.
func (n *Node) ClientRead(ctx context.Context, consistency Consistency, authReq Request, q Query) (interface{}, error) {
	if n.authHook != nil {
		if err := n.authHook.Authorize(ctx, authReq); err != nil {
			return nil, err
		}
	}

	switch consistency {
	case Stale:
		return q(n.fsm)
	case LeaderLease:
		if n.raft.State() != raft.Leader {
			return nil, coreerr.NotLeader(n.LeaderAddr())
		}
		return q(n.fsm)
	case Linearizable:
		if n.raft.State() != raft.Leader {
			return nil, coreerr.NotLeader(n.LeaderAddr())
		}
		future := n.raft.VerifyLeader()
		if err := future.Error(); err != nil {
			return nil, coreerr.NotLeader(n.LeaderAddr())
		}
		return q(n.fsm)
	default:
		return nil, coreerr.InvalidArgument(fmt.Sprintf("unknown consistency level %d", consistency))
	}
}

// Subscribe applies the same authorization rule as a read: a watch
// subscription passes through the same authorization check, and the hub
// itself never re-authorizes on each published event.
func (n *Node) Subscribe(ctx context.Context, authReq Request, watchKey string) (*watchhub.Subscription, error) {
	if n.authHook != nil {
		if err := n.authHook.Authorize(ctx, authReq); err != nil {
			return nil, err
		}
	}
	return n.hub.Subscribe(watchKey), nil
}

// MintJoinToken mints a join token scoped to role, valid for ttl. Only the
// leader mints tokens; callers without a configured token.Manager get a
// PreconditionFailed error since the deployment never enabled the join-
// token supplement.
func (n *Node) MintJoinToken(role token.Role, ttl time.Duration) (string, error) {
	if !n.IsLeader() {
		return "", coreerr.NotLeader(n.LeaderAddr())
	}
	if n.tokens == nil {
		return "", coreerr.PreconditionFailed("join tokens not configured on this node")
	}
	t, err := n.tokens.Mint(role, ttl)
	if err != nil {
		return "", err
	}
	return t.Value, nil
}

// AddLearner admits nodeID at address as a non-voting member, after
// validating joinToken against the configured token.Manager. Only the
// leader can perform membership changes.
func (n *Node) AddLearner(nodeID, address, joinToken string) error {
	if !n.IsLeader() {
		return coreerr.NotLeader(n.LeaderAddr())
	}
	if n.tokens != nil {
		if _, err := n.tokens.Validate(joinToken); err != nil {
			return err
		}
	}
	future := n.raft.AddNonvoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return coreerr.ConsensusFailure("add_learner", err)
	}
	return nil
}

// ChangeMembership promotes nodeID at address to full voter, or removes
// it from the configuration if address is empty. It goes through the
// same joint-consensus protocol as AddLearner.
func (n *Node) ChangeMembership(nodeID, address, joinToken string) error {
	if !n.IsLeader() {
		return coreerr.NotLeader(n.LeaderAddr())
	}
	if address == "" {
		future := n.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
		if err := future.Error(); err != nil {
			return coreerr.ConsensusFailure("change_membership: remove", err)
		}
		return nil
	}
	if n.tokens != nil {
		role, err := n.tokens.Validate(joinToken)
		if err != nil {
			return err
		}
		if role != token.RoleVoter {
			return coreerr.PermissionDenied("join token does not authorize voter membership")
		}
	}
	future := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return coreerr.ConsensusFailure("change_membership: add_voter", err)
	}
	return nil
}

// TransferLeadership nudges target (or any voter, if target is empty) to
// start an election.
func (n *Node) TransferLeadership(target, targetAddr string) error {
	if !n.IsLeader() {
		return coreerr.NotLeader(n.LeaderAddr())
	}
	var future raft.Future
	if target == "" {
		future = n.raft.LeadershipTransfer()
	} else {
		future = n.raft.LeadershipTransferToServer(raft.ServerID(target), raft.ServerAddress(targetAddr))
	}
	if err := future.Error(); err != nil {
		return coreerr.ConsensusFailure("transfer_leadership", err)
	}
	return nil
}

// NodeMetrics is the snapshot returned by the node's metrics() operation.
type NodeMetrics struct {
	NodeID        string
	State         string
	Term          uint64
	LeaderID      string
	LastLogIndex  uint64
	AppliedIndex  uint64
	LastApplied   uint64
	NumPeers      int
	SubscriberSum int
}

// Metrics reports this node's current Raft role, indices and peer count.
func (n *Node) Metrics() NodeMetrics {
	stats := n.raft.Stats()
	numPeers := 0
	if cf := n.raft.GetConfiguration(); cf.Error() == nil {
		numPeers = len(cf.Configuration().Servers)
	}
	return NodeMetrics{
		NodeID:        n.cfg.NodeID,
		State:         n.raft.State().String(),
		Term:          parseUint64(stats["term"]),
		LeaderID:      string(n.raft.Leader()),
		LastLogIndex:  n.raft.LastIndex(),
		AppliedIndex:  n.raft.AppliedIndex(),
		LastApplied:   n.fsm.LastApplied(),
		NumPeers:      numPeers,
		SubscriberSum: n.hub.TotalSubscribers(),
	}
}

func parseUint64(s string) uint64 {
	var v uint64
	fmt.Sscanf(s, "%d", &v)
	return v
}
