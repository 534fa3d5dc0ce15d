// Package statemachine implements Conflux's replicated state machine: it
// deterministically applies committed Raft log entries, owns the
// Config/ConfigVersion/ReleaseProposal data model, answers
// release-resolution and lookup queries outside consensus, and publishes
// ChangeEvents to the watch hub. The {Type, Data} command shape, the
// RWMutex-guarded apply path, and the Persist/Restore snapshot pattern
// follow the same idiom used elsewhere in this codebase for a raft.FSM.
package statemachine

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/raft"

	"github.com/confluxdb/conflux/pkg/codec"
	"github.com/confluxdb/conflux/pkg/coreerr"
	"github.com/confluxdb/conflux/pkg/log"
	"github.com/confluxdb/conflux/pkg/storage"
	"github.com/confluxdb/conflux/pkg/types"
	"github.com/confluxdb/conflux/pkg/watchhub"
)

// versionCacheSize bounds the decoded-ConfigVersion cache sitting in
// front of sm_version: versions are immutable once published, so a
// miss only costs a redecode from bbolt, never a correctness problem.
const versionCacheSize = 4096

// versionCacheKey addresses one (config_id, version_id) pair.
type versionCacheKey struct {
	ConfigID  uint64
	VersionID uint64
}

// FSM is Conflux's raft.FSM implementation.
type FSM struct {
	mu  sync.RWMutex
	db  storage.Store
	hub *watchhub.Hub

	lastApplied uint64

	configs   map[uint64]*types.Config
	nameIdx   map[string]uint64 // tenant/app/env/name -> config_id
	proposals map[uint64]*types.ReleaseProposal

	nextConfigID   uint64
	lastProposalID uint64
	maxVersionID   map[uint64]uint64 // config_id -> highest version id ever assigned

	versionCache *lru.Cache[versionCacheKey, *types.ConfigVersion]
}

// New builds an FSM over db, rebuilding its in-memory indexes by scanning
// the sm_* families. Safe to call on a freshly opened store (empty
// indexes) or one restored from snapshot/restart.
func New(db storage.Store, hub *watchhub.Hub) (*FSM, error) {
	cache, err := lru.New[versionCacheKey, *types.ConfigVersion](versionCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which versionCacheSize never is.
		panic(err)
	}
	f := &FSM{
		db:           db,
		hub:          hub,
		configs:      make(map[uint64]*types.Config),
		nameIdx:      make(map[string]uint64),
		proposals:    make(map[uint64]*types.ReleaseProposal),
		maxVersionID: make(map[uint64]uint64),
		versionCache: cache,
	}
	if err := f.rebuildIndexes(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *FSM) rebuildIndexes() error {
	f.configs = make(map[uint64]*types.Config)
	f.nameIdx = make(map[string]uint64)
	f.proposals = make(map[uint64]*types.ReleaseProposal)
	f.maxVersionID = make(map[uint64]uint64)

	// Restore replaces sm_* families wholesale; any cached version may no
	// longer correspond to what's on disk, so the cache never survives a
	// rebuild.
	f.versionCache.Purge()

	f.nextConfigID = 0
	if err := f.db.IteratePrefix(storage.FamilySMConfig, nil, func(k, v []byte) error {
		var c types.Config
		if err := decodeValue(v, &c); err != nil {
			return err
		}
		f.configs[c.ID] = &c
		if c.ID >= f.nextConfigID {
			f.nextConfigID = c.ID + 1
		}
		return nil
	}); err != nil {
		return err
	}
	// nextConfigID must never go backwards across a restart: deriving it
	// solely from currently-live configs would let a deleted config's id
	// get reissued, which would leave any leftover proposal for the old
	// config silently pointed at the new one. The persisted counter wins
	// whenever it is ahead of what the live set alone implies.
	if raw, err := f.db.Get(storage.FamilyMeta, storage.MetaKeyNextConfigID); err == nil {
		if persisted := storage.DecodeUint64(raw); persisted > f.nextConfigID {
			f.nextConfigID = persisted
		}
	} else if !storage.IsNotFound(err) {
		return err
	}
	if err := f.db.IteratePrefix(storage.FamilySMVersion, nil, func(k, v []byte) error {
		configID, versionID := storage.DecodeVersionKey(k)
		if versionID > f.maxVersionID[configID] {
			f.maxVersionID[configID] = versionID
		}
		return nil
	}); err != nil {
		return err
	}
	if err := f.db.IteratePrefix(storage.FamilySMNameIdx, nil, func(k, v []byte) error {
		f.nameIdx[string(k)] = storage.DecodeUint64(v)
		return nil
	}); err != nil {
		return err
	}
	if err := f.db.IteratePrefix(storage.FamilySMProposal, nil, func(k, v []byte) error {
		var p types.ReleaseProposal
		if err := decodeValue(v, &p); err != nil {
			return err
		}
		f.proposals[p.ID] = &p
		if p.ID >= f.lastProposalID {
			f.lastProposalID = p.ID
		}
		return nil
	}); err != nil {
		return err
	}
	raw, err := f.db.Get(storage.FamilyMeta, storage.MetaKeyLastApplied)
	if err != nil {
		if !storage.IsNotFound(err) {
			return err
		}
	} else {
		f.lastApplied = storage.DecodeUint64(raw)
	}
	return nil
}

func decodeValue(raw []byte, v interface{}) error {
	return codec.Decode(raw, v)
}

func encodeValue(v interface{}) ([]byte, error) {
	return codec.Encode(v)
}

// fatal logs err and panics, which is hashicorp/raft's documented pattern
// for a Fatal-kind apply failure: Apply has no error return, and a
// committed entry this node cannot durably apply must halt the node
// rather than silently diverge from its peers.
func (f *FSM) fatal(err error) {
	log.Errorf("statemachine apply fatal", err)
	panic(fmt.Sprintf("statemachine: fatal apply error: %v", err))
}

// Apply implements raft.FSM. It is only ever invoked by hashicorp/raft
// from a single internal goroutine per node, in strictly ascending log
// index order, which is what makes the apply algorithm's determinism
// requirements meaningful.
func (f *FSM) Apply(l *raft.Log) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	if l.Type != raft.LogCommand {
		if err := f.db.WriteBatch([]storage.Op{
			storage.Put(storage.FamilyMeta, storage.MetaKeyLastApplied, storage.EncodeUint64(l.Index)),
		}); err != nil {
			f.fatal(coreerr.StorageFailure("advance last_applied", err))
		}
		f.lastApplied = l.Index
		return nil
	}

	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		f.fatal(coreerr.InvariantViolation("decode command: " + err.Error()))
	}

	resp, ops, events := f.dispatch(cmd)
	ops = append(ops, storage.Put(storage.FamilyMeta, storage.MetaKeyLastApplied, storage.EncodeUint64(l.Index)))

	if err := f.db.WriteBatch(ops); err != nil {
		f.fatal(coreerr.StorageFailure("apply write_batch", err))
	}
	f.lastApplied = l.Index

	for _, ev := range events {
		f.hub.Publish(ev.Namespace.WatchKey(ev.ConfigName), ev)
	}
	return resp
}

// dispatch decodes cmd's specific payload and runs its handler. Handlers
// mutate f's in-memory indexes directly under the caller's write lock and
// return the write_batch ops to commit alongside; on validation failure
// they return a negative Response and no ops/events, leaving state
// unchanged.
func (f *FSM) dispatch(cmd Command) (*Response, []storage.Op, []types.ChangeEvent) {
	switch cmd.Type {
	case CmdCreateConfig:
		return f.applyCreateConfig(cmd.Data)
	case CmdCreateVersion:
		return f.applyCreateVersion(cmd.Data)
	case CmdUpdateReleaseRules:
		return f.applyUpdateReleaseRules(cmd.Data)
	case CmdDeleteConfig:
		return f.applyDeleteConfig(cmd.Data)
	case CmdPurgeVersions:
		return f.applyPurgeVersions(cmd.Data)
	case CmdPublish:
		return f.applyPublish(cmd.Data)
	case CmdProposeRelease:
		return f.applyProposeRelease(cmd.Data)
	case CmdApproveProposal:
		return f.applyApproveProposal(cmd.Data)
	case CmdRejectProposal:
		return f.applyRejectProposal(cmd.Data)
	case CmdExecuteProposal:
		return f.applyExecuteProposal(cmd.Data)
	default:
		f.fatal(coreerr.InvariantViolation("unknown command type " + string(cmd.Type)))
		return nil, nil, nil
	}
}

// LastApplied returns the log index of the most recently applied entry.
func (f *FSM) LastApplied() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastApplied
}

// SortReleases returns a copy of releases ordered by priority descending,
// then the lexicographic order of "k1=v1,k2=v2,..." ascending.
func SortReleases(releases []types.Release) []types.Release {
	out := make([]types.Release, len(releases))
	copy(out, releases)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return serializeLabels(out[i].Labels) < serializeLabels(out[j].Labels)
	})
	return out
}

func serializeLabels(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s := ""
	for i, k := range keys {
		if i > 0 {
			s += ","
		}
		s += k + "=" + labels[k]
	}
	return s
}

var _ raft.FSM = (*FSM)(nil)
