/*
Package storage implements Conflux's persistent store: an embedded,
ordered key/value backend with named column families and atomic multi-key
batched writes, built on go.etcd.io/bbolt.

# Column families

	meta         short ASCII tag -> scalar (vote, last_applied, membership, last_purged, snapshot_meta)
	log          8-byte BE log index -> serialized Raft log entry
	sm_config    8-byte BE config_id -> serialized Config
	sm_version   16-byte BE config_id‖version_id -> serialized ConfigVersion
	sm_name_idx  "tenant/app/env/name" -> 8-byte BE config_id

Each family is one bbolt bucket inside a single conflux.db file per node.
Values are encoded with pkg/codec, which tags every value with a
format-version byte.

# Atomicity

The only mutating entry point is WriteBatch, which runs an ordered list of
put/delete Ops inside one bbolt read-write transaction. bbolt commits are
all-or-nothing and fsynced, so a batch is either fully durable or entirely
absent — no caller ever observes a partial write.

# Snapshots

WithSnapshot hands the caller a SnapshotView backed by a single bbolt read
transaction. Because bbolt uses copy-on-write MVCC, that transaction sees a
consistent, unmoving view of every family regardless of concurrent
WriteBatch calls, which is what pkg/statemachine's snapshot builder needs:
a consistent point-in-time iterator that never blocks apply.

# Integration points

  - pkg/raftlog implements raft.LogStore/raft.StableStore directly against
    this Store's log and meta families.
  - pkg/statemachine implements raft.FSM against the sm_* families plus
    meta.last_applied.
*/
package storage
