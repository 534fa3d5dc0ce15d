// Package storage implements Conflux's persistent store: an embedded
// ordered key/value backend with named column families, atomic
// multi-key batched writes, and consistent point-in-time iteration for
// snapshot streaming, built on bbolt.
package storage

import "github.com/confluxdb/conflux/pkg/coreerr"

// Family names one of the store's column families. Keys are only
// unique within a family, not across families.
type Family string

const (
	// FamilyMeta holds Raft and state-machine scalar metadata, keyed by a
	// short ASCII tag ("vote", "last_applied", "membership",
	// "last_purged", "snapshot_meta").
	FamilyMeta Family = "meta"
	// FamilyLog holds the Raft log, keyed by 8-byte big-endian index.
	FamilyLog Family = "log"
	// FamilySMConfig holds Config records, keyed by 8-byte BE config_id.
	FamilySMConfig Family = "sm_config"
	// FamilySMVersion holds ConfigVersion payloads, keyed by 16-byte BE
	// config_id‖version_id.
	FamilySMVersion Family = "sm_version"
	// FamilySMNameIdx holds the unique tenant/app/env/name → config_id
	// index.
	FamilySMNameIdx Family = "sm_name_idx"
	// FamilySMProposal holds ReleaseProposal records, keyed by 8-byte BE
	// proposal_id. It backs the approval-workflow entity (see DESIGN.md)
	// and follows the same key/value/atomicity rules as every other family.
	FamilySMProposal Family = "sm_proposal"
)

// families lists every family that must exist before any batch is
// accepted. Order is irrelevant; Open creates all of them up front.
var families = []Family{FamilyMeta, FamilyLog, FamilySMConfig, FamilySMVersion, FamilySMNameIdx, FamilySMProposal}

// OpKind distinguishes a write_batch operation's effect.
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
)

// Op is one put or delete scoped to a family, part of an ordered list of
// operations applied atomically across any families.
type Op struct {
	Kind   OpKind
	Family Family
	Key    []byte
	Value  []byte
}

// Put builds a put Op.
func Put(family Family, key, value []byte) Op {
	return Op{Kind: OpPut, Family: family, Key: key, Value: value}
}

// Delete builds a delete Op.
func Delete(family Family, key []byte) Op {
	return Op{Kind: OpDelete, Family: family, Key: key}
}

// VisitFunc is called once per key/value pair during iteration. Returning
// an error aborts the iteration and surfaces that error to the caller.
type VisitFunc func(key, value []byte) error

// SnapshotView is a consistent, point-in-time read-only view over every
// family, suitable for streaming a state-machine snapshot without
// blocking writers (bbolt's MVCC read transactions give this for free: a
// View transaction pins a B+tree root and never blocks or is blocked by
// concurrent Updates).
type SnapshotView interface {
	IterateAll(family Family, fn VisitFunc) error
}

// Store is Conflux's persistent store contract. The only mutating API is
// WriteBatch; it commits durably in full or fails, with no partial
// application observable to readers.
type Store interface {
	// WriteBatch atomically applies ops. On success every op is durable;
	// on failure none are applied. Returns a coreerr Fatal-kind error
	// (StorageFailure) on underlying I/O failure.
	WriteBatch(ops []Op) error

	// Get returns the value for key in family, or a coreerr NotFound
	// error if absent.
	Get(family Family, key []byte) ([]byte, error)

	// IteratePrefix visits every key with the given prefix in ascending
	// key order.
	IteratePrefix(family Family, prefix []byte, fn VisitFunc) error

	// IterateRange visits every key in [start, end) in ascending key
	// order. A nil end means "through the last key".
	IterateRange(family Family, start, end []byte, fn VisitFunc) error

	// WithSnapshot runs fn against a consistent point-in-time view across
	// all families, for state-machine snapshot building.
	WithSnapshot(fn func(SnapshotView) error) error

	// Close releases underlying resources.
	Close() error
}

// IsNotFound reports whether err is the store's NotFound failure mode.
func IsNotFound(err error) bool {
	return coreerr.IsCode(err, coreerr.CodeNotFound)
}
