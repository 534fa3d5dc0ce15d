// Package raftlog implements Conflux's Raft log and vote storage by
// delegating to pkg/storage's "log" and "meta" column families: this
// package has no storage of its own, it is a view over pkg/storage's
// shared bbolt handle. Store satisfies both hashicorp/raft's
// raft.LogStore and raft.StableStore interfaces (see DESIGN.md for why
// the separate raft-boltdb module is not used here: it opens its own
// bbolt file and cannot share the store's other column families).
package raftlog

import (
	"errors"

	"github.com/hashicorp/raft"

	"github.com/confluxdb/conflux/pkg/codec"
	"github.com/confluxdb/conflux/pkg/storage"
)

// ErrNotFound is returned by Get for a missing stable-store key. Its
// Error() text must stay exactly "not found": hashicorp/raft's NewRaft
// loads keyCurrentTerm on startup and does a literal
// `err.Error() != "not found"` check (no typed sentinel, no errors.Is)
// before deciding whether a missing term is fatal or just a brand-new
// node. Wrapping this in coreerr's "CODE: message" rendering breaks
// every from-empty-store startup, which is to say every Bootstrap/Join.
var ErrNotFound = errors.New("not found")

// Store implements raft.LogStore and raft.StableStore against a shared
// storage.Store.
type Store struct {
	db storage.Store
}

// New wraps db as a Raft log/stable store.
func New(db storage.Store) *Store {
	return &Store{db: db}
}

// logRecord is the on-disk shape of a raft.Log entry. raft.Log itself
// isn't (un)marshalable as-is across all fields we care about, so this
// mirrors it field for field.
type logRecord struct {
	Index      uint64
	Term       uint64
	Type       raft.LogType
	Data       []byte
	Extensions []byte
}

func toRecord(l *raft.Log) logRecord {
	return logRecord{Index: l.Index, Term: l.Term, Type: l.Type, Data: l.Data, Extensions: l.Extensions}
}

func fromRecord(r logRecord, out *raft.Log) {
	out.Index = r.Index
	out.Term = r.Term
	out.Type = r.Type
	out.Data = r.Data
	out.Extensions = r.Extensions
}

// FirstIndex returns the index of the first entry still present in the
// log (i.e. the first entry after the last purge), or 0 if the log is
// empty.
func (s *Store) FirstIndex() (uint64, error) {
	var first uint64
	err := s.db.IteratePrefix(storage.FamilyLog, nil, func(k, v []byte) error {
		if first == 0 {
			first = storage.DecodeUint64(k)
		}
		return errStopIteration
	})
	if err != nil && err != errStopIteration {
		return 0, err
	}
	return first, nil
}

// LastIndex returns the index of the most recently appended entry, or 0
// if the log is empty.
func (s *Store) LastIndex() (uint64, error) {
	var last uint64
	var found bool
	err := s.db.IterateRange(storage.FamilyLog, nil, nil, func(k, v []byte) error {
		last = storage.DecodeUint64(k)
		found = true
		return nil
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return last, nil
}

// GetLog implements read_log_entries for a single index.
func (s *Store) GetLog(index uint64, out *raft.Log) error {
	raw, err := s.db.Get(storage.FamilyLog, storage.EncodeUint64(index))
	if err != nil {
		if storage.IsNotFound(err) {
			return raft.ErrLogNotFound
		}
		return err
	}
	var rec logRecord
	if err := codec.Decode(raw, &rec); err != nil {
		return err
	}
	fromRecord(rec, out)
	return nil
}

// StoreLog implements append_to_log for a single entry.
func (s *Store) StoreLog(l *raft.Log) error {
	return s.StoreLogs([]*raft.Log{l})
}

// StoreLogs implements append_to_log: entries must be contiguous and
// strictly increasing in index; the caller (hashicorp/raft) guarantees
// this for normal operation, so this batches the puts atomically and
// relies on the underlying store's fsync-on-commit for the durability
// guarantee in §4.2.
func (s *Store) StoreLogs(logs []*raft.Log) error {
	ops := make([]storage.Op, 0, len(logs))
	for _, l := range logs {
		raw, err := codec.Encode(toRecord(l))
		if err != nil {
			return err
		}
		ops = append(ops, storage.Put(storage.FamilyLog, storage.EncodeUint64(l.Index), raw))
	}
	return s.db.WriteBatch(ops)
}

// DeleteRange implements both delete_conflict_logs_since(min) and
// purge_logs_upto(max) depending on which bound the caller passes:
// hashicorp/raft calls DeleteRange(min, max) for both log truncation on
// conflict and trailing-log compaction, always as one contiguous range.
func (s *Store) DeleteRange(min, max uint64) error {
	var ops []storage.Op
	err := s.db.IterateRange(storage.FamilyLog, storage.EncodeUint64(min), nil, func(k, v []byte) error {
		idx := storage.DecodeUint64(k)
		if idx > max {
			return errStopIteration
		}
		ops = append(ops, storage.Delete(storage.FamilyLog, append([]byte(nil), k...)))
		return nil
	})
	if err != nil && err != errStopIteration {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	return s.db.WriteBatch(ops)
}

// PurgeLogsUpto deletes every entry with index <= upto and records the
// new low-water mark in meta.last_purged in the same batch, per §4.2.
func (s *Store) PurgeLogsUpto(upto uint64) error {
	var ops []storage.Op
	err := s.db.IterateRange(storage.FamilyLog, nil, storage.EncodeUint64(upto+1), func(k, v []byte) error {
		ops = append(ops, storage.Delete(storage.FamilyLog, append([]byte(nil), k...)))
		return nil
	})
	if err != nil {
		return err
	}
	ops = append(ops, storage.Put(storage.FamilyMeta, storage.MetaKeyLastPurged, storage.EncodeUint64(upto)))
	return s.db.WriteBatch(ops)
}

// LastPurged returns the last_purged_log_id recorded in meta, or 0 if the
// log has never been purged.
func (s *Store) LastPurged() (uint64, error) {
	raw, err := s.db.Get(storage.FamilyMeta, storage.MetaKeyLastPurged)
	if err != nil {
		if storage.IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	return storage.DecodeUint64(raw), nil
}

// LogState is get_log_state's return shape.
type LogState struct {
	LastPurgedLogID uint64
	LastLogID       uint64
}

// GetLogState implements get_log_state.
func (s *Store) GetLogState() (LogState, error) {
	purged, err := s.LastPurged()
	if err != nil {
		return LogState{}, err
	}
	last, err := s.LastIndex()
	if err != nil {
		return LogState{}, err
	}
	return LogState{LastPurgedLogID: purged, LastLogID: last}, nil
}

// Set implements raft.StableStore, used by hashicorp/raft for the vote
// record (CurrentTerm / LastVoteCand / LastVoteTerm keys) inside meta.
func (s *Store) Set(key, val []byte) error {
	return s.db.WriteBatch([]storage.Op{storage.Put(storage.FamilyMeta, key, append([]byte(nil), val...))})
}

func (s *Store) Get(key []byte) ([]byte, error) {
	v, err := s.db.Get(storage.FamilyMeta, key)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return v, nil
}

func (s *Store) SetUint64(key []byte, val uint64) error {
	return s.Set(key, storage.EncodeUint64(val))
}

func (s *Store) GetUint64(key []byte) (uint64, error) {
	v, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	return storage.DecodeUint64(v), nil
}

// errStopIteration is a sentinel used internally to break out of
// IteratePrefix/IterateRange visits early; it is never returned to a
// caller of this package.
var errStopIteration = sentinel{}

type sentinel struct{}

func (sentinel) Error() string { return "raftlog: iteration stopped" }

var _ raft.LogStore = (*Store)(nil)
var _ raft.StableStore = (*Store)(nil)
