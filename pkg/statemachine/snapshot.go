package statemachine

import (
	"encoding/json"
	"hash/crc32"
	"io"

	"github.com/hashicorp/raft"

	"github.com/confluxdb/conflux/pkg/coreerr"
	"github.com/confluxdb/conflux/pkg/storage"
)

// Snapshot framing constants for the on-wire layout:
// [magic][schema_version][membership][last_included_log_id][entries…][trailer_checksum].
const (
	snapshotMagic  uint32 = 0x434e4658 // "CNFX"
	schemaVersion1 uint32 = 1
)

var snapshotFamilies = []storage.Family{storage.FamilySMConfig, storage.FamilySMVersion, storage.FamilySMNameIdx, storage.FamilySMProposal}

type snapshotEntry struct {
	Family storage.Family `json:"family"`
	Key    []byte         `json:"key"`
	Value  []byte         `json:"value"`
}

type snapshotEnvelope struct {
	Magic             uint32          `json:"magic"`
	SchemaVersion     uint32          `json:"schema_version"`
	Membership        []byte          `json:"membership,omitempty"`
	LastIncludedLogID uint64          `json:"last_included_log_id"`
	NextConfigID      uint64          `json:"next_config_id"`
	Entries           []snapshotEntry `json:"entries"`
	Checksum          uint32          `json:"checksum"`
}

func checksumOf(entries []snapshotEntry) (uint32, error) {
	buf, err := json.Marshal(entries)
	if err != nil {
		return 0, err
	}
	return crc32.ChecksumIEEE(buf), nil
}

// fsmSnapshot is FSM's raft.FSMSnapshot. Snapshot() returns one of these
// quickly (under an RLock, not holding it during the actual I/O); Persist
// streams the real data from a fresh bbolt read transaction so the write
// path (Apply) is never blocked by a slow snapshot transfer, per the
// "Building must not block apply" requirement.
type fsmSnapshot struct {
	db                storage.Store
	lastIncludedLogID uint64
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	var entries []snapshotEntry
	err := s.db.WithSnapshot(func(view storage.SnapshotView) error {
		for _, fam := range snapshotFamilies {
			if err := view.IterateAll(fam, func(k, v []byte) error {
				entries = append(entries, snapshotEntry{
					Family: fam,
					Key:    append([]byte(nil), k...),
					Value:  append([]byte(nil), v...),
				})
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = sink.Cancel()
		return coreerr.StorageFailure("snapshot build", err)
	}

	var membership []byte
	if raw, err := s.db.Get(storage.FamilyMeta, storage.MetaKeyMembership); err == nil {
		membership = raw
	}
	var nextConfigID uint64
	if raw, err := s.db.Get(storage.FamilyMeta, storage.MetaKeyNextConfigID); err == nil {
		nextConfigID = storage.DecodeUint64(raw)
	}

	checksum, err := checksumOf(entries)
	if err != nil {
		_ = sink.Cancel()
		return coreerr.InvariantViolation("snapshot checksum: " + err.Error())
	}

	envelope := snapshotEnvelope{
		Magic:             snapshotMagic,
		SchemaVersion:     schemaVersion1,
		Membership:        membership,
		LastIncludedLogID: s.lastIncludedLogID,
		NextConfigID:      nextConfigID,
		Entries:           entries,
		Checksum:          checksum,
	}

	if err := json.NewEncoder(sink).Encode(envelope); err != nil {
		_ = sink.Cancel()
		return coreerr.StorageFailure("snapshot persist", err)
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

// Snapshot implements raft.FSM. It returns immediately; the expensive
// streaming work happens in the returned FSMSnapshot's Persist.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &fsmSnapshot{db: f.db, lastIncludedLogID: f.lastApplied}, nil
}

// Restore implements raft.FSM's snapshot install path. Validation
// happens before any live state is touched; on success the
// sm_* families are atomically replaced and every in-memory index is
// rebuilt from the freshly installed data, never from the old cache.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var envelope snapshotEnvelope
	if err := json.NewDecoder(rc).Decode(&envelope); err != nil {
		return coreerr.Corruption("snapshot decode", err)
	}
	if envelope.Magic != snapshotMagic {
		return coreerr.Corruption("snapshot magic mismatch", nil)
	}
	if envelope.SchemaVersion != schemaVersion1 {
		return coreerr.SchemaMismatch("unsupported snapshot schema version")
	}
	wantChecksum, err := checksumOf(envelope.Entries)
	if err != nil {
		return coreerr.Corruption("snapshot checksum recompute", err)
	}
	if wantChecksum != envelope.Checksum {
		return coreerr.Corruption("snapshot checksum mismatch", nil)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var ops []storage.Op
	for _, fam := range snapshotFamilies {
		if err := f.db.IteratePrefix(fam, nil, func(k, v []byte) error {
			ops = append(ops, storage.Delete(fam, append([]byte(nil), k...)))
			return nil
		}); err != nil {
			return coreerr.StorageFailure("snapshot install: clear families", err)
		}
	}
	for _, e := range envelope.Entries {
		ops = append(ops, storage.Put(e.Family, e.Key, e.Value))
	}
	ops = append(ops, storage.Put(storage.FamilyMeta, storage.MetaKeyLastApplied, storage.EncodeUint64(envelope.LastIncludedLogID)))
	if envelope.Membership != nil {
		ops = append(ops, storage.Put(storage.FamilyMeta, storage.MetaKeyMembership, envelope.Membership))
	}
	if envelope.NextConfigID != 0 {
		ops = append(ops, storage.Put(storage.FamilyMeta, storage.MetaKeyNextConfigID, storage.EncodeUint64(envelope.NextConfigID)))
	}

	if err := f.db.WriteBatch(ops); err != nil {
		return coreerr.StorageFailure("snapshot install: write_batch", err)
	}
	f.lastApplied = envelope.LastIncludedLogID

	return f.rebuildIndexes()
}
