package storage

import "encoding/binary"

// EncodeUint64 big-endian encodes n as an 8-byte key, used for log indexes
// and config ids so lexicographic byte order matches numeric order.
func EncodeUint64(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

// DecodeUint64 reverses EncodeUint64.
func DecodeUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// EncodeVersionKey builds the 16-byte config_id‖version_id key used by
// FamilySMVersion.
func EncodeVersionKey(configID, versionID uint64) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[:8], configID)
	binary.BigEndian.PutUint64(b[8:], versionID)
	return b
}

// DecodeVersionKey reverses EncodeVersionKey.
func DecodeVersionKey(b []byte) (configID, versionID uint64) {
	return binary.BigEndian.Uint64(b[:8]), binary.BigEndian.Uint64(b[8:])
}

// VersionKeyPrefix returns the prefix matching every version key for
// configID, for IteratePrefix scans (delete_config).
func VersionKeyPrefix(configID uint64) []byte {
	return EncodeUint64(configID)
}

// Meta keys (tags within FamilyMeta).
var (
	MetaKeyVote          = []byte("vote")
	MetaKeyLastApplied   = []byte("last_applied")
	MetaKeyMembership    = []byte("membership")
	MetaKeyLastPurged    = []byte("last_purged")
	MetaKeySnapshotMeta  = []byte("snapshot_meta")
	MetaKeyNextConfigID  = []byte("sm_next_config_id")
)
