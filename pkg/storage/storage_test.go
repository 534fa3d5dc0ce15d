package storage

import (
	"bytes"
	"os"
	"testing"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "conflux-storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpen_CreatesAllFamilies(t *testing.T) {
	store := openTestStore(t)
	for _, f := range families {
		if _, err := store.Get(f, []byte("missing")); !IsNotFound(err) {
			t.Fatalf("family %q: expected not-found on empty bucket, got %v", f, err)
		}
	}
}

func TestWriteBatch_PutThenGet(t *testing.T) {
	store := openTestStore(t)

	err := store.WriteBatch([]Op{
		Put(FamilyMeta, []byte("k1"), []byte("v1")),
		Put(FamilySMConfig, []byte("k2"), []byte("v2")),
	})
	if err != nil {
		t.Fatalf("write_batch: %v", err)
	}

	v, err := store.Get(FamilyMeta, []byte("k1"))
	if err != nil {
		t.Fatalf("get k1: %v", err)
	}
	if !bytes.Equal(v, []byte("v1")) {
		t.Fatalf("get k1: want v1, got %q", v)
	}

	v, err = store.Get(FamilySMConfig, []byte("k2"))
	if err != nil {
		t.Fatalf("get k2: %v", err)
	}
	if !bytes.Equal(v, []byte("v2")) {
		t.Fatalf("get k2: want v2, got %q", v)
	}
}

func TestWriteBatch_DeleteRemovesKey(t *testing.T) {
	store := openTestStore(t)

	if err := store.WriteBatch([]Op{Put(FamilyMeta, []byte("k"), []byte("v"))}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.WriteBatch([]Op{Delete(FamilyMeta, []byte("k"))}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(FamilyMeta, []byte("k")); !IsNotFound(err) {
		t.Fatalf("expected not-found after delete, got %v", err)
	}
}

func TestWriteBatch_UnknownFamilyRollsBackWholeBatch(t *testing.T) {
	store := openTestStore(t)

	err := store.WriteBatch([]Op{
		Put(FamilyMeta, []byte("survives"), []byte("v")),
		{Kind: OpPut, Family: Family("bogus"), Key: []byte("k"), Value: []byte("v")},
	})
	if err == nil {
		t.Fatal("expected error for unknown family")
	}
	if _, err := store.Get(FamilyMeta, []byte("survives")); !IsNotFound(err) {
		t.Fatalf("expected batch to have rolled back entirely, got %v", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Get(FamilyMeta, []byte("nope"))
	if !IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestIteratePrefix_OrderedAndScoped(t *testing.T) {
	store := openTestStore(t)

	ops := []Op{
		Put(FamilySMVersion, EncodeVersionKey(1, 1), []byte("c1v1")),
		Put(FamilySMVersion, EncodeVersionKey(1, 2), []byte("c1v2")),
		Put(FamilySMVersion, EncodeVersionKey(2, 1), []byte("c2v1")),
	}
	if err := store.WriteBatch(ops); err != nil {
		t.Fatalf("write_batch: %v", err)
	}

	var got [][]byte
	err := store.IteratePrefix(FamilySMVersion, VersionKeyPrefix(1), func(k, v []byte) error {
		got = append(got, append([]byte(nil), v...))
		return nil
	})
	if err != nil {
		t.Fatalf("iterate_prefix: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 versions under config 1, got %d", len(got))
	}
	if !bytes.Equal(got[0], []byte("c1v1")) || !bytes.Equal(got[1], []byte("c1v2")) {
		t.Fatalf("expected ordered [c1v1 c1v2], got %q", got)
	}
}

func TestIterateRange_RespectsEndExclusive(t *testing.T) {
	store := openTestStore(t)

	ops := []Op{
		Put(FamilyLog, EncodeUint64(1), []byte("a")),
		Put(FamilyLog, EncodeUint64(2), []byte("b")),
		Put(FamilyLog, EncodeUint64(3), []byte("c")),
	}
	if err := store.WriteBatch(ops); err != nil {
		t.Fatalf("write_batch: %v", err)
	}

	var keys []uint64
	err := store.IterateRange(FamilyLog, EncodeUint64(1), EncodeUint64(3), func(k, v []byte) error {
		keys = append(keys, DecodeUint64(k))
		return nil
	})
	if err != nil {
		t.Fatalf("iterate_range: %v", err)
	}
	if len(keys) != 2 || keys[0] != 1 || keys[1] != 2 {
		t.Fatalf("expected [1 2] (end exclusive), got %v", keys)
	}
}

func TestIterateRange_NilEndIteratesToEnd(t *testing.T) {
	store := openTestStore(t)

	ops := []Op{
		Put(FamilyLog, EncodeUint64(1), []byte("a")),
		Put(FamilyLog, EncodeUint64(2), []byte("b")),
	}
	if err := store.WriteBatch(ops); err != nil {
		t.Fatalf("write_batch: %v", err)
	}

	var count int
	err := store.IterateRange(FamilyLog, EncodeUint64(0), nil, func(k, v []byte) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("iterate_range: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 entries, got %d", count)
	}
}

func TestWithSnapshot_SeesCommittedStateOnly(t *testing.T) {
	store := openTestStore(t)

	if err := store.WriteBatch([]Op{Put(FamilyMeta, []byte("before"), []byte("v"))}); err != nil {
		t.Fatalf("put: %v", err)
	}

	var seen []string
	err := store.WithSnapshot(func(view SnapshotView) error {
		if err := store.WriteBatch([]Op{Put(FamilyMeta, []byte("after"), []byte("v"))}); err != nil {
			return err
		}
		return view.IterateAll(FamilyMeta, func(k, v []byte) error {
			seen = append(seen, string(k))
			return nil
		})
	})
	if err != nil {
		t.Fatalf("with_snapshot: %v", err)
	}
	if len(seen) != 1 || seen[0] != "before" {
		t.Fatalf("expected snapshot pinned to pre-write state [before], got %v", seen)
	}
}

func TestKeyCodec_VersionKeyRoundTrip(t *testing.T) {
	key := EncodeVersionKey(42, 7)
	if len(key) != 16 {
		t.Fatalf("expected a 16-byte version key, got %d bytes", len(key))
	}
	configID, versionID := DecodeVersionKey(key)
	if configID != 42 || versionID != 7 {
		t.Fatalf("expected (42, 7), got (%d, %d)", configID, versionID)
	}
}

func TestKeyCodec_Uint64RoundTrip(t *testing.T) {
	key := EncodeUint64(123456789)
	if len(key) != 8 {
		t.Fatalf("expected an 8-byte key, got %d bytes", len(key))
	}
	n := DecodeUint64(key)
	if n != 123456789 {
		t.Fatalf("expected 123456789, got %d", n)
	}
}
