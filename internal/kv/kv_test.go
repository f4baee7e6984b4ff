package kv

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestVersionMonotonic(t *testing.T) {
	db := openTestDB(t)
	var versions []uint64
	for i := 0; i < 3; i++ {
		err := db.Update(func(tx *Tx) error {
			versions = append(versions, tx.Version())
			return nil
		})
		require.NoError(t, err)
	}
	require.Less(t, versions[0], versions[1])
	require.Less(t, versions[1], versions[2])
}

func TestVersionPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	require.NoError(t, err)
	var v1 uint64
	require.NoError(t, db.Update(func(tx *Tx) error { v1 = tx.Version(); return nil }))
	require.NoError(t, db.Close())

	// Versionstamps written after a restart must still sort after
	// everything already on disk.
	db2, err := Open(path)
	require.NoError(t, err)
	defer db2.Close()
	var v2 uint64
	require.NoError(t, db2.Update(func(tx *Tx) error { v2 = tx.Version(); return nil }))
	require.Greater(t, v2, v1)
}

func TestAtomicAddAndMax(t *testing.T) {
	db := openTestDB(t)
	key := []byte("shard")
	err := db.Update(func(tx *Tx) error {
		b, err := Bucket(tx, "root", "agent_counts")
		require.NoError(t, err)
		require.NoError(t, AtomicAddInt64LE(b, key, 1))
		require.NoError(t, AtomicAddInt64LE(b, key, 1))
		require.NoError(t, AtomicMaxInt64LE(b, key, 1)) // should not clobber 2
		return nil
	})
	require.NoError(t, err)

	err = db.View(func(tx *Tx) error {
		b, err := Bucket(tx, "root", "agent_counts")
		require.NoError(t, err)
		require.EqualValues(t, 2, DecodeInt64LE(b.Get(key)))
		return nil
	})
	require.NoError(t, err)
}

func TestWatchFiresAfterCommit(t *testing.T) {
	db := openTestDB(t)
	path := []string{"root", "partition", "0"}
	ch := db.Watch(path, []byte("modified"))

	done := make(chan struct{})
	go func() {
		select {
		case <-ch:
			close(done)
		case <-time.After(2 * time.Second):
		}
	}()

	err := db.Update(func(tx *Tx) error {
		b, err := Bucket(tx, path...)
		if err != nil {
			return err
		}
		if err := b.Put([]byte("modified"), NewVersionstamp(tx, 0).Bytes()); err != nil {
			return err
		}
		tx.Touch(path, []byte("modified"))
		return nil
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not fire")
	}
}

func TestCompareAndClear(t *testing.T) {
	db := openTestDB(t)
	key := []byte("k")
	err := db.Update(func(tx *Tx) error {
		b, err := Bucket(tx, "root", "operation_ts")
		require.NoError(t, err)
		require.NoError(t, b.Put(key, EncodeInt64LE(5)))
		require.NoError(t, CompareAndClear(b, key, func(v []byte) bool { return DecodeInt64LE(v) < 1 }))
		require.NotNil(t, b.Get(key), "should not have cleared: value >= threshold")
		require.NoError(t, CompareAndClear(b, key, func(v []byte) bool { return DecodeInt64LE(v) >= 1 }))
		require.Nil(t, b.Get(key), "should have cleared: value >= threshold")
		return nil
	})
	require.NoError(t, err)
}
