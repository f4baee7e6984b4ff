// Package kv emulates the transactional, versionstamped, watchable
// key-value store AgentDB's core is written against, on top of
// go.etcd.io/bbolt. bbolt already gives us a single-writer, consistent
// snapshot per transaction; this package layers on the primitives
// bbolt doesn't have natively: versionstamped keys/values, atomic
// add/max, compare-and-clear, and per-key watches.
package kv

import (
	"encoding/binary"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/cuemby/agentdb/internal/agentdberr"
)

// metaBucket holds the persisted versionstamp counter, outside any
// root's subspace tree.
const metaBucket = "__kv_meta"

var versionKey = []byte("version")

// DB wraps a single bbolt database file.
type DB struct {
	bolt *bbolt.DB

	mu      sync.Mutex
	version uint64

	watches *watchRegistry
}

// Open opens (creating if necessary) the bbolt file at path and loads
// the persisted versionstamp counter, so versionstamps stay monotonic
// across process restarts (existing message/batch keys must sort before
// anything a restarted process writes).
func Open(path string) (*DB, error) {
	b, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", agentdberr.KVFatal, path, err)
	}
	db := &DB{
		bolt:    b,
		watches: newWatchRegistry(),
	}
	if err := b.View(func(btx *bbolt.Tx) error {
		mb := btx.Bucket([]byte(metaBucket))
		if mb == nil {
			return nil
		}
		if v := mb.Get(versionKey); v != nil {
			db.version = binary.BigEndian.Uint64(v)
		}
		return nil
	}); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("%w: load version counter: %v", agentdberr.KVFatal, err)
	}
	return db, nil
}

// Close closes the underlying bbolt database.
func (db *DB) Close() error {
	return db.bolt.Close()
}

// Tx is a single read or read-write transaction. Write transactions get
// a monotonically increasing version number assigned once, used to
// complete any versionstamped keys/values written during the
// transaction; since bbolt serializes writers, assigning the version
// when the write lock is acquired is equivalent to FDB's commit-time
// versionstamp assignment.
type Tx struct {
	bolt     *bbolt.Tx
	db       *DB
	writable bool
	version  uint64

	touched []watchKey
}

// Bolt returns the underlying *bbolt.Tx for callers that need direct
// bucket access (CreateBucketIfNotExists, Cursor, etc).
func (tx *Tx) Bolt() *bbolt.Tx { return tx.bolt }

// Version returns this write transaction's assigned version counter,
// used as the high-order bytes of any versionstamp it produces.
func (tx *Tx) Version() uint64 { return tx.version }

// Touch marks a key as having been written in this transaction so that
// any watchers on it are woken once the transaction commits. path
// identifies the bucket (e.g. []string{"root1", "partition", "3"}) and
// key is the watched key within it (conventionally "modified").
func (tx *Tx) Touch(path []string, key []byte) {
	tx.touched = append(tx.touched, watchKey{path: joinPath(path), key: string(key)})
}

// Update runs fn inside a writable transaction. On success, any keys
// touched via Tx.Touch are fired to wake watchers.
func (db *DB) Update(fn func(tx *Tx) error) error {
	t := &Tx{db: db, writable: true}
	err := db.bolt.Update(func(btx *bbolt.Tx) error {
		t.bolt = btx
		db.mu.Lock()
		db.version++
		t.version = db.version
		db.mu.Unlock()
		mb, err := btx.CreateBucketIfNotExists([]byte(metaBucket))
		if err != nil {
			return err
		}
		counter := make([]byte, 8)
		binary.BigEndian.PutUint64(counter, t.version)
		if err := mb.Put(versionKey, counter); err != nil {
			return err
		}
		return fn(t)
	})
	if err != nil {
		return err
	}
	for _, wk := range t.touched {
		db.watches.fire(wk)
	}
	return nil
}

// View runs fn inside a read-only transaction.
func (db *DB) View(fn func(tx *Tx) error) error {
	t := &Tx{db: db, writable: false}
	return db.bolt.View(func(btx *bbolt.Tx) error {
		t.bolt = btx
		return fn(t)
	})
}

// Watch returns a channel that is closed the next time the given key is
// touched by a committed write transaction. Callers should call Watch
// *before* re-checking the condition they're waiting on, to avoid
// missing a concurrent write (the classic check-then-watch ordering).
func (db *DB) Watch(path []string, key []byte) <-chan struct{} {
	return db.watches.get(watchKey{path: joinPath(path), key: string(key)})
}

func joinPath(path []string) string {
	s := ""
	for i, p := range path {
		if i > 0 {
			s += "/"
		}
		s += p
	}
	return s
}

// Bucket opens (creating if writable and absent) a nested bucket chain,
// e.g. Bucket(tx, "root1", "partition", "3", "message").
func Bucket(tx *Tx, path ...string) (*bbolt.Bucket, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("kv: empty bucket path")
	}
	if tx.writable {
		b, err := tx.bolt.CreateBucketIfNotExists([]byte(path[0]))
		if err != nil {
			return nil, err
		}
		for _, seg := range path[1:] {
			b, err = b.CreateBucketIfNotExists([]byte(seg))
			if err != nil {
				return nil, err
			}
		}
		return b, nil
	}
	b := tx.bolt.Bucket([]byte(path[0]))
	for _, seg := range path[1:] {
		if b == nil {
			return nil, nil
		}
		b = b.Bucket([]byte(seg))
	}
	return b, nil
}
