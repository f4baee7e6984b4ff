package agentdb

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/cuemby/agentdb/internal/agentdberr"
	"github.com/cuemby/agentdb/internal/kv"
)

// Global is the process-wide singleton aggregating the storage handle
// and a cache of root/partition subspace descriptors. Bucket creation
// is cheap, but the cache gives every partition worker and the client
// supervisor a single shared RootSpace/PartitionSpace to coordinate
// through, and makes the directory-tag registration a once-per-root
// event.
type Global struct {
	DB *kv.DB

	mu    sync.RWMutex
	roots map[string]*RootSpace
}

func NewGlobal(db *kv.DB) *Global {
	return &Global{DB: db, roots: make(map[string]*RootSpace)}
}

// Root returns the cached RootSpace for name, registering the
// directory-layer tag on first use (idempotent). Opens its own
// transaction, so callers that already hold one open (SendMessages,
// the apply path's outbound forwarding) must use RootInTx instead:
// bbolt's writer lock is not reentrant, and nesting a second Update
// inside an already-open one deadlocks.
func (g *Global) Root(name string) (*RootSpace, error) {
	g.mu.RLock()
	rs, ok := g.roots[name]
	g.mu.RUnlock()
	if ok {
		return rs, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if rs, ok := g.roots[name]; ok {
		return rs, nil
	}

	rs = &RootSpace{global: g, name: name, partitions: make(map[uint32]*PartitionSpace)}
	if err := g.DB.Update(func(tx *kv.Tx) error {
		return registerRootDirectoryTag(tx, name)
	}); err != nil {
		return nil, fmt.Errorf("register root directory tag: %w", err)
	}

	g.roots[name] = rs
	return rs, nil
}

// RootInTx is Root's counterpart for callers that already have an open
// writable transaction: it registers the directory-layer tag against
// tx directly instead of opening a nested one. SendMessages and the
// apply path's outbound forwarding must use this, since both already
// run inside a *kv.Tx and the recipient root may not be cached yet.
func (g *Global) RootInTx(tx *kv.Tx, name string) (*RootSpace, error) {
	g.mu.RLock()
	rs, ok := g.roots[name]
	g.mu.RUnlock()
	if ok {
		return rs, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if rs, ok := g.roots[name]; ok {
		return rs, nil
	}

	rs = &RootSpace{global: g, name: name, partitions: make(map[uint32]*PartitionSpace)}
	if err := registerRootDirectoryTag(tx, name); err != nil {
		return nil, fmt.Errorf("register root directory tag: %w", err)
	}

	g.roots[name] = rs
	return rs, nil
}

func registerRootDirectoryTag(tx *kv.Tx, name string) error {
	dirBucket, err := kv.Bucket(tx, "agentdb_directory")
	if err != nil {
		return err
	}
	return dirBucket.Put([]byte(name), []byte(DirectoryLayerTag))
}

// RootSpace is the cached subspace descriptor for one root.
type RootSpace struct {
	global *Global
	name   string

	mu         sync.RWMutex
	partitions map[uint32]*PartitionSpace
}

func (rs *RootSpace) Name() string { return rs.name }

// Partition returns the cached PartitionSpace for idx.
func (rs *RootSpace) Partition(idx uint32) *PartitionSpace {
	rs.mu.RLock()
	ps, ok := rs.partitions[idx]
	rs.mu.RUnlock()
	if ok {
		return ps
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if ps, ok := rs.partitions[idx]; ok {
		return ps
	}
	ps = &PartitionSpace{root: rs, index: idx}
	rs.partitions[idx] = ps
	return ps
}

// --- bucket path helpers -------------------------------------------------
//
// Each subspace is one bbolt bucket (nested under its root's bucket);
// keys within it are fixed-width encodings produced by internal/kv, so
// byte-lexicographic bbolt iteration order equals the subspace's
// intended tuple order.

func (rs *RootSpace) clientsBucket(tx *kv.Tx) (*bbolt.Bucket, error) {
	return kv.Bucket(tx, rs.name, "clients")
}

func (rs *RootSpace) agentsBucket(tx *kv.Tx) (*bbolt.Bucket, error) {
	return kv.Bucket(tx, rs.name, "agents")
}

func (rs *RootSpace) agentCountsBucket(tx *kv.Tx) (*bbolt.Bucket, error) {
	return kv.Bucket(tx, rs.name, "agent_counts")
}

func (rs *RootSpace) blobModifiedBucket(tx *kv.Tx) (*bbolt.Bucket, error) {
	return kv.Bucket(tx, rs.name, "blob_modified")
}

func (rs *RootSpace) blobDataBucket(tx *kv.Tx) (*bbolt.Bucket, error) {
	return kv.Bucket(tx, rs.name, "blob_data")
}

func (rs *RootSpace) metaBucket(tx *kv.Tx) (*bbolt.Bucket, error) {
	return kv.Bucket(tx, rs.name, "meta")
}

func (rs *RootSpace) operationTSBucket(tx *kv.Tx) (*bbolt.Bucket, error) {
	return kv.Bucket(tx, rs.name, "operation_ts")
}

// userDirPath names the per-agent auxiliary subspace handed to state
// functions for overflow state they manage themselves.
func (rs *RootSpace) userDirPath(agentID uuid.UUID) []string {
	return []string{rs.name, "user_dir", agentID.String()}
}

func (rs *RootSpace) userDirBucket(tx *kv.Tx, agentID uuid.UUID) (*bbolt.Bucket, error) {
	return kv.Bucket(tx, rs.userDirPath(agentID)...)
}

// deleteUserDir removes an agent's entire auxiliary subspace, called on
// the present->absent transition of an apply.
func deleteUserDir(tx *kv.Tx, rs *RootSpace, agentID uuid.UUID) error {
	parent, err := kv.Bucket(tx, rs.name, "user_dir")
	if err != nil {
		return err
	}
	if parent == nil {
		return nil
	}
	err = parent.DeleteBucket([]byte(agentID.String()))
	if err == bbolt.ErrBucketNotFound {
		return nil
	}
	return err
}

func (rs *RootSpace) partitionPath(idx uint32) []string {
	return []string{rs.name, "partition", strconv.FormatUint(uint64(idx), 10)}
}

func (rs *RootSpace) partitionBucket(tx *kv.Tx, idx uint32) (*bbolt.Bucket, error) {
	return kv.Bucket(tx, rs.partitionPath(idx)...)
}

// PartitionSpace is the cached subspace descriptor for one partition
// index within a root: modified marker, message/batch/agent_retry.
type PartitionSpace struct {
	root  *RootSpace
	index uint32
}

func (ps *PartitionSpace) Index() uint32 { return ps.index }

func (ps *PartitionSpace) modifiedKey() []byte { return []byte("modified") }

func (ps *PartitionSpace) messageBucket(tx *kv.Tx) (*bbolt.Bucket, error) {
	path := append(append([]string{}, ps.root.partitionPath(ps.index)...), "message")
	return kv.Bucket(tx, path...)
}

func (ps *PartitionSpace) batchBucket(tx *kv.Tx) (*bbolt.Bucket, error) {
	path := append(append([]string{}, ps.root.partitionPath(ps.index)...), "batch")
	return kv.Bucket(tx, path...)
}

func (ps *PartitionSpace) agentRetryBucket(tx *kv.Tx) (*bbolt.Bucket, error) {
	path := append(append([]string{}, ps.root.partitionPath(ps.index)...), "agent_retry")
	return kv.Bucket(tx, path...)
}

// markPartitionModified bumps the partition's modified marker with a
// fresh versionstamp and queues a watch-wake for after commit. This is
// the single conflict/wakeup point senders and the owning worker
// share.
func markPartitionModified(tx *kv.Tx, ps *PartitionSpace) error {
	b, err := ps.root.partitionBucket(tx, ps.index)
	if err != nil {
		return err
	}
	vs := kv.NewVersionstamp(tx, 0)
	if err := b.Put(ps.modifiedKey(), vs.Bytes()); err != nil {
		return err
	}
	tx.Touch(ps.root.partitionPath(ps.index), ps.modifiedKey())
	return nil
}

func loadJSON(b *bbolt.Bucket, key []byte, v interface{}) (bool, error) {
	if b == nil {
		return false, nil
	}
	raw := b.Get(key)
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("%w: %v", agentdberr.DecodeError, err)
	}
	return true, nil
}

func saveJSON(b *bbolt.Bucket, key []byte, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return b.Put(key, raw)
}

// newAgentUUID is a small indirection so tests can't accidentally rely
// on wall-clock-derived IDs colliding.
func newAgentUUID() uuid.UUID { return uuid.New() }
