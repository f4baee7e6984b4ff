package agentdb

import (
	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/cuemby/agentdb/internal/kv"
)

// This file is the narrow exported surface internal/admin builds on,
// keeping the bucket-path and subspace internals unexported everywhere
// else; admin inspection is a read-only consumer of the same subspaces.

// LoadPartitionRangeRecv is the exported form of loadPartitionRangeRecv.
func LoadPartitionRangeRecv(tx *kv.Tx, rs *RootSpace) (PartitionRange, error) {
	return loadPartitionRangeRecv(tx, rs)
}

// LoadPartitionRangeSend is the exported form of loadPartitionRangeSend.
func LoadPartitionRangeSend(tx *kv.Tx, rs *RootSpace) (PartitionRange, error) {
	return loadPartitionRangeSend(tx, rs)
}

// ClientsBucket exposes the clients subspace for read-only admin scans.
func ClientsBucket(tx *kv.Tx, rs *RootSpace) (*bbolt.Bucket, error) {
	return rs.clientsBucket(tx)
}

// AgentsBucket exposes the agent-set-membership subspace.
func AgentsBucket(tx *kv.Tx, rs *RootSpace) (*bbolt.Bucket, error) {
	return rs.agentsBucket(tx)
}

// AgentCountsBucket exposes the sharded agent-count subspace.
func AgentCountsBucket(tx *kv.Tx, rs *RootSpace) (*bbolt.Bucket, error) {
	return rs.agentCountsBucket(tx)
}

// GetAgentState reads an agent's current state blob outside of an apply
// transaction, for admin inspection and tests. The returned bool
// reports whether the agent is currently present.
func GetAgentState(global *Global, root string, agentID uuid.UUID) ([]byte, bool, error) {
	rs, err := global.Root(root)
	if err != nil {
		return nil, false, err
	}
	var state []byte
	var present bool
	err = global.DB.View(func(tx *kv.Tx) error {
		state, present, err = loadBlob(tx, rs, agentID, nonSnapshotRead)
		return err
	})
	return state, present, err
}

// PartitionBucketKind selects which subspace CountPartitionBucket scans.
type PartitionBucketKind int

const (
	PartitionBucketMessage PartitionBucketKind = iota
	PartitionBucketBatch
	PartitionBucketAgentRetry
)

// CountPartitionBucket counts rows in one of a partition's subspaces,
// stopping at limit; overflow is reported only when more than limit
// rows exist.
func CountPartitionBucket(tx *kv.Tx, ps *PartitionSpace, kind PartitionBucketKind, limit int) (int, bool, error) {
	var b *bbolt.Bucket
	var err error
	switch kind {
	case PartitionBucketMessage:
		b, err = ps.messageBucket(tx)
	case PartitionBucketBatch:
		b, err = ps.batchBucket(tx)
	case PartitionBucketAgentRetry:
		b, err = ps.agentRetryBucket(tx)
	}
	if err != nil {
		return 0, false, err
	}
	if b == nil {
		return 0, false, nil
	}
	n := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if n >= limit {
			return n, true, nil
		}
		n++
	}
	return n, false, nil
}
