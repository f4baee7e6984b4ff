// Package admin implements the read-only inspection surface:
// enumerating roots by directory tag, describing a root's liveness and
// range state, describing one partition's queue depth, and listing a
// root's agent IDs.
package admin

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/cuemby/agentdb/agentdb"
	"github.com/cuemby/agentdb/internal/agentdberr"
	"github.com/cuemby/agentdb/internal/kv"
)

// DescLimit bounds how many rows DescribePartition/ListAgents will
// gather before reporting Overflow.
const DescLimit = 1000

// Roots enumerates every root name tagged "agentdb" in the directory
// layer.
func Roots(db *kv.DB) ([]string, error) {
	var names []string
	err := db.View(func(tx *kv.Tx) error {
		b, err := kv.Bucket(tx, "agentdb_directory")
		if err != nil {
			return err
		}
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if string(v) == agentdb.DirectoryLayerTag {
				names = append(names, string(k))
			}
		}
		return nil
	})
	return names, err
}

// requireRoot checks that rootName is registered in the directory
// layer. Describing a root must not create it as a side effect, so
// this runs before any Global.Root lookup.
func requireRoot(db *kv.DB, rootName string) error {
	var found bool
	err := db.View(func(tx *kv.Tx) error {
		b, err := kv.Bucket(tx, "agentdb_directory")
		if err != nil || b == nil {
			return err
		}
		found = string(b.Get([]byte(rootName))) == agentdb.DirectoryLayerTag
		return nil
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: root %q", agentdberr.NotFound, rootName)
	}
	return nil
}

// RootSummary is the result of DescribeRoot.
type RootSummary struct {
	Name           string
	ClientCount    int
	AgentCount     int64
	PartitionRecv  agentdb.PartitionRange
	PartitionSend  agentdb.PartitionRange
	Repartitioning bool
}

// DescribeRoot reports a root's current liveness and partition-range
// state.
func DescribeRoot(global *agentdb.Global, rootName string) (RootSummary, error) {
	if err := requireRoot(global.DB, rootName); err != nil {
		return RootSummary{}, err
	}
	rs, err := global.Root(rootName)
	if err != nil {
		return RootSummary{}, err
	}
	summary := RootSummary{Name: rootName}
	err = global.DB.View(func(tx *kv.Tx) error {
		recv, err := agentdb.LoadPartitionRangeRecv(tx, rs)
		if err != nil {
			return err
		}
		send, err := agentdb.LoadPartitionRangeSend(tx, rs)
		if err != nil {
			return err
		}
		summary.PartitionRecv = recv
		summary.PartitionSend = send
		summary.Repartitioning = recv != send

		clientsB, err := agentdb.ClientsBucket(tx, rs)
		if err != nil {
			return err
		}
		n := 0
		if clientsB != nil {
			cc := clientsB.Cursor()
			for k, _ := cc.First(); k != nil; k, _ = cc.Next() {
				n++
			}
		}
		summary.ClientCount = n

		countsB, err := agentdb.AgentCountsBucket(tx, rs)
		if err != nil {
			return err
		}
		var total int64
		if countsB != nil {
			cc2 := countsB.Cursor()
			for _, v := cc2.First(); v != nil; _, v = cc2.Next() {
				total += kv.DecodeInt64LE(v)
			}
		}
		summary.AgentCount = total
		return nil
	})
	return summary, err
}

// PartitionSummary is the result of DescribePartition.
type PartitionSummary struct {
	Index        uint32
	MessageCount int
	BatchCount   int
	RetryCount   int
	Overflowed   bool
}

// DescribePartition reports queue depths for one partition index,
// capped at DescLimit rows per subspace; Overflowed is set if any
// subspace was truncated.
func DescribePartition(global *agentdb.Global, rootName string, idx uint32) (PartitionSummary, error) {
	if err := requireRoot(global.DB, rootName); err != nil {
		return PartitionSummary{}, err
	}
	rs, err := global.Root(rootName)
	if err != nil {
		return PartitionSummary{}, err
	}
	summary := PartitionSummary{Index: idx}
	err = global.DB.View(func(tx *kv.Tx) error {
		ps := rs.Partition(idx)

		n, overflow, err := agentdb.CountPartitionBucket(tx, ps, agentdb.PartitionBucketMessage, DescLimit)
		if err != nil {
			return err
		}
		summary.MessageCount = n
		summary.Overflowed = summary.Overflowed || overflow

		n, overflow, err = agentdb.CountPartitionBucket(tx, ps, agentdb.PartitionBucketBatch, DescLimit)
		if err != nil {
			return err
		}
		summary.BatchCount = n
		summary.Overflowed = summary.Overflowed || overflow

		n, overflow, err = agentdb.CountPartitionBucket(tx, ps, agentdb.PartitionBucketAgentRetry, DescLimit)
		if err != nil {
			return err
		}
		summary.RetryCount = n
		summary.Overflowed = summary.Overflowed || overflow
		return nil
	})
	return summary, err
}

// ListAgents returns up to DescLimit agent IDs registered in rootName,
// plus whether the set was truncated.
func ListAgents(global *agentdb.Global, rootName string) ([]uuid.UUID, bool, error) {
	if err := requireRoot(global.DB, rootName); err != nil {
		return nil, false, err
	}
	rs, err := global.Root(rootName)
	if err != nil {
		return nil, false, err
	}
	var ids []uuid.UUID
	overflow := false
	err = global.DB.View(func(tx *kv.Tx) error {
		b, err := agentdb.AgentsBucket(tx, rs)
		if err != nil {
			return err
		}
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if len(ids) >= DescLimit {
				overflow = true
				break
			}
			id, err := kv.DecodeUUID(k)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	return ids, overflow, err
}
