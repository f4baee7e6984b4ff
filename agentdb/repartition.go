package agentdb

import (
	"time"

	"github.com/cuemby/agentdb/internal/agentdberr"
	"github.com/cuemby/agentdb/internal/kv"
	"github.com/cuemby/agentdb/internal/log"
	"github.com/cuemby/agentdb/internal/metrics"
)

const repartitionDrainPoll = 5 * time.Second

// ChangePartitions runs the online two-phase repartition
// protocol to desired: plan, drain, finalize. It blocks until the
// protocol completes (or fails); callers that want a non-blocking
// trigger should run it in its own goroutine.
func ChangePartitions(global *Global, rootName string, desired PartitionRange) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RepartitionDuration)
	logger := log.WithRoot(rootName)

	rs, err := global.Root(rootName)
	if err != nil {
		return err
	}

	oldRecv, done, err := repartitionPlan(global, rs, desired)
	if err != nil {
		return err
	}
	if done {
		return nil
	}
	logger.Info().Uint32("offset", desired.Offset).Uint32("count", desired.Count).Msg("repartition planned, draining old recv range")

	for {
		drained, err := repartitionDrained(global, rs, oldRecv)
		if err != nil {
			return err
		}
		if drained {
			break
		}
		time.Sleep(repartitionDrainPoll)
	}

	if err := repartitionFinalize(global, rs, oldRecv, desired); err != nil {
		return err
	}
	logger.Info().Msg("repartition finalized")
	return nil
}

// repartitionPlan implements step 1. Returns the recv range in effect
// before this call (so the caller knows what to drain) and whether the
// desired range was already in effect (nothing further to do).
func repartitionPlan(global *Global, rs *RootSpace, desired PartitionRange) (PartitionRange, bool, error) {
	var oldRecv PartitionRange
	var alreadyDone bool
	err := global.DB.Update(func(tx *kv.Tx) error {
		recv, err := loadPartitionRangeRecv(tx, rs)
		if err != nil {
			return err
		}
		send, err := loadPartitionRangeSend(tx, rs)
		if err != nil {
			return err
		}
		oldRecv = recv

		if recv == send {
			if recv == desired {
				alreadyDone = true
				return nil
			}
			b, err := rs.metaBucket(tx)
			if err != nil {
				return err
			}
			if err := saveJSON(b, []byte("partition_range_send"), desired); err != nil {
				return err
			}
			for idx := recv.Offset; idx < recv.Offset+recv.Count; idx++ {
				if err := markPartitionModified(tx, rs.Partition(idx)); err != nil {
					return err
				}
			}
			return nil
		}

		if send != desired {
			return agentdberr.RepartitionConflict
		}
		// recv != send, send == desired: a repartition to this same
		// target is already in flight. Resume it (idempotent).
		return nil
	})
	return oldRecv, alreadyDone, err
}

// repartitionDrained implements step 2: every partition in oldRecv must
// have empty message and batch subspaces.
func repartitionDrained(global *Global, rs *RootSpace, oldRecv PartitionRange) (bool, error) {
	drained := true
	err := global.DB.View(func(tx *kv.Tx) error {
		for idx := oldRecv.Offset; idx < oldRecv.Offset+oldRecv.Count; idx++ {
			ps := rs.Partition(idx)
			msgBucket, err := ps.messageBucket(tx)
			if err != nil {
				return err
			}
			if msgBucket != nil {
				if k, _ := msgBucket.Cursor().First(); k != nil {
					drained = false
					return nil
				}
			}
			batchBucket, err := ps.batchBucket(tx)
			if err != nil {
				return err
			}
			if batchBucket != nil {
				if k, _ := batchBucket.Cursor().First(); k != nil {
					drained = false
					return nil
				}
			}
		}
		return nil
	})
	return drained, err
}

// repartitionFinalize implements step 3: if recv is still oldRecv, set
// recv = desired. Resumable: a concurrent finalize (or a crash and
// restart converging on the same target) simply no-ops here.
func repartitionFinalize(global *Global, rs *RootSpace, oldRecv, desired PartitionRange) error {
	return global.DB.Update(func(tx *kv.Tx) error {
		recv, err := loadPartitionRangeRecv(tx, rs)
		if err != nil {
			return err
		}
		if recv != oldRecv {
			return nil
		}
		b, err := rs.metaBucket(tx)
		if err != nil {
			return err
		}
		return saveJSON(b, []byte("partition_range_recv"), desired)
	})
}
