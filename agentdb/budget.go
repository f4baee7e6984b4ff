package agentdb

import (
	"bytes"

	"github.com/google/uuid"

	"github.com/cuemby/agentdb/internal/agentdberr"
	"github.com/cuemby/agentdb/internal/kv"
	"github.com/cuemby/agentdb/internal/metrics"
)

// checkAndDebitBudget implements the per-operation clearance rule:
// operation_ts stores a virtual time in milliseconds.
// A fresh operation starts with INITIAL_TS_OFFSET of headroom (enough
// for MaxMsgBurst messages); each debit of k messages requires
// (now - operation_ts) / MsPerMsgPerOp >= k, then advances operation_ts
// by k * MsPerMsgPerOp.
func checkAndDebitBudget(tx *kv.Tx, rs *RootSpace, operationID uuid.UUID, k int64) error {
	if k <= 0 {
		return nil
	}
	b, err := rs.operationTSBucket(tx)
	if err != nil {
		return err
	}
	key := kv.EncodeUUID(operationID)
	now := int64(Now())

	var opTS int64
	if raw := b.Get(key); raw != nil {
		opTS = kv.DecodeInt64LE(raw)
	} else {
		opTS = now - InitialTSOffset
		if err := kv.AtomicMaxInt64LE(b, key, opTS); err != nil {
			return err
		}
		if raw := b.Get(key); raw != nil {
			opTS = kv.DecodeInt64LE(raw)
		}
	}

	available := (now - opTS) / MsPerMsgPerOp
	if available < k {
		metrics.BudgetExceededTotal.Inc()
		return agentdberr.BudgetExceeded
	}
	return kv.AtomicAddInt64LE(b, key, k*MsPerMsgPerOp)
}

// remainingClearance reports how many more messages the operation could
// emit right now without exceeding its budget, for
// StateFnInput.Clearance / require_clearance.
func remainingClearance(tx *kv.Tx, rs *RootSpace, operationID uuid.UUID) (int64, error) {
	b, err := rs.operationTSBucket(tx)
	if err != nil {
		return 0, err
	}
	key := kv.EncodeUUID(operationID)
	now := int64(Now())
	opTS := now - InitialTSOffset
	if raw := b.Get(key); raw != nil {
		opTS = kv.DecodeInt64LE(raw)
	}
	avail := (now - opTS) / MsPerMsgPerOp
	if avail < 0 {
		avail = 0
	}
	return avail, nil
}

// gcOperationTS clears operation_ts rows whose value is older than
// GCAge, scanning at most limit entries forward from startAfter (nil
// means the beginning) and stopping before stopBefore is reached (nil
// means no upper bound). The caller composes two calls into the
// half-scan-from-a-random-midpoint pattern, [midpoint, end) then
// [begin, midpoint), so GC load spreads across the keyspace instead of
// always starting from the same place.
func gcOperationTS(tx *kv.Tx, rs *RootSpace, startAfter, stopBefore []byte, limit int) (cleared int, scanned int, err error) {
	b, err := rs.operationTSBucket(tx)
	if err != nil {
		return 0, 0, err
	}
	cutoff := int64(Now()) - int64(GCAge.Milliseconds())

	c := b.Cursor()
	var k, v []byte
	if startAfter == nil {
		k, v = c.First()
	} else {
		k, v = c.Seek(startAfter)
	}
	for ; k != nil && scanned < limit; scanned++ {
		if stopBefore != nil && bytes.Compare(k, stopBefore) >= 0 {
			break
		}
		stale := kv.DecodeInt64LE(v) < cutoff
		nextK, nextV := c.Next() // advance before any delete invalidates k/v
		if stale {
			if err := kv.CompareAndClear(b, k, func(value []byte) bool {
				return kv.DecodeInt64LE(value) < cutoff
			}); err != nil {
				return cleared, scanned, err
			}
			cleared++
		}
		k, v = nextK, nextV
	}
	return cleared, scanned, nil
}
