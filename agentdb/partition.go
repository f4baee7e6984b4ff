package agentdb

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/cuemby/agentdb/internal/agentdberr"
	"github.com/cuemby/agentdb/internal/kv"
	"github.com/cuemby/agentdb/internal/log"
	"github.com/cuemby/agentdb/internal/metrics"
)

// migrationBatchSize bounds how many rows one migration transaction
// moves, keeping transactions small.
const migrationBatchSize = 256

// runPartitionWorker is the per-partition cooperative loop: maybe-
// migrate, rollup, drain, sleep, purely sequential, no intra-partition
// parallelism. On any single-iteration error it logs and restarts with
// fresh state after 5s; state in the KV store is authoritative, so
// nothing needs to be carried across a restart.
func runPartitionWorker(ctx context.Context, global *Global, rs *RootSpace, idx uint32, stateFn StateFn) {
	logger := log.WithPartition(rs.Name(), idx)
	ps := rs.Partition(idx)

	for {
		if ctx.Err() != nil {
			return
		}
		if err := partitionStep(ctx, global, rs, ps, stateFn); err != nil {
			if errors.Is(err, agentdberr.Cancelled) || ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("partition worker iteration failed, restarting")
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
		}
	}
}

// partitionStep runs one full (a)(b)(c)(d) cycle.
func partitionStep(ctx context.Context, global *Global, rs *RootSpace, ps *PartitionSpace, stateFn StateFn) error {
	// (a) Maybe-migrate: loop moving bounded batches until this
	// partition's rows are fully relocated to the current send range.
	for {
		moved, err := migrateStep(global, rs, ps)
		if err != nil {
			return err
		}
		if moved == 0 {
			break
		}
	}

	// (b) Rollup.
	wakeCh, wakeTimeout, err := rollupStep(global, rs, ps)
	if err != nil {
		return err
	}

	// (c) Drain batches.
	processedAny, deferredRetryAt, err := drainStep(ctx, global, rs, ps, stateFn)
	if err != nil {
		return err
	}

	if processedAny {
		// Keep draining without waiting: the caller loops straight
		// back into partitionStep.
		return nil
	}

	// (d) Sleep.
	timeout := wakeTimeout
	if deferredRetryAt != nil {
		until := time.Until(deferredRetryAt.Time())
		if until < 0 {
			until = 0
		}
		if until < timeout {
			timeout = until
		}
	}
	if timeout > MaxPollInterval {
		timeout = MaxPollInterval
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-wakeCh:
	case <-timer.C:
	case <-ctx.Done():
	}
	return nil
}

// migrateStep moves up to migrationBatchSize rows in total (message
// rows first, then batch rows with whatever is left of the bound)
// belonging to this worker's partition index to whatever partition the
// current send range now hashes them to, when recv != send. Returns 0
// once nothing is left to move.
func migrateStep(global *Global, rs *RootSpace, ps *PartitionSpace) (int, error) {
	moved := 0
	err := global.DB.Update(func(tx *kv.Tx) error {
		recv, err := loadPartitionRangeRecv(tx, rs)
		if err != nil {
			return err
		}
		send, err := loadPartitionRangeSend(tx, rs)
		if err != nil {
			return err
		}
		if recv == send {
			return nil
		}

		msgBucket, err := ps.messageBucket(tx)
		if err != nil {
			return err
		}
		n, err := migrateBucketRows(tx, rs, msgBucket, ps.Index(), send, migrationKindMessage, migrationBatchSize)
		if err != nil {
			return err
		}
		moved += n
		if n >= migrationBatchSize {
			return nil
		}

		batchBucket, err := ps.batchBucket(tx)
		if err != nil {
			return err
		}
		n2, err := migrateBucketRows(tx, rs, batchBucket, ps.Index(), send, migrationKindBatch, migrationBatchSize-n)
		if err != nil {
			return err
		}
		moved += n2
		return nil
	})
	return moved, err
}

type migrationKind int

const (
	migrationKindMessage migrationKind = iota
	migrationKindBatch
)

// migrateBucketRows relocates up to limit rows from src (a message or
// batch bucket belonging to the worker's own partition) to whichever
// partition the recipient now hashes to under send. Rows that hash back
// to srcIdx itself (possible when the old and new ranges overlap) are
// left in place, since they're already owned here and the normal
// rollup/drain path consumes them. The key's `when` (for message rows)
// is preserved; a fresh versionstamp is always assigned since the
// destination bucket has an independent key space.
func migrateBucketRows(tx *kv.Tx, rs *RootSpace, src *bbolt.Bucket, srcIdx uint32, send PartitionRange, kind migrationKind, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	type row struct {
		key  []byte
		hdr  MessageHeader
		when Timestamp
	}
	var rows []row
	var drop [][]byte
	c := src.Cursor()
	k, v := c.First()
	for ; k != nil && len(rows) < limit; k, v = c.Next() {
		hdr, err := decodeHeader(v)
		if err != nil {
			// Corrupt rows can't be routed anywhere; drop them here so
			// migration (and the repartition drain behind it) can
			// still finish.
			migrationLogger := log.WithPartition(rs.Name(), srcIdx)
			migrationLogger.Error().Err(err).Hex("key", k).Msg("dropping corrupt row during migration")
			drop = append(drop, append([]byte{}, k...))
			continue
		}
		if partitionForRecipient(hdr.RecipientID, send) == srcIdx {
			continue
		}
		var when Timestamp
		if kind == migrationKindMessage {
			when = Timestamp(kv.DecodeInt64BE(k[:8]))
		}
		rows = append(rows, row{key: append([]byte{}, k...), hdr: hdr, when: when})
	}
	for _, k := range drop {
		if err := src.Delete(k); err != nil {
			return 0, err
		}
	}

	for i, r := range rows {
		destIdx := partitionForRecipient(r.hdr.RecipientID, send)
		destPS := rs.Partition(destIdx)
		var destBucket *bbolt.Bucket
		var err error
		var destKey []byte
		vs := kv.NewVersionstamp(tx, uint16(i))
		if kind == migrationKindMessage {
			destBucket, err = destPS.messageBucket(tx)
			if err != nil {
				return 0, err
			}
			destKey = kv.ConcatKey(kv.EncodeInt64BE(int64(r.when)), vs.Bytes(), kv.EncodeUint32(uint32(i)))
		} else {
			destBucket, err = destPS.batchBucket(tx)
			if err != nil {
				return 0, err
			}
			destKey = kv.ConcatKey(kv.EncodeUUID(r.hdr.RecipientID), vs.Bytes())
		}
		hdrBytes, err := encodeHeader(r.hdr)
		if err != nil {
			return 0, err
		}
		if err := destBucket.Put(destKey, hdrBytes); err != nil {
			return 0, err
		}
		if err := src.Delete(r.key); err != nil {
			return 0, err
		}
		if err := markPartitionModified(tx, destPS); err != nil {
			return 0, err
		}
	}
	return len(rows) + len(drop), nil
}

// rollupStep moves ready-now message rows (ts <= now) into the batch
// subspace keyed by recipient, then computes the next wake: either a
// watch on this partition's modified marker, or a timer bounded by the
// nearest future-scheduled message (clamped to MaxPollInterval).
func rollupStep(global *Global, rs *RootSpace, ps *PartitionSpace) (<-chan struct{}, time.Duration, error) {
	const rollupLimit = 65536
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RollupDuration)

	nextWake := MaxPollInterval
	wakeCh := global.DB.Watch(rs.partitionPath(ps.Index()), ps.modifiedKey())

	err := global.DB.Update(func(tx *kv.Tx) error {
		msgBucket, err := ps.messageBucket(tx)
		if err != nil {
			return err
		}
		batchBucket, err := ps.batchBucket(tx)
		if err != nil {
			return err
		}

		now := Now()
		c := msgBucket.Cursor()
		var toClear [][]byte
		i := 0
		for k, v := c.First(); k != nil && i < rollupLimit; k, v = c.Next() {
			ts := Timestamp(kv.DecodeInt64BE(k[:8]))
			if ts > now {
				remaining := ts.Sub(now)
				if remaining < nextWake {
					nextWake = remaining
				}
				break // message keys are ordered by ts first; nothing earlier remains ready
			}
			hdr, err := decodeHeader(v)
			if err != nil {
				// An undecodable header can never be routed or
				// delivered; drop the row so the rest of the partition
				// keeps rolling up and the queue stays drainable.
				messageLogger := log.WithPartition(rs.Name(), ps.Index())
				messageLogger.Error().Err(err).Hex("key", k).Msg("dropping corrupt message row")
				toClear = append(toClear, append([]byte{}, k...))
				continue
			}
			vs := kv.NewVersionstamp(tx, uint16(i))
			batchKey := kv.ConcatKey(kv.EncodeUUID(hdr.RecipientID), vs.Bytes())
			hdrBytes, err := encodeHeader(hdr)
			if err != nil {
				return err
			}
			if err := batchBucket.Put(batchKey, hdrBytes); err != nil {
				return err
			}
			toClear = append(toClear, append([]byte{}, k...))
			i++
		}
		for _, k := range toClear {
			if err := msgBucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return wakeCh, nextWake, nil
}

// drainStep picks the smallest batch key whose recipient hasn't already
// been deferred this cycle, consults the recipient's agent_retry
// backoff, and if ready invokes the apply transaction for it. Returns
// whether anything was processed and, if any recipient's retry was
// deferred, the earliest such retry time.
func drainStep(ctx context.Context, global *Global, rs *RootSpace, ps *PartitionSpace, stateFn StateFn) (bool, *Timestamp, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DrainDuration)

	processedAny := false
	var deferredRetryAt *Timestamp
	skip := make(map[uuid.UUID]bool)

	for {
		if ctx.Err() != nil {
			return processedAny, deferredRetryAt, agentdberr.Cancelled
		}
		recipientID, found, err := peekNextBatchRecipient(global, ps, skip)
		if err != nil {
			return processedAny, deferredRetryAt, err
		}
		if !found {
			return processedAny, deferredRetryAt, nil
		}

		ready, retryAt, err := checkAndAdvanceRetry(global, ps, recipientID)
		if err != nil {
			return processedAny, deferredRetryAt, err
		}
		if !ready {
			if deferredRetryAt == nil || retryAt.Time().Before(deferredRetryAt.Time()) {
				deferredRetryAt = &retryAt
			}
			skip[recipientID] = true
			continue
		}

		if err := applyForRecipient(ctx, global, rs, ps, recipientID, stateFn, MaxBatchSize); err != nil {
			return processedAny, deferredRetryAt, err
		}
		processedAny = true
		return processedAny, deferredRetryAt, nil
	}
}

// peekNextBatchRecipient returns the recipient of the smallest batch
// key whose recipient isn't in skip, scanning forward past deferred
// recipients' rows (their rows stay queued for a later tick).
func peekNextBatchRecipient(global *Global, ps *PartitionSpace, skip map[uuid.UUID]bool) (uuid.UUID, bool, error) {
	var recipientID uuid.UUID
	found := false
	err := global.DB.View(func(tx *kv.Tx) error {
		b, err := ps.batchBucket(tx)
		if err != nil {
			return err
		}
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			id, err := kv.DecodeUUID(k[:16])
			if err != nil {
				return err
			}
			if skip[id] {
				continue
			}
			recipientID = id
			found = true
			return nil
		}
		return nil
	})
	return recipientID, found, err
}

func checkAndAdvanceRetry(global *Global, ps *PartitionSpace, recipientID uuid.UUID) (bool, Timestamp, error) {
	var ready bool
	var retryAt Timestamp
	err := global.DB.Update(func(tx *kv.Tx) error {
		b, err := ps.agentRetryBucket(tx)
		if err != nil {
			return err
		}
		key := kv.EncodeUUID(recipientID)
		var state AgentRetryState
		present, err := loadJSON(b, key, &state)
		if err != nil {
			return err
		}
		now := Now()
		if present && state.RetryAt.Time().After(now.Time()) {
			ready = false
			retryAt = state.RetryAt
			return nil
		}
		var next AgentRetryState
		if present {
			next = AgentRetryState{RetryAt: state.RetryAt.Add(state.Backoff), Backoff: state.Backoff * 2}
			metrics.AgentBackoffTotal.Inc()
		} else {
			next = AgentRetryState{RetryAt: now, Backoff: time.Second}
		}
		ready = true
		return saveJSON(b, key, next)
	})
	return ready, retryAt, err
}
