package agentdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/cuemby/agentdb/internal/agentdberr"
	"github.com/cuemby/agentdb/internal/kv"
	"github.com/cuemby/agentdb/internal/log"
	"github.com/cuemby/agentdb/internal/metrics"
)

// ApplyTx is the opaque transaction handle passed to the state
// function, scoping it to the operations the state-function contract
// allows: sending messages (via the output's Messages list) and the
// agent's own user_dir overflow subspace. No direct bucket access.
type ApplyTx struct {
	tx      *kv.Tx
	global  *Global
	rs      *RootSpace
	agentID uuid.UUID
}

// UserDirGet reads a key from the calling agent's user_dir subspace.
func (a *ApplyTx) UserDirGet(key []byte) ([]byte, error) {
	b, err := a.rs.userDirBucket(a.tx, a.agentID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, nil
	}
	return b.Get(key), nil
}

// UserDirPut writes a key in the calling agent's user_dir subspace. The
// write commits and aborts atomically with the enclosing apply.
func (a *ApplyTx) UserDirPut(key, value []byte) error {
	b, err := a.rs.userDirBucket(a.tx, a.agentID)
	if err != nil {
		return err
	}
	return b.Put(key, value)
}

// UserDirDelete removes a key from the calling agent's user_dir
// subspace.
func (a *ApplyTx) UserDirDelete(key []byte) error {
	b, err := a.rs.userDirBucket(a.tx, a.agentID)
	if err != nil {
		return err
	}
	if b == nil {
		return nil
	}
	return b.Delete(key)
}

// agentShard picks which of AgentCountShards counters an agent's birth/
// death atomic-add touches, by the agent's owning partition index,
// bounding counter contention to a small fixed shard count.
func agentShard(partitionIdx uint32) uint32 {
	return partitionIdx % AgentCountShards
}

// applyForRecipient runs the apply transaction for one
// recipient: clear its retry row, load state, drain up to
// maxBatchSize batch rows, invoke the state function, persist the
// result, and forward any outbound messages. Retries idempotently on
// transient KV errors, halving maxBatchSize each retry (down to 1) to
// make progress against contended agents; bounded by ApplyRetryLimit.
func applyForRecipient(ctx context.Context, global *Global, rs *RootSpace, ps *PartitionSpace, recipientID uuid.UUID, stateFn StateFn, maxBatchSize int) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ApplyDuration)
	logger := log.WithAgent(recipientID.String())

	batchSize := maxBatchSize
	var lastErr error
	for attempt := 0; attempt < ApplyRetryLimit; attempt++ {
		if attempt > 0 {
			batchSize = batchSize / 2
			if batchSize < 1 {
				batchSize = 1
			}
			metrics.ApplyRetriesTotal.Inc()
		}

		err := applyOnce(ctx, global, rs, ps, recipientID, stateFn, batchSize)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, agentdberr.StateFnError) || errors.Is(err, agentdberr.BudgetExceeded) {
			// Log and move on. The recipient's agent_retry persists
			// because step 1's clear was rolled back along with
			// everything else, so backoff advances; a budget-starved
			// agent retries once its operation has re-earned headroom.
			if errors.Is(err, agentdberr.StateFnError) {
				metrics.StateFnErrorsTotal.Inc()
			}
			logger.Warn().Err(err).Msg("apply rolled back")
			return nil
		}
		if errors.Is(err, agentdberr.DecodeError) || errors.Is(err, agentdberr.MissingBlob) {
			// Deterministic: a corrupt batch row or a header pointing
			// at a blob that isn't there won't heal on retry.
			return err
		}
		logger.Debug().Err(err).Int("attempt", attempt).Msg("apply transaction retrying")
	}
	return fmt.Errorf("apply transaction for %s exhausted retries: %w", recipientID, lastErr)
}

func applyOnce(ctx context.Context, global *Global, rs *RootSpace, ps *PartitionSpace, recipientID uuid.UUID, stateFn StateFn, maxBatchSize int) error {
	var hook func(HookContext)

	err := global.DB.Update(func(tx *kv.Tx) error {
		// 1. Clear agent_retry(recipient_id).
		retryBucket, err := ps.agentRetryBucket(tx)
		if err != nil {
			return err
		}
		if err := retryBucket.Delete(kv.EncodeUUID(recipientID)); err != nil {
			return err
		}

		// 2. Read the agent's current state blob (may be absent).
		agentsBucket, err := rs.agentsBucket(tx)
		if err != nil {
			return err
		}
		wasPresent := agentsBucket.Get(kv.EncodeUUID(recipientID)) != nil
		state, _, err := loadBlob(tx, rs, recipientID, nonSnapshotRead)
		if err != nil {
			return err
		}

		// 3. Read up to maxBatchSize batch(recipient_id, ...) rows,
		// clear each, and collect headers.
		batchBucket, err := ps.batchBucket(tx)
		if err != nil {
			return err
		}
		headers, keys, err := collectRecipientBatch(batchBucket, recipientID, maxBatchSize)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := batchBucket.Delete(k); err != nil {
				return err
			}
		}

		// 4. For each header, load the payload blob, delete it, and
		// append {operation_id, data} to the inbound list.
		inbound := make([]Inbound, 0, len(headers))
		for _, hdr := range headers {
			payload, ok, err := loadBlob(tx, rs, hdr.BlobID, snapshotRead)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("apply: %w: blob %s for recipient %s", agentdberr.MissingBlob, hdr.BlobID, recipientID)
			}
			if err := deleteBlob(tx, rs, hdr.BlobID); err != nil {
				return err
			}
			inbound = append(inbound, Inbound{OperationID: hdr.OperationID, Data: payload})
		}

		// 5. Invoke the state function.
		applyTx := &ApplyTx{tx: tx, global: global, rs: rs, agentID: recipientID}
		input := StateFnInput{
			Root:     rs.Name(),
			Tx:       applyTx,
			AgentID:  recipientID,
			State:    state,
			Messages: inbound,
			UserDir: func() string {
				return fmt.Sprintf("user_dir/%s", recipientID)
			},
			Clearance: func(operationID uuid.UUID) int64 {
				n, _ := remainingClearance(tx, rs, operationID)
				return n
			},
		}
		out, sfErr := stateFn(ctx, input)
		if sfErr != nil {
			return agentdberr.StateFnError
		}

		// 6. Write or clear the agent state blob; maintain set
		// membership + sharded birth/death counters.
		nowPresent := out.State != nil
		if nowPresent {
			if err := storeBlob(tx, rs, recipientID, out.State); err != nil {
				return err
			}
		} else if wasPresent {
			if err := deleteBlob(tx, rs, recipientID); err != nil {
				return err
			}
		}
		if nowPresent && !wasPresent {
			if err := agentsBucket.Put(kv.EncodeUUID(recipientID), []byte{}); err != nil {
				return err
			}
			if err := bumpAgentCount(tx, rs, ps.Index(), 1); err != nil {
				return err
			}
		} else if !nowPresent && wasPresent {
			if err := agentsBucket.Delete(kv.EncodeUUID(recipientID)); err != nil {
				return err
			}
			if err := bumpAgentCount(tx, rs, ps.Index(), -1); err != nil {
				return err
			}
			if err := deleteUserDir(tx, rs, recipientID); err != nil {
				return err
			}
		}

		// 7. Forward outbound messages.
		if len(out.Messages) > 0 {
			if err := SendMessages(tx, global, out.Messages, 0); err != nil {
				return err
			}
		}

		hook = out.CommitHook
		return nil
	})
	if err != nil {
		return err
	}
	if hook != nil {
		hook(HookContext{Global: global})
	}
	return nil
}

// collectRecipientBatch reads up to limit batch rows for recipientID in
// key order (oldest versionstamp first, preserving delivery order).
func collectRecipientBatch(b *bbolt.Bucket, recipientID uuid.UUID, limit int) ([]MessageHeader, [][]byte, error) {
	prefix := kv.EncodeUUID(recipientID)
	c := b.Cursor()
	var headers []MessageHeader
	var keys [][]byte
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix) && len(headers) < limit; k, v = c.Next() {
		hdr, err := decodeHeader(v)
		if err != nil {
			return nil, nil, err
		}
		headers = append(headers, hdr)
		keys = append(keys, append([]byte{}, k...))
	}
	return headers, keys, nil
}

func bumpAgentCount(tx *kv.Tx, rs *RootSpace, partitionIdx uint32, delta int64) error {
	b, err := rs.agentCountsBucket(tx)
	if err != nil {
		return err
	}
	shard := agentShard(partitionIdx)
	return kv.AtomicAddInt64LE(b, kv.EncodeUint32(shard), delta)
}
