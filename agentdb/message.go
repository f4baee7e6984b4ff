package agentdb

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/cuemby/agentdb/internal/agentdberr"
	"github.com/cuemby/agentdb/internal/kv"
	"github.com/cuemby/agentdb/internal/metrics"
)

// partitionForRecipient is the sole routing function used by both
// send_messages and partition migration: fold the 128-bit recipient
// UUID down to 32 bits, modulo the current partition count, offset by
// the range's base.
func partitionForRecipient(recipientID uuid.UUID, r PartitionRange) uint32 {
	hi := uint64(0)
	lo := uint64(0)
	for i := 0; i < 8; i++ {
		hi = hi<<8 | uint64(recipientID[i])
		lo = lo<<8 | uint64(recipientID[8+i])
	}
	h64 := hi ^ lo
	h32 := uint32(h64>>32) ^ uint32(h64)
	return (h32 % r.Count) + r.Offset
}

func loadPartitionRangeSend(tx *kv.Tx, rs *RootSpace) (PartitionRange, error) {
	b, err := rs.metaBucket(tx)
	if err != nil {
		return PartitionRange{}, err
	}
	var pr PartitionRange
	ok, err := loadJSON(b, []byte("partition_range_send"), &pr)
	if err != nil {
		return PartitionRange{}, err
	}
	if !ok {
		return DefaultPartitionRange, nil
	}
	return pr, nil
}

func loadPartitionRangeRecv(tx *kv.Tx, rs *RootSpace) (PartitionRange, error) {
	b, err := rs.metaBucket(tx)
	if err != nil {
		return PartitionRange{}, err
	}
	var pr PartitionRange
	ok, err := loadJSON(b, []byte("partition_range_recv"), &pr)
	if err != nil {
		return PartitionRange{}, err
	}
	if !ok {
		return DefaultPartitionRange, nil
	}
	return pr, nil
}

// SendMessages is the core's single entry point for enqueuing messages:
// it writes each payload to the recipient root's blob store, computes
// the recipient partition, writes a versionstamped message row, bumps
// the partition's modified marker (at most once per partition touched),
// and debits operation budget aggregated by (recipient_root,
// operation_id).
func SendMessages(tx *kv.Tx, global *Global, msgs []MessageToSend, userVersion uint16) error {
	rangeCache := make(map[string]PartitionRange)
	rootCache := make(map[string]*RootSpace)
	type modKey struct {
		root string
		idx  uint32
	}
	touched := make(map[modKey]bool)
	budgetDebits := make(map[[2]string]int64) // (root, operationID) -> count

	for i, msg := range msgs {
		rs, ok := rootCache[msg.RecipientRoot]
		if !ok {
			var err error
			rs, err = global.RootInTx(tx, msg.RecipientRoot)
			if err != nil {
				return err
			}
			rootCache[msg.RecipientRoot] = rs
		}

		pr, ok := rangeCache[msg.RecipientRoot]
		if !ok {
			var err error
			pr, err = loadPartitionRangeSend(tx, rs)
			if err != nil {
				return err
			}
			rangeCache[msg.RecipientRoot] = pr
		}

		msgID := uuid.New()
		if err := storeBlob(tx, rs, msgID, msg.Content); err != nil {
			return err
		}

		hdr := MessageHeader{
			RecipientID: msg.RecipientID,
			BlobID:      msgID,
			OperationID: msg.OperationID,
		}

		partitionIdx := partitionForRecipient(msg.RecipientID, pr)
		ps := rs.Partition(partitionIdx)

		msgBucket, err := ps.messageBucket(tx)
		if err != nil {
			return err
		}
		vs := kv.NewVersionstamp(tx, userVersion)
		key := kv.ConcatKey(
			kv.EncodeInt64BE(int64(msg.When)),
			vs.Bytes(),
			kv.EncodeUint32(uint32(i)),
		)
		hdrBytes, err := encodeHeader(hdr)
		if err != nil {
			return err
		}
		if err := msgBucket.Put(key, hdrBytes); err != nil {
			return err
		}

		mk := modKey{root: msg.RecipientRoot, idx: partitionIdx}
		if !touched[mk] {
			touched[mk] = true
			if err := markPartitionModified(tx, ps); err != nil {
				return err
			}
		}

		budgetDebits[[2]string{msg.RecipientRoot, msg.OperationID.String()}]++
	}

	for key, count := range budgetDebits {
		rootName, opIDStr := key[0], key[1]
		opID, err := uuid.Parse(opIDStr)
		if err != nil {
			return err
		}
		rs := rootCache[rootName]
		if err := checkAndDebitBudget(tx, rs, opID, count); err != nil {
			return err
		}
	}

	metrics.MessagesSentTotal.Add(float64(len(msgs)))
	return nil
}

func encodeHeader(hdr MessageHeader) ([]byte, error) {
	return json.Marshal(hdr)
}

func decodeHeader(b []byte) (MessageHeader, error) {
	var hdr MessageHeader
	if err := json.Unmarshal(b, &hdr); err != nil {
		return hdr, fmt.Errorf("%w: message header: %v", agentdberr.DecodeError, err)
	}
	return hdr, nil
}
