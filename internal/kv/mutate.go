package kv

import "go.etcd.io/bbolt"

// AtomicAddInt64LE adds delta to the little-endian int64 stored at key
// (treating an absent key as 0), the stand-in for FDB's ADD mutation
// type. Used for the agent-count shard counters and operation-budget
// debits.
func AtomicAddInt64LE(b *bbolt.Bucket, key []byte, delta int64) error {
	cur := int64(0)
	if v := b.Get(key); v != nil {
		cur = DecodeInt64LE(v)
	}
	return b.Put(key, EncodeInt64LE(cur+delta))
}

// AtomicMaxInt64LE sets the little-endian int64 at key to the larger of
// its current value (0 if absent) and v, the stand-in for FDB's MAX
// mutation type. Used to initialize operation_ts without clobbering a
// concurrently-initialized higher value.
func AtomicMaxInt64LE(b *bbolt.Bucket, key []byte, v int64) error {
	cur := int64(0)
	if existing := b.Get(key); existing != nil {
		cur = DecodeInt64LE(existing)
	}
	if v > cur {
		return b.Put(key, EncodeInt64LE(v))
	}
	return nil
}

// CompareAndClear removes key if it is present and ok(value) reports
// true, the stand-in for FDB's "read then conditionally clear without
// taking a read-conflict on the whole range" pattern used by GC.
func CompareAndClear(b *bbolt.Bucket, key []byte, ok func(value []byte) bool) error {
	v := b.Get(key)
	if v == nil {
		return nil
	}
	if ok(v) {
		return b.Delete(key)
	}
	return nil
}
