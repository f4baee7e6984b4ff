package kv

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// Versionstamp is a 12-byte monotonic token: the high 10 bytes carry
// the transaction's version counter (assigned in Tx, see DB.Update),
// the low 2 bytes carry a caller-supplied user_version used to break
// ties between multiple versionstamped writes inside one transaction
// (mirrors FDB's versionstamp_incomplete(user_version) convention).
type Versionstamp [12]byte

// NewVersionstamp builds the versionstamp for a write happening in tx,
// tagged with userVersion for intra-transaction ordering.
func NewVersionstamp(tx *Tx, userVersion uint16) Versionstamp {
	var vs Versionstamp
	// High 8 of the 10 reserved bytes carry the 64-bit version counter;
	// the remaining 2 are reserved (zero) to leave room to grow without
	// re-encoding existing data.
	binary.BigEndian.PutUint64(vs[0:8], tx.Version())
	binary.BigEndian.PutUint16(vs[8:10], 0)
	binary.BigEndian.PutUint16(vs[10:12], userVersion)
	return vs
}

func (vs Versionstamp) Bytes() []byte { return vs[:] }

// EncodeUint32 big-endian fixed width, so lexicographic byte order
// matches numeric order (required for ranges like agent_counts shards
// and partition indices to sort correctly as bbolt bucket keys).
func EncodeUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func DecodeUint32(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

// EncodeInt64BE is used for key components that must sort in numeric
// order (e.g. the `when` timestamp prefix of a message key).
func EncodeInt64BE(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func DecodeInt64BE(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

// EncodeInt64LE is for little-endian i64 values (the agent_counts
// shard counters, operation_ts), opaque values never used as sort
// keys.
func EncodeInt64LE(v int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return b
}

func DecodeInt64LE(b []byte) int64 {
	return int64(binary.LittleEndian.Uint64(b))
}

func EncodeUUID(id uuid.UUID) []byte {
	b := make([]byte, 16)
	copy(b, id[:])
	return b
}

func DecodeUUID(b []byte) (uuid.UUID, error) {
	return uuid.FromBytes(b)
}

// ConcatKey joins fixed-width key components into one bucket key,
// preserving component-wise sort order (every component here is
// already fixed-width big-endian or raw bytes, so concatenation
// preserves lexicographic order across the whole tuple).
func ConcatKey(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
