package agentdb

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/agentdb/internal/agentdberr"
)

// Timestamp is milliseconds since the Unix epoch, the one canonical
// time encoding used in both keys and values.
type Timestamp int64

func Now() Timestamp { return Timestamp(time.Now().UnixMilli()) }

func TimestampFromTime(t time.Time) Timestamp { return Timestamp(t.UnixMilli()) }

func (t Timestamp) Time() time.Time { return time.UnixMilli(int64(t)) }

func (t Timestamp) Add(d time.Duration) Timestamp { return t + Timestamp(d.Milliseconds()) }

func (t Timestamp) Sub(o Timestamp) time.Duration {
	return time.Duration(int64(t)-int64(o)) * time.Millisecond
}

// PartitionRange is a contiguous slice of partition indices.
type PartitionRange struct {
	Offset uint32 `json:"offset"`
	Count  uint32 `json:"count"`
}

// Contains reports whether idx falls in [Offset, Offset+Count).
func (r PartitionRange) Contains(idx uint32) bool {
	return idx >= r.Offset && idx < r.Offset+r.Count
}

// ClientValue is the registered liveness record for one client process.
type ClientValue struct {
	Name         string    `json:"name"`
	LastActiveTS Timestamp `json:"last_active_ts"`
}

// MessageHeader travels through the message/batch queues; the payload
// itself lives in the blob store under BlobID.
type MessageHeader struct {
	RecipientID uuid.UUID `json:"recipient_id"`
	BlobID      uuid.UUID `json:"blob_id"`
	OperationID uuid.UUID `json:"operation_id"`
}

// AgentRetryState is the per-agent exponential backoff record.
type AgentRetryState struct {
	RetryAt Timestamp     `json:"retry_at"`
	Backoff time.Duration `json:"backoff"`
}

// MessageToSend is one element of the outbound[] produced by a state
// function, or supplied directly by an external caller of SendMessages.
type MessageToSend struct {
	RecipientRoot string
	RecipientID   uuid.UUID
	OperationID   uuid.UUID
	When          Timestamp // 0 == deliver immediately
	Content       []byte
}

// Inbound is one delivered message as seen by the state function.
type Inbound struct {
	OperationID uuid.UUID
	Data        []byte
}

// StateFnInput is what the runtime hands the user state function inside
// each apply transaction.
type StateFnInput struct {
	Root     string
	Tx       *ApplyTx
	AgentID  uuid.UUID
	State    []byte // nil if the agent is currently absent
	Messages []Inbound

	// UserDir returns a per-agent subdirectory name for overflow state
	// the handler may want to manage itself, outside the core's state
	// blob.
	UserDir func() string

	// Clearance reports how many more messages the named operation may
	// emit right now, letting a frangible agent stall before it would
	// hit BudgetExceeded.
	Clearance func(operationID uuid.UUID) int64
}

// RequireClearance fails with BudgetExceeded when the operation's
// remaining budget is below RequireClearanceHeadroom, so frangible
// agents stall here, a designated safe point, instead of partway
// through a fan-out.
func (in StateFnInput) RequireClearance(operationID uuid.UUID) error {
	if in.Clearance(operationID) < RequireClearanceHeadroom {
		return agentdberr.BudgetExceeded
	}
	return nil
}

// StateFnOutput is what the user state function returns.
type StateFnOutput struct {
	State      []byte // nil clears the agent (present -> absent)
	Messages   []MessageToSend
	CommitHook func(HookContext)
}

// HookContext is passed to CommitHook after the apply transaction has
// committed, for post-commit side effects (network callbacks etc).
type HookContext struct {
	Global *Global
}

// StateFn is the narrow, pure-ish contract the runtime invokes inside
// each apply transaction. A returned error signals a StateFnError: the
// apply aborts, nothing is consumed, and the agent's backoff advances.
type StateFn func(ctx context.Context, in StateFnInput) (StateFnOutput, error)
