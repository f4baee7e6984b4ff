package agentdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/agentdb/internal/kv"
)

func openTestGlobal(t *testing.T) *Global {
	t.Helper()
	db, err := kv.Open(filepath.Join(t.TempDir(), "agentdb.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewGlobal(db)
}

func TestPartitionForRecipientDeterministicAndInRange(t *testing.T) {
	r := PartitionRange{Offset: 10, Count: 8}
	id := uuid.New()

	first := partitionForRecipient(id, r)
	require.True(t, r.Contains(first))

	for i := 0; i < 100; i++ {
		require.Equal(t, first, partitionForRecipient(id, r), "routing must be a pure function of (id, range)")
	}
}

func TestPartitionForRecipientSpreadsAcrossRange(t *testing.T) {
	r := PartitionRange{Offset: 0, Count: 8}
	seen := make(map[uint32]bool)
	for i := 0; i < 500; i++ {
		seen[partitionForRecipient(uuid.New(), r)] = true
	}
	require.Greater(t, len(seen), 1, "500 random recipients should not all hash to the same partition")
	for idx := range seen {
		require.True(t, r.Contains(idx))
	}
}

func TestPartitionRangeContains(t *testing.T) {
	r := PartitionRange{Offset: 10, Count: 8}
	require.True(t, r.Contains(10))
	require.True(t, r.Contains(17))
	require.False(t, r.Contains(9))
	require.False(t, r.Contains(18))
}

func TestCheckAndDebitBudgetAllowsBurstThenRejects(t *testing.T) {
	global := openTestGlobal(t)
	rs, err := global.Root("app")
	require.NoError(t, err)
	op := uuid.New()

	err = global.DB.Update(func(tx *kv.Tx) error {
		for i := 0; i < MaxMsgBurst; i++ {
			if err := checkAndDebitBudget(tx, rs, op, 1); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err, "the first MaxMsgBurst single-message debits must all succeed")

	err = global.DB.Update(func(tx *kv.Tx) error {
		return checkAndDebitBudget(tx, rs, op, 1)
	})
	require.Error(t, err, "the next debit should exceed the operation's budget")
}

func TestCheckAndDebitBudgetIndependentPerOperation(t *testing.T) {
	global := openTestGlobal(t)
	rs, err := global.Root("app")
	require.NoError(t, err)
	opA := uuid.New()
	opB := uuid.New()

	err = global.DB.Update(func(tx *kv.Tx) error {
		if err := checkAndDebitBudget(tx, rs, opA, MaxMsgBurst); err != nil {
			return err
		}
		// A fresh operation id must have its own, untouched budget.
		return checkAndDebitBudget(tx, rs, opB, MaxMsgBurst)
	})
	require.NoError(t, err)
}

func TestCheckAndAdvanceRetryDoublesBackoff(t *testing.T) {
	global := openTestGlobal(t)
	rs, err := global.Root("app")
	require.NoError(t, err)
	ps := rs.Partition(0)
	agentID := uuid.New()

	// First call: no row yet, always ready. A row is created with
	// RetryAt=now, Backoff=1s.
	ready, _, err := checkAndAdvanceRetry(global, ps, agentID)
	require.NoError(t, err)
	require.True(t, ready, "an agent with no retry row is always ready")

	// Second call: the stored RetryAt has already elapsed (it was set
	// to the first call's "now"), so this is still ready; the row
	// advances to RetryAt=+1s, Backoff=2s.
	ready, _, err = checkAndAdvanceRetry(global, ps, agentID)
	require.NoError(t, err)
	require.True(t, ready)

	// Third call, immediately after: now the stored RetryAt is ~1s in
	// the future, so this one must be blocked.
	ready, retryAt, err := checkAndAdvanceRetry(global, ps, agentID)
	require.NoError(t, err)
	require.False(t, ready, "backoff should now be in effect")
	require.True(t, retryAt.Time().After(time.Now()), "retryAt should be in the future")
}

func TestApplyUserDirLifecycle(t *testing.T) {
	global := openTestGlobal(t)
	rs, err := global.Root("app")
	require.NoError(t, err)
	agentID := uuid.New()

	var pr PartitionRange
	require.NoError(t, global.DB.View(func(tx *kv.Tx) error {
		var err error
		pr, err = loadPartitionRangeSend(tx, rs)
		return err
	}))
	ps := rs.Partition(partitionForRecipient(agentID, pr))

	send := func(content string) {
		err := global.DB.Update(func(tx *kv.Tx) error {
			msg := MessageToSend{RecipientRoot: "app", RecipientID: agentID, OperationID: uuid.New(), Content: []byte(content)}
			return SendMessages(tx, global, []MessageToSend{msg}, 0)
		})
		require.NoError(t, err)
	}
	deliver := func(stateFn StateFn) {
		_, _, err := rollupStep(global, rs, ps)
		require.NoError(t, err)
		require.NoError(t, applyForRecipient(context.Background(), global, rs, ps, agentID, stateFn, MaxBatchSize))
	}
	readNote := func() []byte {
		var note []byte
		require.NoError(t, global.DB.View(func(tx *kv.Tx) error {
			b, err := rs.userDirBucket(tx, agentID)
			if err != nil || b == nil {
				return err
			}
			note = b.Get([]byte("note"))
			return nil
		}))
		return note
	}

	// An apply that writes overflow state into its user_dir commits it
	// atomically with the state blob.
	send("hello")
	deliver(func(ctx context.Context, in StateFnInput) (StateFnOutput, error) {
		if err := in.Tx.UserDirPut([]byte("note"), []byte("overflow")); err != nil {
			return StateFnOutput{}, err
		}
		return StateFnOutput{State: []byte("alive")}, nil
	})
	require.Equal(t, []byte("overflow"), readNote())

	// The present->absent transition removes the whole user_dir.
	send("die")
	deliver(func(ctx context.Context, in StateFnInput) (StateFnOutput, error) {
		return StateFnOutput{State: nil}, nil
	})
	require.Nil(t, readNote())
	_, present, err := GetAgentState(global, "app", agentID)
	require.NoError(t, err)
	require.False(t, present)
}

func TestStartAndCancel(t *testing.T) {
	global := openTestGlobal(t)
	noop := func(ctx context.Context, in StateFnInput) (StateFnOutput, error) {
		return StateFnOutput{State: in.State}, nil
	}
	h, err := Start(global, "c1", "app", noop)
	require.NoError(t, err)
	h.CancelAndWait()
}

func TestNewGlobalRootIsCached(t *testing.T) {
	global := openTestGlobal(t)
	rs1, err := global.Root("app")
	require.NoError(t, err)
	rs2, err := global.Root("app")
	require.NoError(t, err)
	require.Same(t, rs1, rs2, "repeated lookups of the same root must return the cached RootSpace")
}
