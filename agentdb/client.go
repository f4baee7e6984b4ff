package agentdb

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/agentdb/internal/kv"
	"github.com/cuemby/agentdb/internal/log"
	"github.com/cuemby/agentdb/internal/metrics"
)

const gcScanLimit = 256

// Client is one process's membership in a root: it heartbeats its own
// liveness, reaps dead peers, computes its own partition assignment
// from the surviving client set, and spawns/cancels partition workers
// to match.
type Client struct {
	ID     uuid.UUID
	Name   string
	global *Global
	rs     *RootSpace

	heartbeatInterval time.Duration
	gcInterval        time.Duration
	stateFn           StateFn

	workers *handleSet
}

// ClientConfig configures a Client's tick cadence; zero values fall
// back to the package defaults.
type ClientConfig struct {
	HeartbeatInterval time.Duration
	GCInterval        time.Duration
}

// NewClient registers a fresh client identity for root, ready to Run.
func NewClient(global *Global, root string, name string, stateFn StateFn, cfg ClientConfig) (*Client, error) {
	rs, err := global.Root(root)
	if err != nil {
		return nil, err
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.GCInterval == 0 {
		cfg.GCInterval = DefaultGCInterval
	}
	return &Client{
		ID:                newAgentUUID(),
		Name:              name,
		global:            global,
		rs:                rs,
		heartbeatInterval: cfg.HeartbeatInterval,
		gcInterval:        cfg.GCInterval,
		stateFn:           stateFn,
		workers:           newHandleSet(),
	}, nil
}

// Run ticks heartbeat and GC on their own intervals until ctx is
// cancelled, then cancels every partition worker it has spawned before
// returning. Mirrors the ticker+stopCh idiom this codebase uses for
// its reconciliation loops, but driven by a context instead of a
// dedicated stop channel.
func (c *Client) Run(ctx context.Context) {
	logger := log.WithClient(c.ID.String())
	logger.Info().Str("name", c.Name).Str("root", c.rs.Name()).Msg("client starting")

	hbTicker := time.NewTicker(c.heartbeatInterval)
	defer hbTicker.Stop()
	gcTicker := time.NewTicker(c.gcInterval)
	defer gcTicker.Stop()

	if err := c.heartbeatTick(ctx); err != nil {
		logger.Error().Err(err).Msg("initial heartbeat tick failed")
	}

	for {
		select {
		case <-ctx.Done():
			c.workers.stopAll()
			logger.Info().Msg("client stopped")
			return
		case <-hbTicker.C:
			if err := c.heartbeatTick(ctx); err != nil {
				logger.Error().Err(err).Msg("heartbeat tick failed")
			}
		case <-gcTicker.C:
			if err := c.gcTick(); err != nil {
				logger.Error().Err(err).Msg("gc tick failed")
			}
		}
	}
}

// heartbeatTick registers liveness, reaps expired peers, recomputes
// this client's slice of the recv range, and diffs the running workers
// against it.
func (c *Client) heartbeatTick(ctx context.Context) error {
	metrics.HeartbeatTicksTotal.Inc()

	// 1. Register this client's own liveness.
	if err := c.global.DB.Update(func(tx *kv.Tx) error {
		b, err := c.rs.clientsBucket(tx)
		if err != nil {
			return err
		}
		return saveJSON(b, kv.EncodeUUID(c.ID), ClientValue{Name: c.Name, LastActiveTS: Now()})
	}); err != nil {
		return err
	}

	// 2. Scan the clients subspace, reaping the dead and indexing the
	// living by UUID order.
	var survivors []uuid.UUID
	var recv PartitionRange
	if err := c.global.DB.Update(func(tx *kv.Tx) error {
		b, err := c.rs.clientsBucket(tx)
		if err != nil {
			return err
		}
		now := Now()
		deadline := now.Time().Add(-2 * c.heartbeatInterval)

		type row struct {
			id    uuid.UUID
			value ClientValue
		}
		var rows []row
		var stale [][]byte
		cur := b.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			id, decodeErr := kv.DecodeUUID(k)
			var cv ClientValue
			if decodeErr == nil {
				decodeErr = json.Unmarshal(v, &cv)
			}
			if decodeErr != nil {
				// A registration that can't be decoded will never
				// heartbeat again; reap it like an expired peer rather
				// than wedging every tick on it.
				reapLogger := log.WithClient(c.ID.String())
				reapLogger.Error().Err(decodeErr).Hex("key", k).Msg("reaping corrupt client registration")
				stale = append(stale, append([]byte{}, k...))
				continue
			}
			if cv.LastActiveTS.Time().Before(deadline) {
				stale = append(stale, append([]byte{}, k...))
				continue
			}
			rows = append(rows, row{id: id, value: cv})
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		metrics.PeersReapedTotal.Add(float64(len(stale)))

		sort.Slice(rows, func(i, j int) bool {
			return uuidLess(rows[i].id, rows[j].id)
		})
		for _, r := range rows {
			survivors = append(survivors, r.id)
		}
		recv, err = loadPartitionRangeRecv(tx, c.rs)
		return err
	}); err != nil {
		return err
	}
	metrics.ClientsTotal.Set(float64(len(survivors)))

	// 3. Compute this client's assigned slice.
	myIdx := -1
	for i, id := range survivors {
		if id == c.ID {
			myIdx = i
			break
		}
	}
	if myIdx < 0 {
		// Reaped between our write and the scan (heartbeat interval very
		// short relative to tick jitter); nothing assigned this tick.
		c.workers.stopAll()
		return nil
	}
	n := len(survivors)
	lo := partitionOffset(recv, myIdx, n)
	hi := partitionOffset(recv, myIdx+1, n)

	// 4. Diff against running workers.
	want := make(map[uint32]bool, hi-lo)
	for idx := lo; idx < hi; idx++ {
		want[idx] = true
	}
	for _, idx := range c.workers.indices() {
		if !want[idx] {
			c.workers.stop(idx)
		}
	}
	for idx := lo; idx < hi; idx++ {
		if c.workers.has(idx) {
			continue
		}
		idx := idx
		c.workers.start(ctx, idx, func(wctx context.Context) {
			runPartitionWorker(wctx, c.global, c.rs, idx, c.stateFn)
		})
	}
	metrics.PartitionsOwnedTotal.WithLabelValues(c.rs.Name()).Set(float64(len(want)))
	return nil
}

// partitionOffset(i) = floor(count*i/n) + base, with the i==n boundary
// floor(count) + base, i.e. the whole range's end.
func partitionOffset(recv PartitionRange, i, n int) uint32 {
	if n <= 0 {
		return recv.Offset
	}
	return uint32((uint64(recv.Count)*uint64(i))/uint64(n)) + recv.Offset
}

func uuidLess(a, b uuid.UUID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Start attaches a fresh client identity named clientName to rootName
// and runs it in the background with default tick cadence, returning a handle
// whose Cancel (or CancelAndWait) detaches the client: its heartbeat
// stops, its partition workers wind down, and peers reap its
// registration after the liveness deadline.
func Start(global *Global, clientName, rootName string, stateFn StateFn) (*CancellableHandle, error) {
	c, err := NewClient(global, rootName, clientName, stateFn, ClientConfig{})
	if err != nil {
		return nil, err
	}
	return spawnCancellable(context.Background(), c.Run), nil
}

// Run is the blocking form of Start: it attaches a client and runs it
// until ctx is done.
func Run(ctx context.Context, global *Global, clientName, rootName string, stateFn StateFn) error {
	c, err := NewClient(global, rootName, clientName, stateFn, ClientConfig{})
	if err != nil {
		return err
	}
	c.Run(ctx)
	return nil
}

// gcTick scans the operation_ts subspace in two half-scans from a
// random UUID midpoint, [midpoint, end) then [begin, midpoint), bounded
// to gcScanLimit rows total, so GC load spreads across the keyspace and
// across the fleet instead of every client hammering the same prefix
// every tick.
func (c *Client) gcTick() error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.GCCycleDuration)

	midpoint := kv.EncodeUUID(newAgentUUID())

	var cleared int
	err := c.global.DB.Update(func(tx *kv.Tx) error {
		n, scanned, err := gcOperationTS(tx, c.rs, midpoint, nil, gcScanLimit)
		if err != nil {
			return err
		}
		cleared = n
		if remaining := gcScanLimit - scanned; remaining > 0 {
			n2, _, err := gcOperationTS(tx, c.rs, nil, midpoint, remaining)
			if err != nil {
				return err
			}
			cleared += n2
		}
		return nil
	})
	if err != nil {
		return err
	}
	metrics.GCClearedTotal.Add(float64(cleared))
	return nil
}
