// Package metrics exposes AgentDB's prometheus instrumentation,
// adapted from the registration-in-init / Timer idiom used throughout
// the codebase this one was patterned on.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ClientsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentdb_clients_total",
		Help: "Number of live clients attached to this process's roots.",
	})

	PartitionsOwnedTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentdb_partitions_owned_total",
		Help: "Number of partitions currently owned by this client, per root.",
	}, []string{"root"})

	RollupDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentdb_rollup_duration_seconds",
		Help:    "Duration of the rollup phase of the partition worker loop.",
		Buckets: prometheus.DefBuckets,
	})

	DrainDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentdb_drain_duration_seconds",
		Help:    "Duration of the drain phase of the partition worker loop.",
		Buckets: prometheus.DefBuckets,
	})

	ApplyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentdb_apply_duration_seconds",
		Help:    "Duration of a single apply transaction.",
		Buckets: prometheus.DefBuckets,
	})

	ApplyRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentdb_apply_retries_total",
		Help: "Number of apply-transaction retries due to transient KV conflicts.",
	})

	StateFnErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentdb_statefn_errors_total",
		Help: "Number of apply transactions aborted by a state-function error.",
	})

	BudgetExceededTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentdb_budget_exceeded_total",
		Help: "Number of send_messages calls rejected by operation-budget clearance.",
	})

	AgentBackoffTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentdb_agent_backoff_total",
		Help: "Number of times an agent's retry backoff was extended after a failed apply.",
	})

	MessagesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentdb_messages_sent_total",
		Help: "Number of messages successfully enqueued by send_messages.",
	})

	GCCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentdb_gc_cycle_duration_seconds",
		Help:    "Duration of one operation_ts garbage-collection tick.",
		Buckets: prometheus.DefBuckets,
	})

	GCClearedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentdb_gc_cleared_total",
		Help: "Number of stale operation_ts rows cleared by garbage collection.",
	})

	RepartitionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentdb_repartition_duration_seconds",
		Help:    "Wall-clock duration of a ChangePartitions call, plan through finalize.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	HeartbeatTicksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentdb_heartbeat_ticks_total",
		Help: "Number of client-supervisor heartbeat ticks completed.",
	})

	PeersReapedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentdb_peers_reaped_total",
		Help: "Number of expired client registrations reaped during a heartbeat tick.",
	})
)

func init() {
	prometheus.MustRegister(
		ClientsTotal,
		PartitionsOwnedTotal,
		RollupDuration,
		DrainDuration,
		ApplyDuration,
		ApplyRetriesTotal,
		StateFnErrorsTotal,
		BudgetExceededTotal,
		AgentBackoffTotal,
		MessagesSentTotal,
		GCCycleDuration,
		GCClearedTotal,
		RepartitionDuration,
		HeartbeatTicksTotal,
		PeersReapedTotal,
	)
}

// Handler returns the HTTP handler serving prometheus's text exposition
// format, for use with a bare http.ServeMux in cmd/agentdb.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an elapsed duration and reports it to a histogram on
// completion; callers defer timer.ObserveDuration(someHistogram).
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Duration().Seconds())
}

func (t *Timer) ObserveDurationVec(vec prometheus.ObserverVec, labels ...string) {
	vec.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
