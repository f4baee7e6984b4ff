package agentdb

import "time"

// Runtime defaults. Tick cadences are configurable per client via
// ClientConfig; the rest are fixed protocol parameters.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultGCInterval        = 10 * time.Second
	GCCountPerClient         = 256
	MaxBatchSize             = 100
	MaxPollInterval          = 120 * time.Second
	BlobStripeSize           = 16384
	MsPerMsgPerOp            = 1000 // ms of virtual budget time per message
	MaxMsgBurst              = 1000
	AgentCountShards         = 256
	ApplyRetryLimit          = 5
	RequireClearanceHeadroom = 500 // messages of remaining budget considered "safe"

	// DirectoryLayerTag is written for every root so admin enumeration
	// can filter on it.
	DirectoryLayerTag = "agentdb"
)

// InitialTSOffset lets a fresh operation burst MaxMsgBurst messages
// before the per-operation budget starts throttling it.
const InitialTSOffset = int64(MsPerMsgPerOp) * int64(MaxMsgBurst)

// GCAge is how stale an operation_ts row must be before GC clears it:
// 5 minutes of real idle time, plus the initial floor offset every row
// starts with.
const GCAge = 5*time.Minute + time.Duration(InitialTSOffset)*time.Millisecond

// DefaultPartitionRange is the partition range a root starts with.
var DefaultPartitionRange = PartitionRange{Offset: 0, Count: 100}
