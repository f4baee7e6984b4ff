// Package agentdberr defines the error kinds the core's components
// raise and recognize, as plain sentinel errors wrapped with
// fmt.Errorf("...: %w", ...), the convention used throughout this
// codebase rather than a custom error-trait hierarchy.
package agentdberr

import "errors"

var (
	// KVFatal wraps a non-retriable storage error. Partition workers log
	// and sleep before reattempting their loop; the supervisor logs and
	// keeps ticking.
	KVFatal = errors.New("agentdb: fatal kv error")

	// DecodeError indicates a persisted header/state failed to
	// deserialize: data corruption or an incompatible upgrade.
	DecodeError = errors.New("agentdb: decode error")

	// StateFnError indicates the user state function returned an error.
	// The apply transaction rolls back; the recipient's agent_retry row
	// is preserved (its clear is rolled back too), so backoff advances.
	StateFnError = errors.New("agentdb: state function error")

	// BudgetExceeded is returned by SendMessages when the operation's
	// budget is insufficient to admit the requested messages.
	BudgetExceeded = errors.New("agentdb: operation budget exceeded")

	// RepartitionConflict is returned by ChangePartitions when called
	// with a target different from one already in flight.
	RepartitionConflict = errors.New("agentdb: conflicting repartition in progress")

	// NotFound indicates a named entity (e.g. a root in the directory
	// layer) doesn't exist.
	NotFound = errors.New("agentdb: not found")

	// MissingBlob indicates a header referenced a blob that isn't
	// present; treated as fatal for that apply.
	MissingBlob = errors.New("agentdb: missing blob")

	// Cancelled indicates the calling task's context was cancelled.
	Cancelled = errors.New("agentdb: cancelled")
)
