// Package engine implements the transaction-log fan-out engine: the
// Connection, Registry and broadcast entry point. It has no knowledge
// of the socket transport, the durable store backend, or the snapshot
// blob backend beyond the store.Socket, store.TransactionStore and
// store.SnapshotStore interfaces.
package engine

import (
	"errors"
	"time"
)

// Socket status codes (§6). Concrete transports translate these into
// whatever close-frame representation they use.
const (
	StatusNormalClosure          = 1000
	StatusPolicyViolation        = 1008
	StatusClientAlreadyConnected = 4000
)

// ErrDuplicateClient is returned by Registry.Register when clientID is
// already connected (§4.3, §7).
var ErrDuplicateClient = errors.New("engine: client already connected")

// errFastPathStale signals that Registry.Broadcast's fast path isn't
// eligible for this push and the caller should fall back to a full
// incremental Push (§4.4).
var errFastPathStale = errors.New("engine: fast path not eligible")

// MetricsRecorder receives engine-internal events for observability.
// A nil recorder is replaced with a no-op implementation; this keeps
// the engine package free of a hard dependency on any particular
// metrics backend (internal/metrics implements this interface).
type MetricsRecorder interface {
	GapDetected(databaseID string)
	RollbackWritten(databaseID string, count int)
	BuildBundleTriggered(databaseID string)
	RateLimited(kind string)
	PushFailed(reason string)
}

type noopMetrics struct{}

func (noopMetrics) GapDetected(string)          {}
func (noopMetrics) RollbackWritten(string, int) {}
func (noopMetrics) BuildBundleTriggered(string) {}
func (noopMetrics) RateLimited(string)          {}
func (noopMetrics) PushFailed(string)           {}

// Options tunes thresholds used as engine-wide constants rather than
// per-call arguments.
type Options struct {
	GapRollbackThreshold time.Duration // default 10s, §4.2/§8
	SnapshotTriggerBytes int           // default 50 KiB, §4.2/§8 scenario 6
	LogQueryPageSize     int           // default page size for QueryAfter
	FileIDCacheTTL       time.Duration // default 60s, §4.3
	DispatchWorkers      int           // broadcast fan-out worker count, §9 design note
	DispatchQueueSize    int           // broadcast fan-out backlog before tasks are dropped
	Metrics              MetricsRecorder
}

func (o Options) withDefaults() Options {
	if o.GapRollbackThreshold <= 0 {
		o.GapRollbackThreshold = 10 * time.Second
	}
	if o.SnapshotTriggerBytes <= 0 {
		o.SnapshotTriggerBytes = 50 * 1024
	}
	if o.LogQueryPageSize <= 0 {
		o.LogQueryPageSize = 200
	}
	if o.FileIDCacheTTL <= 0 {
		o.FileIDCacheTTL = 60 * time.Second
	}
	if o.DispatchWorkers <= 0 {
		o.DispatchWorkers = 16
	}
	if o.DispatchQueueSize <= 0 {
		o.DispatchQueueSize = o.DispatchWorkers * 100
	}
	if o.Metrics == nil {
		o.Metrics = noopMetrics{}
	}
	return o
}
