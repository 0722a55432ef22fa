package internal

import (
	"context"
	"sync"
)

// telemetry.go
// Lightweight telemetry hook layer used by the unit of work.
// Callers may register a real emitter (the Prometheus one in
// telemetry_prometheus.go, or a test stub) via RegisterTelemetryEmitter.
// By default the emitter is a no-op.

// TelemetryEmitter receives one named measurement.
type TelemetryEmitter func(ctx context.Context, name string, labels map[string]string, value any)

const (
	metricFlushDuration  = "flush_duration_seconds"
	metricFlushBatchSize = "flush_batch_size"
	metricFlushDocuments = "flush_documents_total"
	metricFlushFaults    = "flush_faults_total"
	metricLoads          = "loads_total"
)

var (
	teleMu   sync.Mutex
	teleImpl TelemetryEmitter = func(ctx context.Context, name string, labels map[string]string, value any) {
		// noop by default
	}
)

// RegisterTelemetryEmitter registers a custom emitter function. Passing nil
// restores the no-op emitter.
func RegisterTelemetryEmitter(fn TelemetryEmitter) {
	teleMu.Lock()
	defer teleMu.Unlock()
	if fn == nil {
		teleImpl = func(ctx context.Context, name string, labels map[string]string, value any) {}
		return
	}
	teleImpl = fn
}

func emitter() TelemetryEmitter {
	teleMu.Lock()
	defer teleMu.Unlock()
	return teleImpl
}

// EmitFlushDuration records the wall time of a completed flush in seconds.
func EmitFlushDuration(ctx context.Context, seconds float64) {
	emitter()(ctx, metricFlushDuration, nil, seconds)
}

// EmitFlushBatchSize records the number of operations in one bulk request.
func EmitFlushBatchSize(ctx context.Context, ops int) {
	emitter()(ctx, metricFlushBatchSize, nil, float64(ops))
}

// EmitFlushDocuments records per-outcome document counts of a flush.
// label {"outcome": "ok"|"conflict"|"error"}
func EmitFlushDocuments(ctx context.Context, outcome string, count int) {
	if count == 0 {
		return
	}
	emitter()(ctx, metricFlushDocuments, map[string]string{"outcome": outcome}, float64(count))
}

// EmitFlushFault records a flush that failed as a whole.
// label {"code": "<error code>"}
func EmitFlushFault(ctx context.Context, code string) {
	emitter()(ctx, metricFlushFaults, map[string]string{"code": code}, float64(1))
}

// EmitLoad records one document load.
// labels {"type": "<class>", "outcome": "ok"|"migrated"|"error"}
func EmitLoad(ctx context.Context, typeName, outcome string) {
	emitter()(ctx, metricLoads, map[string]string{"type": typeName, "outcome": outcome}, float64(1))
}
