package internal

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// NewPrometheusEmitter registers the flush and load collectors on reg and
// returns an emitter feeding them. Unknown measurement names are ignored.
func NewPrometheusEmitter(reg prometheus.Registerer, namespace string) (TelemetryEmitter, error) {
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      metricFlushDuration,
		Help:      "Wall time of completed flushes.",
		Buckets:   prometheus.DefBuckets,
	})
	batch := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      metricFlushBatchSize,
		Help:      "Number of operations submitted per bulk request.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})
	documents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      metricFlushDocuments,
		Help:      "Documents processed by flushes, by outcome.",
	}, []string{"outcome"})
	faults := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      metricFlushFaults,
		Help:      "Flushes aborted before reconciliation, by error code.",
	}, []string{"code"})
	loads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      metricLoads,
		Help:      "Document loads, by class and outcome.",
	}, []string{"type", "outcome"})

	for _, c := range []prometheus.Collector{duration, batch, documents, faults, loads} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return func(_ context.Context, name string, labels map[string]string, value any) {
		v, ok := value.(float64)
		if !ok {
			return
		}
		switch name {
		case metricFlushDuration:
			duration.Observe(v)
		case metricFlushBatchSize:
			batch.Observe(v)
		case metricFlushDocuments:
			documents.WithLabelValues(labels["outcome"]).Add(v)
		case metricFlushFaults:
			faults.WithLabelValues(labels["code"]).Add(v)
		case metricLoads:
			loads.WithLabelValues(labels["type"], labels["outcome"]).Add(v)
		}
	}, nil
}
