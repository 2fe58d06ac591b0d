package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// serviceMetrics holds all Prometheus metrics owned by the facade. A single
// instance is created in New and stored on Service so that tests can inject
// a fresh prometheus.Registry without polluting the default one.
type serviceMetrics struct {
	// queriesTotal counts completed queries, partitioned by retrieval mode
	// and outcome: "ok" or "error".
	queriesTotal *prometheus.CounterVec

	// queryDurationSeconds records the wall-clock duration of each query,
	// partitioned by retrieval mode.
	queryDurationSeconds *prometheus.HistogramVec

	// filesProcessedTotal counts pipeline runs, partitioned by outcome:
	// "succeeded", "failed", or "error" (the run itself aborted).
	filesProcessedTotal *prometheus.CounterVec

	// processDurationSeconds records the wall-clock duration of pipeline runs.
	processDurationSeconds prometheus.Histogram

	// uploadsTotal counts accepted file uploads, partitioned by whether the
	// upload created a new record or overwrote an existing one.
	uploadsTotal *prometheus.CounterVec

	// batchActiveWorkers is the number of batch workers currently processing.
	batchActiveWorkers prometheus.Gauge
}

// newServiceMetrics registers all facade metrics against reg and returns the
// populated serviceMetrics. promauto.With(reg) registers into the provided
// registry rather than the global default, keeping unit tests hermetic.
func newServiceMetrics(reg prometheus.Registerer) *serviceMetrics {
	factory := promauto.With(reg)

	return &serviceMetrics{
		queriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kbase",
			Subsystem: "query",
			Name:      "requests_total",
			Help:      "Total number of queries completed, partitioned by retrieval mode and outcome.",
		}, []string{"mode", "outcome"}),

		queryDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kbase",
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of queries, partitioned by retrieval mode.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),

		filesProcessedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kbase",
			Subsystem: "ingest",
			Name:      "files_processed_total",
			Help:      "Total number of pipeline runs, partitioned by outcome.",
		}, []string{"outcome"}),

		processDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kbase",
			Subsystem: "ingest",
			Name:      "process_duration_seconds",
			Help:      "Wall-clock duration of pipeline runs from load to upsert.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}),

		uploadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kbase",
			Subsystem: "ingest",
			Name:      "uploads_total",
			Help:      "Total number of accepted uploads, partitioned by created vs. overwritten.",
		}, []string{"kind"}),

		batchActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "kbase",
			Subsystem: "ingest",
			Name:      "batch_active_workers",
			Help:      "Number of batch workers currently processing a file.",
		}),
	}
}
