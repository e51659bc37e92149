package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the instrumentation for the ingestion and rollback paths.
type Metrics struct {
	UploadsStarted   prometheus.Counter
	UploadsCompleted prometheus.Counter
	UploadsFailed    prometheus.Counter
	LinesProcessed   prometheus.Counter
	LineErrors       *prometheus.CounterVec
	VersionsAppended prometheus.Counter
	Rollbacks        prometheus.Counter
	UploadDuration   prometheus.Histogram
}

// New registers and returns the application metrics.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		UploadsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "election_uploads_started_total",
			Help: "Number of uploads that began processing",
		}),
		UploadsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "election_uploads_completed_total",
			Help: "Number of uploads that finished processing",
		}),
		UploadsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "election_uploads_failed_total",
			Help: "Number of uploads that failed with an I/O or storage error",
		}),
		LinesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "election_lines_processed_total",
			Help: "Number of result lines successfully recorded",
		}),
		LineErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "election_line_errors_total",
			Help: "Number of rejected result lines by error kind",
		}, []string{"kind"}),
		VersionsAppended: factory.NewCounter(prometheus.CounterOpts{
			Name: "election_result_versions_appended_total",
			Help: "Number of result versions appended to the ledger",
		}),
		Rollbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "election_rollbacks_total",
			Help: "Number of uploads rolled back",
		}),
		UploadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "election_upload_duration_seconds",
			Help:    "Time spent processing one upload",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
}

// NewDefault registers the metrics on the default registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}
