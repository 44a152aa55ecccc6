package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsNamespace = "itest"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "runs_total",
		Help:      "Count of orchestrated runs",
	}, []string{
		"workflow",
		"result",
	})

	runDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Duration of the last orchestrated run",
	}, []string{
		"workflow",
	})

	credentialRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "credential_retries_total",
		Help:      "Count of retried credential exchanges",
	})

	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "artifact_uploads_total",
		Help:      "Count of artifact upload attempts",
	}, []string{
		"result",
	})

	supersededTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "superseded_total",
		Help:      "Count of runs canceled by a newer run for the same key",
	}, []string{
		"workflow",
	})
)

// RecordRun records the terminal state of an orchestrated run.
func RecordRun(workflow, result string, duration time.Duration) {
	runsTotal.WithLabelValues(workflow, result).Inc()
	runDuration.WithLabelValues(workflow).Set(duration.Seconds())
}

// RecordCredentialRetry records one retried credential exchange.
func RecordCredentialRetry() {
	credentialRetriesTotal.Inc()
}

// RecordUpload records one artifact upload attempt.
func RecordUpload(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	uploadsTotal.WithLabelValues(result).Inc()
}

// RecordSuperseded records one run canceled by a newer admission.
func RecordSuperseded(workflow string) {
	supersededTotal.WithLabelValues(workflow).Inc()
}
