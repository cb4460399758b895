// Package metrics defines the Prometheus collectors the fan-out engine
// reports through.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder implements engine.MetricsRecorder with Prometheus
// collectors. It is declared without importing engine so this package
// has no dependency on the engine's internals beyond the method set
// engine.MetricsRecorder names.
type Recorder struct {
	gapDetected          *prometheus.CounterVec
	rollbackWritten      *prometheus.CounterVec
	buildBundleTriggered *prometheus.CounterVec
	rateLimited          *prometheus.CounterVec
	pushFailed           *prometheus.CounterVec
}

// New registers the fan-out engine's collectors against reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		gapDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_gap_detected_total",
			Help: "Total number of sequence gaps detected past the rollback threshold",
		}, []string{"databaseId"}),
		rollbackWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_rollback_records_written_total",
			Help: "Total number of synthetic Rollback records written to fill gaps",
		}, []string{"databaseId"}),
		buildBundleTriggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_build_bundle_triggered_total",
			Help: "Total number of times a client was told to build a new snapshot",
		}, []string{"databaseId"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_rate_limited_total",
			Help: "Total number of requests denied by a token bucket",
		}, []string{"kind"}),
		pushFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_push_failed_total",
			Help: "Total number of push attempts aborted by a collaborator-side error",
		}, []string{"reason"}),
	}

	reg.MustRegister(r.gapDetected, r.rollbackWritten, r.buildBundleTriggered, r.rateLimited, r.pushFailed)
	return r
}

func (r *Recorder) GapDetected(databaseID string) {
	r.gapDetected.WithLabelValues(databaseID).Inc()
}

func (r *Recorder) RollbackWritten(databaseID string, count int) {
	r.rollbackWritten.WithLabelValues(databaseID).Add(float64(count))
}

func (r *Recorder) BuildBundleTriggered(databaseID string) {
	r.buildBundleTriggered.WithLabelValues(databaseID).Inc()
}

func (r *Recorder) RateLimited(kind string) {
	r.rateLimited.WithLabelValues(kind).Inc()
}

func (r *Recorder) PushFailed(reason string) {
	r.pushFailed.WithLabelValues(reason).Inc()
}

// Handler serves the registry's collectors over HTTP for Prometheus to
// scrape.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
