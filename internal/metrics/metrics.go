// Package metrics provides Prometheus metrics for the document pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry served on /metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Metrics holds the pipeline counters and gauges. A nil *Metrics records
// nothing, so components can run without one.
type Metrics struct {
	Uploads          *prometheus.CounterVec // docpipe_uploads_total{result}
	FilesDeleted     prometheus.Counter     // docpipe_files_deleted_total
	SignedURLFailure prometheus.Counter     // docpipe_signed_url_failures_total
	JobsStarted      prometheus.Counter     // docpipe_analysis_jobs_started_total
	JobsCompleted    prometheus.Counter     // docpipe_analysis_jobs_completed_total
	JobsRunning      prometheus.Gauge       // docpipe_analysis_jobs_running
}

// Upload results.
const (
	UploadOK       = "ok"
	UploadRejected = "rejected"
	UploadFailed   = "failed"
)

// New registers the pipeline metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = Registry
	}
	f := promauto.With(reg)

	return &Metrics{
		Uploads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docpipe_uploads_total",
			Help: "Uploads by result",
		}, []string{"result"}),
		FilesDeleted: f.NewCounter(prometheus.CounterOpts{
			Name: "docpipe_files_deleted_total",
			Help: "File records deleted",
		}),
		SignedURLFailure: f.NewCounter(prometheus.CounterOpts{
			Name: "docpipe_signed_url_failures_total",
			Help: "Signed URLs that could not be issued",
		}),
		JobsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "docpipe_analysis_jobs_started_total",
			Help: "Analysis jobs started",
		}),
		JobsCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "docpipe_analysis_jobs_completed_total",
			Help: "Analysis jobs completed",
		}),
		JobsRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "docpipe_analysis_jobs_running",
			Help: "Analysis jobs waiting for completion",
		}),
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

func (m *Metrics) Upload(result string) {
	if m == nil {
		return
	}
	m.Uploads.WithLabelValues(result).Inc()
}

func (m *Metrics) FileDeleted() {
	if m == nil {
		return
	}
	m.FilesDeleted.Inc()
}

func (m *Metrics) SignedURLFailed() {
	if m == nil {
		return
	}
	m.SignedURLFailure.Inc()
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.JobsStarted.Inc()
	m.JobsRunning.Inc()
}

func (m *Metrics) JobCompleted() {
	if m == nil {
		return
	}
	m.JobsCompleted.Inc()
	m.JobsRunning.Dec()
}

// JobAbandoned drops a pending job from the running gauge without counting
// it as completed.
func (m *Metrics) JobAbandoned() {
	if m == nil {
		return
	}
	m.JobsRunning.Dec()
}
