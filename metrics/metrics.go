// Package metrics provides Prometheus metrics for the cloudview namespace.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job engine metrics
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudview_jobs_total",
			Help: "Total number of finished jobs by class and final state",
		},
		[]string{"class", "state"},
	)

	jobsRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cloudview_jobs_running",
			Help: "Number of job bodies currently executing",
		},
		[]string{"class"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cloudview_job_duration_seconds",
			Help:    "Job body execution time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"class"},
	)

	// Tree cache metrics
	loadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudview_loads_total",
			Help: "Child enumeration requests by outcome (fetched, shared, cached, error)",
		},
		[]string{"server", "outcome"},
	)

	loadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cloudview_load_duration_seconds",
			Help:    "Backend child enumeration time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server"},
	)

	resolveTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudview_resolve_total",
			Help: "Path resolutions by memo outcome",
		},
		[]string{"outcome"},
	)

	marksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudview_invalidation_marks_total",
			Help: "Invalidation marks set and consumed",
		},
		[]string{"op"},
	)

	cachedItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cloudview_cached_items",
			Help: "Number of items materialized per server",
		},
		[]string{"server"},
	)

	// Transfer metrics
	bytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudview_bytes_transferred_total",
			Help: "Bytes moved by upload and download jobs",
		},
		[]string{"direction"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// JobStarted records a job body starting.
func JobStarted(class string) {
	jobsRunning.WithLabelValues(class).Inc()
}

// JobFinished records a job body returning after d.
func JobFinished(class string, d time.Duration) {
	jobsRunning.WithLabelValues(class).Dec()
	jobDuration.WithLabelValues(class).Observe(d.Seconds())
}

// RecordJob records a job reaching its final state.
func RecordJob(class, state string) {
	jobsTotal.WithLabelValues(class, state).Inc()
}

// RecordLoad records a child enumeration request outcome.
func RecordLoad(server, outcome string) {
	loadsTotal.WithLabelValues(server, outcome).Inc()
}

// RecordLoadDuration records the backend time of one enumeration.
func RecordLoadDuration(server string, d time.Duration) {
	loadDuration.WithLabelValues(server).Observe(d.Seconds())
}

// RecordResolve records a resolution memo hit or miss.
func RecordResolve(hit bool) {
	if hit {
		resolveTotal.WithLabelValues("hit").Inc()
	} else {
		resolveTotal.WithLabelValues("miss").Inc()
	}
}

// RecordMark records an invalidation mark being set or consumed.
func RecordMark(op string) {
	marksTotal.WithLabelValues(op).Inc()
}

// SetCachedItems sets the materialized item count for a server.
func SetCachedItems(server string, n int) {
	cachedItems.WithLabelValues(server).Set(float64(n))
}

// RecordUpload records uploaded bytes.
func RecordUpload(bytes int64) {
	bytesTransferred.WithLabelValues("upload").Add(float64(bytes))
}

// RecordDownload records downloaded bytes.
func RecordDownload(bytes int64) {
	bytesTransferred.WithLabelValues("download").Add(float64(bytes))
}
