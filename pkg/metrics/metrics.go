package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Job-type label values shared by every per-type metric below.
const (
	TypeBasic = "basic"
	TypeAggr  = "aggregation"
	TypeUdfBg = "background-udf"
	TypeOpsBg = "background-ops"
)

// Terminal-status label values, mirroring the n_scan_<type>_{complete,abort,error} counters.
const (
	StatusComplete = "complete"
	StatusAbort    = "abort"
	StatusError    = "error"
)

var (
	JobsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scan_jobs_active",
			Help: "Number of scan jobs currently admitted, by type",
		},
		[]string{"type"},
	)

	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_jobs_total",
			Help: "Total number of scan jobs that reached a terminal state, by type and status",
		},
		[]string{"type", "status"},
	)

	JobsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_jobs_rejected_total",
			Help: "Total number of scan start requests rejected before admission, by reason",
		},
		[]string{"reason"},
	)

	RecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_records_total",
			Help: "Total number of records observed during scans, by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	NetIOBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_net_io_bytes_total",
			Help: "Total bytes written to client sockets by streaming scan jobs",
		},
		[]string{"type"},
	)

	ThrottleSleepSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scan_throttle_sleep_seconds",
			Help:    "Sleep duration returned by a job's RPS throttle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ChunkSendSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scan_chunk_send_seconds",
			Help:    "Time spent writing one response chunk to a client socket",
			Buckets: prometheus.DefBuckets,
		},
	)

	ActiveSubTransactions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scan_active_subtransactions",
			Help: "In-flight sub-transactions for background scan jobs, by type",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(
		JobsActive,
		JobsTotal,
		JobsRejected,
		RecordsTotal,
		NetIOBytesTotal,
		ThrottleSleepSeconds,
		ChunkSendSeconds,
		ActiveSubTransactions,
	)
}

// Handler returns the Prometheus scrape handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
