package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs and POS ingestion.
type Metrics struct {
	runs          *prometheus.CounterVec
	failures      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	pages         prometheus.Counter
	receipts      *prometheus.CounterVec
	truncations   prometheus.Counter
	discrepancies *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddPage counts one fetched POS page.
func (m *Metrics) AddPage() {
	if m == nil {
		return
	}
	m.pages.Inc()
}

// AddReceipts counts receipts by outcome: valid, excluded or skipped.
func (m *Metrics) AddReceipts(outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.receipts.WithLabelValues(outcome).Add(float64(count))
}

// MarkTruncated records a fetch that stopped at the page cap.
func (m *Metrics) MarkTruncated() {
	if m == nil {
		return
	}
	m.truncations.Inc()
}

// AddDiscrepancies counts out-of-bounds discrepancy records per axis.
func (m *Metrics) AddDiscrepancies(axis string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.discrepancies.WithLabelValues(axis).Add(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "backoffice_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "backoffice_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backoffice_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	pages := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backoffice_pos_pages_total",
		Help: "POS receipt pages fetched.",
	})
	receipts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "backoffice_pos_receipts_total",
		Help: "POS receipts processed grouped by outcome.",
	}, []string{"outcome"})
	truncations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backoffice_pos_page_cap_hits_total",
		Help: "Receipt fetches stopped by the page cap.",
	})
	discrepancies := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "backoffice_discrepancies_flagged_total",
		Help: "Out-of-bounds discrepancy records grouped by axis.",
	}, []string{"axis"})
	registerer.MustRegister(runs, failures, duration, pages, receipts, truncations, discrepancies)
	return &Metrics{
		runs:          runs,
		failures:      failures,
		duration:      duration,
		pages:         pages,
		receipts:      receipts,
		truncations:   truncations,
		discrepancies: discrepancies,
	}
}
