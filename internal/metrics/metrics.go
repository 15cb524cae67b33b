// Package metrics exposes prometheus instrumentation for the download
// lifecycle.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	submissions  prometheus.Counter
	jobsFinished *prometheus.CounterVec
	jobsActive   prometheus.Gauge
	jobDuration  prometheus.Histogram
	fileBytes    prometheus.Histogram
	filesSwept   prometheus.Counter
	recordsSwept prometheus.Counter
}

// New registers the mediagrab metric set on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		submissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediagrab_submissions_total",
			Help: "Accepted download submissions",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediagrab_jobs_finished_total",
			Help: "Finished download workers by terminal status",
		}, []string{"status"}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mediagrab_jobs_active",
			Help: "Download workers currently running",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mediagrab_job_duration_seconds",
			Help:    "Wall time of one download worker",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		fileBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "mediagrab_file_size_bytes",
			Help: "Sizes of completed output files",
			Buckets: []float64{
				1 << 20, 10 << 20, 50 << 20, 100 << 20, 500 << 20, 1 << 30, 4 << 30,
			},
		}),
		filesSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediagrab_swept_files_total",
			Help: "Expired output files removed by the retention sweeper",
		}),
		recordsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediagrab_swept_records_total",
			Help: "Terminal job records evicted by the retention sweeper",
		}),
	}
	reg.MustRegister(
		m.submissions, m.jobsFinished, m.jobsActive,
		m.jobDuration, m.fileBytes, m.filesSwept, m.recordsSwept,
	)
	return m
}

func (m *Metrics) SubmissionAccepted() {
	if m == nil {
		return
	}
	m.submissions.Inc()
}

func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.jobsActive.Inc()
}

func (m *Metrics) WorkerFinished() {
	if m == nil {
		return
	}
	m.jobsActive.Dec()
}

func (m *Metrics) JobFinished(status string, took time.Duration, fileSize int64) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(status).Inc()
	m.jobDuration.Observe(took.Seconds())
	if fileSize > 0 {
		m.fileBytes.Observe(float64(fileSize))
	}
}

func (m *Metrics) SweptFiles(n int) {
	if m == nil {
		return
	}
	m.filesSwept.Add(float64(n))
}

func (m *Metrics) SweptRecords(n int) {
	if m == nil {
		return
	}
	m.recordsSwept.Add(float64(n))
}
