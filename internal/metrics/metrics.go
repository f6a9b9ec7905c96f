// Package metrics exposes Prometheus instruments for stages, queues and the
// recovery sweep.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"poflow/internal/jobqueue"
	"poflow/internal/pipeline"
	"poflow/internal/workflow"
)

var (
	stageDurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
)

// Metrics holds the poflow instruments.
type Metrics struct {
	StageExecutionsTotal *prometheus.CounterVec
	StageDuration        *prometheus.HistogramVec
	StageRetriesTotal    *prometheus.CounterVec

	WorkflowsFinishedTotal *prometheus.CounterVec

	JobsFinishedTotal *prometheus.CounterVec
	JobDuration       *prometheus.HistogramVec
	QueueJobs         *prometheus.GaugeVec
	QueuePaused       *prometheus.GaugeVec

	SweepActionsTotal *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StageExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poflow_stage_executions_total",
			Help: "Stage executions by outcome.",
		}, []string{"stage", "outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "poflow_stage_duration_seconds",
			Help:    "Stage execution duration in seconds.",
			Buckets: stageDurationBuckets,
		}, []string{"stage"}),
		StageRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poflow_stage_retries_total",
			Help: "Stage attempts that were rescheduled.",
		}, []string{"stage"}),
		WorkflowsFinishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poflow_workflows_finished_total",
			Help: "Workflows that reached a terminal status.",
		}, []string{"status"}),
		JobsFinishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poflow_jobs_finished_total",
			Help: "Queue jobs by outcome.",
		}, []string{"queue", "outcome"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "poflow_job_duration_seconds",
			Help:    "Time a worker spent on one job.",
			Buckets: stageDurationBuckets,
		}, []string{"queue"}),
		QueueJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "poflow_queue_jobs",
			Help: "Jobs per queue and state.",
		}, []string{"queue", "state"}),
		QueuePaused: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "poflow_queue_paused",
			Help: "1 when the queue is paused.",
		}, []string{"queue"}),
		SweepActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poflow_recovery_actions_total",
			Help: "Recovery sweep actions.",
		}, []string{"action"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poflow_http_requests_total",
			Help: "API requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "poflow_http_request_duration_seconds",
			Help:    "API request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
	}

	reg.MustRegister(
		m.StageExecutionsTotal,
		m.StageDuration,
		m.StageRetriesTotal,
		m.WorkflowsFinishedTotal,
		m.JobsFinishedTotal,
		m.JobDuration,
		m.QueueJobs,
		m.QueuePaused,
		m.SweepActionsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)
	return m
}

// StageFinished implements pipeline.Observer.
func (m *Metrics) StageFinished(stage, outcome string, elapsed time.Duration) {
	m.StageExecutionsTotal.WithLabelValues(stage, outcome).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
	if outcome == pipeline.OutcomeRetried {
		m.StageRetriesTotal.WithLabelValues(stage).Inc()
	}
}

// WorkflowFinished implements pipeline.Observer.
func (m *Metrics) WorkflowFinished(status workflow.Status) {
	m.WorkflowsFinishedTotal.WithLabelValues(string(status)).Inc()
}

// JobFinished implements jobqueue.Observer.
func (m *Metrics) JobFinished(queue, outcome string, elapsed time.Duration) {
	m.JobsFinishedTotal.WithLabelValues(queue, outcome).Inc()
	m.JobDuration.WithLabelValues(queue).Observe(elapsed.Seconds())
}

// SweepAction implements recovery.Observer.
func (m *Metrics) SweepAction(action string) {
	m.SweepActionsTotal.WithLabelValues(action).Inc()
}

// SetQueueCounts refreshes the queue depth gauges.
func (m *Metrics) SetQueueCounts(counts []jobqueue.Counts) {
	for _, c := range counts {
		m.QueueJobs.WithLabelValues(c.Queue, "waiting").Set(float64(c.Waiting))
		m.QueueJobs.WithLabelValues(c.Queue, "active").Set(float64(c.Active))
		m.QueueJobs.WithLabelValues(c.Queue, "delayed").Set(float64(c.Delayed))
		m.QueueJobs.WithLabelValues(c.Queue, "completed").Set(float64(c.Completed))
		m.QueueJobs.WithLabelValues(c.Queue, "failed").Set(float64(c.Failed))
		paused := 0.0
		if c.Paused {
			paused = 1
		}
		m.QueuePaused.WithLabelValues(c.Queue).Set(paused)
	}
}

// Middleware records request metrics keyed by chi's route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		pattern := routePattern(r)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(sw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the registry gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.TrimSuffix(strings.Join(rctx.RoutePatterns, ""), "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}
