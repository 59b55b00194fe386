// Package metrics exposes the Sentinel's operational counters over the
// Prometheus text format: workers connected, jobs per state, throughput
// (jobs/sec over a 5 s window), and queue depth. A single process-wide
// registry is built once at startup and scraped over HTTP by an external
// monitoring stack; there is no bundled dashboard or JSON endpoint.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const throughputWindow = 5 * time.Second

// JobState mirrors the job status enum for metric labels without importing
// the domain package (metrics must stay leaf-level to avoid import cycles
// with every package that wants to record against it).
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// Sentinel wraps the Prometheus collectors the Sentinel records against.
type Sentinel struct {
	registry *prometheus.Registry

	workersConnected prometheus.Gauge
	jobsByState      *prometheus.GaugeVec
	jobsCompleted    *prometheus.CounterVec
	queueDepth       prometheus.Gauge
	claimDuration    prometheus.Histogram
	retriesTotal     *prometheus.CounterVec

	throughput *throughputCounter
}

// NewSentinel builds a fresh registry and collector set under namespace
// (e.g. "casparianflow_sentinel").
func NewSentinel(namespace string) *Sentinel {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	s := &Sentinel{
		registry: registry,

		workersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_connected",
			Help:      "Number of worker connections currently registered with the Sentinel.",
		}),

		jobsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_state",
			Help:      "Current number of jobs in each state.",
		}, []string{"state"}),

		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total jobs that reached a terminal state, by final status.",
		}, []string{"status"}),

		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of jobs currently queued and unclaimed.",
		}),

		claimDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "claim_duration_milliseconds",
			Help:      "Time spent inside the BEGIN IMMEDIATE claim transaction.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),

		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_retries_total",
			Help:      "Total job retry attempts scheduled, by reason.",
		}, []string{"reason"}),

		throughput: newThroughputCounter(throughputWindow),
	}

	registry.MustRegister(
		s.workersConnected,
		s.jobsByState,
		s.jobsCompleted,
		s.queueDepth,
		s.claimDuration,
		s.retriesTotal,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "throughput_jobs_per_second",
			Help:      "Jobs finished per second, averaged over a 5 second window.",
		}, s.throughput.rate),
	)

	return s
}

// Handler returns an http.Handler exposing the registry in Prometheus text format.
func (s *Sentinel) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, for tests or additional collectors.
func (s *Sentinel) Registry() *prometheus.Registry {
	return s.registry
}

// SetWorkersConnected records the current worker connection count.
func (s *Sentinel) SetWorkersConnected(n int) {
	s.workersConnected.Set(float64(n))
}

// SetJobsInState sets the gauge for a single state to an absolute count. The
// caller recomputes all states together from a job state query so the set
// stays consistent; see SetJobCounts.
func (s *Sentinel) SetJobsInState(state JobState, count int) {
	s.jobsByState.WithLabelValues(string(state)).Set(float64(count))
}

// SetJobCounts replaces all state gauges atomically from a full count map.
func (s *Sentinel) SetJobCounts(counts map[JobState]int) {
	for _, state := range []JobState{JobStateQueued, JobStateRunning, JobStateCompleted, JobStateFailed, JobStateCancelled} {
		s.jobsByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

// RecordJobFinished increments the terminal counter and feeds the rolling
// throughput window.
func (s *Sentinel) RecordJobFinished(status JobState) {
	s.jobsCompleted.WithLabelValues(string(status)).Inc()
	s.throughput.tick()
}

// SetQueueDepth sets the unclaimed-job queue depth gauge.
func (s *Sentinel) SetQueueDepth(depth int) {
	s.queueDepth.Set(float64(depth))
}

// ObserveClaimDuration records the wall time spent inside a claim transaction.
func (s *Sentinel) ObserveClaimDuration(d time.Duration) {
	s.claimDuration.Observe(float64(d.Milliseconds()))
}

// RecordRetry records a scheduled job retry, labeled by trigger reason
// (guest_crash, transport_error, transient).
func (s *Sentinel) RecordRetry(reason string) {
	s.retriesTotal.WithLabelValues(reason).Inc()
}

// Worker wraps the collectors a worker host exposes: the environment
// cache occupancy gauge and per-job execution durations.
type Worker struct {
	registry *prometheus.Registry

	executeDuration prometheus.Histogram
}

// NewWorker builds the worker-side registry. envsCached is sampled on
// scrape, mirroring how the environment cache is the worker's analogue
// of a warm pool.
func NewWorker(namespace string, envsCached func() int) *Worker {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	w := &Worker{
		registry: registry,
		executeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_execute_duration_seconds",
			Help:      "Wall time spent executing a claimed job end to end.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
	registry.MustRegister(w.executeDuration)
	if envsCached != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "envs_cached",
			Help:      "Content-addressed environments currently retained under env_root.",
		}, func() float64 { return float64(envsCached()) }))
	}
	return w
}

// Handler returns an http.Handler exposing the worker registry.
func (w *Worker) Handler() http.Handler {
	return promhttp.HandlerFor(w.registry, promhttp.HandlerOpts{})
}

// ObserveExecuteDuration records one job execution's wall time.
func (w *Worker) ObserveExecuteDuration(d time.Duration) {
	w.executeDuration.Observe(d.Seconds())
}

// throughputCounter tracks event timestamps inside a sliding window and
// reports an average rate, guarded by a plain mutex.
type throughputCounter struct {
	mu     sync.Mutex
	window time.Duration
	events []time.Time
}

func newThroughputCounter(window time.Duration) *throughputCounter {
	return &throughputCounter{window: window}
}

func (c *throughputCounter) tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, time.Now())
	c.prune(time.Now())
}

func (c *throughputCounter) rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.prune(now)
	if len(c.events) == 0 {
		return 0
	}
	return float64(len(c.events)) / c.window.Seconds()
}

// prune must be called with mu held.
func (c *throughputCounter) prune(now time.Time) {
	cutoff := now.Add(-c.window)
	i := 0
	for ; i < len(c.events); i++ {
		if c.events[i].After(cutoff) {
			break
		}
	}
	c.events = c.events[i:]
}
