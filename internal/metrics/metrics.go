// Package metrics collects and exposes Prometheus metrics for the job
// supervisor — the same Collector/MustRegister/StartServer shape the
// queue's original metrics used, counting job-lifecycle transitions and
// process outcomes instead of enqueue/dispatch/complete.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects Prometheus metrics for the supervisor's job
// lifecycle.
type Collector struct {
	jobsStarted    prometheus.Counter
	jobsStopped    prometheus.Counter
	jobsRespawned  prometheus.Counter
	jobsFailed     prometheus.Counter
	respawnLimited prometheus.Counter

	spawnLatency prometheus.Histogram
	killLatency  prometheus.Histogram

	jobsRunning  prometheus.Gauge
	jobsAtRest   prometheus.Gauge
	jobsTotal    prometheus.Gauge
	stalledTotal prometheus.Counter
}

// NewCollector creates a new metrics collector and registers it with
// the default Prometheus registry.
func NewCollector() *Collector {
	c := &Collector{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "initd_jobs_started_total",
			Help: "Total number of times a job entered STARTING",
		}),
		jobsStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "initd_jobs_stopped_total",
			Help: "Total number of times a job reached WAITING",
		}),
		jobsRespawned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "initd_jobs_respawned_total",
			Help: "Total number of times a job entered RESPAWNING",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "initd_jobs_failed_total",
			Help: "Total number of job failures recorded by the Reaper",
		}),
		respawnLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "initd_respawn_rate_limited_total",
			Help: "Total number of times the respawn-rate limiter forced a job to stop",
		}),
		spawnLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "initd_spawn_latency_seconds",
			Help:    "Time spent inside Spawn before a child process starts",
			Buckets: prometheus.DefBuckets,
		}),
		killLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "initd_kill_to_reap_seconds",
			Help:    "Time between Kill() and the Reaper observing the process's death",
			Buckets: prometheus.DefBuckets,
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "initd_jobs_running",
			Help: "Current number of jobs in RUNNING",
		}),
		jobsAtRest: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "initd_jobs_at_rest",
			Help: "Current number of jobs with goal=STOP and state=WAITING",
		}),
		jobsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "initd_jobs_total",
			Help: "Current number of jobs tracked in the JobTable",
		}),
		stalledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "initd_stalled_total",
			Help: "Total number of times the `stalled` event was emitted",
		}),
	}

	prometheus.MustRegister(
		c.jobsStarted,
		c.jobsStopped,
		c.jobsRespawned,
		c.jobsFailed,
		c.respawnLimited,
		c.spawnLatency,
		c.killLatency,
		c.jobsRunning,
		c.jobsAtRest,
		c.jobsTotal,
		c.stalledTotal,
	)

	return c
}

func (c *Collector) RecordStarted()        { c.jobsStarted.Inc() }
func (c *Collector) RecordStopped()        { c.jobsStopped.Inc() }
func (c *Collector) RecordRespawned()      { c.jobsRespawned.Inc() }
func (c *Collector) RecordFailed()         { c.jobsFailed.Inc() }
func (c *Collector) RecordRespawnLimited() { c.respawnLimited.Inc() }
func (c *Collector) RecordStalled()        { c.stalledTotal.Inc() }

func (c *Collector) ObserveSpawnLatency(seconds float64) { c.spawnLatency.Observe(seconds) }
func (c *Collector) ObserveKillLatency(seconds float64)  { c.killLatency.Observe(seconds) }

// UpdateJobStats sets the instantaneous gauges; call once per main-loop
// iteration with a fresh count over the JobTable.
func (c *Collector) UpdateJobStats(running, atRest, total int) {
	c.jobsRunning.Set(float64(running))
	c.jobsAtRest.Set(float64(atRest))
	c.jobsTotal.Set(float64(total))
}

// StartServer starts the Prometheus metrics HTTP server on addr (e.g.
// ":9100"). Blocks; run it in its own goroutine.
func StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
