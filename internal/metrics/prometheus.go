// Package metrics exposes orchestrator and pool counters through a
// process-wide Prometheus registry, served by the daemon's metrics
// endpoint.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors groups every hal metric.
type Collectors struct {
	registry *prometheus.Registry

	TasksStarted   prometheus.Counter
	TasksCompleted prometheus.Counter
	TasksFailed    prometheus.Counter

	VMsProvisioned    *prometheus.CounterVec
	VMsDestroyed      *prometheus.CounterVec
	VMsReaped         *prometheus.CounterVec
	ProvisionRetries  prometheus.Counter
	WarmHits          prometheus.Counter
	ColdProvisions    prometheus.Counter
	OrphansReleased   prometheus.Counter
	ReconcilePasses   prometheus.Counter

	PoolVMs prometheus.GaugeVec

	ProvisionDuration prometheus.Histogram
	TaskDuration      prometheus.Histogram
	PollRoundTrip     prometheus.Histogram
}

var (
	global *Collectors
	once   sync.Once
)

// Default returns the process-wide collectors, creating them on first use.
func Default() *Collectors {
	once.Do(func() {
		global = newCollectors()
	})
	return global
}

func newCollectors() *Collectors {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collectors{registry: reg}

	c.TasksStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hal", Name: "tasks_started_total",
		Help: "Tasks submitted to the orchestrator.",
	})
	c.TasksCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hal", Name: "tasks_completed_total",
		Help: "Tasks that finished with exit code 0.",
	})
	c.TasksFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hal", Name: "tasks_failed_total",
		Help: "Tasks that finished in failure.",
	})
	c.VMsProvisioned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hal", Name: "vms_provisioned_total",
		Help: "VMs successfully provisioned, by slot.",
	}, []string{"slot"})
	c.VMsDestroyed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hal", Name: "vms_destroyed_total",
		Help: "VMs destroyed, by slot.",
	}, []string{"slot"})
	c.VMsReaped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hal", Name: "vms_reaped_total",
		Help: "VMs reclaimed by a reaper, by reason (idle, stale_provisioning, error).",
	}, []string{"reason"})
	c.ProvisionRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hal", Name: "provision_retries_total",
		Help: "Provisioning attempts that failed and were retried.",
	})
	c.WarmHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hal", Name: "acquire_warm_hits_total",
		Help: "Acquisitions served from the warm pool.",
	})
	c.ColdProvisions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hal", Name: "acquire_cold_provisions_total",
		Help: "Acquisitions that had to provision a fresh VM.",
	})
	c.OrphansReleased = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hal", Name: "orphans_released_total",
		Help: "Orphaned VMs returned to the pool or destroyed.",
	})
	c.ReconcilePasses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hal", Name: "reconcile_passes_total",
		Help: "Completed reconcile passes.",
	})
	c.PoolVMs = *prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hal", Name: "pool_vms",
		Help: "Current VM count by slot and status.",
	}, []string{"slot", "status"})
	c.ProvisionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hal", Name: "provision_duration_seconds",
		Help:    "Time from create call to ready.",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
	})
	c.TaskDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hal", Name: "task_duration_seconds",
		Help:    "Wall-clock time from task start to terminal state.",
		Buckets: []float64{10, 30, 60, 120, 300, 600, 1200},
	})
	c.PollRoundTrip = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hal", Name: "poll_round_trip_seconds",
		Help:    "Duration of one poll probe over SSH.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 15},
	})

	reg.MustRegister(
		c.TasksStarted, c.TasksCompleted, c.TasksFailed,
		c.VMsProvisioned, c.VMsDestroyed, c.VMsReaped,
		c.ProvisionRetries, c.WarmHits, c.ColdProvisions,
		c.OrphansReleased, c.ReconcilePasses, c.PoolVMs,
		c.ProvisionDuration, c.TaskDuration, c.PollRoundTrip,
	)
	return c
}

// Handler returns the scrape endpoint handler.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveDuration records a duration into a histogram in seconds.
func ObserveDuration(h prometheus.Histogram, since time.Time) {
	h.Observe(time.Since(since).Seconds())
}
