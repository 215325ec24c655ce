package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the service's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	calls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tetra3d",
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Total number of Tetra3 calls by method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tetra3d",
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "Time from dispatch to reply for Tetra3 calls.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"method"},
	)

	solveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tetra3d",
			Subsystem: "solver",
			Name:      "solve_duration_seconds",
			Help:      "Wall-clock time spent inside the engine per solve.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
	)

	gateWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tetra3d",
			Subsystem: "solver",
			Name:      "gate_wait_seconds",
			Help:      "Time solves spent queued for the engine.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
	)

	busyWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tetra3d",
			Subsystem: "pipeline",
			Name:      "busy_workers",
			Help:      "Workers currently handling a call.",
		},
	)

	databaseChanges = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tetra3d",
			Subsystem: "engine",
			Name:      "database_changes_total",
			Help:      "Changes seen to the reference database file since it was loaded.",
		},
	)
)

func init() {
	Registry.MustRegister(
		calls,
		callDuration,
		solveDuration,
		gateWait,
		busyWorkers,
		databaseChanges,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler exposes the registry for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordCall counts a finished call. outcome is the failure class, or "ok".
func RecordCall(method, outcome string, duration time.Duration) {
	if outcome == "" {
		outcome = "ok"
	}
	calls.WithLabelValues(method, outcome).Inc()
	callDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordSolve observes the engine time and queueing of one solve.
func RecordSolve(elapsed, waited time.Duration, started bool) {
	if started {
		solveDuration.Observe(elapsed.Seconds())
	}
	gateWait.Observe(waited.Seconds())
}

func WorkerBusy() { busyWorkers.Inc() }
func WorkerIdle() { busyWorkers.Dec() }

// DatabaseChanged counts a modification of the loaded reference database.
func DatabaseChanged() { databaseChanges.Inc() }
