package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	pidsSeen = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "proctrack",
			Subsystem: "tracker",
			Name:      "pids_seen_total",
			Help:      "Number of distinct pids added to the seen set.",
		},
	)
	activePids = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "proctrack",
			Subsystem: "tracker",
			Name:      "active_pids",
			Help:      "Pids currently believed alive.",
		},
	)
	watches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proctrack",
			Subsystem: "tracker",
			Name:      "watch_registrations_total",
			Help:      "Watch registrations by result (ok, gone).",
		}, []string{"result"},
	)
	events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proctrack",
			Subsystem: "tracker",
			Name:      "events_total",
			Help:      "Liveness source events by kind.",
		}, []string{"kind"},
	)
	sweeps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "proctrack",
			Subsystem: "tracker",
			Name:      "sweeps_total",
			Help:      "Liveness sweeps run after an empty event batch.",
		},
	)
	pollCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "proctrack",
			Subsystem: "poll",
			Name:      "cycles_total",
			Help:      "Completed polling cycles.",
		},
	)
	enumerations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "proctrack",
			Subsystem: "children",
			Name:      "enumerations_total",
			Help:      "Child listings requested.",
		},
	)
	enumerationRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "proctrack",
			Subsystem: "children",
			Name:      "buffer_growths_total",
			Help:      "Child listings retried with a larger buffer after a possibly truncated result.",
		},
	)
	runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proctrack",
			Subsystem: "supervisor",
			Name:      "runs_total",
			Help:      "Supervised runs by strategy and outcome.",
		}, []string{"strategy", "outcome"},
	)
	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "proctrack",
			Subsystem: "supervisor",
			Name:      "run_duration_seconds",
			Help:      "Wall time from root start until the whole tree exited.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"strategy"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{pidsSeen, activePids, watches, events, sweeps, pollCycles, enumerations, enumerationRetries, runs, runDuration, treeRSS, treeCPU, treeThreads}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics gathered from g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// WriteTextfile writes the metrics gathered from g to path in the text exposition
// format, for node_exporter's textfile collector.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	return prometheus.WriteToTextfile(path, g)
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncPidSeen() {
	if regOK.Load() {
		pidsSeen.Inc()
	}
}

func SetActive(n int) {
	if regOK.Load() {
		activePids.Set(float64(n))
	}
}

func IncWatch(result string) {
	if regOK.Load() {
		watches.WithLabelValues(result).Inc()
	}
}

func IncEvent(kind string) {
	if regOK.Load() {
		events.WithLabelValues(kind).Inc()
	}
}

func IncSweep() {
	if regOK.Load() {
		sweeps.Inc()
	}
}

func IncPollCycle() {
	if regOK.Load() {
		pollCycles.Inc()
	}
}

func IncEnumeration() {
	if regOK.Load() {
		enumerations.Inc()
	}
}

func IncEnumerationRetry() {
	if regOK.Load() {
		enumerationRetries.Inc()
	}
}

func IncRun(strategy, outcome string) {
	if regOK.Load() {
		runs.WithLabelValues(strategy, outcome).Inc()
	}
}

func ObserveRunDuration(strategy string, seconds float64) {
	if regOK.Load() {
		runDuration.WithLabelValues(strategy).Observe(seconds)
	}
}
