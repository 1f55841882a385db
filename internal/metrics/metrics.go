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

	workerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botkeeper",
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of successful worker starts.",
		}, []string{"worker"},
	)
	workerStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botkeeper",
			Subsystem: "worker",
			Name:      "stops_total",
			Help:      "Number of explicit stops, labelled by how the worker ended.",
		}, []string{"worker", "outcome"},
	)
	workerCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botkeeper",
			Subsystem: "worker",
			Name:      "crashes_total",
			Help:      "Number of workers that exited without a stop request.",
		}, []string{"worker"},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botkeeper",
			Subsystem: "worker",
			Name:      "spawn_failures_total",
			Help:      "Number of failed spawn attempts.",
		}, []string{"worker"},
	)
	logLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botkeeper",
			Subsystem: "worker",
			Name:      "log_lines_total",
			Help:      "Output lines captured from workers.",
		}, []string{"worker"},
	)
	runningWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "botkeeper",
			Subsystem: "worker",
			Name:      "running",
			Help:      "Workers currently registered as running.",
		},
	)
	logRotations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "botkeeper",
			Subsystem: "logs",
			Name:      "rotations_total",
			Help:      "Number of daily log wipes performed.",
		},
	)
	workerCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "botkeeper",
			Subsystem: "worker",
			Name:      "cpu_percent",
			Help:      "Last sampled CPU usage of the worker process.",
		}, []string{"worker"},
	)
	workerMemory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "botkeeper",
			Subsystem: "worker",
			Name:      "memory_rss_bytes",
			Help:      "Last sampled resident memory of the worker process.",
		}, []string{"worker"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{workerStarts, workerStops, workerCrashes, spawnFailures, logLines, runningWorkers, logRotations, workerCPU, workerMemory}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
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

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// The helpers below no-op until Register has been called.

func IncStart(worker string) {
	if regOK.Load() {
		workerStarts.WithLabelValues(worker).Inc()
	}
}

func IncStop(worker, outcome string) {
	if regOK.Load() {
		workerStops.WithLabelValues(worker, outcome).Inc()
	}
}

func IncCrash(worker string) {
	if regOK.Load() {
		workerCrashes.WithLabelValues(worker).Inc()
	}
}

func IncSpawnFailure(worker string) {
	if regOK.Load() {
		spawnFailures.WithLabelValues(worker).Inc()
	}
}

func IncLogLine(worker string) {
	if regOK.Load() {
		logLines.WithLabelValues(worker).Inc()
	}
}

func SetRunning(n int) {
	if regOK.Load() {
		runningWorkers.Set(float64(n))
	}
}

func IncLogRotation() {
	if regOK.Load() {
		logRotations.Inc()
	}
}

// ForgetWorker drops every labelled series for a deleted worker.
func ForgetWorker(worker string) {
	if !regOK.Load() {
		return
	}
	l := prometheus.Labels{"worker": worker}
	workerStarts.DeletePartialMatch(l)
	workerStops.DeletePartialMatch(l)
	workerCrashes.DeletePartialMatch(l)
	spawnFailures.DeletePartialMatch(l)
	logLines.DeletePartialMatch(l)
	workerCPU.DeletePartialMatch(l)
	workerMemory.DeletePartialMatch(l)
}
