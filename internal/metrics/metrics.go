package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "warden"

var serverStates = []string{"unknown", "stopped", "running", "crashed"}

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serverState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "state",
			Help:      "Current server state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	serverStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "starts_total",
			Help:      "Number of successful server launches.",
		},
	)
	serverCrashes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "crashes_total",
			Help:      "Number of exits that were not requested by the operator.",
		},
	)
	playersOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "players_online",
			Help:      "Players reported by the last completed player poll.",
		},
	)
	cpuPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "cpu_percent",
			Help:      "CPU usage of the server process normalised to all cores.",
		},
	)
	memoryRSS = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the server process.",
		},
	)
	memoryTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "memory_total_bytes",
			Help:      "Total physical memory of the host.",
		},
	)
	automationActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "actions_total",
			Help:      "Automation actions by kind and result.",
		}, []string{"action", "result"},
	)
	restartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "restart_duration_seconds",
			Help:      "Time from the start of a scheduled restart until the server is launched again.",
			Buckets:   []float64{5, 10, 15, 20, 30, 45, 60, 120},
		},
	)
	backupsPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "pruned_files_total",
			Help:      "Backup files deleted by retention.",
		},
	)
	backupBytesPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "pruned_bytes_total",
			Help:      "Bytes reclaimed by backup retention.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serverState, serverStarts, serverCrashes, playersOnline, cpuPercent, memoryRSS, memoryTotal,
		automationActions, restartDuration, backupsPruned, backupBytesPruned,
	}
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

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

// SetServerState marks state as the only active server state.
func SetServerState(state string) {
	if !regOK.Load() {
		return
	}
	for _, s := range serverStates {
		v := 0.0
		if s == state {
			v = 1
		}
		serverState.WithLabelValues(s).Set(v)
	}
}

func IncServerStart() {
	if regOK.Load() {
		serverStarts.Inc()
	}
}

func IncServerCrash() {
	if regOK.Load() {
		serverCrashes.Inc()
	}
}

func SetPlayers(n int) {
	if regOK.Load() {
		playersOnline.Set(float64(n))
	}
}

func SetResources(s ResourceSample) {
	if !regOK.Load() {
		return
	}
	cpuPercent.Set(s.CPUPercent)
	memoryRSS.Set(float64(s.RSSBytes))
	if s.TotalBytes > 0 {
		memoryTotal.Set(float64(s.TotalBytes))
	}
}

// IncAction counts an automation action such as "save", "backup", "announce"
// or "restart" with result "ok", "error" or "skipped".
func IncAction(action, result string) {
	if regOK.Load() {
		automationActions.WithLabelValues(action, result).Inc()
	}
}

func ObserveRestartDuration(seconds float64) {
	if regOK.Load() {
		restartDuration.Observe(seconds)
	}
}

func AddPruned(files int, bytes int64) {
	if !regOK.Load() || files <= 0 {
		return
	}
	backupsPruned.Add(float64(files))
	if bytes > 0 {
		backupBytesPruned.Add(float64(bytes))
	}
}
