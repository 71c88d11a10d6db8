package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pgembed"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	artifactDownloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "artifact",
			Name:      "downloads_total",
			Help:      "Archive downloads by result (ok, failed, checksum_mismatch).",
		}, []string{"result"},
	)
	artifactDownloadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "artifact",
			Name:      "download_bytes_total",
			Help:      "Bytes of archive data downloaded.",
		},
	)
	artifactCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "artifact",
			Name:      "cache_hits_total",
			Help:      "Archive lookups served from the local cache.",
		},
	)
	extractions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "extractions_total",
			Help:      "Archive extractions by result (ok, failed, skipped).",
		}, []string{"result"},
	)
	extractionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "extraction_duration_seconds",
			Help:      "Time spent unpacking an archive.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)
	serverStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "starts_total",
			Help:      "Server start attempts by result.",
		}, []string{"result"},
	)
	serverStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "stops_total",
			Help:      "Server stops by mode (graceful or kill).",
		}, []string{"mode"},
	)
	serverStartupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "startup_duration_seconds",
			Help:      "Time from spawn until the readiness probe succeeded.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between instance states.",
		}, []string{"from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "current_state",
			Help:      "Current state of instances (1 = active state, 0 = inactive).",
		}, []string{"data_dir", "state"},
	)
	migrationsApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migrations",
			Name:      "applied_total",
			Help:      "Migrations applied successfully.",
		},
	)
	migrationsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migrations",
			Name:      "failed_total",
			Help:      "Migration runs that stopped on a failing migration.",
		},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		artifactDownloads, artifactDownloadBytes, artifactCacheHits,
		extractions, extractionDuration,
		serverStarts, serverStops, serverStartupDuration,
		stateTransitions, currentStates,
		migrationsApplied, migrationsFailed,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			// already registered with the default registry is fine
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

func IncDownload(result string) {
	if regOK.Load() {
		artifactDownloads.WithLabelValues(result).Inc()
	}
}

func AddDownloadBytes(n int64) {
	if regOK.Load() && n > 0 {
		artifactDownloadBytes.Add(float64(n))
	}
}

func IncCacheHit() {
	if regOK.Load() {
		artifactCacheHits.Inc()
	}
}

func ObserveExtraction(result string, d time.Duration) {
	if !regOK.Load() {
		return
	}
	extractions.WithLabelValues(result).Inc()
	if result == "ok" {
		extractionDuration.Observe(d.Seconds())
	}
}

func IncStart(result string) {
	if regOK.Load() {
		serverStarts.WithLabelValues(result).Inc()
	}
}

func ObserveStartupDuration(d time.Duration) {
	if regOK.Load() {
		serverStartupDuration.Observe(d.Seconds())
	}
}

func IncStop(mode string) {
	if regOK.Load() {
		serverStops.WithLabelValues(mode).Inc()
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

// SetCurrentState marks state as the active one for dataDir and clears the
// previous state.
func SetCurrentState(dataDir, prev, state string) {
	if !regOK.Load() {
		return
	}
	if prev != "" && prev != state {
		currentStates.WithLabelValues(dataDir, prev).Set(0)
	}
	currentStates.WithLabelValues(dataDir, state).Set(1)
}

func AddMigrationsApplied(n int) {
	if regOK.Load() && n > 0 {
		migrationsApplied.Add(float64(n))
	}
}

func IncMigrationFailed() {
	if regOK.Load() {
		migrationsFailed.Inc()
	}
}
