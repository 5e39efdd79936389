// Package metrics provides Prometheus metrics for monitoring the service.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total API requests by command and status.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drawbridge_requests_total",
			Help: "Total number of API requests processed",
		},
		[]string{"command", "status"},
	)

	// RequestDuration tracks API request duration by command.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drawbridge_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 13), // 0.1s to ~800s
		},
		[]string{"command"},
	)

	// NavigationsTotal counts navigations by terminal outcome.
	NavigationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drawbridge_navigations_total",
			Help: "Total navigations by terminal outcome",
		},
		[]string{"outcome"},
	)

	// ChallengesDetected counts challenge detections by kind.
	ChallengesDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drawbridge_challenges_detected_total",
			Help: "Total challenges detected by kind",
		},
		[]string{"kind"},
	)

	// ChallengesSolved counts cleared challenges by kind and method.
	ChallengesSolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drawbridge_challenges_solved_total",
			Help: "Total challenges cleared by kind and method",
		},
		[]string{"kind", "method"},
	)

	// ChallengesFailed counts failed challenge attempts by reason.
	ChallengesFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drawbridge_challenges_failed_total",
			Help: "Total challenges failed by reason",
		},
		[]string{"reason"},
	)

	// BridgeConnections counts bridge connections by method family.
	BridgeConnections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drawbridge_bridge_connections_total",
			Help: "Total proxy bridge connections by kind",
		},
		[]string{"kind"},
	)

	// BridgeErrors counts bridge connection failures by reason.
	BridgeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drawbridge_bridge_errors_total",
			Help: "Total proxy bridge connection failures by reason",
		},
		[]string{"reason"},
	)

	// BridgeActiveConns shows connections currently being spliced.
	BridgeActiveConns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drawbridge_bridge_active_connections",
			Help: "Bridge connections currently open",
		},
	)

	// SolverRequests counts external solver calls by command and outcome.
	SolverRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drawbridge_solver_requests_total",
			Help: "Total external solver calls by command and outcome",
		},
		[]string{"command", "outcome"},
	)

	// PersistedCookies shows the cookie count in the session store.
	PersistedCookies = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drawbridge_persisted_cookies",
			Help: "Cookies currently held in the persisted session data",
		},
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drawbridge_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// MemorySysBytes shows system memory obtained.
	MemorySysBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drawbridge_memory_sys_bytes",
			Help: "Total memory obtained from system",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drawbridge_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drawbridge_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		NavigationsTotal,
		ChallengesDetected,
		ChallengesSolved,
		ChallengesFailed,
		BridgeConnections,
		BridgeErrors,
		BridgeActiveConns,
		SolverRequests,
		PersistedCookies,
		MemoryUsageBytes,
		MemorySysBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// StartMemoryCollector starts a goroutine that periodically updates memory metrics.
func StartMemoryCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			updateMemoryMetrics()
		case <-stopCh:
			return
		}
	}
}

func updateMemoryMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsageBytes.Set(float64(m.Alloc))
	MemorySysBytes.Set(float64(m.Sys))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// RecordRequest records metrics for a completed API request.
func RecordRequest(command, status string, duration time.Duration) {
	RequestsTotal.WithLabelValues(command, status).Inc()
	RequestDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// RecordNavigation records a navigation reaching a terminal state.
func RecordNavigation(outcome string) {
	NavigationsTotal.WithLabelValues(outcome).Inc()
}

// RecordChallengeDetected records a challenge classification.
func RecordChallengeDetected(kind string) {
	ChallengesDetected.WithLabelValues(kind).Inc()
}

// RecordChallengeSolved records a cleared challenge.
func RecordChallengeSolved(kind, method string) {
	ChallengesSolved.WithLabelValues(kind, method).Inc()
}

// RecordChallengeFailed records a failed challenge attempt.
func RecordChallengeFailed(reason string) {
	ChallengesFailed.WithLabelValues(reason).Inc()
}

// RecordBridgeConnection records an accepted bridge connection.
func RecordBridgeConnection(kind string) {
	BridgeConnections.WithLabelValues(kind).Inc()
}

// RecordBridgeError records a failed bridge connection.
func RecordBridgeError(reason string) {
	BridgeErrors.WithLabelValues(reason).Inc()
}

// RecordSolverCall records an external solver call.
func RecordSolverCall(command, outcome string) {
	SolverRequests.WithLabelValues(command, outcome).Inc()
}
