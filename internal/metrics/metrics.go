package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "beeswarm"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	starts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "devserver",
			Name:      "starts_total",
			Help:      "Number of dev servers that reached Running.",
		}, []string{"project"},
	)
	startFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "devserver",
			Name:      "start_failures_total",
			Help:      "Failed start calls by reason.",
		}, []string{"project", "reason"},
	)
	crashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "devserver",
			Name:      "crashes_total",
			Help:      "Unexpected dev server exits.",
		}, []string{"project"},
	)
	crashLoopCutoffs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "devserver",
			Name:      "crash_loop_cutoffs_total",
			Help:      "Projects torn down after reaching the crash limit.",
		}, []string{"project"},
	)
	portConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "devserver",
			Name:      "port_conflicts_total",
			Help:      "Start attempts retried because the port was already in use.",
		}, []string{"project"},
	)
	readinessSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "devserver",
			Name:      "readiness_seconds",
			Help:      "Time from spawn until the dev server answered HTTP.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}, []string{"project"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "devserver",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between different dev server states.",
		}, []string{"project", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "devserver",
			Name:      "current_state",
			Help:      "Current state of dev servers (1 = active state, 0 = inactive).",
		}, []string{"project", "state"},
	)
	healthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "check_failures_total",
			Help:      "Health ticks with at least one failing check.",
		}, []string{"project"},
	)
	allocatedPorts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ports",
			Name:      "allocated",
			Help:      "Live port pair assignments.",
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
		starts, startFailures, crashes, crashLoopCutoffs, portConflicts,
		readinessSeconds, stateTransitions, currentStates, healthFailures, allocatedPorts,
	}
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

// Handler serves the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves a specific gatherer, for daemons using their own registry.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// The helpers below no-op until Register has been called.

func IncStart(project string) {
	if regOK.Load() {
		starts.WithLabelValues(project).Inc()
	}
}

func IncStartFailure(project, reason string) {
	if regOK.Load() {
		startFailures.WithLabelValues(project, reason).Inc()
	}
}

func IncCrash(project string) {
	if regOK.Load() {
		crashes.WithLabelValues(project).Inc()
	}
}

func IncCrashLoopCutoff(project string) {
	if regOK.Load() {
		crashLoopCutoffs.WithLabelValues(project).Inc()
	}
}

func IncPortConflict(project string) {
	if regOK.Load() {
		portConflicts.WithLabelValues(project).Inc()
	}
}

func ObserveReadiness(project string, seconds float64) {
	if regOK.Load() {
		readinessSeconds.WithLabelValues(project).Observe(seconds)
	}
}

func IncHealthFailure(project string) {
	if regOK.Load() {
		healthFailures.WithLabelValues(project).Inc()
	}
}

func SetAllocatedPorts(n int) {
	if regOK.Load() {
		allocatedPorts.Set(float64(n))
	}
}

// RecordStateTransition counts the transition and moves the current-state
// gauge from one state to the other.
func RecordStateTransition(project, from, to string) {
	if !regOK.Load() {
		return
	}
	stateTransitions.WithLabelValues(project, from, to).Inc()
	if from != "" {
		currentStates.WithLabelValues(project, from).Set(0)
	}
	currentStates.WithLabelValues(project, to).Set(1)
}

// ForgetProject drops the per-project state series once a project record is gone.
func ForgetProject(project string) {
	if regOK.Load() {
		currentStates.DeletePartialMatch(prometheus.Labels{"project": project})
	}
}
