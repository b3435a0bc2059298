// Package metrics exposes the daemon's prometheus/client_golang registry
// (SPEC_FULL.md §6's "Observability HTTP surface"): counters for state
// transitions and respawns, and a gauge for the number of jobs currently
// sitting in each state.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vigilinit/vigild/internal/enum"
)

// Metrics holds the daemon's counters and gauges, all registered against
// their own private registry rather than the global default one so tests
// can construct as many independent instances as they like.
type Metrics struct {
	registry *prometheus.Registry

	Transitions *prometheus.CounterVec
	Respawns    *prometheus.CounterVec
	JobsByState *prometheus.GaugeVec
}

// New builds and registers the daemon's metric families.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigild",
			Name:      "job_transitions_total",
			Help:      "Total number of job state transitions, by job and resulting state.",
		}, []string{"job", "state"}),
		Respawns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigild",
			Name:      "job_respawns_total",
			Help:      "Total number of times a job's main process has been respawned.",
		}, []string{"job"}),
		JobsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vigild",
			Name:      "jobs_in_state",
			Help:      "Number of jobs currently in each state.",
		}, []string{"state"}),
	}

	reg.MustRegister(m.Transitions, m.Respawns, m.JobsByState)
	return m
}

// ObserveTransition records a job reaching a new state.
func (m *Metrics) ObserveTransition(job string, state enum.State) {
	name, _ := enum.StateName(state)
	m.Transitions.WithLabelValues(job, name).Inc()
}

// ObserveRespawn records a job's main process respawning.
func (m *Metrics) ObserveRespawn(job string) {
	m.Respawns.WithLabelValues(job).Inc()
}

// SetStateCounts replaces the jobs-by-state gauge with counts freshly
// computed from a catalog snapshot; the caller recomputes this on every
// status broadcast rather than trying to track it incrementally, since
// deletions and reloads make incremental bookkeeping error-prone.
func (m *Metrics) SetStateCounts(counts map[enum.State]int) {
	for state := enum.Waiting; state < enum.State(enum.NumStates); state++ {
		name, _ := enum.StateName(state)
		m.JobsByState.WithLabelValues(name).Set(float64(counts[state]))
	}
}

// Handler returns the http.Handler to mount at GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
