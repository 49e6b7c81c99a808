// Package metrics exposes migration run counters for Prometheus.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fdsmigrate"

// Step outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Metrics holds the collectors of one process. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	runs         *prometheus.CounterVec
	steps        *prometheus.CounterVec
	deployments  *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	lastRun      *prometheus.GaugeVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Migration runs by terminal state.",
			},
			[]string{"network", "state"},
		),
		steps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Migration steps by outcome.",
			},
			[]string{"network", "step", "outcome"},
		),
		deployments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_total",
				Help:      "Artifact deployments recorded, by whether an existing address was reused.",
			},
			[]string{"network", "artifact", "reused"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "step",
				Name:      "duration_seconds",
				Help:      "Wall time of executed migration steps.",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"network", "step", "outcome"},
		),
		lastRun: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the last run on a network finished.",
			},
			[]string{"network", "state"},
		),
	}
	m.registry.MustRegister(m.runs, m.steps, m.deployments, m.stepDuration, m.lastRun)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RunFinished records a run reaching a terminal state.
func (m *Metrics) RunFinished(network, state string, at time.Time) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(network, state).Inc()
	m.lastRun.WithLabelValues(network, state).Set(float64(at.Unix()))
}

// StepFinished records one step. Skipped steps carry no duration.
func (m *Metrics) StepFinished(network, stepID, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(network, stepID, outcome).Inc()
	if outcome != OutcomeSkipped {
		m.stepDuration.WithLabelValues(network, stepID, outcome).Observe(d.Seconds())
	}
}

// DeploymentRecorded records an artifact address written to the registry.
func (m *Metrics) DeploymentRecorded(network, artifact string, reused bool) {
	if m == nil {
		return
	}
	m.deployments.WithLabelValues(network, artifact, fmt.Sprint(reused)).Inc()
}

// WriteTextfile writes the collectors in the node exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
