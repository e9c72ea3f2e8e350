// Package metrics records rotation step outcomes with Prometheus.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"

	rotation "credential-rotator/db-rotation"
)

// DefaultJob is the Pushgateway job name used when none is configured.
const DefaultJob = "credential-rotator"

// Metrics implements rotation.Recorder on its own registry. Rotation functions are
// short lived, so the registry is pushed rather than scraped.
type Metrics struct {
	registry     *prometheus.Registry
	steps        *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	lastRotation prometheus.Gauge
	now          func() time.Time
}

// creates a new Metrics with its collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		steps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credential_rotator_steps_total",
			Help: "Total number of rotation steps handled, by step and outcome",
		}, []string{"step", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "credential_rotator_step_duration_seconds",
			Help:    "Duration of rotation steps in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"step"}),
		lastRotation: factory.NewGauge(prometheus.GaugeOpts{
			Name: "credential_rotator_last_rotation_timestamp_seconds",
			Help: "Unix time of the last successful finishSecret",
		}),
		now: time.Now,
	}
}

// ObserveStep records one handled step.
func (m *Metrics) ObserveStep(step rotation.Step, outcome string, duration time.Duration) {
	m.steps.WithLabelValues(step.String(), outcome).Inc()
	m.duration.WithLabelValues(step.String()).Observe(duration.Seconds())
	if step == rotation.StepFinish && outcome == rotation.OutcomeSuccess {
		m.lastRotation.Set(float64(m.now().Unix()))
	}
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Push sends the collected metrics to a Pushgateway at url, replacing the metrics
// of job. An empty url is a no-op.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if url == "" {
		return nil
	}
	if job == "" {
		job = DefaultJob
	}
	if err := push.New(url, job).Gatherer(m.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}
