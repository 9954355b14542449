package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/Bidon15/safedeploy/internal/deploy"
)

// PushJob is the Pushgateway job name of deployment runs.
const PushJob = "safedeploy"

// Metrics collects the metrics of deployment runs in its own registry.
type Metrics struct {
	registry *prometheus.Registry

	ContractDeployments *prometheus.CounterVec
	StepDuration        *prometheus.HistogramVec
	LastRunTimestamp    prometheus.Gauge
}

// NewMetrics creates the run metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ContractDeployments: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safedeploy_contract_deployments_total",
				Help: "Total number of contract deployments by result",
			},
			[]string{"contract", "result"},
		),
		StepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "safedeploy_step_duration_seconds",
				Help:    "Time taken by a deployment step",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"step"},
		),
		LastRunTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Name: "safedeploy_last_run_timestamp_seconds",
			Help: "Unix time the last deployment run finished",
		}),
	}
}

// Registry returns the registry holding the run metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveResult counts one deployment outcome.
func (m *Metrics) ObserveResult(contract string, result deploy.Result) {
	m.ContractDeployments.WithLabelValues(contract, string(result)).Inc()
}

// ObserveStep records how long a step took.
func (m *Metrics) ObserveStep(step string, d time.Duration) {
	m.StepDuration.WithLabelValues(step).Observe(d.Seconds())
}

// Push sends the run metrics to a Pushgateway, grouped by network.
func (m *Metrics) Push(ctx context.Context, url, network string) error {
	m.LastRunTimestamp.SetToCurrentTime()
	err := push.New(url, PushJob).
		Gatherer(m.registry).
		Grouping("network", network).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
