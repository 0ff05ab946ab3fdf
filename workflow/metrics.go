package workflow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/ruteri/agent-identity-provisioner/interfaces"
)

// Metrics records workflow progress.
type Metrics struct {
	transitions  *prometheus.CounterVec
	attempts     *prometheus.CounterVec
	retries      *prometheus.CounterVec
	failures     *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	active       prometheus.Gauge
}

// NewMetrics registers the workflow collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "provisioning_transitions_total",
			Help: "Workflow state transitions by target step",
		}, []string{"step"}),
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "provisioning_step_attempts_total",
			Help: "Step attempts, including retries",
		}, []string{"step"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "provisioning_step_retries_total",
			Help: "Retries of retryable step failures",
		}, []string{"step", "kind"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "provisioning_failures_total",
			Help: "Workflows that ended in Failed, by error kind",
		}, []string{"step", "kind"}),
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "provisioning_step_duration_seconds",
			Help:    "Duration of workflow steps including retries",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 180, 300, 600},
		}, []string{"step"}),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Name: "provisioning_workflows_active",
			Help: "Workflows currently executing",
		}),
	}
}

func (m *Metrics) transition(step interfaces.Step) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(step.String()).Inc()
}

func (m *Metrics) attempt(step interfaces.Step) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(step.String()).Inc()
}

func (m *Metrics) retry(step interfaces.Step, kind interfaces.ErrorKind) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(step.String(), string(kind)).Inc()
}

func (m *Metrics) failure(step interfaces.Step, kind interfaces.ErrorKind) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(step.String(), string(kind)).Inc()
}

func (m *Metrics) observeStep(step interfaces.Step, started time.Time) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step.String()).Observe(time.Since(started).Seconds())
}

func (m *Metrics) running(delta float64) {
	if m == nil {
		return
	}
	m.active.Add(delta)
}
