package rotation

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce     sync.Once
	metricsInstance *StepMetrics
)

// StepMetrics records per-step outcomes. A nil StepMetrics records nothing,
// so library consumers that never opt in pay nothing.
type StepMetrics struct {
	stepTotal    *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
}

// InitMetrics registers the Prometheus collectors and returns the collector
// to pass to WithMetrics. Safe to call more than once; registration happens
// on the first call.
func InitMetrics() *StepMetrics {
	metricsOnce.Do(func() {
		metricsInstance = &StepMetrics{
			stepTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "smtprotate_rotation_step_total",
					Help: "Total number of rotation step invocations by outcome",
				},
				[]string{"step", "outcome"},
			),
			stepDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "smtprotate_rotation_step_duration_seconds",
					Help:    "Duration of rotation step invocations in seconds",
					Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 120},
				},
				[]string{"step"},
			),
		}
	})
	return metricsInstance
}

// Record counts one step invocation.
func (m *StepMetrics) Record(step Step, outcome Outcome, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stepTotal.WithLabelValues(string(step), string(outcome)).Inc()
	m.stepDuration.WithLabelValues(string(step)).Observe(elapsed.Seconds())
}
