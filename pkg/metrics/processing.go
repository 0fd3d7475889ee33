package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ProcessingMetrics tracks photo pipeline outcomes and phase latency.
type ProcessingMetrics struct {
	outcomes *prometheus.CounterVec
	phases   *prometheus.HistogramVec
	failures *prometheus.CounterVec
	dedupe   prometheus.Counter
}

// NewProcessingMetrics registers the pipeline metrics on the provided registerer.
func NewProcessingMetrics(reg prometheus.Registerer) *ProcessingMetrics {
	if reg == nil {
		return &ProcessingMetrics{}
	}
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "processing",
		Name:      "outcomes_total",
		Help:      "Processing invocations by outcome.",
	}, []string{"outcome"})
	phases := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "processing",
		Name:      "phase_duration_seconds",
		Help:      "Duration of each pipeline phase in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"phase", "ok"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "processing",
		Name:      "failures_total",
		Help:      "Pipeline failures by reason.",
	}, []string{"reason"})
	dedupe := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "processing",
		Name:      "dedupe_hits_total",
		Help:      "Deliveries skipped because they were already resolved.",
	})
	reg.MustRegister(outcomes, phases, failures, dedupe)
	return &ProcessingMetrics{
		outcomes: outcomes,
		phases:   phases,
		failures: failures,
		dedupe:   dedupe,
	}
}

func (m *ProcessingMetrics) IncOutcome(outcome string) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *ProcessingMetrics) ObservePhase(phase string, ok bool, d time.Duration) {
	if m == nil || m.phases == nil {
		return
	}
	okLabel := "false"
	if ok {
		okLabel = "true"
	}
	m.phases.WithLabelValues(normalizeLabel(phase), okLabel).Observe(d.Seconds())
}

func (m *ProcessingMetrics) IncFailure(reason string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.WithLabelValues(normalizeLabel(reason)).Inc()
}

func (m *ProcessingMetrics) IncDedupeHit() {
	if m == nil || m.dedupe == nil {
		return
	}
	m.dedupe.Inc()
}
