// Package metrics exposes the dispatcher's Prometheus instruments.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "bridge"

// Registry holds every bridge metric. It is served on /metrics.
var Registry = prometheus.NewRegistry()

var (
	intakeCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intake_total",
			Help:      "Count of intake submissions by outcome (accepted, duplicate).",
		},
		[]string{"outcome"},
	)
	dispatchCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_attempts_total",
			Help:      "Count of calls to the generation backend by result (ok, timeout, error).",
		},
		[]string{"result"},
	)
	dispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Latency of calls to the generation backend.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)
	terminalCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminal_events_total",
			Help:      "Count of terminal events by status and the path that produced them.",
		},
		[]string{"status", "source"},
	)
	lateCallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "late_callbacks_total",
			Help:      "Count of callbacks that arrived after their request had terminated.",
		},
	)
	publishErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Count of terminal events the event bus failed to confirm.",
		},
	)
	enrichmentFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrichment_fallbacks_total",
			Help:      "Count of jobs that used template text because enrichment failed.",
		},
	)
)

var registerMetrics sync.Once

// Register all metrics plus any caller-owned collectors (queue gauges).
func Register(customCollectors ...prometheus.Collector) {
	registerMetrics.Do(func() {
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		Registry.MustRegister(intakeCounter)
		Registry.MustRegister(dispatchCounter)
		Registry.MustRegister(dispatchLatency)
		Registry.MustRegister(terminalCounter)
		Registry.MustRegister(lateCallbacks)
		Registry.MustRegister(publishErrors)
		Registry.MustRegister(enrichmentFallbacks)
		for _, c := range customCollectors {
			Registry.MustRegister(c)
		}
	})
}

// Reset clears all metric values. Tests only.
func Reset() {
	intakeCounter.Reset()
	dispatchCounter.Reset()
	terminalCounter.Reset()
}

// NewGauge wraps a sampling function as a gauge collector.
func NewGauge(name, help string, fn func() float64) prometheus.Collector {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

// RecordIntake counts a submission.
func RecordIntake(duplicate bool) {
	outcome := "accepted"
	if duplicate {
		outcome = "duplicate"
	}
	intakeCounter.WithLabelValues(outcome).Inc()
}

// RecordDispatch counts one backend call and observes its latency.
func RecordDispatch(result string, elapsed time.Duration) {
	dispatchCounter.WithLabelValues(result).Inc()
	dispatchLatency.Observe(elapsed.Seconds())
}

// RecordTerminal counts a published terminal event.
func RecordTerminal(status, source string) {
	terminalCounter.WithLabelValues(status, source).Inc()
}

func RecordLateCallback() { lateCallbacks.Inc() }

func RecordPublishError() { publishErrors.Inc() }

func RecordEnrichmentFallback() { enrichmentFallbacks.Inc() }
