package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful operations.
	OutcomeSuccess = "success"
	// OutcomeError labels failed operations.
	OutcomeError = "error"
)

var (
	measurementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intent_engine",
			Name:      "measurements_total",
			Help:      "Measurements ingested, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	batchEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intent_engine",
			Name:      "batch_entries_total",
			Help:      "Batch ingestion entries, partitioned by result.",
		},
		[]string{"result"},
	)

	ingestDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "intent_engine",
			Name:      "ingest_seconds",
			Help:      "Single-measurement ingestion latency in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
	)

	guardrailChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intent_engine",
			Name:      "guardrail_checks_total",
			Help:      "Guardrail monitor passes, partitioned by result.",
		},
		[]string{"result"},
	)

	guardrailViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intent_engine",
			Name:      "guardrail_violations_total",
			Help:      "Guardrail violations, partitioned by configured action.",
		},
		[]string{"action"},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intent_engine",
			Name:      "experiment_transitions_total",
			Help:      "Experiment lifecycle transitions, partitioned by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	notificationAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intent_engine",
			Name:      "notification_attempts_total",
			Help:      "Notification delivery attempts, partitioned by outcome.",
		},
		[]string{"outcome"},
	)
)

// Register attaches the engine collectors to the supplied Prometheus
// registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		measurementsTotal,
		batchEntriesTotal,
		ingestDurationSeconds,
		guardrailChecksTotal,
		guardrailViolationsTotal,
		transitionsTotal,
		notificationAttemptsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveMeasurement records one ingestion outcome.
func ObserveMeasurement(outcome string) {
	if outcome != OutcomeError {
		outcome = OutcomeSuccess
	}
	measurementsTotal.WithLabelValues(outcome).Inc()
}

// ObserveIngestDuration records single-measurement ingestion latency.
func ObserveIngestDuration(duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	ingestDurationSeconds.Observe(duration.Seconds())
}

// ObserveBatch records the per-entry results of one batch call.
func ObserveBatch(recorded, failed int) {
	if recorded > 0 {
		batchEntriesTotal.WithLabelValues("recorded").Add(float64(recorded))
	}
	if failed > 0 {
		batchEntriesTotal.WithLabelValues("failed").Add(float64(failed))
	}
}

// ObserveGuardrailCheck records one monitoring pass and its violations.
func ObserveGuardrailCheck(passed bool, violationActions []string) {
	result := "passed"
	if !passed {
		result = "violated"
	}
	guardrailChecksTotal.WithLabelValues(result).Inc()
	for _, action := range violationActions {
		guardrailViolationsTotal.WithLabelValues(action).Inc()
	}
}

// ObserveTransition records a lifecycle transition attempt.
func ObserveTransition(action, outcome string) {
	if outcome != OutcomeError {
		outcome = OutcomeSuccess
	}
	transitionsTotal.WithLabelValues(action, outcome).Inc()
}

// ObserveNotification records one delivery attempt outcome.
func ObserveNotification(outcome string) {
	if outcome != OutcomeError {
		outcome = OutcomeSuccess
	}
	notificationAttemptsTotal.WithLabelValues(outcome).Inc()
}
