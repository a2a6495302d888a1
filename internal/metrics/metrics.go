package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Orchestration stage counters and histograms.

var (
	// Batch orchestrator
	BatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "batch",
		Name:      "batches_total",
		Help:      "Total batch submissions processed",
	})

	BatchItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "batch",
		Name:      "items_total",
		Help:      "Total batch items by outcome",
	}, []string{"outcome"}) // succeeded | failed | not_attempted

	BatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "orchestrator",
		Subsystem: "batch",
		Name:      "duration_seconds",
		Help:      "Batch processing duration",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	BatchStopShortCircuits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "batch",
		Name:      "stop_short_circuits_total",
		Help:      "Batches halted early by stop-on-first-failure",
	})

	// Idempotency store
	IdempotencyReplays = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "idempotency",
		Name:      "replays_total",
		Help:      "Reservations resolved from a stored terminal result",
	})

	IdempotencyConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "idempotency",
		Name:      "conflicts_total",
		Help:      "Idempotency keys reused with a different payload",
	})

	IdempotencyInFlightWaits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "idempotency",
		Name:      "in_flight_waits_total",
		Help:      "Reserve attempts that found the key held by another executor",
	})

	// Payment executor
	PaymentsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "executor",
		Name:      "payments_created_total",
		Help:      "Payments created by the executor",
	})

	PaymentTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "executor",
		Name:      "transitions_total",
		Help:      "Payment status transitions applied",
	}, []string{"from", "to"})

	IllegalTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "executor",
		Name:      "illegal_transitions_total",
		Help:      "Rejected status transition attempts",
	}, []string{"from", "to"})

	SettlementSubmitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "orchestrator",
		Subsystem: "executor",
		Name:      "settlement_submit_duration_seconds",
		Help:      "Settlement backend submit call duration",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	SettlementErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "executor",
		Name:      "settlement_errors_total",
		Help:      "Settlement backend errors by class",
	}, []string{"class"}) // transient | terminal

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Subsystem: "executor",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open)",
	}, []string{"name"})

	// Claim expiry reaper
	ReaperSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "reaper",
		Name:      "sweeps_total",
		Help:      "Total reaper sweep runs",
	})

	ReaperExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "reaper",
		Name:      "expired_total",
		Help:      "Pending-claim payments transitioned to expired",
	})

	ReaperReversalFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "reaper",
		Name:      "reversal_failures_total",
		Help:      "Balance reversal attempts that failed and will be retried",
	})

	ReaperSweepLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "orchestrator",
		Subsystem: "reaper",
		Name:      "sweep_duration_seconds",
		Help:      "Reaper sweep duration",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})

	// Alerting
	AlertsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Alerts sent by channel and type",
	}, []string{"channel", "type"})

	AlertsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "alert",
		Name:      "failed_total",
		Help:      "Alert sends that failed by channel and type",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Alerts suppressed by cooldown by channel and type",
	}, []string{"channel", "type"})

	// API
	APIRequestsRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "api",
		Name:      "requests_rate_limited_total",
		Help:      "Requests rejected by the rate limiter",
	}, []string{"endpoint"})
)
