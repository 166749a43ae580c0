package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransfersStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vaultpay_transfers_started_total",
		Help: "Total number of transfer sagas accepted for processing.",
	})

	TransfersDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vaultpay_transfers_duplicate_total",
		Help: "Total number of transfer submissions short-circuited by the idempotency guard.",
	})

	TransfersTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultpay_transfers_terminal_total",
		Help: "Total number of sagas reaching a terminal state, labelled by state.",
	}, []string{"state"})

	SagaTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultpay_saga_transitions_total",
		Help: "Total number of applied saga state transitions, labelled by target state.",
	}, []string{"to"})

	BusPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultpay_bus_published_total",
		Help: "Total number of messages durably published, labelled by subject.",
	}, []string{"subject"})

	BusDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultpay_bus_deliveries_total",
		Help: "Total number of delivery attempts, labelled by subject and outcome (ack, redeliver, deadletter).",
	}, []string{"subject", "outcome"})

	FraudEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultpay_fraud_evaluations_total",
		Help: "Total number of fraud evaluations, labelled by verdict (passed, failed).",
	}, []string{"verdict"})

	FraudRuleErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultpay_fraud_rule_errors_total",
		Help: "Total number of rule evaluations skipped due to errors, labelled by rule.",
	}, []string{"rule"})

	FraudRiskScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vaultpay_fraud_risk_score",
		Help:    "Distribution of computed risk scores.",
		Buckets: []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	})

	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vaultpay_handler_duration_ms",
		Help:    "Saga event handler latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	}, []string{"subject"})
)
