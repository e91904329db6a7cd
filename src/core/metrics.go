package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Submission metrics
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaytrust_submissions_total",
		Help: "Total number of router submissions by kind and outcome",
	}, []string{"kind", "outcome"})

	// Consensus metrics
	consensusOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaytrust_consensus_outcomes_total",
		Help: "Total number of consensus evaluations by outcome",
	}, []string{"outcome"})

	credibilityUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaytrust_credibility_updates_total",
		Help: "Total number of router credibility updates by kind",
	}, []string{"kind"})

	challengesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaytrust_challenges_total",
		Help: "Total number of accepted challenges by outcome",
	}, []string{"outcome"})

	// Selection metrics
	selectionRoundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaytrust_selection_rounds_total",
		Help: "Total number of router selection rounds",
	})

	selectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relaytrust_selection_duration_seconds",
		Help:    "Duration of router selection rounds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 10),
	})

	// Execution metrics
	executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaytrust_executions_total",
		Help: "Total number of message executions by result",
	}, []string{"result"})

	sentMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaytrust_sent_messages_total",
		Help: "Total number of outbound messages by session kind",
	}, []string{"kind"})

	// Gauge metrics
	registeredRoutersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaytrust_registered_routers",
		Help: "Current number of registered routers",
	})

	activeRoutersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaytrust_active_routers",
		Help: "Current size of the active relay set",
	})

	pendingEntriesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaytrust_pending_entries",
		Help: "Current number of messages awaiting consensus",
	})

	executableMessagesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaytrust_executable_messages",
		Help: "Current number of finalized messages awaiting execution",
	})

	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaytrust_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relaytrust_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// RecordSubmission records a router submission with its outcome
func RecordSubmission(kind string, err error) {
	outcome := "accepted"
	if err != nil {
		outcome = "rejected"
	}
	submissionsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordConsensusOutcome records the outcome of a consensus evaluation
func RecordConsensusOutcome(result AggregationResult) {
	switch {
	case !result.Evaluated:
		consensusOutcomesTotal.WithLabelValues("deferred").Inc()
	case result.Finalized:
		consensusOutcomesTotal.WithLabelValues("finalized").Inc()
	default:
		consensusOutcomesTotal.WithLabelValues("abandoned").Inc()
	}
}

// RecordCredibilityUpdate records one router credibility adjustment
func RecordCredibilityUpdate(kind string) {
	credibilityUpdatesTotal.WithLabelValues(kind).Inc()
}

// RecordExecution records the result of executing a message
func RecordExecution(result string) {
	executionsTotal.WithLabelValues(result).Inc()
}

// UpdatePendingEntriesGauge updates the pending entries gauge
func UpdatePendingEntriesGauge(count int) {
	pendingEntriesGauge.Set(float64(count))
}

// UpdateExecutableMessagesGauge updates the executable messages gauge
func UpdateExecutableMessagesGauge(count int) {
	executableMessagesGauge.Set(float64(count))
}
