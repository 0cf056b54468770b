// Package metrics records control-plane counters for Prometheus scraping and
// aggregates per-run usage back out of a Prometheus server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // promauto collectors are package-level by convention
var (
	llmTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_tokens_total",
		Help: "Tokens consumed by model calls.",
	}, []string{"run_id", "provider", "model", "role", "type"})

	llmCosts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_costs_total",
		Help: "USD cost of model calls.",
	}, []string{"run_id", "provider", "model"})

	attemptOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attempt_outcomes_total",
		Help: "Attempt outcomes by class.",
	}, []string{"run_id", "category", "outcome"})

	patchStrategies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patch_apply_strategies_total",
		Help: "Patch applications by the strategy that succeeded.",
	}, []string{"strategy"})

	patchRollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "patch_rollbacks_total",
		Help: "Corrupt patch applications rolled back.",
	})

	providerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provider_errors_total",
		Help: "Classified provider errors.",
	}, []string{"provider", "error_type"})

	escalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "router_escalations_total",
		Help: "Model ladder escalations.",
	}, []string{"category"})

	governanceRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "governance_requests_total",
		Help: "Protected-path approval requests by final status.",
	}, []string{"status"})

	phaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "phase_duration_seconds",
		Help:    "Wall-clock time from first attempt to resolution.",
		Buckets: prometheus.ExponentialBuckets(10, 2, 10),
	}, []string{"category"})
)

// RecordTokens records token usage for one model call.
func RecordTokens(runID, provider, model, role string, promptTokens, outputTokens int64) {
	llmTokens.WithLabelValues(runID, provider, model, role, "prompt").Add(float64(promptTokens))
	llmTokens.WithLabelValues(runID, provider, model, role, "completion").Add(float64(outputTokens))
}

// RecordCost records USD spend for one model call.
func RecordCost(runID, provider, model string, costUSD float64) {
	llmCosts.WithLabelValues(runID, provider, model).Add(costUSD)
}

// RecordAttemptOutcome counts one attempt outcome.
func RecordAttemptOutcome(runID, category, outcome string) {
	attemptOutcomes.WithLabelValues(runID, category, outcome).Inc()
}

// RecordPatchStrategy counts a successful apply by strategy name.
func RecordPatchStrategy(strategy string) {
	patchStrategies.WithLabelValues(strategy).Inc()
}

// RecordPatchRollback counts one corrupt apply rolled back.
func RecordPatchRollback() {
	patchRollbacks.Inc()
}

// RecordProviderError counts one classified provider error.
func RecordProviderError(provider, errorType string) {
	providerErrors.WithLabelValues(provider, errorType).Inc()
}

// RecordEscalation counts one ladder escalation.
func RecordEscalation(category string) {
	escalations.WithLabelValues(category).Inc()
}

// RecordGovernance counts a governance request resolution.
func RecordGovernance(status string) {
	governanceRequests.WithLabelValues(status).Inc()
}

// ObservePhaseDuration records a resolved phase's wall-clock seconds.
func ObservePhaseDuration(category string, seconds float64) {
	phaseDuration.WithLabelValues(category).Observe(seconds)
}
