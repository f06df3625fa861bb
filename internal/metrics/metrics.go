// Package metrics holds the Prometheus collectors shared by the pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postpilot_job_transitions_total",
		Help: "Job status transitions written by the pipeline.",
	}, []string{"platform", "status"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "postpilot_job_duration_seconds",
		Help:    "Wall-clock time from claim to terminal state.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"platform"})

	ResultsByTier = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postpilot_results_total",
		Help: "Generation results by fallback tier.",
	}, []string{"tier"})

	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postpilot_provider_calls_total",
		Help: "Real model calls by outcome (success, quota, daily_quota, error).",
	}, []string{"model", "outcome"})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postpilot_response_cache_lookups_total",
		Help: "Response cache lookups (hit, miss).",
	}, []string{"result"})

	LimiterDelay = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "postpilot_limiter_delay_seconds",
		Help: "Current spacing enforced between model calls.",
	})

	QuotaUsage = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "postpilot_quota_requests",
		Help: "Requests counted in the current quota window (daily, hourly).",
	}, []string{"window"})

	ArtifactsExported = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postpilot_artifacts_exported_total",
		Help: "Artifacts written by kind.",
	}, []string{"kind"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
